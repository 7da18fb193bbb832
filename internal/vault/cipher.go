// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vault provides process-wide symmetric encryption for
// credentials referenced by Jobs and WorkflowInstances. Plaintext is
// only ever held on a worker slot's stack for the duration of a
// subprocess call; it is never written to the job store, a log line,
// or any cache.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	automationerrors "github.com/tombee/automation/pkg/errors"
)

const keySize = 32

// Cipher encrypts and decrypts vault secret content with a single
// key derived once at construction. It is safe for concurrent use.
type Cipher struct {
	key [keySize]byte
}

// NewCipher derives a 32-byte key from keyMaterial and returns a
// Cipher built from it. If keyMaterial decodes as a base64 string of
// exactly 32 bytes, those bytes are used verbatim; otherwise the key
// is derived by hashing keyMaterial with SHA-256, so any string
// (including an empty one supplied only in tests) produces a valid
// key deterministically.
func NewCipher(keyMaterial string) *Cipher {
	c := &Cipher{}
	if decoded, err := base64.URLEncoding.DecodeString(keyMaterial); err == nil && len(decoded) == keySize {
		copy(c.key[:], decoded)
		return c
	}
	sum := sha256.Sum256([]byte(keyMaterial))
	copy(c.key[:], sum[:])
	return c
}

// Encrypt seals plaintext under the cipher's key, returning a nonce
// prefixed to the ciphertext.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key), nil
}

// Decrypt opens ciphertext produced by Encrypt. It returns
// *pkg/errors.InvalidSecretError if the ciphertext is too short, was
// tampered with, or was sealed under a different key; it never
// returns partial plaintext.
func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < 24 {
		return "", &automationerrors.InvalidSecretError{}
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plain, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &c.key)
	if !ok {
		return "", &automationerrors.InvalidSecretError{}
	}
	return string(plain), nil
}
