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

package vault

import (
	"fmt"
	"os"
	"sync"

	automationerrors "github.com/tombee/automation/pkg/errors"
)

// KeySource identifies where the master encryption key is read from.
type KeySource string

const (
	KeySourceEnv      KeySource = "env"
	KeySourceFile     KeySource = "file"
	KeySourceKeychain KeySource = "keychain"
)

// EnvKeyVariable is the environment variable the "env" key source
// reads the master key from.
const EnvKeyVariable = "AUTOMATION_VAULT_ENCRYPTION_KEY"

var (
	mu       sync.Mutex
	instance *Cipher
)

// Load resolves the master key per source and returns the process-wide
// Cipher, constructing it once and caching it for subsequent calls.
// Concurrent callers are serialized by a package mutex, so the key is
// resolved only until the first successful Load.
func Load(source KeySource, keyFile, keychainService string) (*Cipher, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return instance, nil
	}

	var key string
	switch source {
	case KeySourceEnv, "":
		key = os.Getenv(EnvKeyVariable)
		if key == "" {
			return nil, &automationerrors.ConfigError{
				Key:    EnvKeyVariable,
				Reason: "must be set when vault key_source is \"env\"",
			}
		}
	case KeySourceFile:
		if keyFile == "" {
			return nil, &automationerrors.ConfigError{
				Key:    "vault.key_file",
				Reason: "must be set when vault key_source is \"file\"",
			}
		}
		contents, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, &automationerrors.ConfigError{Key: "vault.key_file", Reason: "could not read key file", Cause: err}
		}
		key = string(contents)
	case KeySourceKeychain:
		resolved, err := readKeychain(keychainService)
		if err != nil {
			return nil, &automationerrors.ConfigError{Key: "vault.keychain_service", Reason: "could not read master key from OS keychain", Cause: err}
		}
		key = resolved
	default:
		return nil, &automationerrors.ConfigError{
			Key:    "vault.key_source",
			Reason: fmt.Sprintf("unsupported vault key source %q", source),
		}
	}

	instance = NewCipher(key)
	return instance, nil
}

// reset clears the cached process-wide Cipher so a test can exercise
// Load again with a different key. It is unexported: only this
// package's own tests call it.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}
