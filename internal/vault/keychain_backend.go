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
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// keychainKeyEntry is the fixed keyring account name the vault's own
// master key is stored under; unlike job secrets, this is the only
// thing ever read from the OS keychain.
const keychainKeyEntry = "master-key"

// readKeychain fetches the vault master key from the OS keychain
// under the given service name. It is read-only: the vault never
// writes job secrets to the OS keychain, only seeds its own key from it.
func readKeychain(service string) (string, error) {
	if service == "" {
		return "", fmt.Errorf("keychain service name is empty")
	}
	value, err := keyring.Get(service, keychainKeyEntry)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no %q entry under keychain service %q", keychainKeyEntry, service)
		}
		if isKeychainUnavailableError(err) {
			return "", fmt.Errorf("system keychain is locked or inaccessible: %w", err)
		}
		return "", fmt.Errorf("keychain access error: %w", err)
	}
	return value, nil
}

// isKeychainUnavailableError reports whether err's message indicates
// the keychain itself is locked or unreachable, as opposed to the
// entry simply not existing.
func isKeychainUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	indicators := []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	}
	for _, indicator := range indicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}
