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

// Package pathsafe implements the path-safety algorithm shared by every
// executor plugin: resolve a requested file against a configured root
// directory and reject anything that escapes it, including via symlinks.
package pathsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NameRegexp is the safe-name pattern an action name must match before
// it is ever joined onto a filesystem path.
var NameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrEscapesRoot is returned when the resolved path falls outside root.
type ErrEscapesRoot struct {
	Path string
	Root string
}

func (e *ErrEscapesRoot) Error() string {
	return fmt.Sprintf("path %q escapes root %q", e.Path, e.Root)
}

// Resolve canonicalizes root and joins name+ext onto it, rejecting the
// result unless:
//  1. name matches NameRegexp,
//  2. the resolved absolute path is root itself or a descendant of it
//     (checked after symlink resolution, so a symlink cannot point the
//     lookup outside root),
//  3. the file exists.
//
// It returns the resolved absolute path.
func Resolve(root, name, ext string) (string, error) {
	if !NameRegexp.MatchString(name) {
		return "", fmt.Errorf("invalid name %q: must match %s", name, NameRegexp.String())
	}

	canonRoot, err := canonicalize(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}

	candidate := filepath.Join(canonRoot, name+ext)

	info, err := os.Lstat(candidate)
	if err != nil {
		return "", fmt.Errorf("action %q not found: %w", name, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// Resolve the symlink target explicitly so canonicalize below
		// sees where it actually points.
		target, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("resolve symlink %q: %w", candidate, err)
		}
		candidate = target
	}

	resolved, err := canonicalize(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", candidate, err)
	}

	if resolved != canonRoot && !strings.HasPrefix(resolved, canonRoot+string(filepath.Separator)) {
		return "", &ErrEscapesRoot{Path: resolved, Root: canonRoot}
	}

	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("action %q not found: %w", name, err)
	}

	return resolved, nil
}

// canonicalize makes path absolute, resolves symlinks on any existing
// prefix, and cleans the result.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	return resolved, nil
}
