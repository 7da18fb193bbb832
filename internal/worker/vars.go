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

package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// safeVarKey matches the keys allowed through to the configuration
// runner's extra-vars file.
var safeVarKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MergeExtraVars layers extra_vars maps in increasing precedence: a
// key present in a later layer overwrites the same key from an
// earlier one. Nil layers are skipped.
func MergeExtraVars(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// filterSafeVars drops any key that fails safeVarKey or any value
// that isn't a string, number, bool, list-of-primitives, or
// recursively safe map; the configuration runner only ever needs
// plain serializable data.
func filterSafeVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if !safeVarKey.MatchString(k) {
			continue
		}
		if fv, ok := filterSafeValue(v); ok {
			out[k] = fv
		}
	}
	return out
}

func filterSafeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return val, true
	case map[string]any:
		return filterSafeVars(val), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if fv, ok := filterSafeValue(item); ok {
				switch fv.(type) {
				case map[string]any, []any:
					// Lists of primitives only; nested structures in a
					// list are dropped rather than rejecting the whole list.
					continue
				}
				out = append(out, fv)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// writeVarsFile filters vars to safe types, serializes them to JSON,
// and writes them to a securely created temporary file (0600, caller
// owns cleanup).
func writeVarsFile(dir string, vars map[string]any) (string, error) {
	safe := filterSafeVars(vars)
	if len(safe) == 0 {
		return "", nil
	}

	data, err := json.Marshal(safe)
	if err != nil {
		return "", fmt.Errorf("marshal extra_vars: %w", err)
	}

	f, err := os.CreateTemp(dir, "vars-*.json")
	if err != nil {
		return "", fmt.Errorf("create vars file: %w", err)
	}
	defer f.Close()

	if err := f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod vars file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write vars file: %w", err)
	}
	return f.Name(), nil
}
