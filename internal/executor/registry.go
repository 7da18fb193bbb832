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

package executor

import (
	automationerrors "github.com/tombee/automation/pkg/errors"
)

// Registry looks up a Plugin by its executor_type string.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry builds a Registry from the given plugins, keyed by their
// own Type().
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Type()] = p
	}
	return r
}

// Get returns the plugin registered for executorType.
func (r *Registry) Get(executorType string) (Plugin, error) {
	p, ok := r.plugins[executorType]
	if !ok {
		return nil, &automationerrors.ValidationError{
			Field:      "executor_type",
			Message:    "unknown executor type: " + executorType,
			Suggestion: "call GET /executors to see available executor types",
		}
	}
	return p, nil
}

// Types returns every registered executor_type.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.plugins))
	for t := range r.plugins {
		types = append(types, t)
	}
	return types
}
