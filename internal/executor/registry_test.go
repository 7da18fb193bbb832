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
	"testing"

	"github.com/tombee/automation/internal/queue"
)

func TestRegistry_GetAndTypes(t *testing.T) {
	q := queue.NewMemoryQueue()
	r := NewRegistry(NewAnsiblePlugin(t.TempDir(), q), NewShellPlugin(t.TempDir(), q))

	if _, err := r.Get("ansible"); err != nil {
		t.Errorf("expected ansible to be registered, got %v", err)
	}
	if _, err := r.Get("shell"); err != nil {
		t.Errorf("expected shell to be registered, got %v", err)
	}
	if _, err := r.Get("docker"); err == nil {
		t.Error("expected unregistered executor type to error")
	}

	types := r.Types()
	if len(types) != 2 {
		t.Errorf("expected 2 registered types, got %d", len(types))
	}
}
