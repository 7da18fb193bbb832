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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/automation/internal/queue"
)

func TestShellPlugin_ListActions(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\n# Description: Back up NAS shares\nrsync -a /data /backup\n"
	if err := os.WriteFile(filepath.Join(dir, "backup.sh"), []byte(script), 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	p := NewShellPlugin(dir, queue.NewMemoryQueue())
	actions, err := p.ListActions()
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	if len(actions) != 1 || actions[0].Name != "backup" {
		t.Fatalf("unexpected actions: %+v", actions)
	}
	if actions[0].Description != "Back up NAS shares" {
		t.Errorf("unexpected description: %q", actions[0].Description)
	}
}

func TestShellPlugin_Execute(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "backup.sh"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	q := queue.NewMemoryQueue()
	p := NewShellPlugin(dir, q)

	handle, err := p.Execute(context.Background(), ExecuteRequest{JobID: "job-1", ActionName: "backup"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if handle == "" {
		t.Fatal("expected non-empty task handle")
	}
}

func TestShellPlugin_BuildCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "backup.sh"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	p := NewShellPlugin(dir, queue.NewMemoryQueue())

	path, err := p.ResolvePath("backup")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}

	cmd := p.BuildCommand(path, "/tmp/inv", "/tmp/vars.json", Device{IP: "10.0.0.5", Name: "nas"})
	if cmd.Path != path {
		t.Errorf("expected script path %q, got %q", path, cmd.Path)
	}
	if len(cmd.Args) != 0 {
		t.Errorf("expected no args, got %v", cmd.Args)
	}

	found := map[string]bool{}
	for _, e := range cmd.Env {
		found[e] = true
	}
	if !found["TARGET_IP=10.0.0.5"] || !found["TARGET_NAME=nas"] {
		t.Errorf("expected target env vars, got %v", cmd.Env)
	}
}

func TestShellPlugin_EstimateTaskCount(t *testing.T) {
	dir := t.TempDir()
	p := NewShellPlugin(dir, queue.NewMemoryQueue())
	count, err := p.EstimateTaskCount(filepath.Join(dir, "anything.sh"))
	if err != nil {
		t.Fatalf("EstimateTaskCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected shell scripts to always report 1 task, got %d", count)
	}
}

func TestShellPlugin_Validate_RejectsEscapingName(t *testing.T) {
	dir := t.TempDir()
	p := NewShellPlugin(dir, queue.NewMemoryQueue())

	if err := p.Validate("../../etc/shadow", nil); err == nil {
		t.Error("expected path-traversal action name to be rejected")
	}
}
