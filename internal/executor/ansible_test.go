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

func writePlaybook(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestAnsiblePlugin_ListActions(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "reboot.yml", "# Description: Reboot a homelab device\n---\n- hosts: homelab\n  tasks: []\n")
	writePlaybook(t, dir, "update_packages.yaml", "---\n- name: Update all packages\n  hosts: homelab\n  tasks: []\n")

	p := NewAnsiblePlugin(dir, queue.NewMemoryQueue())
	actions, err := p.ListActions()
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}

	byName := map[string]Action{}
	for _, a := range actions {
		byName[a.Name] = a
	}
	if byName["reboot"].Description != "Reboot a homelab device" {
		t.Errorf("expected description from # Description: header, got %q", byName["reboot"].Description)
	}
	if byName["update_packages"].Description != "Update all packages" {
		t.Errorf("expected description from first play's name:, got %q", byName["update_packages"].Description)
	}
}

func TestAnsiblePlugin_Validate(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "reboot.yml", "---\n")

	p := NewAnsiblePlugin(dir, queue.NewMemoryQueue())

	if err := p.Validate("reboot", nil); err != nil {
		t.Errorf("expected reboot to validate, got %v", err)
	}
	if err := p.Validate("../etc/passwd", nil); err == nil {
		t.Error("expected path-traversal action name to be rejected")
	}
	if err := p.Validate("does-not-exist", nil); err == nil {
		t.Error("expected missing action to be rejected")
	}
}

func TestAnsiblePlugin_Execute_EnqueuesMessage(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "reboot.yml", "---\n")

	q := queue.NewMemoryQueue()
	p := NewAnsiblePlugin(dir, q)

	handle, err := p.Execute(context.Background(), ExecuteRequest{
		JobID:         "job-1",
		PrimaryIP:     "10.0.0.5",
		PrimaryName:   "nas",
		ActionName:    "reboot",
		VaultPassword: "s3cr3t",
		Devices:       []Device{{ID: "dev-1", IP: "10.0.0.5", Name: "nas"}},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if handle == "" {
		t.Fatal("expected non-empty task handle")
	}

	msg, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if msg.JobID != "job-1" || msg.ExecutorType != "ansible" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Payload["vault_password"] != "s3cr3t" {
		t.Error("expected vault_password to be carried on the queue payload")
	}
}

func TestAnsiblePlugin_EstimateTaskCount(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "multi.yml", "---\n- hosts: homelab\n  tasks:\n    - name: first\n      debug: msg=hi\n    - name: second\n      debug: msg=bye\n")
	writePlaybook(t, dir, "empty.yml", "---\n- hosts: homelab\n  tasks: []\n")

	p := NewAnsiblePlugin(dir, queue.NewMemoryQueue())

	path, err := p.ResolvePath("multi")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	count, err := p.EstimateTaskCount(path)
	if err != nil {
		t.Fatalf("EstimateTaskCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 tasks, got %d", count)
	}

	emptyPath, err := p.ResolvePath("empty")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	count, err = p.EstimateTaskCount(emptyPath)
	if err != nil {
		t.Fatalf("EstimateTaskCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected task count to floor at 1, got %d", count)
	}
}

func TestAnsiblePlugin_BuildCommand(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "reboot.yml", "---\n")
	p := NewAnsiblePlugin(dir, queue.NewMemoryQueue())

	path, err := p.ResolvePath("reboot")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}

	cmd := p.BuildCommand(path, "/tmp/inv", "/tmp/vars.json", Device{IP: "10.0.0.5"})
	if cmd.Path != "ansible-playbook" {
		t.Errorf("expected ansible-playbook, got %q", cmd.Path)
	}
	wantArgs := []string{path, "-i", "/tmp/inv", "--timeout", "300", "--extra-vars", "@/tmp/vars.json"}
	if len(cmd.Args) != len(wantArgs) {
		t.Fatalf("expected %v, got %v", wantArgs, cmd.Args)
	}
	for i := range wantArgs {
		if cmd.Args[i] != wantArgs[i] {
			t.Errorf("arg %d: expected %q, got %q", i, wantArgs[i], cmd.Args[i])
		}
	}

	cmdNoVars := p.BuildCommand(path, "/tmp/inv", "", Device{IP: "10.0.0.5"})
	for _, a := range cmdNoVars.Args {
		if a == "--extra-vars" {
			t.Error("expected no --extra-vars flag when varsPath is empty")
		}
	}
}

func TestAnsiblePlugin_Execute_RejectsUnsafeAction(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMemoryQueue()
	p := NewAnsiblePlugin(dir, q)

	if _, err := p.Execute(context.Background(), ExecuteRequest{JobID: "job-1", ActionName: "../escape"}); err == nil {
		t.Error("expected Execute to reject an unsafe action name before enqueueing")
	}

	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Error("expected no message to be enqueued for a rejected action")
	}
}
