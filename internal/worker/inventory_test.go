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
	"os"
	"strings"
	"testing"

	"github.com/tombee/automation/internal/executor"
)

func TestBuildInventoryTargets_DropsUnparseableIPs(t *testing.T) {
	devices := []executor.Device{
		{ID: "dev-1", IP: "10.0.0.5", Name: "nas"},
		{ID: "dev-2", IP: "not-an-ip", Name: "broken"},
		{ID: "dev-3", IP: "::1", Name: "ipv6-host"},
	}

	targets := buildInventoryTargets(devices)

	if len(targets) != 2 {
		t.Fatalf("expected 2 valid targets, got %d: %+v", len(targets), targets)
	}
	if targets[0].IP != "10.0.0.5" || targets[1].IP != "::1" {
		t.Errorf("unexpected target IPs: %+v", targets)
	}
}

func TestSanitizeHostName_StripsUnsafeCharacters(t *testing.T) {
	name := sanitizeHostName("nas-01")
	if name != "nas-01" {
		t.Errorf("expected unchanged safe name, got %q", name)
	}
}

func TestSanitizeHostName_FallsBackOnUnsafeName(t *testing.T) {
	name := sanitizeHostName("device's; rm -rf /\n")
	if !strings.HasPrefix(name, "device_") {
		t.Errorf("expected deterministic fallback name, got %q", name)
	}

	again := sanitizeHostName("device's; rm -rf /\n")
	if again != name {
		t.Errorf("expected deterministic fallback, got %q then %q", name, again)
	}
}

func TestRenderInventory_IncludesGroupsAndVars(t *testing.T) {
	targets := []inventoryTarget{{Host: "nas", IP: "10.0.0.5"}}
	content := renderInventory(targets, sshConfig{User: "automation", HostKeyPolicy: "accept-new"})

	if !strings.Contains(content, "[homelab]") {
		t.Error("expected homelab group header")
	}
	if !strings.Contains(content, "nas ansible_host=10.0.0.5") {
		t.Errorf("expected host line, got:\n%s", content)
	}
	if !strings.Contains(content, "[all:vars]") {
		t.Error("expected all:vars group header")
	}
	if !strings.Contains(content, "ansible_user=automation") {
		t.Error("expected ansible_user to be set")
	}
	if !strings.Contains(content, "StrictHostKeyChecking=accept-new") {
		t.Error("expected host key policy in ssh common args")
	}
	if !strings.Contains(content, "ansible_python_interpreter=/usr/bin/python3") {
		t.Error("expected python interpreter var")
	}
}

func TestRenderInventory_IncludesIdentityFileWhenSet(t *testing.T) {
	targets := []inventoryTarget{{Host: "nas", IP: "10.0.0.5"}}
	content := renderInventory(targets, sshConfig{User: "automation", HostKeyPolicy: "accept-new", IdentityFile: "/etc/automation/id_ed25519"})

	if !strings.Contains(content, "IdentityFile=/etc/automation/id_ed25519") {
		t.Errorf("expected identity file in ssh common args, got:\n%s", content)
	}
}

func TestWriteInventoryFile_Permissions(t *testing.T) {
	dir := t.TempDir()
	targets := []inventoryTarget{{Host: "nas", IP: "10.0.0.5"}}

	path, err := writeInventoryFile(dir, targets, sshConfig{User: "automation", HostKeyPolicy: "accept-new"})
	if err != nil {
		t.Fatalf("writeInventoryFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %v", perm)
	}
}
