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
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/tombee/automation/internal/executor"
)

// unsafeNameChars strips characters that could break out of the INI
// inventory format or be misread by the configuration runner's parser.
var unsafeNameChars = regexp.MustCompile(`[\n\r'"\\\[\]{}]`)

// inventoryTarget is one sanitized host line in the generated
// inventory file.
type inventoryTarget struct {
	Host string
	IP   string
}

// buildInventoryTargets validates and sanitizes devices for inclusion
// in the per-job inventory file. A device with an unparseable IP is
// dropped rather than failing the whole job; at least one surviving
// target is required by the caller.
func buildInventoryTargets(devices []executor.Device) []inventoryTarget {
	targets := make([]inventoryTarget, 0, len(devices))
	for _, d := range devices {
		if net.ParseIP(d.IP) == nil {
			continue
		}
		targets = append(targets, inventoryTarget{
			Host: sanitizeHostName(d.Name),
			IP:   d.IP,
		})
	}
	return targets
}

// sanitizeHostName strips characters unsafe for an INI inventory host
// line and falls back to a deterministic placeholder if what remains
// doesn't match the safe-name pattern.
func sanitizeHostName(name string) string {
	cleaned := unsafeNameChars.ReplaceAllString(name, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned != "" && safeHostName.MatchString(cleaned) {
		return cleaned
	}

	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("device_%d", h.Sum32()%10000)
}

var safeHostName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// sshConfig carries the ambient SSH parameters the generated inventory
// applies to every host.
type sshConfig struct {
	User          string
	HostKeyPolicy string
	IdentityFile  string
}

// renderInventory builds the INI-format inventory content for targets
// under the "homelab" group, with python interpreter and connection
// settings under [all:vars].
func renderInventory(targets []inventoryTarget, ssh sshConfig) string {
	var b strings.Builder

	b.WriteString("[homelab]\n")
	for _, t := range targets {
		fmt.Fprintf(&b, "%s ansible_host=%s\n", t.Host, t.IP)
	}

	b.WriteString("\n[all:vars]\n")
	fmt.Fprintf(&b, "ansible_user=%s\n", ssh.User)
	fmt.Fprintf(&b, "ansible_ssh_common_args='%s'\n", sshCommonArgs(ssh))
	b.WriteString("ansible_python_interpreter=/usr/bin/python3\n")

	return b.String()
}

func sshCommonArgs(ssh sshConfig) string {
	policy := ssh.HostKeyPolicy
	if policy == "" {
		policy = "accept-new"
	}
	args := fmt.Sprintf("-o StrictHostKeyChecking=%s", policy)
	if ssh.IdentityFile != "" {
		args += fmt.Sprintf(" -o IdentityFile=%s", ssh.IdentityFile)
	}
	return args
}

// writeInventoryFile renders targets into an INI inventory and writes
// it to a securely created temporary file (0600, caller owns cleanup).
func writeInventoryFile(dir string, targets []inventoryTarget, ssh sshConfig) (string, error) {
	content := renderInventory(targets, ssh)

	f, err := os.CreateTemp(dir, "inventory-*.ini")
	if err != nil {
		return "", fmt.Errorf("create inventory file: %w", err)
	}
	defer f.Close()

	if err := f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod inventory file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write inventory file: %w", err)
	}
	return f.Name(), nil
}
