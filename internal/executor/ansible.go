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
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	automationerrors "github.com/tombee/automation/pkg/errors"
	"github.com/tombee/automation/internal/pathsafe"
	"github.com/tombee/automation/internal/queue"
)

// AnsiblePlugin is the built-in configuration-runner plugin: actions
// are Ansible playbooks discovered from a single directory.
type AnsiblePlugin struct {
	actionDir string
	q         queue.Queue
}

var _ Plugin = (*AnsiblePlugin)(nil)

// NewAnsiblePlugin returns a plugin whose actions live under actionDir.
func NewAnsiblePlugin(actionDir string, q queue.Queue) *AnsiblePlugin {
	return &AnsiblePlugin{actionDir: actionDir, q: q}
}

func (p *AnsiblePlugin) Type() string { return "ansible" }

// ListActions globs *.yml/*.yaml playbooks directly under actionDir and
// extracts a description from a leading "# Description:" comment, or
// failing that the first play's name: line.
func (p *AnsiblePlugin) ListActions() ([]Action, error) {
	var actions []Action

	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := doublestar.Glob(os.DirFS(p.actionDir), pattern)
		if err != nil {
			return nil, fmt.Errorf("glob playbooks: %w", err)
		}
		for _, name := range matches {
			ext := filepath.Ext(name)
			base := strings.TrimSuffix(name, ext)
			if !pathsafe.NameRegexp.MatchString(base) {
				continue
			}
			desc := playbookDescription(filepath.Join(p.actionDir, name))
			actions = append(actions, Action{
				Name:        base,
				DisplayName: displayName(base),
				Description: desc,
			})
		}
	}

	return actions, nil
}

// playbookDescription extracts a "# Description: ..." header comment,
// falling back to the first play's "name:" line.
func playbookDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var firstName string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToLower(line), "# description:") {
			return strings.TrimSpace(line[len("# description:"):])
		}
		if nameLine := strings.TrimPrefix(line, "- "); firstName == "" && strings.HasPrefix(nameLine, "name:") {
			firstName = strings.TrimSpace(strings.TrimPrefix(nameLine, "name:"))
			firstName = strings.Trim(firstName, `"'`)
		}
	}
	return firstName
}

func displayName(actionName string) string {
	words := strings.FieldsFunc(actionName, func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Validate runs the shared path-safety algorithm against actionDir.
func (p *AnsiblePlugin) Validate(actionName string, config map[string]any) error {
	if _, err := p.resolve(actionName); err != nil {
		return err
	}
	return nil
}

func (p *AnsiblePlugin) resolve(actionName string) (string, error) {
	path, err := pathsafe.Resolve(p.actionDir, actionName, ".yml")
	if err != nil {
		path, err = pathsafe.Resolve(p.actionDir, actionName, ".yaml")
	}
	if err != nil {
		return "", &automationerrors.ValidationError{
			Field:      "action_name",
			Message:    fmt.Sprintf("unknown or unsafe action %q: %v", actionName, err),
			Suggestion: "call list_actions to see valid action names",
		}
	}
	return path, nil
}

// ResolvePath exposes resolve for the worker runtime, which needs the
// concrete playbook path to spawn and to count tasks from.
func (p *AnsiblePlugin) ResolvePath(actionName string) (string, error) {
	return p.resolve(actionName)
}

// EstimateTaskCount counts "- name:" task declarations in the playbook,
// a reasonable proxy for the number of TASK [...] lines the runner
// will emit. Never returns less than 1.
func (p *AnsiblePlugin) EstimateTaskCount(actionPath string) (int, error) {
	f, err := os.Open(actionPath)
	if err != nil {
		return 0, fmt.Errorf("open playbook: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "- name:") {
			count++
		}
	}
	if count < 1 {
		count = 1
	}
	return count, nil
}

// BuildCommand invokes ansible-playbook with the bit-exact argument
// vector: the playbook, the prepared inventory, a 300s per-task
// timeout, and (if present) an extra-vars file reference.
func (p *AnsiblePlugin) BuildCommand(actionPath, inventoryPath, varsPath string, primary Device) Command {
	args := []string{actionPath, "-i", inventoryPath, "--timeout", "300"}
	if varsPath != "" {
		args = append(args, "--extra-vars", "@"+varsPath)
	}
	return Command{Path: "ansible-playbook", Args: args}
}

// ActionSchema is not currently populated from playbook front-matter;
// built-in actions describe extra_vars in prose, not machine schema.
func (p *AnsiblePlugin) ActionSchema(actionName string) (map[string]any, error) {
	if _, err := p.resolve(actionName); err != nil {
		return nil, err
	}
	return nil, nil
}

// Execute validates the action and enqueues a dispatch message. The
// returned task handle is the queue message id.
func (p *AnsiblePlugin) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	if err := p.Validate(req.ActionName, req.Config); err != nil {
		return "", err
	}

	devices := make([]map[string]any, 0, len(req.Devices))
	for _, d := range req.Devices {
		devices = append(devices, map[string]any{
			"id":   d.ID,
			"ip":   d.IP,
			"name": d.Name,
		})
	}

	msg := &queue.Message{
		ID:           uuid.NewString(),
		JobID:        req.JobID,
		ExecutorType: p.Type(),
		EnqueuedAt:   time.Now(),
		Payload: map[string]any{
			"primary_ip":     req.PrimaryIP,
			"primary_name":   req.PrimaryName,
			"action_name":    req.ActionName,
			"config":         req.Config,
			"extra_vars":     req.ExtraVars,
			"devices":        devices,
			"vault_password": req.VaultPassword,
		},
	}

	if err := p.q.Enqueue(ctx, msg); err != nil {
		return "", &automationerrors.QueueError{Op: "execute", MessageID: msg.ID, Cause: err}
	}
	return msg.ID, nil
}
