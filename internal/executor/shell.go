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

	"github.com/tombee/automation/internal/pathsafe"
	"github.com/tombee/automation/internal/queue"
	automationerrors "github.com/tombee/automation/pkg/errors"
)

// ShellPlugin runs a single allow-listed script from its action
// directory, for homelab actions that aren't Ansible playbooks
// (reboot.sh, backup.sh, and similar).
type ShellPlugin struct {
	actionDir string
	q         queue.Queue
}

var _ Plugin = (*ShellPlugin)(nil)

// NewShellPlugin returns a plugin whose actions live under actionDir.
func NewShellPlugin(actionDir string, q queue.Queue) *ShellPlugin {
	return &ShellPlugin{actionDir: actionDir, q: q}
}

func (p *ShellPlugin) Type() string { return "shell" }

func (p *ShellPlugin) ListActions() ([]Action, error) {
	matches, err := doublestar.Glob(os.DirFS(p.actionDir), "*.sh")
	if err != nil {
		return nil, fmt.Errorf("glob scripts: %w", err)
	}

	actions := make([]Action, 0, len(matches))
	for _, name := range matches {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if !pathsafe.NameRegexp.MatchString(base) {
			continue
		}
		actions = append(actions, Action{
			Name:        base,
			DisplayName: displayName(base),
			Description: scriptDescription(filepath.Join(p.actionDir, name)),
		})
	}
	return actions, nil
}

func scriptDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToLower(line), "# description:") {
			return strings.TrimSpace(line[len("# description:"):])
		}
	}
	return ""
}

func (p *ShellPlugin) resolve(actionName string) (string, error) {
	path, err := pathsafe.Resolve(p.actionDir, actionName, ".sh")
	if err != nil {
		return "", &automationerrors.ValidationError{
			Field:      "action_name",
			Message:    fmt.Sprintf("unknown or unsafe action %q: %v", actionName, err),
			Suggestion: "call list_actions to see valid action names",
		}
	}
	return path, nil
}

func (p *ShellPlugin) Validate(actionName string, config map[string]any) error {
	_, err := p.resolve(actionName)
	return err
}

// ResolvePath exposes resolve for the worker runtime.
func (p *ShellPlugin) ResolvePath(actionName string) (string, error) {
	return p.resolve(actionName)
}

// EstimateTaskCount: a shell script is one undifferentiated step.
func (p *ShellPlugin) EstimateTaskCount(actionPath string) (int, error) {
	return 1, nil
}

// BuildCommand runs the script directly with the primary target's
// coordinates passed as environment variables; shell actions have no
// inventory or extra-vars file concept.
func (p *ShellPlugin) BuildCommand(actionPath, inventoryPath, varsPath string, primary Device) Command {
	return Command{
		Path: actionPath,
		Env: []string{
			"TARGET_IP=" + primary.IP,
			"TARGET_NAME=" + primary.Name,
		},
	}
}

// ActionSchema: shell scripts don't declare a machine-readable schema.
func (p *ShellPlugin) ActionSchema(actionName string) (map[string]any, error) {
	if _, err := p.resolve(actionName); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *ShellPlugin) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
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
			"primary_ip":   req.PrimaryIP,
			"primary_name": req.PrimaryName,
			"action_name":  req.ActionName,
			"config":       req.Config,
			"extra_vars":   req.ExtraVars,
			"devices":      devices,
		},
	}

	if err := p.q.Enqueue(ctx, msg); err != nil {
		return "", &automationerrors.QueueError{Op: "execute", MessageID: msg.ID, Cause: err}
	}
	return msg.ID, nil
}
