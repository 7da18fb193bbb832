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
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation/internal/executor"
	"github.com/tombee/automation/internal/jobstore"
	"github.com/tombee/automation/internal/pubsub"
	"github.com/tombee/automation/internal/queue"
)

// fakePlugin is a minimal executor.Plugin whose BuildCommand is fully
// under test control, so the worker's spawn/stream/reap pipeline can
// be exercised against real subprocesses (/bin/sh) without requiring
// an ansible-playbook binary.
type fakePlugin struct {
	typ       string
	taskCount int
	cmd       executor.Command
}

var _ executor.Plugin = (*fakePlugin)(nil)

func (p *fakePlugin) Type() string { return p.typ }
func (p *fakePlugin) ListActions() ([]executor.Action, error) { return nil, nil }
func (p *fakePlugin) Validate(actionName string, config map[string]any) error { return nil }
func (p *fakePlugin) ActionSchema(actionName string) (map[string]any, error) { return nil, nil }
func (p *fakePlugin) Execute(ctx context.Context, req executor.ExecuteRequest) (string, error) {
	return "", nil
}
func (p *fakePlugin) ResolvePath(actionName string) (string, error) { return actionName, nil }
func (p *fakePlugin) EstimateTaskCount(actionPath string) (int, error) { return p.taskCount, nil }
func (p *fakePlugin) BuildCommand(actionPath, inventoryPath, varsPath string, primary executor.Device) executor.Command {
	return p.cmd
}

func testWorker(t *testing.T, store jobstore.Backend, q queue.Queue, bus pubsub.Bus, plugin executor.Plugin) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CancelPollLines = 1
	cfg.SubprocessTimeout = 5 * time.Second
	registry := executor.NewRegistry(plugin)
	logger := slog.New(slog.DiscardHandler)
	return New(cfg, store, q, bus, registry, logger)
}

func createRunningJob(t *testing.T, store jobstore.Backend, executorType string) *jobstore.Job {
	t.Helper()
	job := &jobstore.Job{
		ID:              uuid.NewString(),
		ExecutorType:    executorType,
		ActionName:      "noop",
		PrimaryDeviceID: "dev-1",
		DeviceIDs:       []string{"dev-1"},
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func devicePayload() []map[string]any {
	return []map[string]any{
		{"id": "dev-1", "ip": "10.0.0.5", "name": "nas"},
	}
}

func TestRunJob_CompletesSuccessfully(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()

	plugin := &fakePlugin{
		typ:       "fake",
		taskCount: 2,
		cmd: executor.Command{
			Path: "/bin/sh",
			Args: []string{"-c", "echo 'TASK [install package]'; echo 'TASK [restart service]'; exit 0"},
		},
	}
	w := testWorker(t, store, q, bus, plugin)

	job := createRunningJob(t, store, "fake")

	msg := &queue.Message{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ExecutorType: "fake",
		Payload: map[string]any{
			"action_name":  "noop",
			"primary_ip":   "10.0.0.5",
			"primary_name": "nas",
			"devices":      devicePayload(),
		},
		Attempts: 1,
	}

	w.runJob(context.Background(), msg)

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobstore.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (log: %s)", got.Status, got.LogOutput)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if got.TasksCompleted != 2 {
		t.Errorf("expected 2 tasks completed, got %d", got.TasksCompleted)
	}
}

func TestRunJob_FailsTerminalOnNonRetryableCategory(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()

	plugin := &fakePlugin{
		typ:       "fake",
		taskCount: 1,
		cmd: executor.Command{
			Path: "/bin/sh",
			Args: []string{"-c", "echo 'permission denied'; exit 1"},
		},
	}
	w := testWorker(t, store, q, bus, plugin)

	job := createRunningJob(t, store, "fake")
	msg := &queue.Message{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ExecutorType: "fake",
		Payload: map[string]any{
			"action_name": "noop",
			"primary_ip":  "10.0.0.5",
			"devices":     devicePayload(),
		},
		Attempts: 1,
	}

	w.runJob(context.Background(), msg)

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobstore.JobFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorCategory != jobstore.ErrorPermission {
		t.Errorf("expected permission category, got %s", got.ErrorCategory)
	}

	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Errorf("expected no retry re-enqueue for a permission failure, got %d queued", n)
	}
}

func TestRunJob_RetriesRetryableCategory(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()

	plugin := &fakePlugin{
		typ:       "fake",
		taskCount: 1,
		cmd: executor.Command{
			Path: "/bin/sh",
			Args: []string{"-c", "echo 'connection refused'; exit 1"},
		},
	}
	w := testWorker(t, store, q, bus, plugin)

	job := createRunningJob(t, store, "fake")
	msg := &queue.Message{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ExecutorType: "fake",
		Payload: map[string]any{
			"action_name": "noop",
			"primary_ip":  "10.0.0.5",
			"devices":     devicePayload(),
		},
		Attempts: 1,
	}

	w.runJob(context.Background(), msg)

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobstore.JobPending {
		t.Fatalf("expected job returned to PENDING for retry, got %s", got.Status)
	}

	n, _ := q.Len(context.Background())
	if n != 1 {
		t.Fatalf("expected a retry message enqueued, got %d", n)
	}
}

func TestRunJob_ExhaustedRetriesFailsTerminal(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()

	plugin := &fakePlugin{
		typ:       "fake",
		taskCount: 1,
		cmd: executor.Command{
			Path: "/bin/sh",
			Args: []string{"-c", "echo 'connection refused'; exit 1"},
		},
	}
	w := testWorker(t, store, q, bus, plugin)

	job := createRunningJob(t, store, "fake")
	msg := &queue.Message{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ExecutorType: "fake",
		Payload: map[string]any{
			"action_name": "noop",
			"primary_ip":  "10.0.0.5",
			"devices":     devicePayload(),
		},
		Attempts: queue.MaxAttempts,
	}

	w.runJob(context.Background(), msg)

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobstore.JobFailed {
		t.Fatalf("expected FAILED after exhausting retries, got %s", got.Status)
	}
}

func TestRunJob_CancelRequestedBeforeStartSkipsExecution(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()

	plugin := &fakePlugin{
		typ:       "fake",
		taskCount: 1,
		cmd:       executor.Command{Path: "/bin/sh", Args: []string{"-c", "exit 0"}},
	}
	w := testWorker(t, store, q, bus, plugin)

	job := createRunningJob(t, store, "fake")
	_, err := store.TransitionJob(context.Background(), job.ID, jobstore.JobPending, jobstore.JobPending, func(j *jobstore.Job) {
		j.CancelRequested = true
	})
	if err != nil {
		t.Fatalf("setup transition failed: %v", err)
	}

	msg := &queue.Message{ID: uuid.NewString(), JobID: job.ID, ExecutorType: "fake", Payload: map[string]any{"action_name": "noop"}}
	w.runJob(context.Background(), msg)

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobstore.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.CancelledAt == nil {
		t.Error("expected cancelled_at to be set")
	}
}

func TestRunJob_CancellationDuringStreamKillsSubprocess(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()

	plugin := &fakePlugin{
		typ:       "fake",
		taskCount: 1,
		cmd: executor.Command{
			Path: "/bin/sh",
			Args: []string{"-c", "for i in 1 2 3 4 5 6 7 8 9 10; do echo line $i; sleep 0.3; done"},
		},
	}
	w := testWorker(t, store, q, bus, plugin)

	job := createRunningJob(t, store, "fake")
	msg := &queue.Message{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ExecutorType: "fake",
		Payload: map[string]any{
			"action_name": "noop",
			"primary_ip":  "10.0.0.5",
			"devices":     devicePayload(),
		},
		Attempts: 1,
	}

	go func() {
		time.Sleep(500 * time.Millisecond)
		store.TransitionJob(context.Background(), job.ID, jobstore.JobRunning, jobstore.JobRunning, func(j *jobstore.Job) {
			j.CancelRequested = true
		})
	}()

	start := time.Now()
	w.runJob(context.Background(), msg)
	elapsed := time.Since(start)

	if elapsed > 5*time.Second {
		t.Fatalf("expected cancellation to stop the subprocess well before it finished, took %s", elapsed)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobstore.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s (log: %s)", got.Status, got.LogOutput)
	}
}

func TestStop_DrainsActiveJobs(t *testing.T) {
	store := jobstore.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	bus := pubsub.NewMemoryBus()
	plugin := &fakePlugin{typ: "fake", taskCount: 1, cmd: executor.Command{Path: "/bin/sh", Args: []string{"-c", "exit 0"}}}
	w := testWorker(t, store, q, bus, plugin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()

	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
