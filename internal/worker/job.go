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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/automation/internal/executor"
	"github.com/tombee/automation/internal/jobstore"
	automationlog "github.com/tombee/automation/internal/log"
	"github.com/tombee/automation/internal/metrics"
	"github.com/tombee/automation/internal/pubsub"
	"github.com/tombee/automation/internal/queue"
	"github.com/tombee/automation/internal/redact"
)

// taskLinePattern recognizes a configuration runner's per-step marker
// line; every match advances tasks_completed by one.
var taskLinePattern = regexp.MustCompile(`^TASK \[.*\]`)

// tracer emits the claim/spawn/reap spans for a job's run. It is a
// package-level otel.Tracer rather than an injected dependency because
// that is how every otel-instrumented caller uses the API: with no
// TracerProvider configured (the common case in tests), otel hands back
// a no-op tracer and these calls cost nothing.
var tracer = otel.Tracer("github.com/tombee/automation/internal/worker")

// runJob drives a single dispatched message through claim, start,
// validate, prepare, spawn, stream, reap, cleanup, and retry.
func (w *Worker) runJob(ctx context.Context, msg *queue.Message) {
	ctx, rootSpan := tracer.Start(ctx, "worker.run_job", trace.WithAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("job.executor_type", msg.ExecutorType),
	))
	defer rootSpan.End()

	logger := automationlog.WithJobContext(w.logger, msg.JobID)
	logger = automationlog.WithExecutor(logger, msg.ExecutorType)

	job, err := w.store.GetJob(ctx, msg.JobID)
	if err != nil {
		rootSpan.RecordError(err)
		rootSpan.SetStatus(codes.Error, "load job failed")
		logger.ErrorContext(ctx, "could not load job for dequeued message", "error", err)
		return
	}

	// Step 1: claim.
	if job.CancelRequested {
		_, err := w.store.TransitionJob(ctx, job.ID, jobstore.JobPending, jobstore.JobCancelled, func(j *jobstore.Job) {
			now := time.Now()
			j.CancelledAt = &now
			j.LogOutput = "cancelled before execution"
		})
		if err != nil {
			logger.WarnContext(ctx, "cancel-before-start transition failed", "error", err)
		}
		rootSpan.AddEvent("cancelled_before_start")
		w.notifyComplete(ctx, job)
		return
	}

	// Step 2: start.
	job, err = w.store.TransitionJob(ctx, job.ID, jobstore.JobPending, jobstore.JobRunning, func(j *jobstore.Job) {
		now := time.Now()
		j.StartedAt = &now
		j.WorkerTaskID = msg.ID
	})
	if err != nil {
		rootSpan.RecordError(err)
		rootSpan.SetStatus(codes.Error, "claim failed")
		logger.WarnContext(ctx, "start transition failed, job likely already claimed", "error", err)
		return
	}
	rootSpan.AddEvent("claimed")
	w.publishStatus(ctx, job.ID, "RUNNING", "")

	plugin, err := w.registry.Get(msg.ExecutorType)
	if err != nil {
		w.failTerminal(ctx, job, jobstore.ErrorValidation, err.Error())
		return
	}

	actionName, _ := msg.Payload["action_name"].(string)

	// Step 3: validate and materialize.
	actionPath, err := plugin.ResolvePath(actionName)
	if err != nil {
		w.failTerminal(ctx, job, jobstore.ErrorValidation, err.Error())
		return
	}

	taskCount, err := plugin.EstimateTaskCount(actionPath)
	if err != nil {
		w.failTerminal(ctx, job, jobstore.ErrorExecution, fmt.Sprintf("estimate task count: %v", err))
		return
	}

	job, err = w.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobRunning, func(j *jobstore.Job) {
		j.TaskCount = taskCount
	})
	if err != nil {
		logger.WarnContext(ctx, "persisting task_count failed", "error", err)
	}

	devices := devicesFromPayload(msg.Payload)
	primary := primaryDevice(msg.Payload, devices)

	// Step 4: prepare inventory.
	targets := buildInventoryTargets(devices)
	if len(targets) == 0 {
		w.failTerminal(ctx, job, jobstore.ErrorValidation, "no target device resolved a valid IP address")
		return
	}

	invPath, err := writeInventoryFile(w.tempDir, targets, sshConfig{
		User:          w.cfg.SSHUser,
		HostKeyPolicy: w.cfg.SSHHostKeyPolicy,
		IdentityFile:  w.cfg.SSHIdentityFile,
	})
	if err != nil {
		w.failTerminal(ctx, job, jobstore.ErrorExecution, fmt.Sprintf("prepare inventory: %v", err))
		return
	}
	defer cleanupFile(logger, ctx, invPath)

	// Step 5: prepare variables.
	extraVars, _ := msg.Payload["extra_vars"].(map[string]any)
	varsPath, err := writeVarsFile(w.tempDir, extraVars)
	if err != nil {
		w.failTerminal(ctx, job, jobstore.ErrorExecution, fmt.Sprintf("prepare variables: %v", err))
		return
	}
	if varsPath != "" {
		defer cleanupFile(logger, ctx, varsPath)
	}

	// Step 6: spawn.
	spawnCtx, spawnSpan := tracer.Start(ctx, "worker.spawn_and_reap", trace.WithAttributes(
		attribute.String("job.action_path", actionPath),
	))

	cmdSpec := plugin.BuildCommand(actionPath, invPath, varsPath, primary)

	subCtx, subCancel := context.WithTimeout(spawnCtx, w.cfg.SubprocessTimeout)
	defer subCancel()

	cmd := exec.CommandContext(subCtx, cmdSpec.Path, cmdSpec.Args...)
	cmd.Env = append(os.Environ(), cmdSpec.Env...)
	cmd.SysProcAttr = processGroupAttr()
	cmd.Stdin = nil
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		spawnSpan.RecordError(err)
		spawnSpan.SetStatus(codes.Error, "create output pipe failed")
		spawnSpan.End()
		w.failTerminal(ctx, job, jobstore.ErrorExecution, fmt.Sprintf("create output pipe: %v", err))
		return
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		spawnSpan.RecordError(err)
		spawnSpan.SetStatus(codes.Error, "spawn failed")
		spawnSpan.End()
		w.failTerminal(ctx, job, jobstore.ErrorExecution, fmt.Sprintf("spawn: %v", err))
		return
	}
	pw.Close()
	spawnSpan.AddEvent("spawned")

	// Step 7: stream loop.
	outcome := w.streamOutput(spawnCtx, job.ID, pr, cmd, taskCount, logger)

	waitErr := cmd.Wait()

	// Step 8: reap.
	w.reap(ctx, job, msg, outcome, waitErr, subCtx, logger)
	spawnSpan.AddEvent("reaped")
	spawnSpan.End()
}

// streamOutcome captures what ended a job's subprocess streaming loop.
type streamOutcome struct {
	buf            *redact.Buffer
	tasksCompleted int
	cancelled      bool
}

func (w *Worker) streamOutput(ctx context.Context, jobID string, pr *os.File, cmd *exec.Cmd, taskCount int, logger *slog.Logger) *streamOutcome {
	out := &streamOutcome{buf: redact.NewBuffer()}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	linesSinceCheck := 0
	linesSincePersist := 0

	for scanner.Scan() {
		line := scanner.Text()
		out.buf.Append(line)
		w.publishLog(ctx, jobID, redact.Line(line))

		if taskLinePattern.MatchString(line) {
			out.tasksCompleted++
			linesSincePersist++
			if linesSincePersist >= w.cfg.ProgressPersistInterval {
				linesSincePersist = 0
				progress := progressPercent(out.tasksCompleted, taskCount)
				w.store.TransitionJob(ctx, jobID, jobstore.JobRunning, jobstore.JobRunning, func(j *jobstore.Job) {
					j.TasksCompleted = out.tasksCompleted
					j.Progress = progress
				})
			}
		}

		linesSinceCheck++
		if linesSinceCheck >= w.cfg.CancelPollLines {
			linesSinceCheck = 0
			if job, err := w.store.GetJob(ctx, jobID); err == nil && job.CancelRequested {
				out.cancelled = true
				killProcessGroup(cmd)
				break
			}
		}
	}
	pr.Close()

	return out
}

func progressPercent(tasksCompleted, taskCount int) int {
	if taskCount <= 0 {
		return 0
	}
	pct := int(math.Floor(100 * float64(tasksCompleted) / float64(taskCount)))
	if pct > 99 {
		pct = 99
	}
	return pct
}

// reap persists the job's terminal outcome (or re-enqueues it for
// retry) and publishes the completion event.
func (w *Worker) reap(ctx context.Context, job *jobstore.Job, msg *queue.Message, outcome *streamOutcome, waitErr error, subCtx context.Context, logger *slog.Logger) {
	logOutput := outcome.buf.String()

	switch {
	case outcome.cancelled:
		w.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobCancelled, func(j *jobstore.Job) {
			now := time.Now()
			j.CancelledAt = &now
			j.LogOutput = logOutput
			j.TasksCompleted = outcome.tasksCompleted
		})
		metrics.RecordJobOutcome(job.ExecutorType, "CANCELLED", jobDuration(job))
		w.publishStatus(ctx, job.ID, "CANCELLED", "")
		w.finishStream(ctx, job.ID)
		w.reloadAndNotify(ctx, job.ID)
		return

	case subCtx.Err() == context.DeadlineExceeded:
		w.retryOrFail(ctx, job, msg, jobstore.ErrorTimeout, logOutput, outcome.tasksCompleted)
		return

	case waitErr != nil:
		category := redact.Classify(logOutput)
		w.retryOrFail(ctx, job, msg, category, logOutput, outcome.tasksCompleted)
		return

	default:
		job, err := w.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobCompleted, func(j *jobstore.Job) {
			now := time.Now()
			j.CompletedAt = &now
			j.LogOutput = logOutput
			j.TasksCompleted = outcome.tasksCompleted
			j.Progress = 100
		})
		if err != nil {
			logger.WarnContext(ctx, "completion transition failed", "error", err)
		}
		if job != nil {
			metrics.RecordJobOutcome(job.ExecutorType, "COMPLETED", jobDuration(job))
		}
		w.publishStatus(ctx, job.ID, "COMPLETED", "")
		w.finishStream(ctx, job.ID)
		if job != nil {
			w.notifyComplete(ctx, job)
		}
	}
}

// jobDuration returns the wall-clock time the job's subprocess ran for,
// or zero if it never started.
func jobDuration(job *jobstore.Job) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	} else if job.CancelledAt != nil {
		end = *job.CancelledAt
	}
	return end.Sub(*job.StartedAt)
}

// retryOrFail decides, per the error category, whether the job goes
// back to PENDING for another Task Queue attempt or FAILs terminally.
func (w *Worker) retryOrFail(ctx context.Context, job *jobstore.Job, msg *queue.Message, category jobstore.ErrorCategory, logOutput string, tasksCompleted int) {
	if redact.Retryable(category) && msg.Attempts < queue.MaxAttempts {
		w.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobPending, func(j *jobstore.Job) {
			j.LogOutput = logOutput
			j.ErrorCategory = category
			j.TasksCompleted = tasksCompleted
		})

		retryMsg := &queue.Message{
			ID:           fmt.Sprintf("%s-retry-%d", msg.ID, msg.Attempts),
			JobID:        msg.JobID,
			ExecutorType: msg.ExecutorType,
			Payload:      msg.Payload,
			Attempts:     msg.Attempts,
			NotBefore:    time.Now().Add(queue.Backoff(msg.Attempts)),
			EnqueuedAt:   time.Now(),
		}
		if err := w.q.Enqueue(ctx, retryMsg); err != nil {
			w.logger.ErrorContext(ctx, "retry re-enqueue failed", "error", err, automationlog.EventKey, "retry_enqueue_failed")
		}
		metrics.RecordJobRetry(job.ExecutorType)
		w.publishStatus(ctx, job.ID, "PENDING", "retrying")
		return
	}

	failed, err := w.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobFailed, func(j *jobstore.Job) {
		now := time.Now()
		j.CompletedAt = &now
		j.LogOutput = logOutput
		j.ErrorCategory = category
		j.TasksCompleted = tasksCompleted
	})
	if err == nil && failed != nil {
		metrics.RecordJobOutcome(failed.ExecutorType, "FAILED", jobDuration(failed))
	}
	w.publishStatus(ctx, job.ID, "FAILED", string(category))
	w.finishStream(ctx, job.ID)
	w.reloadAndNotify(ctx, job.ID)
}

// failTerminal moves a job straight to FAILED without ever spawning a
// subprocess, for validation-class failures discovered during claim
// or materialize.
func (w *Worker) failTerminal(ctx context.Context, job *jobstore.Job, category jobstore.ErrorCategory, message string) {
	failed, err := w.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobFailed, func(j *jobstore.Job) {
		now := time.Now()
		j.CompletedAt = &now
		j.LogOutput = message
		j.ErrorCategory = category
	})
	if err == nil && failed != nil {
		metrics.RecordJobOutcome(failed.ExecutorType, "FAILED", jobDuration(failed))
	}
	w.publishStatus(ctx, job.ID, "FAILED", string(category))
	w.finishStream(ctx, job.ID)
	w.reloadAndNotify(ctx, job.ID)
}

func (w *Worker) reloadAndNotify(ctx context.Context, jobID string) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		w.logger.WarnContext(ctx, "reload after terminal transition failed", "error", err)
		return
	}
	w.notifyComplete(ctx, job)
}

func (w *Worker) notifyComplete(ctx context.Context, job *jobstore.Job) {
	if w.onComplete != nil {
		w.onComplete(ctx, job)
	}
}

type statusEvent struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (w *Worker) publishStatus(ctx context.Context, jobID, status, message string) {
	data, err := json.Marshal(statusEvent{Type: "STATUS", Status: status, Message: message})
	if err != nil {
		return
	}
	w.bus.Publish(ctx, pubsub.JobChannel(jobID), string(data))
}

func (w *Worker) publishLog(ctx context.Context, jobID, line string) {
	w.bus.Publish(ctx, pubsub.JobChannel(jobID), line)
}

func (w *Worker) finishStream(ctx context.Context, jobID string) {
	w.bus.Publish(ctx, pubsub.JobChannel(jobID), pubsub.StreamComplete)
	data, err := json.Marshal(statusEvent{Type: "COMPLETE"})
	if err == nil {
		w.bus.Publish(ctx, pubsub.JobChannel(jobID), string(data))
	}
}

func cleanupFile(logger *slog.Logger, ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.WarnContext(ctx, "cleanup temp file failed", "path", path, "error", err)
	}
}

// devicesFromPayload reconstructs the executor.Device list an
// executor plugin serialized onto the queue message. A queue backend
// that round-trips through JSON (e.g. Redis) hands back []any of
// map[string]any; an in-process queue hands back the plugin's own
// concrete []map[string]any unchanged. Both are accepted.
func devicesFromPayload(payload map[string]any) []executor.Device {
	var items []map[string]any
	switch v := payload["devices"].(type) {
	case []map[string]any:
		items = v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				items = append(items, m)
			}
		}
	}

	devices := make([]executor.Device, 0, len(items))
	for _, m := range items {
		d := executor.Device{}
		d.ID, _ = m["id"].(string)
		d.IP, _ = m["ip"].(string)
		d.Name, _ = m["name"].(string)
		devices = append(devices, d)
	}
	return devices
}

// primaryDevice returns the payload's declared primary target, or the
// first device in the list if no primary was recorded.
func primaryDevice(payload map[string]any, devices []executor.Device) executor.Device {
	ip, _ := payload["primary_ip"].(string)
	name, _ := payload["primary_name"].(string)
	if ip != "" {
		return executor.Device{IP: ip, Name: name}
	}
	if len(devices) > 0 {
		return devices[0]
	}
	return executor.Device{}
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the subprocess's process group
// and schedules a SIGKILL five seconds later. It does not reap the
// process itself; the caller's own cmd.Wait() does that once the
// signal causes it to exit. A SIGKILL delivered to an already-exited
// process group is a harmless no-op.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	go func() {
		time.Sleep(5 * time.Second)
		syscall.Kill(pgid, syscall.SIGKILL)
	}()
}
