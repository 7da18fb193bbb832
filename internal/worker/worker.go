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

// Package worker implements the Worker Runtime: the fixed pool of
// slots that dequeues dispatched Jobs, spawns the configured executor
// plugin's subprocess against a per-job inventory and vars file,
// streams and redacts its output to the Job Store and Pub/Sub, and
// resolves the Job to a terminal status or a retryable re-enqueue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/automation/internal/executor"
	automationlog "github.com/tombee/automation/internal/log"
	"github.com/tombee/automation/internal/jobstore"
	"github.com/tombee/automation/internal/pubsub"
	"github.com/tombee/automation/internal/queue"
)

// Config controls a Worker's concurrency, timeouts, and the SSH
// parameters stamped into every generated inventory file.
type Config struct {
	// Slots bounds how many jobs run concurrently.
	Slots int

	// SubprocessTimeout is the hard ceiling on a single executor
	// subprocess; past it the subprocess is killed and the job is
	// retried, or FAILs with error_category timeout once its attempts
	// are used up.
	SubprocessTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for active jobs to
	// finish before giving up and returning with jobs still running.
	DrainTimeout time.Duration

	// CancelPollLines is how many subprocess output lines pass between
	// checks of a job's cancel_requested flag.
	CancelPollLines int

	// SSHUser, SSHHostKeyPolicy, and SSHIdentityFile are the ambient
	// connection parameters written into every generated inventory.
	SSHUser          string
	SSHHostKeyPolicy string
	SSHIdentityFile  string

	// ProgressPersistInterval is how many TASK lines pass between
	// persisting progress/tasks_completed to the Job Store.
	ProgressPersistInterval int
}

// DefaultConfig returns a Config with the spec's mandated timeouts.
func DefaultConfig() Config {
	return Config{
		Slots:                   4,
		SubprocessTimeout:       500 * time.Second,
		DrainTimeout:            30 * time.Second,
		CancelPollLines:         10,
		SSHUser:                 "automation",
		SSHHostKeyPolicy:        "accept-new",
		ProgressPersistInterval: 3,
	}
}

// OnJobComplete is invoked after a job reaches a terminal state, so a
// caller (typically the workflow engine) can react without the
// Worker needing to know anything about workflows.
type OnJobComplete func(ctx context.Context, job *jobstore.Job)

// Worker is the Worker Runtime: a bounded pool of slots dequeuing from
// a Task Queue and executing jobs against the configured executors.
type Worker struct {
	cfg      Config
	store    jobstore.JobStore
	q        queue.Queue
	bus      pubsub.Bus
	registry *executor.Registry
	logger   *slog.Logger

	semaphore chan struct{}
	wg        sync.WaitGroup
	draining  atomic.Bool

	onComplete OnJobComplete

	tempDir string
}

// New builds a Worker. tempDir is where per-job inventory and vars
// files are created; an empty string uses the OS default temp
// directory. Device coordinates are not resolved here: by the time a
// job reaches the queue, the executor plugin that built the dispatch
// message has already baked each device's IP and name into its
// payload, resolved against the (out-of-scope) device inventory at
// Execute time.
func New(cfg Config, store jobstore.JobStore, q queue.Queue, bus pubsub.Bus, registry *executor.Registry, logger *slog.Logger) *Worker {
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	if cfg.SubprocessTimeout <= 0 {
		cfg.SubprocessTimeout = 500 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.CancelPollLines <= 0 {
		cfg.CancelPollLines = 10
	}
	if cfg.ProgressPersistInterval <= 0 {
		cfg.ProgressPersistInterval = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		cfg:       cfg,
		store:     store,
		q:         q,
		bus:       bus,
		registry:  registry,
		logger:    logger,
		semaphore: make(chan struct{}, cfg.Slots),
	}
}

// SetOnJobComplete registers the hook invoked after every job reaches
// a terminal state.
func (w *Worker) SetOnJobComplete(fn OnJobComplete) {
	w.onComplete = fn
}

// Start runs the dequeue loop until ctx is cancelled or Stop is
// called. It blocks the calling goroutine; callers typically run it
// in its own goroutine.
func (w *Worker) Start(ctx context.Context) error {
	for {
		if w.draining.Load() {
			return nil
		}

		msg, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.ErrorContext(ctx, "dequeue failed", automationlog.EventKey, "dequeue_error", "error", err)
			continue
		}

		select {
		case w.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		w.wg.Add(1)
		go func(m *queue.Message) {
			defer w.wg.Done()
			defer func() { <-w.semaphore }()

			jobCtx, cancel := context.WithTimeout(context.Background(), w.cfg.SubprocessTimeout+30*time.Second)
			defer cancel()

			w.runJob(jobCtx, m)
		}(msg)
	}
}

// StartDraining marks the worker as no longer accepting new
// dequeues; in-flight jobs continue to completion.
func (w *Worker) StartDraining() {
	w.draining.Store(true)
}

// ActiveJobCount returns the number of slots currently occupied.
func (w *Worker) ActiveJobCount() int {
	return len(w.semaphore)
}

// Stop drains the worker: it stops accepting new jobs and waits up to
// cfg.DrainTimeout (or until ctx is cancelled, whichever is sooner)
// for active jobs to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.StartDraining()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop: %w (%d job(s) still running)", ctx.Err(), w.ActiveJobCount())
	case <-timer.C:
		return fmt.Errorf("drain timeout: %d job(s) still running", w.ActiveJobCount())
	}
}
