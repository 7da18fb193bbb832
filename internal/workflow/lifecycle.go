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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation/internal/jobstore"
	automationlog "github.com/tombee/automation/internal/log"
	"github.com/tombee/automation/internal/metrics"
	automationerrors "github.com/tombee/automation/pkg/errors"
)

// instanceJobs loads every job belonging to instanceID, paginating
// past ListJobs' 100-per-page clamp.
func (e *Engine) instanceJobs(ctx context.Context, instanceID string) ([]*jobstore.Job, error) {
	var all []*jobstore.Job
	for page := 1; ; page++ {
		batch, err := e.store.ListJobs(ctx, jobstore.JobFilter{
			WorkflowInstanceID: instanceID,
			Page:               page,
			PerPage:            100,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			return all, nil
		}
	}
}

// OnJobComplete is registered with the Worker Runtime via
// worker.Worker.SetOnJobComplete. It is called once a job reaches a
// terminal status and advances, fails, or rolls back the owning
// instance accordingly. Standalone jobs (no WorkflowInstanceID) are
// ignored.
func (e *Engine) OnJobComplete(ctx context.Context, job *jobstore.Job) {
	if job.WorkflowInstanceID == "" {
		return
	}

	instance, err := e.store.GetInstance(ctx, job.WorkflowInstanceID)
	if err != nil {
		e.logger.ErrorContext(ctx, "load instance for completed job failed", automationlog.JobIDKey, job.ID, "error", err)
		return
	}

	logger := automationlog.WithWorkflowContext(e.logger, instance.ID, job.StepOrder)

	jobs, err := e.instanceJobs(ctx, instance.ID)
	if err != nil {
		logger.ErrorContext(ctx, "load instance jobs failed", "error", err)
		return
	}

	if instance.Status == jobstore.WorkflowRollingBack {
		e.advanceRollback(ctx, instance, jobs, logger)
		return
	}

	if job.IsRollback {
		// A rollback job completed or failed outside of ROLLING_BACK;
		// nothing else drives rollback jobs, so this should not happen.
		return
	}

	switch job.Status {
	case jobstore.JobCompleted:
		if allComplete(jobs) {
			e.finishInstance(ctx, instance, jobstore.WorkflowCompleted, "")
			return
		}
		e.dispatchReady(ctx, instance, jobs, logger)

	case jobstore.JobFailed:
		if !instance.RollbackOnFailure {
			e.finishInstance(ctx, instance, jobstore.WorkflowFailed,
				fmt.Sprintf("Step %d (%s) failed", job.StepOrder, job.ActionName))
			return
		}
		e.beginRollback(ctx, instance, jobs, logger)

	case jobstore.JobCancelled:
		e.finishInstance(ctx, instance, jobstore.WorkflowCancelled, "")
	}
}

// allComplete reports whether every non-rollback job is COMPLETED.
func allComplete(jobs []*jobstore.Job) bool {
	for _, j := range jobs {
		if j.IsRollback {
			continue
		}
		if j.Status != jobstore.JobCompleted {
			return false
		}
	}
	return true
}

// finishInstance transitions instance to a terminal status, records
// errMsg if any, and releases its held vault secret.
func (e *Engine) finishInstance(ctx context.Context, instance *jobstore.WorkflowInstance, status jobstore.WorkflowInstanceStatus, errMsg string) {
	instance.Status = status
	instance.ErrorMessage = errMsg
	now := time.Now()
	instance.CompletedAt = &now
	if err := e.store.UpdateInstance(ctx, instance); err != nil {
		e.logger.ErrorContext(ctx, "finish instance failed", automationlog.WorkflowInstanceKey, instance.ID, "error", err)
	}
	metrics.RecordWorkflowOutcome(string(status))
	e.forgetVault(instance.ID)
}

// beginRollback builds one rollback Job per completed step that has a
// RollbackAction, in descending step_order, and dispatches the first.
// A step without a RollbackAction is skipped, not failed.
func (e *Engine) beginRollback(ctx context.Context, instance *jobstore.WorkflowInstance, jobs []*jobstore.Job, logger *slog.Logger) {
	stepByOrder := make(map[int]jobstore.WorkflowStepSpec, len(instance.TemplateSnapshot))
	for _, step := range instance.TemplateSnapshot {
		stepByOrder[step.Order] = step
	}

	var completed []*jobstore.Job
	for _, j := range jobs {
		if !j.IsRollback && j.Status == jobstore.JobCompleted {
			completed = append(completed, j)
		}
	}
	sort.Slice(completed, func(i, k int) bool { return completed[i].StepOrder > completed[k].StepOrder })

	var rollbackJobs []*jobstore.Job
	for _, j := range completed {
		step, ok := stepByOrder[j.StepOrder]
		if !ok || step.RollbackAction == "" {
			continue
		}
		rollbackJobs = append(rollbackJobs, &jobstore.Job{
			ID:                 uuid.NewString(),
			ExecutorType:       j.ExecutorType,
			ActionName:         step.RollbackAction,
			ExtraVars:          j.ExtraVars,
			PrimaryDeviceID:    j.PrimaryDeviceID,
			DeviceIDs:          j.DeviceIDs,
			VaultSecretID:      j.VaultSecretID,
			WorkflowInstanceID: instance.ID,
			StepOrder:          j.StepOrder,
			IsRollback:         true,
		})
	}

	if len(rollbackJobs) == 0 {
		e.finishInstance(ctx, instance, jobstore.WorkflowFailed, "Workflow failed, no rollback actions defined")
		return
	}

	instance.Status = jobstore.WorkflowRollingBack
	if err := e.store.UpdateInstance(ctx, instance); err != nil {
		logger.ErrorContext(ctx, "transition to rolling back failed", "error", err)
		return
	}

	for _, rj := range rollbackJobs {
		if err := e.store.CreateJob(ctx, rj); err != nil {
			logger.ErrorContext(ctx, "create rollback job failed", "error", err)
			e.finishInstance(ctx, instance, jobstore.WorkflowFailed, "Rollback failed")
			return
		}
	}

	e.dispatchNextRollback(ctx, instance, rollbackJobs, logger)
}

// advanceRollback is called as each rollback job completes while the
// instance is ROLLING_BACK: it serializes rollback execution one job
// at a time, in the order beginRollback created them (descending
// step_order), and finalizes the instance once the chain ends.
func (e *Engine) advanceRollback(ctx context.Context, instance *jobstore.WorkflowInstance, jobs []*jobstore.Job, logger *slog.Logger) {
	var rollbackJobs []*jobstore.Job
	for _, j := range jobs {
		if j.IsRollback {
			rollbackJobs = append(rollbackJobs, j)
		}
	}
	sort.Slice(rollbackJobs, func(i, k int) bool { return rollbackJobs[i].StepOrder > rollbackJobs[k].StepOrder })

	for _, rj := range rollbackJobs {
		if rj.Status == jobstore.JobFailed {
			e.finishInstance(ctx, instance, jobstore.WorkflowFailed, "Rollback failed")
			return
		}
	}

	e.dispatchNextRollback(ctx, instance, rollbackJobs, logger)
}

// dispatchNextRollback dispatches the first PENDING rollback job in
// rollbackJobs (already sorted descending by step_order), or marks the
// instance ROLLED_BACK if every rollback job has completed.
func (e *Engine) dispatchNextRollback(ctx context.Context, instance *jobstore.WorkflowInstance, rollbackJobs []*jobstore.Job, logger *slog.Logger) {
	allDone := true
	for _, rj := range rollbackJobs {
		if rj.Status != jobstore.JobCompleted {
			allDone = false
		}
		if rj.Status == jobstore.JobPending {
			if err := e.dispatchJob(ctx, instance, rj); err != nil {
				logger.ErrorContext(ctx, "dispatch rollback job failed", automationlog.StepOrderKey, rj.StepOrder, "error", err)
				e.finishInstance(ctx, instance, jobstore.WorkflowFailed, "Rollback failed")
			}
			return
		}
	}
	if allDone {
		e.finishInstance(ctx, instance, jobstore.WorkflowRolledBack, "")
	}
}

// Cancel stops a PENDING or RUNNING instance: PENDING jobs are
// cancelled immediately, RUNNING jobs are flagged for cooperative
// cancellation by the Worker Runtime's poll loop, and the instance
// itself moves to CANCELLED once every job has been signalled.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != jobstore.WorkflowPending && instance.Status != jobstore.WorkflowRunning {
		return &automationerrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot cancel a workflow instance in status %s", instance.Status),
		}
	}

	jobs, err := e.instanceJobs(ctx, instanceID)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		switch job.Status {
		case jobstore.JobPending:
			_, err := e.store.TransitionJob(ctx, job.ID, jobstore.JobPending, jobstore.JobCancelled, func(j *jobstore.Job) {
				now := time.Now()
				j.CancelledAt = &now
			})
			if err != nil {
				e.logger.ErrorContext(ctx, "cancel pending job failed", automationlog.JobIDKey, job.ID, "error", err)
			}
		case jobstore.JobRunning:
			_, err := e.store.TransitionJob(ctx, job.ID, jobstore.JobRunning, jobstore.JobRunning, func(j *jobstore.Job) {
				j.CancelRequested = true
			})
			if err != nil {
				e.logger.ErrorContext(ctx, "request job cancellation failed", automationlog.JobIDKey, job.ID, "error", err)
			}
		}
	}

	instance.Status = jobstore.WorkflowCancelled
	now := time.Now()
	instance.CompletedAt = &now
	if err := e.store.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("cancel instance: %w", err)
	}
	e.forgetVault(instanceID)
	return nil
}
