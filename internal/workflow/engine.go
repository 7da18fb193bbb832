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

// Package workflow implements the Workflow Engine: it turns a
// WorkflowTemplate into a dependency graph of Jobs, advances ready
// steps as their dependencies complete, and drives reverse-order
// rollback when a step fails and the instance asked for it.
//
// The engine owns no subprocess or queue machinery itself; it creates
// Job records and asks the matching executor plugin to dispatch them,
// then reacts to the Worker Runtime's completion notifications via
// OnJobComplete.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation/internal/executor"
	"github.com/tombee/automation/internal/jobstore"
	automationlog "github.com/tombee/automation/internal/log"
	"github.com/tombee/automation/internal/worker"
	automationerrors "github.com/tombee/automation/pkg/errors"
)

// Store is the slice of jobstore persistence the engine needs: job
// creation/transition/listing plus workflow template and instance
// records. A caller that also needs vault access composes jobstore.Backend
// and passes it here unchanged, since Backend satisfies Store.
type Store interface {
	jobstore.JobStore
	jobstore.JobLister
	jobstore.WorkflowStore
}

// DeviceLookup resolves a device id to its dispatch coordinates. The
// device inventory itself lives outside this core; the engine only
// consumes it.
type DeviceLookup interface {
	Lookup(ctx context.Context, id string) (executor.Device, error)
}

// SecretCipher decrypts a vault-encrypted secret's ciphertext. It is
// satisfied by *vault.Cipher; the engine depends only on this narrow
// interface so that it never needs to know the cipher's internals.
type SecretCipher interface {
	Decrypt(ciphertext []byte) (string, error)
}

// Engine materializes WorkflowTemplates into Job graphs and drives
// instances to a terminal state as their jobs complete.
type Engine struct {
	store    Store
	secrets  jobstore.VaultStore
	registry *executor.Registry
	devices  DeviceLookup
	cipher   SecretCipher
	logger   *slog.Logger

	mu           sync.Mutex
	vaultPlain   map[string]string // instance id -> decrypted secret, held only while the instance is in flight
}

// New builds an Engine. secrets and cipher may both be nil if no
// instance started through this engine ever references a vault
// secret; StartInstance rejects a VaultSecretID in that case.
func New(store Store, secrets jobstore.VaultStore, registry *executor.Registry, devices DeviceLookup, cipher SecretCipher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		secrets:    secrets,
		registry:   registry,
		devices:    devices,
		cipher:     cipher,
		logger:     logger,
		vaultPlain: make(map[string]string),
	}
}

// StartRequest describes a new execution of a WorkflowTemplate.
type StartRequest struct {
	TemplateID        string
	DeviceIDs         []string
	RollbackOnFailure bool
	ExtraVars         map[string]any
	VaultSecretID     string
}

// StartInstance validates the request, snapshots the template, creates
// one PENDING Job per step, and dispatches every step whose
// dependencies are already satisfied (the steps with none).
func (e *Engine) StartInstance(ctx context.Context, req StartRequest) (*jobstore.WorkflowInstance, error) {
	tmpl, err := e.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if len(req.DeviceIDs) == 0 {
		return nil, &automationerrors.ValidationError{
			Field:   "device_ids",
			Message: "a workflow instance needs at least one target device",
		}
	}
	for _, id := range req.DeviceIDs {
		if _, err := e.devices.Lookup(ctx, id); err != nil {
			return nil, &automationerrors.ValidationError{
				Field:      "device_ids",
				Message:    fmt.Sprintf("device %q could not be resolved: %v", id, err),
				Suggestion: "check the device exists and has a recorded IP address",
			}
		}
	}

	var vaultPlain string
	if req.VaultSecretID != "" {
		if e.secrets == nil || e.cipher == nil {
			return nil, &automationerrors.ValidationError{
				Field:   "vault_secret_id",
				Message: "vault is not configured for this engine",
			}
		}
		secret, err := e.secrets.GetSecret(ctx, req.VaultSecretID)
		if err != nil {
			return nil, err
		}
		vaultPlain, err = e.cipher.Decrypt(secret.EncryptedContent)
		if err != nil {
			return nil, err
		}
	}

	instance := &jobstore.WorkflowInstance{
		ID:                uuid.NewString(),
		TemplateID:        tmpl.ID,
		TemplateSnapshot:  tmpl.Steps,
		DeviceIDs:         req.DeviceIDs,
		RollbackOnFailure: req.RollbackOnFailure,
		ExtraVars:         req.ExtraVars,
		VaultSecretID:     req.VaultSecretID,
	}
	if err := e.store.CreateInstance(ctx, instance); err != nil {
		return nil, err
	}

	if vaultPlain != "" {
		e.mu.Lock()
		e.vaultPlain[instance.ID] = vaultPlain
		e.mu.Unlock()
	}

	jobsByOrder := make(map[int]*jobstore.Job, len(tmpl.Steps))
	for _, step := range tmpl.Steps {
		job := &jobstore.Job{
			ID:                 uuid.NewString(),
			ExecutorType:       step.ExecutorType,
			ActionName:         step.ActionName,
			ExtraVars:          worker.MergeExtraVars(instance.ExtraVars, step.ExtraVars),
			PrimaryDeviceID:    req.DeviceIDs[0],
			DeviceIDs:          req.DeviceIDs,
			VaultSecretID:      req.VaultSecretID,
			WorkflowInstanceID: instance.ID,
			StepOrder:          step.Order,
		}
		jobsByOrder[step.Order] = job
	}

	for _, step := range tmpl.Steps {
		job := jobsByOrder[step.Order]
		for _, depOrder := range step.DependsOn {
			dep, ok := jobsByOrder[depOrder]
			if !ok {
				continue
			}
			job.DependsOnJobIDs = append(job.DependsOnJobIDs, dep.ID)
		}
		if err := e.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("create step %d job: %w", step.Order, err)
		}
	}

	instance.Status = jobstore.WorkflowRunning
	now := time.Now()
	instance.StartedAt = &now
	if err := e.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}

	jobs := make([]*jobstore.Job, 0, len(jobsByOrder))
	for _, job := range jobsByOrder {
		jobs = append(jobs, job)
	}

	logger := automationlog.WithWorkflowContext(e.logger, instance.ID, -1)
	e.dispatchReady(ctx, instance, jobs, logger)

	return instance, nil
}

// vaultPassword returns the decrypted secret held in memory for
// instanceID, or the empty string if none is held.
func (e *Engine) vaultPassword(instanceID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vaultPlain[instanceID]
}

// forgetVault drops an instance's decrypted secret once it reaches a
// terminal state; it is never written to storage in the first place.
func (e *Engine) forgetVault(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vaultPlain, instanceID)
}

// ready reports whether every one of job's dependencies is present in
// byID and COMPLETED.
func ready(job *jobstore.Job, byID map[string]*jobstore.Job) bool {
	for _, depID := range job.DependsOnJobIDs {
		dep, ok := byID[depID]
		if !ok || dep.Status != jobstore.JobCompleted {
			return false
		}
	}
	return true
}

// dispatchReady dispatches every PENDING, non-rollback job in jobs
// whose dependencies are all COMPLETED, in ascending step_order.
func (e *Engine) dispatchReady(ctx context.Context, instance *jobstore.WorkflowInstance, jobs []*jobstore.Job, logger *slog.Logger) {
	byID := make(map[string]*jobstore.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	var candidates []*jobstore.Job
	for _, job := range jobs {
		if job.IsRollback || job.Status != jobstore.JobPending {
			continue
		}
		if ready(job, byID) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].StepOrder < candidates[j].StepOrder })

	for _, job := range candidates {
		if err := e.dispatchJob(ctx, instance, job); err != nil {
			logger.ErrorContext(ctx, "dispatch failed", automationlog.StepOrderKey, job.StepOrder, "error", err)
			e.store.TransitionJob(ctx, job.ID, jobstore.JobPending, jobstore.JobFailed, func(j *jobstore.Job) {
				now := time.Now()
				j.CompletedAt = &now
				j.ErrorCategory = jobstore.ErrorQueueUnavailable
				j.LogOutput = err.Error()
			})
		}
	}
}

// dispatchJob resolves job's devices and asks the matching executor
// plugin to enqueue it. The job stays PENDING until the Worker Runtime
// claims it; dispatchJob only needs to get the message onto the queue.
func (e *Engine) dispatchJob(ctx context.Context, instance *jobstore.WorkflowInstance, job *jobstore.Job) error {
	plugin, err := e.registry.Get(job.ExecutorType)
	if err != nil {
		return err
	}

	primary, err := e.devices.Lookup(ctx, job.PrimaryDeviceID)
	if err != nil {
		return fmt.Errorf("resolve primary device: %w", err)
	}

	devices := make([]executor.Device, 0, len(job.DeviceIDs))
	for _, id := range job.DeviceIDs {
		d, err := e.devices.Lookup(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve device %q: %w", id, err)
		}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		devices = []executor.Device{primary}
	}

	req := executor.ExecuteRequest{
		JobID:         job.ID,
		PrimaryIP:     primary.IP,
		PrimaryName:   primary.Name,
		ActionName:    job.ActionName,
		Config:        job.ActionConfig,
		ExtraVars:     job.ExtraVars,
		Devices:       devices,
		VaultPassword: e.vaultPassword(instance.ID),
	}

	_, err = plugin.Execute(ctx, req)
	return err
}
