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

// Package jobstore provides durable storage for Jobs, WorkflowTemplates,
// WorkflowInstances, and VaultSecrets.
//
// # Interface Hierarchy
//
// The package uses interface segregation to allow minimal implementations:
//
//   - JobStore (core, required): CreateJob, GetJob, TransitionJob
//   - JobLister (optional): ListJobs, DeleteJob
//   - WorkflowStore (optional): template and instance persistence
//   - VaultStore (optional): encrypted secret persistence
//
// Backend composes all of these for full-featured implementations.
// Components that only need create/get/transition should accept JobStore
// and use type assertions to detect optional capabilities at runtime.
package jobstore

import (
	"context"
	"io"
)

// JobStore is the core interface for job storage.
type JobStore interface {
	// CreateJob atomically writes a new job in PENDING status.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id string) (*Job, error)

	// TransitionJob performs a CAS-guarded state transition: the update
	// is rejected if the job's persisted status does not equal from.
	// mutate is applied to the in-place copy before it is persisted, and
	// may set Status, Progress, TasksCompleted, LogOutput, ErrorCategory,
	// and the lifecycle timestamps; it must not change From/To itself.
	TransitionJob(ctx context.Context, id string, from, to JobStatus, mutate func(*Job)) (*Job, error)
}

// JobLister is an optional interface for listing and deleting jobs.
//
//	if lister, ok := store.(jobstore.JobLister); ok {
//	    jobs, err := lister.ListJobs(ctx, filter)
//	}
type JobLister interface {
	// ListJobs lists jobs matching filter, newest-first, paginated with
	// PerPage clamped to 100.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// DeleteJob deletes a job by ID.
	DeleteJob(ctx context.Context, id string) error
}

// WorkflowStore is an optional interface for workflow template and
// instance persistence.
type WorkflowStore interface {
	CreateTemplate(ctx context.Context, tmpl *WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]*WorkflowTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error

	CreateInstance(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *WorkflowInstance) error
	ListInstances(ctx context.Context) ([]*WorkflowInstance, error)
}

// VaultStore is an optional interface for encrypted secret persistence.
// It never sees plaintext; EncryptedContent is opaque to the store.
type VaultStore interface {
	CreateSecret(ctx context.Context, secret *VaultSecret) error
	GetSecret(ctx context.Context, id string) (*VaultSecret, error)
	GetSecretByName(ctx context.Context, name string) (*VaultSecret, error)
	ListSecrets(ctx context.Context) ([]*VaultSecret, error)
	DeleteSecret(ctx context.Context, id string) error
}

// Backend is the full interface for job store implementations. This is a
// composite interface that embeds all segregated interfaces plus
// io.Closer for lifecycle management.
type Backend interface {
	JobStore
	JobLister
	WorkflowStore
	VaultStore
	io.Closer
}
