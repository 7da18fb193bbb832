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

package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	automationerrors "github.com/tombee/automation/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ JobStore     = (*MemoryBackend)(nil)
	_ JobLister    = (*MemoryBackend)(nil)
	_ WorkflowStore = (*MemoryBackend)(nil)
	_ VaultStore   = (*MemoryBackend)(nil)
	_ Backend      = (*MemoryBackend)(nil)
)

// MemoryBackend is an in-memory job store, used for tests and single-process
// development. A single mutex guards all maps; TransitionJob's CAS check is
// thus trivially serialized within the process.
type MemoryBackend struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	templates map[string]*WorkflowTemplate
	instances map[string]*WorkflowInstance
	secrets   map[string]*VaultSecret
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:      make(map[string]*Job),
		templates: make(map[string]*WorkflowTemplate),
		instances: make(map[string]*WorkflowInstance),
		secrets:   make(map[string]*VaultSecret),
	}
}

func (b *MemoryBackend) CreateJob(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}

	job.Status = JobPending
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	cp := *job
	b.jobs[job.ID] = &cp
	return nil
}

func (b *MemoryBackend) GetJob(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, exists := b.jobs[id]
	if !exists {
		return nil, &automationerrors.NotFoundError{Resource: "job", ID: id}
	}
	cp := *job
	return &cp, nil
}

func (b *MemoryBackend) TransitionJob(ctx context.Context, id string, from, to JobStatus, mutate func(*Job)) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, exists := b.jobs[id]
	if !exists {
		return nil, &automationerrors.NotFoundError{Resource: "job", ID: id}
	}
	if job.Status != from {
		return nil, &automationerrors.ConflictError{
			Resource: "job",
			ID:       id,
			Expected: string(from),
			Actual:   string(job.Status),
		}
	}
	if job.Status.terminal() {
		return nil, &automationerrors.ConflictError{
			Resource: "job",
			ID:       id,
			Expected: string(from),
			Actual:   string(job.Status),
		}
	}

	cp := *job
	cp.Status = to
	if mutate != nil {
		mutate(&cp)
	}
	cp.UpdatedAt = time.Now()

	stored := cp
	b.jobs[id] = &stored

	out := cp
	return &out, nil
}

func (b *MemoryBackend) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*Job
	for _, job := range b.jobs {
		if filter.DeviceID != "" && job.PrimaryDeviceID != filter.DeviceID {
			continue
		}
		if filter.ExecutorType != "" && job.ExecutorType != filter.ExecutorType {
			continue
		}
		if filter.WorkflowInstanceID != "" && job.WorkflowInstanceID != filter.WorkflowInstanceID {
			continue
		}
		cp := *job
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, filter.Page, filter.PerPage), nil
}

func paginate[T any](items []T, page, perPage int) []T {
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return nil
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (b *MemoryBackend) DeleteJob(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.jobs, id)
	return nil
}

func (b *MemoryBackend) CreateTemplate(ctx context.Context, tmpl *WorkflowTemplate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.templates {
		if existing.Name == tmpl.Name {
			return &automationerrors.ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("workflow template name %q already exists", tmpl.Name),
			}
		}
	}

	now := time.Now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	cp := *tmpl
	b.templates[tmpl.ID] = &cp
	return nil
}

func (b *MemoryBackend) GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tmpl, exists := b.templates[id]
	if !exists {
		return nil, &automationerrors.NotFoundError{Resource: "workflow_template", ID: id}
	}
	cp := *tmpl
	return &cp, nil
}

func (b *MemoryBackend) ListTemplates(ctx context.Context) ([]*WorkflowTemplate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*WorkflowTemplate, 0, len(b.templates))
	for _, tmpl := range b.templates {
		cp := *tmpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBackend) DeleteTemplate(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.templates, id)
	return nil
}

func (b *MemoryBackend) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.instances[inst.ID]; exists {
		return fmt.Errorf("workflow instance already exists: %s", inst.ID)
	}

	inst.Status = WorkflowPending
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	cp := *inst
	b.instances[inst.ID] = &cp
	return nil
}

func (b *MemoryBackend) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, exists := b.instances[id]
	if !exists {
		return nil, &automationerrors.NotFoundError{Resource: "workflow_instance", ID: id}
	}
	cp := *inst
	return &cp, nil
}

func (b *MemoryBackend) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.instances[inst.ID]; !exists {
		return &automationerrors.NotFoundError{Resource: "workflow_instance", ID: inst.ID}
	}

	cp := *inst
	cp.UpdatedAt = time.Now()
	b.instances[inst.ID] = &cp
	return nil
}

func (b *MemoryBackend) ListInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*WorkflowInstance, 0, len(b.instances))
	for _, inst := range b.instances {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteInstance deletes a workflow instance and cascades deletion to the
// jobs it owns, per the ownership rule in the data model.
func (b *MemoryBackend) DeleteInstance(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.instances, id)
	for jobID, job := range b.jobs {
		if job.WorkflowInstanceID == id {
			delete(b.jobs, jobID)
		}
	}
	return nil
}

func (b *MemoryBackend) CreateSecret(ctx context.Context, secret *VaultSecret) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.secrets {
		if existing.Name == secret.Name {
			return &automationerrors.ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("vault secret name %q already exists", secret.Name),
			}
		}
	}

	now := time.Now()
	secret.CreatedAt = now
	secret.UpdatedAt = now
	cp := *secret
	b.secrets[secret.ID] = &cp
	return nil
}

func (b *MemoryBackend) GetSecret(ctx context.Context, id string) (*VaultSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	secret, exists := b.secrets[id]
	if !exists {
		return nil, &automationerrors.NotFoundError{Resource: "vault_secret", ID: id}
	}
	cp := *secret
	return &cp, nil
}

func (b *MemoryBackend) GetSecretByName(ctx context.Context, name string) (*VaultSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, secret := range b.secrets {
		if secret.Name == name {
			cp := *secret
			return &cp, nil
		}
	}
	return nil, &automationerrors.NotFoundError{Resource: "vault_secret", ID: name}
}

func (b *MemoryBackend) ListSecrets(ctx context.Context) ([]*VaultSecret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*VaultSecret, 0, len(b.secrets))
	for _, secret := range b.secrets {
		cp := *secret
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteSecret deletes a vault secret and nulls out the vault_secret_id
// reference on any job that pointed to it, per the data model's
// "do not cascade-delete history" ownership rule.
func (b *MemoryBackend) DeleteSecret(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.secrets, id)
	for _, job := range b.jobs {
		if job.VaultSecretID == id {
			job.VaultSecretID = ""
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
