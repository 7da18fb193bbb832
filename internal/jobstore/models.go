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

import "time"

// JobStatus is a Job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// terminal reports whether s is a state a Job never leaves.
func (s JobStatus) terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ErrorCategory classifies a failed Job, per the substring-match rules
// applied to redacted subprocess output.
type ErrorCategory string

const (
	ErrorNone             ErrorCategory = ""
	ErrorValidation       ErrorCategory = "validation"
	ErrorNotFound         ErrorCategory = "not_found"
	ErrorAuthentication   ErrorCategory = "authentication"
	ErrorPermission       ErrorCategory = "permission"
	ErrorConnectivity     ErrorCategory = "connectivity"
	ErrorTimeout          ErrorCategory = "timeout"
	ErrorExecution        ErrorCategory = "execution"
	ErrorQueueUnavailable ErrorCategory = "queue_unavailable"
	ErrorVaultInvalid     ErrorCategory = "vault_invalid"
)

// Job is the atomic unit of execution: one action against one primary
// target (or a set, via DeviceIDs).
type Job struct {
	ID               string         `json:"id"`
	ExecutorType     string         `json:"executor_type"`
	ActionName       string         `json:"action_name"`
	ActionConfig     map[string]any `json:"action_config,omitempty"`
	ExtraVars        map[string]any `json:"extra_vars,omitempty"`
	PrimaryDeviceID  string         `json:"primary_device_id"`
	DeviceIDs        []string       `json:"device_ids,omitempty"`
	VaultSecretID    string         `json:"vault_secret_id,omitempty"`
	Status           JobStatus      `json:"status"`
	Progress         int            `json:"progress"`
	TaskCount        int            `json:"task_count"`
	TasksCompleted   int            `json:"tasks_completed"`
	LogOutput        string         `json:"log_output,omitempty"`
	ErrorCategory    ErrorCategory  `json:"error_category,omitempty"`
	CancelRequested  bool           `json:"cancel_requested"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CancelledAt      *time.Time     `json:"cancelled_at,omitempty"`
	WorkerTaskID     string         `json:"worker_task_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Workflow relation. Zero values mean the job is standalone.
	WorkflowInstanceID string   `json:"workflow_instance_id,omitempty"`
	StepOrder          int      `json:"step_order"`
	DependsOnJobIDs    []string `json:"depends_on_job_ids,omitempty"`
	IsRollback         bool     `json:"is_rollback"`
}

// JobFilter constrains a ListJobs query. PerPage is clamped to 100 by
// implementations; results are newest-first.
type JobFilter struct {
	DeviceID           string
	ExecutorType       string
	WorkflowInstanceID string
	Page               int
	PerPage            int
}

// WorkflowStepSpec is one step of a WorkflowTemplate.
type WorkflowStepSpec struct {
	Order          int            `json:"order"`
	ActionName     string         `json:"action_name"`
	ExecutorType   string         `json:"executor_type"`
	DependsOn      []int          `json:"depends_on,omitempty"`
	RollbackAction string         `json:"rollback_action,omitempty"`
	ExtraVars      map[string]any `json:"extra_vars,omitempty"`
}

// WorkflowTemplate is a reusable, ordered step DAG.
type WorkflowTemplate struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Steps     []WorkflowStepSpec `json:"steps"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// WorkflowInstanceStatus is a WorkflowInstance's lifecycle state.
type WorkflowInstanceStatus string

const (
	WorkflowPending     WorkflowInstanceStatus = "PENDING"
	WorkflowRunning     WorkflowInstanceStatus = "RUNNING"
	WorkflowCompleted   WorkflowInstanceStatus = "COMPLETED"
	WorkflowFailed      WorkflowInstanceStatus = "FAILED"
	WorkflowCancelled   WorkflowInstanceStatus = "CANCELLED"
	WorkflowRollingBack WorkflowInstanceStatus = "ROLLING_BACK"
	WorkflowRolledBack  WorkflowInstanceStatus = "ROLLED_BACK"
)

// WorkflowInstance is one execution of a WorkflowTemplate.
type WorkflowInstance struct {
	ID                string                 `json:"id"`
	TemplateID        string                 `json:"template_id,omitempty"`
	TemplateSnapshot  []WorkflowStepSpec     `json:"template_snapshot"`
	Status            WorkflowInstanceStatus `json:"status"`
	DeviceIDs         []string               `json:"device_ids,omitempty"`
	RollbackOnFailure bool                   `json:"rollback_on_failure"`
	ExtraVars         map[string]any         `json:"extra_vars,omitempty"`
	VaultSecretID     string                 `json:"vault_secret_id,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// VaultSecret is a named, symmetrically encrypted credential. Plaintext
// is never stored; EncryptedContent is opaque ciphertext bytes.
type VaultSecret struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	EncryptedContent []byte    `json:"encrypted_content"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
