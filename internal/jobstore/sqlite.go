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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	automationerrors "github.com/tombee/automation/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ JobStore      = (*SQLiteBackend)(nil)
	_ JobLister     = (*SQLiteBackend)(nil)
	_ WorkflowStore = (*SQLiteBackend)(nil)
	_ VaultStore    = (*SQLiteBackend)(nil)
	_ Backend       = (*SQLiteBackend)(nil)
)

// SQLiteBackend is a SQLite-backed job store for single-node deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLiteBackend opens (creating if necessary) a SQLite-backed store and
// runs migrations.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &SQLiteBackend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // enforce job/instance/secret relations
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			steps TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_secrets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			encrypted_content BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			template_id TEXT,
			template_snapshot TEXT NOT NULL,
			status TEXT NOT NULL,
			device_ids TEXT,
			rollback_on_failure INTEGER DEFAULT 0,
			extra_vars TEXT,
			vault_secret_id TEXT,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (template_id) REFERENCES workflow_templates(id) ON DELETE SET NULL,
			FOREIGN KEY (vault_secret_id) REFERENCES vault_secrets(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances(status)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			executor_type TEXT NOT NULL,
			action_name TEXT NOT NULL,
			action_config TEXT,
			extra_vars TEXT,
			primary_device_id TEXT NOT NULL,
			device_ids TEXT,
			vault_secret_id TEXT,
			status TEXT NOT NULL,
			progress INTEGER DEFAULT 0,
			task_count INTEGER DEFAULT 0,
			tasks_completed INTEGER DEFAULT 0,
			log_output TEXT,
			error_category TEXT,
			cancel_requested INTEGER DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			cancelled_at TEXT,
			worker_task_id TEXT,
			workflow_instance_id TEXT,
			step_order INTEGER DEFAULT 0,
			depends_on_job_ids TEXT,
			is_rollback INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (workflow_instance_id) REFERENCES workflow_instances(id) ON DELETE CASCADE,
			FOREIGN KEY (vault_secret_id) REFERENCES vault_secrets(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_primary_device_id ON jobs(primary_device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_executor_type ON jobs(executor_type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_workflow_instance_id ON jobs(workflow_instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (b *SQLiteBackend) CreateJob(ctx context.Context, job *Job) error {
	actionConfigJSON, err := json.Marshal(job.ActionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal action_config: %w", err)
	}
	extraVarsJSON, err := json.Marshal(job.ExtraVars)
	if err != nil {
		return fmt.Errorf("failed to marshal extra_vars: %w", err)
	}
	deviceIDsJSON, err := json.Marshal(job.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal device_ids: %w", err)
	}
	dependsOnJSON, err := json.Marshal(job.DependsOnJobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on_job_ids: %w", err)
	}

	now := time.Now()
	job.Status = JobPending
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (id, executor_type, action_name, action_config, extra_vars,
			primary_device_id, device_ids, vault_secret_id, status, progress, task_count,
			tasks_completed, log_output, error_category, cancel_requested,
			started_at, completed_at, cancelled_at, worker_task_id,
			workflow_instance_id, step_order, depends_on_job_ids, is_rollback,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		job.ID, job.ExecutorType, job.ActionName, string(actionConfigJSON), string(extraVarsJSON),
		job.PrimaryDeviceID, string(deviceIDsJSON), nullString(job.VaultSecretID),
		job.Status, job.Progress, job.TaskCount, job.TasksCompleted,
		nullString(job.LogOutput), nullString(string(job.ErrorCategory)), job.CancelRequested,
		formatTime(job.StartedAt), formatTime(job.CompletedAt), formatTime(job.CancelledAt),
		nullString(job.WorkerTaskID), nullString(job.WorkflowInstanceID), job.StepOrder,
		string(dependsOnJSON), job.IsRollback,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetJob(ctx context.Context, id string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, jobSelectColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &automationerrors.NotFoundError{Resource: "job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// TransitionJob loads the job, applies mutate to an in-memory copy, and
// writes it back with an UPDATE ... WHERE status = ? guard. A zero
// RowsAffected means the persisted status no longer matches from, which is
// reported as a ConflictError rather than retried.
func (b *SQLiteBackend) TransitionJob(ctx context.Context, id string, from, to JobStatus, mutate func(*Job)) (*Job, error) {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != from {
		return nil, &automationerrors.ConflictError{
			Resource: "job",
			ID:       id,
			Expected: string(from),
			Actual:   string(job.Status),
		}
	}

	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	job.UpdatedAt = time.Now()

	actionConfigJSON, err := json.Marshal(job.ActionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action_config: %w", err)
	}
	extraVarsJSON, err := json.Marshal(job.ExtraVars)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extra_vars: %w", err)
	}
	dependsOnJSON, err := json.Marshal(job.DependsOnJobIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal depends_on_job_ids: %w", err)
	}

	query := `
		UPDATE jobs SET
			status = ?, progress = ?, tasks_completed = ?, log_output = ?,
			error_category = ?, cancel_requested = ?, started_at = ?, completed_at = ?,
			cancelled_at = ?, worker_task_id = ?, action_config = ?, extra_vars = ?,
			depends_on_job_ids = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := b.db.ExecContext(ctx, query,
		job.Status, job.Progress, job.TasksCompleted, nullString(job.LogOutput),
		nullString(string(job.ErrorCategory)), job.CancelRequested,
		formatTime(job.StartedAt), formatTime(job.CompletedAt), formatTime(job.CancelledAt),
		nullString(job.WorkerTaskID), string(actionConfigJSON), string(extraVarsJSON),
		string(dependsOnJSON), job.UpdatedAt.Format(time.RFC3339),
		id, from,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		current, getErr := b.GetJob(ctx, id)
		actual := string(from)
		if getErr == nil {
			actual = string(current.Status)
		}
		return nil, &automationerrors.ConflictError{
			Resource: "job",
			ID:       id,
			Expected: string(from),
			Actual:   actual,
		}
	}

	return job, nil
}

func (b *SQLiteBackend) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	perPage := filter.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := jobSelectColumns + " FROM jobs WHERE 1=1"
	var args []any
	if filter.DeviceID != "" {
		query += " AND primary_device_id = ?"
		args = append(args, filter.DeviceID)
	}
	if filter.ExecutorType != "" {
		query += " AND executor_type = ?"
		args = append(args, filter.ExecutorType)
	}
	if filter.WorkflowInstanceID != "" {
		query += " AND workflow_instance_id = ?"
		args = append(args, filter.WorkflowInstanceID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, perPage, (page-1)*perPage)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (b *SQLiteBackend) DeleteJob(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

const jobSelectColumns = `
	SELECT id, executor_type, action_name, action_config, extra_vars,
		primary_device_id, device_ids, vault_secret_id, status, progress, task_count,
		tasks_completed, log_output, error_category, cancel_requested,
		started_at, completed_at, cancelled_at, worker_task_id,
		workflow_instance_id, step_order, depends_on_job_ids, is_rollback,
		created_at, updated_at`

// rowScanner abstracts over *sql.Row and *sql.Rows for scanJob.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var actionConfigJSON, extraVarsJSON, deviceIDsJSON, dependsOnJSON sql.NullString
	var vaultSecretID, logOutput, errorCategory, workerTaskID, workflowInstanceID sql.NullString
	var startedAt, completedAt, cancelledAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&job.ID, &job.ExecutorType, &job.ActionName, &actionConfigJSON, &extraVarsJSON,
		&job.PrimaryDeviceID, &deviceIDsJSON, &vaultSecretID, &job.Status, &job.Progress,
		&job.TaskCount, &job.TasksCompleted, &logOutput, &errorCategory, &job.CancelRequested,
		&startedAt, &completedAt, &cancelledAt, &workerTaskID,
		&workflowInstanceID, &job.StepOrder, &dependsOnJSON, &job.IsRollback,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if vaultSecretID.Valid {
		job.VaultSecretID = vaultSecretID.String
	}
	if logOutput.Valid {
		job.LogOutput = logOutput.String
	}
	if errorCategory.Valid {
		job.ErrorCategory = ErrorCategory(errorCategory.String)
	}
	if workerTaskID.Valid {
		job.WorkerTaskID = workerTaskID.String
	}
	if workflowInstanceID.Valid {
		job.WorkflowInstanceID = workflowInstanceID.String
	}

	if actionConfigJSON.Valid && actionConfigJSON.String != "" {
		if err := json.Unmarshal([]byte(actionConfigJSON.String), &job.ActionConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action_config: %w", err)
		}
	}
	if extraVarsJSON.Valid && extraVarsJSON.String != "" {
		if err := json.Unmarshal([]byte(extraVarsJSON.String), &job.ExtraVars); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extra_vars: %w", err)
		}
	}
	if deviceIDsJSON.Valid && deviceIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(deviceIDsJSON.String), &job.DeviceIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device_ids: %w", err)
		}
	}
	if dependsOnJSON.Valid && dependsOnJSON.String != "" {
		if err := json.Unmarshal([]byte(dependsOnJSON.String), &job.DependsOnJobIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal depends_on_job_ids: %w", err)
		}
	}

	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		job.CompletedAt = &t
	}
	if cancelledAt.Valid {
		t, _ := time.Parse(time.RFC3339, cancelledAt.String)
		job.CancelledAt = &t
	}
	if createdAt.Valid {
		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	if updatedAt.Valid {
		job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}

	return &job, nil
}

func (b *SQLiteBackend) CreateTemplate(ctx context.Context, tmpl *WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	now := time.Now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (id, name, steps, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Name, string(stepsJSON), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow template: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, name, steps, created_at, updated_at FROM workflow_templates WHERE id = ?`, id)
	tmpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, &automationerrors.NotFoundError{Resource: "workflow_template", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow template: %w", err)
	}
	return tmpl, nil
}

func (b *SQLiteBackend) ListTemplates(ctx context.Context) ([]*WorkflowTemplate, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, steps, created_at, updated_at FROM workflow_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow templates: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowTemplate
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow template: %w", err)
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

func scanTemplate(row rowScanner) (*WorkflowTemplate, error) {
	var tmpl WorkflowTemplate
	var stepsJSON, createdAt, updatedAt string
	if err := row.Scan(&tmpl.ID, &tmpl.Name, &stepsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &tmpl.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	tmpl.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	tmpl.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &tmpl, nil
}

func (b *SQLiteBackend) DeleteTemplate(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM workflow_templates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow template: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	snapshotJSON, err := json.Marshal(inst.TemplateSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal template_snapshot: %w", err)
	}
	deviceIDsJSON, err := json.Marshal(inst.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal device_ids: %w", err)
	}
	extraVarsJSON, err := json.Marshal(inst.ExtraVars)
	if err != nil {
		return fmt.Errorf("failed to marshal extra_vars: %w", err)
	}

	now := time.Now()
	inst.Status = WorkflowPending
	inst.CreatedAt = now
	inst.UpdatedAt = now

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, template_id, template_snapshot, status, device_ids,
			rollback_on_failure, extra_vars, vault_secret_id, started_at, completed_at, error_message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, nullString(inst.TemplateID), string(snapshotJSON), inst.Status, string(deviceIDsJSON),
		inst.RollbackOnFailure, string(extraVarsJSON), nullString(inst.VaultSecretID),
		formatTime(inst.StartedAt), formatTime(inst.CompletedAt),
		nullString(inst.ErrorMessage), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	row := b.db.QueryRowContext(ctx, instanceSelectColumns+" FROM workflow_instances WHERE id = ?", id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, &automationerrors.NotFoundError{Resource: "workflow_instance", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}
	return inst, nil
}

func (b *SQLiteBackend) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	snapshotJSON, err := json.Marshal(inst.TemplateSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal template_snapshot: %w", err)
	}
	deviceIDsJSON, err := json.Marshal(inst.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal device_ids: %w", err)
	}
	extraVarsJSON, err := json.Marshal(inst.ExtraVars)
	if err != nil {
		return fmt.Errorf("failed to marshal extra_vars: %w", err)
	}

	inst.UpdatedAt = time.Now()

	result, err := b.db.ExecContext(ctx,
		`UPDATE workflow_instances SET
			template_snapshot = ?, status = ?, device_ids = ?, rollback_on_failure = ?,
			extra_vars = ?, started_at = ?, completed_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(snapshotJSON), inst.Status, string(deviceIDsJSON), inst.RollbackOnFailure,
		string(extraVarsJSON), formatTime(inst.StartedAt), formatTime(inst.CompletedAt),
		nullString(inst.ErrorMessage), inst.UpdatedAt.Format(time.RFC3339), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return &automationerrors.NotFoundError{Resource: "workflow_instance", ID: inst.ID}
	}
	return nil
}

func (b *SQLiteBackend) ListInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	rows, err := b.db.QueryContext(ctx, instanceSelectColumns+" FROM workflow_instances ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance deletes a workflow instance. The ON DELETE CASCADE foreign
// key on jobs.workflow_instance_id removes its jobs as part of the same
// statement.
func (b *SQLiteBackend) DeleteInstance(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM workflow_instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow instance: %w", err)
	}
	return nil
}

const instanceSelectColumns = `
	SELECT id, template_id, template_snapshot, status, device_ids, rollback_on_failure,
		extra_vars, vault_secret_id, started_at, completed_at, error_message, created_at, updated_at`

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	var templateID, deviceIDsJSON, extraVarsJSON, vaultSecretID, errorMessage sql.NullString
	var startedAt, completedAt sql.NullString
	var snapshotJSON, createdAt, updatedAt string

	err := row.Scan(
		&inst.ID, &templateID, &snapshotJSON, &inst.Status, &deviceIDsJSON,
		&inst.RollbackOnFailure, &extraVarsJSON, &vaultSecretID, &startedAt, &completedAt,
		&errorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if templateID.Valid {
		inst.TemplateID = templateID.String
	}
	if vaultSecretID.Valid {
		inst.VaultSecretID = vaultSecretID.String
	}
	if errorMessage.Valid {
		inst.ErrorMessage = errorMessage.String
	}

	if err := json.Unmarshal([]byte(snapshotJSON), &inst.TemplateSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template_snapshot: %w", err)
	}
	if deviceIDsJSON.Valid && deviceIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(deviceIDsJSON.String), &inst.DeviceIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device_ids: %w", err)
		}
	}
	if extraVarsJSON.Valid && extraVarsJSON.String != "" {
		if err := json.Unmarshal([]byte(extraVarsJSON.String), &inst.ExtraVars); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extra_vars: %w", err)
		}
	}

	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		inst.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		inst.CompletedAt = &t
	}
	inst.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &inst, nil
}

func (b *SQLiteBackend) CreateSecret(ctx context.Context, secret *VaultSecret) error {
	now := time.Now()
	secret.CreatedAt = now
	secret.UpdatedAt = now

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO vault_secrets (id, name, description, encrypted_content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		secret.ID, secret.Name, nullString(secret.Description), secret.EncryptedContent,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create vault secret: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetSecret(ctx context.Context, id string) (*VaultSecret, error) {
	row := b.db.QueryRowContext(ctx, secretSelectColumns+" FROM vault_secrets WHERE id = ?", id)
	secret, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, &automationerrors.NotFoundError{Resource: "vault_secret", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault secret: %w", err)
	}
	return secret, nil
}

func (b *SQLiteBackend) GetSecretByName(ctx context.Context, name string) (*VaultSecret, error) {
	row := b.db.QueryRowContext(ctx, secretSelectColumns+" FROM vault_secrets WHERE name = ?", name)
	secret, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, &automationerrors.NotFoundError{Resource: "vault_secret", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault secret: %w", err)
	}
	return secret, nil
}

func (b *SQLiteBackend) ListSecrets(ctx context.Context) ([]*VaultSecret, error) {
	rows, err := b.db.QueryContext(ctx, secretSelectColumns+" FROM vault_secrets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list vault secrets: %w", err)
	}
	defer rows.Close()

	var out []*VaultSecret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vault secret: %w", err)
		}
		out = append(out, secret)
	}
	return out, rows.Err()
}

const secretSelectColumns = `
	SELECT id, name, description, encrypted_content, created_at, updated_at`

func scanSecret(row rowScanner) (*VaultSecret, error) {
	var secret VaultSecret
	var description sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&secret.ID, &secret.Name, &description, &secret.EncryptedContent, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		secret.Description = description.String
	}
	secret.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	secret.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &secret, nil
}

// DeleteSecret deletes a vault secret. The ON DELETE SET NULL foreign key on
// jobs.vault_secret_id clears the reference without touching job history.
func (b *SQLiteBackend) DeleteSecret(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM vault_secrets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vault secret: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// formatTime converts a *time.Time to an RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if s is empty, otherwise s.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
