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
	"errors"
	"testing"

	automationerrors "github.com/tombee/automation/pkg/errors"
)

func TestMemoryBackend_CreateAndGetJob(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()

	ctx := context.Background()
	job := &Job{
		ID:              "job-1",
		ExecutorType:    "ansible",
		ActionName:      "reboot",
		PrimaryDeviceID: "device-1",
	}

	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != JobPending {
		t.Errorf("expected new job to be PENDING, got %s", job.Status)
	}

	got, err := b.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ExecutorType != "ansible" || got.ActionName != "reboot" {
		t.Errorf("unexpected job contents: %+v", got)
	}
}

func TestMemoryBackend_GetJob_NotFound(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()

	_, err := b.GetJob(context.Background(), "missing")
	var nfErr *automationerrors.NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("expected NotFoundError, got %v (%T)", err, err)
	}
}

func TestMemoryBackend_TransitionJob(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	job := &Job{ID: "job-2", ExecutorType: "shell", ActionName: "ping", PrimaryDeviceID: "device-2"}
	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	updated, err := b.TransitionJob(ctx, "job-2", JobPending, JobRunning, func(j *Job) {
		j.Progress = 10
	})
	if err != nil {
		t.Fatalf("TransitionJob failed: %v", err)
	}
	if updated.Status != JobRunning || updated.Progress != 10 {
		t.Errorf("unexpected job after transition: %+v", updated)
	}

	stored, err := b.GetJob(ctx, "job-2")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.Status != JobRunning {
		t.Errorf("expected persisted status RUNNING, got %s", stored.Status)
	}
}

func TestMemoryBackend_TransitionJob_CASConflict(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	job := &Job{ID: "job-3", ExecutorType: "shell", ActionName: "ping", PrimaryDeviceID: "device-3"}
	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Move it to RUNNING first.
	if _, err := b.TransitionJob(ctx, "job-3", JobPending, JobRunning, nil); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	// A second caller still thinks it's PENDING; this must be rejected.
	_, err := b.TransitionJob(ctx, "job-3", JobPending, JobRunning, nil)
	var conflictErr *automationerrors.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v (%T)", err, err)
	}
	if conflictErr.Expected != string(JobPending) || conflictErr.Actual != string(JobRunning) {
		t.Errorf("unexpected conflict details: %+v", conflictErr)
	}
}

func TestMemoryBackend_TransitionJob_TerminalRejected(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	job := &Job{ID: "job-4", ExecutorType: "shell", ActionName: "ping", PrimaryDeviceID: "device-4"}
	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := b.TransitionJob(ctx, "job-4", JobPending, JobRunning, nil); err != nil {
		t.Fatalf("transition to RUNNING failed: %v", err)
	}
	if _, err := b.TransitionJob(ctx, "job-4", JobRunning, JobCompleted, nil); err != nil {
		t.Fatalf("transition to COMPLETED failed: %v", err)
	}

	_, err := b.TransitionJob(ctx, "job-4", JobCompleted, JobRunning, nil)
	var conflictErr *automationerrors.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError leaving a terminal state, got %v (%T)", err, err)
	}
}

func TestMemoryBackend_ListJobs_FilterAndPaginate(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := &Job{
			ID:              idFor(i),
			ExecutorType:    "ansible",
			ActionName:      "patch",
			PrimaryDeviceID: "device-a",
		}
		if err := b.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}
	other := &Job{ID: "other-device-job", ExecutorType: "ansible", ActionName: "patch", PrimaryDeviceID: "device-b"}
	if err := b.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	jobs, err := b.ListJobs(ctx, JobFilter{DeviceID: "device-a", PerPage: 2, Page: 1})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs on page 1, got %d", len(jobs))
	}

	jobs2, err := b.ListJobs(ctx, JobFilter{DeviceID: "device-a", PerPage: 2, Page: 2})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs2) != 1 {
		t.Fatalf("expected 1 job on page 2, got %d", len(jobs2))
	}
}

func TestMemoryBackend_DeleteInstance_CascadesJobs(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	inst := &WorkflowInstance{ID: "wf-1"}
	if err := b.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	job := &Job{ID: "job-wf-1", ExecutorType: "ansible", ActionName: "patch", PrimaryDeviceID: "d1", WorkflowInstanceID: "wf-1"}
	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := b.DeleteInstance(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}

	if _, err := b.GetJob(ctx, "job-wf-1"); err == nil {
		t.Error("expected job owned by deleted instance to be gone")
	}
}

func TestMemoryBackend_DeleteSecret_NullsJobReference(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	secret := &VaultSecret{ID: "secret-1", Name: "wifi-psk", EncryptedContent: []byte("ciphertext")}
	if err := b.CreateSecret(ctx, secret); err != nil {
		t.Fatalf("CreateSecret failed: %v", err)
	}
	job := &Job{ID: "job-secret", ExecutorType: "ansible", ActionName: "join-wifi", PrimaryDeviceID: "d1", VaultSecretID: "secret-1"}
	if err := b.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := b.DeleteSecret(ctx, "secret-1"); err != nil {
		t.Fatalf("DeleteSecret failed: %v", err)
	}

	got, err := b.GetJob(ctx, "job-secret")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.VaultSecretID != "" {
		t.Errorf("expected vault_secret_id to be cleared, got %q", got.VaultSecretID)
	}
}

func idFor(i int) string {
	return "job-list-" + string(rune('a'+i))
}
