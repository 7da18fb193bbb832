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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "connector")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ExecutorError represents executor plugin failures.
// Use this for errors originating from a subprocess spawned by an executor
// plugin (e.g., ansible-playbook, a shell script).
type ExecutorError struct {
	// Executor is the name of the executor plugin (e.g., "ansible", "shell")
	Executor string

	// ExitCode is the subprocess exit code, if the process started
	ExitCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// JobID correlates this error with the job's log output
	JobID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	msg := fmt.Sprintf("executor %s error", e.Executor)

	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.JobID != "" {
		msg = fmt.Sprintf("%s (job-id: %s)", msg, e.JobID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// ConflictError represents a failed compare-and-swap state transition,
// e.g. attempting to cancel a job that another worker already completed.
type ConflictError struct {
	// Resource is the type of resource whose state conflicted (e.g., "job", "workflow_instance")
	Resource string

	// ID is the identifier of the resource
	ID string

	// Expected is the status the caller expected the resource to be in
	Expected string

	// Actual is the status the resource was actually found in
	Actual string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected status %q but found %q", e.Resource, e.ID, e.Expected, e.Actual)
}

// QueueError represents task queue delivery failures: enqueue/dequeue
// errors against the broker, or exhaustion of retry attempts.
type QueueError struct {
	// Op is the queue operation that failed (e.g., "enqueue", "dequeue", "ack")
	Op string

	// MessageID is the queue message identifier, if known
	MessageID string

	// Attempts is the number of delivery attempts made so far
	Attempts int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	msg := fmt.Sprintf("queue %s failed", e.Op)
	if e.MessageID != "" {
		msg = fmt.Sprintf("%s for message %s", msg, e.MessageID)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *QueueError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api_key", "database.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// InvalidSecretError represents a vault decryption failure: the
// ciphertext was tampered with, or the wrong key was used to open it.
// Never carries partial plaintext.
type InvalidSecretError struct {
	// SecretID identifies the vault secret that failed to decrypt, if known.
	SecretID string

	// Cause is the underlying cipher error.
	Cause error
}

// Error implements the error interface.
func (e *InvalidSecretError) Error() string {
	if e.SecretID != "" {
		return fmt.Sprintf("invalid secret %s: decryption failed", e.SecretID)
	}
	return "invalid secret: decryption failed"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InvalidSecretError) Unwrap() error {
	return e.Cause
}
