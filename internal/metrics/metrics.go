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

// Package metrics exposes Prometheus counters and gauges for the
// orchestrator's own operation: job outcomes, queue depth, worker slot
// utilization, and redaction activity. It never carries device or
// service metrics — those belong to the out-of-scope HTTP API surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_jobs_total",
			Help: "Total jobs reaching a terminal status, by executor type and final status",
		},
		[]string{"executor_type", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_job_duration_seconds",
			Help:    "Wall-clock duration of a job's subprocess run, by executor type",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		},
		[]string{"executor_type"},
	)

	jobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_job_retries_total",
			Help: "Total times a job was requeued for retry after a retryable failure",
		},
		[]string{"executor_type"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "automation_queue_depth",
			Help: "Messages currently visible or delayed on the task queue",
		},
		[]string{"queue"},
	)

	workerSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_worker_slots_in_use",
			Help: "Number of worker slots currently running a job",
		},
	)

	workerSlotsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_worker_slots_total",
			Help: "Configured worker slot capacity",
		},
	)

	redactionHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_redaction_hits_total",
			Help: "Total subprocess output lines with a secret pattern redacted, by pattern name",
		},
		[]string{"pattern"},
	)

	workflowInstances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_workflow_instances_total",
			Help: "Total workflow instances reaching a terminal status, by final status",
		},
		[]string{"status"},
	)
)

// RecordJobOutcome increments the terminal-status counter and observes
// the job's subprocess duration for executorType.
func RecordJobOutcome(executorType, status string, duration time.Duration) {
	jobsCompleted.WithLabelValues(executorType, status).Inc()
	jobDuration.WithLabelValues(executorType).Observe(duration.Seconds())
}

// RecordJobRetry increments the retry counter for executorType.
func RecordJobRetry(executorType string) {
	jobRetries.WithLabelValues(executorType).Inc()
}

// SetQueueDepth reports the current depth of the named queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetWorkerSlots reports the worker pool's total capacity and how much
// of it is currently occupied.
func SetWorkerSlots(inUse, total int) {
	workerSlotsInUse.Set(float64(inUse))
	workerSlotsTotal.Set(float64(total))
}

// RecordRedaction increments the redaction-hit counter for pattern.
func RecordRedaction(pattern string) {
	redactionHits.WithLabelValues(pattern).Inc()
}

// RecordWorkflowOutcome increments the workflow instance terminal
// status counter.
func RecordWorkflowOutcome(status string) {
	workflowInstances.WithLabelValues(status).Inc()
}
