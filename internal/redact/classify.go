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

package redact

import (
	"strings"

	"github.com/tombee/automation/internal/jobstore"
)

// substringCategories is checked in order; the first match wins. Order
// matters where one phrase could plausibly contain another.
var substringCategories = []struct {
	substring string
	category  jobstore.ErrorCategory
}{
	{"connection refused", jobstore.ErrorConnectivity},
	{"unreachable", jobstore.ErrorConnectivity},
	{"permission denied", jobstore.ErrorPermission},
	{"authentication", jobstore.ErrorAuthentication},
	{"not found", jobstore.ErrorNotFound},
	{"timeout", jobstore.ErrorTimeout},
	{"timed out", jobstore.ErrorTimeout},
}

// Classify derives a Job's error_category from its redacted subprocess
// output, falling back to ErrorExecution when no known phrase matches.
func Classify(output string) jobstore.ErrorCategory {
	lower := strings.ToLower(output)
	for _, c := range substringCategories {
		if strings.Contains(lower, c.substring) {
			return c.category
		}
	}
	return jobstore.ErrorExecution
}

// Retryable reports whether a Job FAILED with category should be
// retried by the Task Queue rather than left terminal.
func Retryable(category jobstore.ErrorCategory) bool {
	switch category {
	case jobstore.ErrorConnectivity, jobstore.ErrorTimeout, jobstore.ErrorExecution:
		return true
	default:
		return false
	}
}
