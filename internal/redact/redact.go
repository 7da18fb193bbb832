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

// Package redact scrubs credential-shaped substrings from subprocess
// output before it is ever logged, published, or persisted.
package redact

import (
	"regexp"

	"github.com/tombee/automation/internal/metrics"
)

// TruncationMarker is appended once a job's accumulated log output
// exceeds MaxLogBytes; no further output is appended after it.
const TruncationMarker = "\n\n... [OUTPUT TRUNCATED - exceeded 100KB limit]"

// MaxLogBytes bounds a job's persisted log_output.
const MaxLogBytes = 100 * 1024

type pattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// patterns is applied in order, case-insensitively, to every line
// before it is appended to the in-memory buffer or published.
var patterns = []pattern{
	{
		name:        "password",
		re:          regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`),
		replacement: `$1=***REDACTED***`,
	},
	{
		name:        "ansible_credential",
		re:          regexp.MustCompile(`(?i)(ansible_password|ansible_become_pass|ansible_ssh_pass)\s*=\s*\S+`),
		replacement: `$1=***REDACTED***`,
	},
	{
		name:        "api_token",
		re:          regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|token|bearer)\s*[:=]\s*\S+`),
		replacement: `$1=***REDACTED***`,
	},
	{
		name:        "aws_credential",
		re:          regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key)\s*=\s*\S+`),
		replacement: `$1=***REDACTED***`,
	},
	{
		name:        "generic_secret",
		re:          regexp.MustCompile(`(?i)(secret|private[_-]?key)\s*[:=]\s*\S+`),
		replacement: `$1=***REDACTED***`,
	},
	{
		name:        "private_key_block",
		re:          regexp.MustCompile(`(?is)-----BEGIN [^-]*PRIVATE KEY-----.*?-----END [^-]*PRIVATE KEY-----`),
		replacement: `***PRIVATE KEY REDACTED***`,
	},
}

// Line applies every redaction pattern to a single line of subprocess
// output and returns the scrubbed result.
func Line(line string) string {
	for _, p := range patterns {
		if p.re.MatchString(line) {
			metrics.RecordRedaction(p.name)
			line = p.re.ReplaceAllString(line, p.replacement)
		}
	}
	return line
}

// Buffer accumulates redacted output up to MaxLogBytes, appending
// TruncationMarker exactly once and discarding everything after.
type Buffer struct {
	data      []byte
	truncated bool
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append redacts line and appends it (plus a trailing newline) to the
// buffer, unless the buffer is already truncated.
func (b *Buffer) Append(line string) {
	if b.truncated {
		return
	}

	redacted := Line(line)
	if len(b.data)+len(redacted)+1 > MaxLogBytes {
		b.data = append(b.data, []byte(TruncationMarker)...)
		b.truncated = true
		return
	}

	b.data = append(b.data, []byte(redacted)...)
	b.data = append(b.data, '\n')
}

// String returns the accumulated, possibly truncated, log output.
func (b *Buffer) String() string {
	return string(b.data)
}

// Truncated reports whether the buffer has hit its size limit.
func (b *Buffer) Truncated() bool {
	return b.truncated
}
