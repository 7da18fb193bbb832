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

// Package pubsub provides the per-job log channel the Worker Runtime
// publishes to and the API's log-stream endpoint subscribes to: one
// channel per job, named "job:{id}:logs".
package pubsub

import (
	"context"
	"fmt"
)

// StreamComplete is the sentinel payload marking end-of-stream for a
// job's log channel.
const StreamComplete = "[[STREAM_COMPLETE]]"

// JobChannel returns the channel name for a job's log stream.
func JobChannel(jobID string) string {
	return fmt.Sprintf("job:%s:logs", jobID)
}

// Bus publishes and subscribes to named string channels.
type Bus interface {
	// Publish sends payload to every current subscriber of channel.
	// Publish never blocks on a slow subscriber; a subscriber that
	// can't keep up misses messages rather than stalling the publisher.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a channel of payloads for the named channel and
	// an unsubscribe function the caller must invoke when done.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Close releases the bus's resources.
	Close() error
}
