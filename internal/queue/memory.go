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

package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Compile-time interface assertion.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory Task Queue, used for tests and single-process
// deployments that don't need a shared broker.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*Message
	seen     map[string]struct{}
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make([]*Message, 0),
		seen:    make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[msg.ID]; dup {
		return nil
	}
	q.seen[msg.ID] = struct{}{}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	q.pending = append(q.pending, msg)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a message with NotBefore <= now is available. It
// paces its visibility-check loop with a rate limiter instead of busy
// spinning while only delayed (not-yet-visible) messages remain.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)

	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		idx := q.indexOfVisibleLocked()
		if idx >= 0 {
			msg := q.pending[idx]
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			msg.Attempts++
			q.mu.Unlock()
			return msg, nil
		}
		hasDelayed := len(q.pending) > 0
		q.mu.Unlock()

		if hasDelayed {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) indexOfVisibleLocked() int {
	now := time.Now()
	for i, msg := range q.pending {
		if msg.NotBefore.IsZero() || !msg.NotBefore.After(now) {
			return i
		}
	}
	return -1
}

func (q *MemoryQueue) Peek(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOfVisibleLocked()
	if idx < 0 {
		return nil, nil
	}
	return q.pending[idx], nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
