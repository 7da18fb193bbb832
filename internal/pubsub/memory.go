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

package pubsub

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-process Bus, used for tests and single-process
// deployments where the API and worker share an address space.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan string
	closed      bool
}

// NewMemoryBus creates a new in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string][]chan string)}
}

func (b *MemoryBus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- payload:
		default:
			// Subscriber too slow; drop rather than block the publisher.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 256)

	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[channel]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[channel]) == 0 {
			delete(b.subscribers, channel)
		}
		close(ch)
	}

	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
