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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface assertion.
var _ Bus = (*RedisBus)(nil)

// RedisBus is a Redis-backed Bus, letting the API and worker run in
// separate processes (or hosts) while still sharing job log streams.
type RedisBus struct {
	client *redis.Client
}

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and returns a RedisBus.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel, payload string) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := b.client.Subscribe(ctx, channel)

	// Confirm the subscription succeeded before returning, so callers
	// don't miss messages published in the window before Receive starts.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	out := make(chan string, 256)
	redisCh := sub.Channel()

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// Subscriber too slow; drop rather than block.
				}
			case <-done:
				return
			}
		}
	}()

	unsub := func() {
		close(done)
		sub.Close()
	}

	return out, unsub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
