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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	automationerrors "github.com/tombee/automation/pkg/errors"
)

// Compile-time interface assertion.
var _ Queue = (*RedisQueue)(nil)

// dedupTTL bounds how long a message id is remembered for deduplication.
// Three retries capped at 300s apart comfortably fit inside this window.
const dedupTTL = 24 * time.Hour

// RedisQueue is a Redis-backed Task Queue shared across worker processes.
// Ready messages live in a list; messages delayed for backoff live in a
// sorted set keyed by their NotBefore unix timestamp and are promoted to
// the ready list as they become due.
type RedisQueue struct {
	client    *redis.Client
	readyKey  string
	delayKey  string
	dedupKeyf string
}

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedisQueue connects to Redis and returns a RedisQueue scoped to cfg.Namespace.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "automation"
	}

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

	return &RedisQueue{
		client:    client,
		readyKey:  namespace + ":queue:ready",
		delayKey:  namespace + ":queue:delayed",
		dedupKeyf: namespace + ":queue:dedup:%s",
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	dedupKey := fmt.Sprintf(q.dedupKeyf, msg.ID)
	set, err := q.client.SetNX(ctx, dedupKey, "1", dedupTTL).Result()
	if err != nil {
		return &automationerrors.QueueError{Op: "enqueue", MessageID: msg.ID, Cause: err}
	}
	if !set {
		// Already enqueued under this message id; deduplicated.
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return &automationerrors.QueueError{Op: "enqueue", MessageID: msg.ID, Cause: err}
	}

	if msg.NotBefore.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.delayKey, redis.Z{
			Score:  float64(msg.NotBefore.Unix()),
			Member: payload,
		}).Err()
	} else {
		err = q.client.RPush(ctx, q.readyKey, payload).Err()
	}
	if err != nil {
		return &automationerrors.QueueError{Op: "enqueue", MessageID: msg.ID, Cause: err}
	}
	return nil
}

// promoteDue moves delayed messages whose NotBefore has passed onto the
// ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := float64(time.Now().Unix())
	due, err := q.client.ZRangeByScore(ctx, q.delayKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, payload := range due {
		removed, err := q.client.ZRem(ctx, q.delayKey, payload).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another consumer already promoted this entry.
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey, payload).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue blocks until a message is ready, promoting due delayed messages
// on each poll.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return nil, &automationerrors.QueueError{Op: "dequeue", Cause: err}
		}

		result, err := q.client.BLPop(ctx, time.Second, q.readyKey).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &automationerrors.QueueError{Op: "dequeue", Cause: err}
		}

		// result is [key, value].
		var msg Message
		if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
			return nil, &automationerrors.QueueError{Op: "dequeue", Cause: err}
		}
		msg.Attempts++
		return &msg, nil
	}
}

func (q *RedisQueue) Peek(ctx context.Context) (*Message, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, &automationerrors.QueueError{Op: "peek", Cause: err}
	}

	payload, err := q.client.LIndex(ctx, q.readyKey, 0).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &automationerrors.QueueError{Op: "peek", Cause: err}
	}

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, &automationerrors.QueueError{Op: "peek", Cause: err}
	}
	return &msg, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	readyLen, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, &automationerrors.QueueError{Op: "len", Cause: err}
	}
	delayedLen, err := q.client.ZCard(ctx, q.delayKey).Result()
	if err != nil {
		return 0, &automationerrors.QueueError{Op: "len", Cause: err}
	}
	return int(readyLen + delayedLen), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
