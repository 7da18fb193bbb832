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
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch, unsub, err := bus.Subscribe(ctx, JobChannel("job-1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	if err := bus.Publish(ctx, JobChannel("job-1"), "TASK [reboot] ***"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if got != "TASK [reboot] ***" {
			t.Errorf("unexpected payload: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryBus_PublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if err := bus.Publish(context.Background(), JobChannel("job-1"), "hello"); err != nil {
		t.Errorf("expected publish with no subscribers to succeed, got %v", err)
	}
}

func TestMemoryBus_StreamCompleteSentinel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch, unsub, err := bus.Subscribe(ctx, JobChannel("job-1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	if err := bus.Publish(ctx, JobChannel("job-1"), StreamComplete); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if got != StreamComplete {
			t.Errorf("expected sentinel, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sentinel")
	}
}

func TestMemoryBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch, unsub, err := bus.Subscribe(ctx, JobChannel("job-1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	unsub()

	_, open := <-ch
	if open {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestMemoryBus_MultipleSubscribersAllReceive(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ch1, unsub1, _ := bus.Subscribe(ctx, JobChannel("job-1"))
	defer unsub1()
	ch2, unsub2, _ := bus.Subscribe(ctx, JobChannel("job-1"))
	defer unsub2()

	bus.Publish(ctx, JobChannel("job-1"), "line 1")

	for i, ch := range []<-chan string{ch1, ch2} {
		select {
		case got := <-ch:
			if got != "line 1" {
				t.Errorf("subscriber %d: unexpected payload %q", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}
