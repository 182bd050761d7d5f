package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"vitalmesh/internal/fault"
)

type payload struct {
	PatientID string `json:"patientId"`
	Score     int    `json:"score"`
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Envelope, 1)
	go func() {
		_ = b.Subscribe(ctx, KeyScoreConsensus, func(_ context.Context, env Envelope) error {
			got <- env
			return nil
		})
	}()

	// Give the subscriber a moment to register.
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(ctx, KeyScoreConsensus, "evt-1", payload{PatientID: "P1", Score: 5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-got:
		if env.EventID != "evt-1" {
			t.Errorf("EventID = %q, want evt-1", env.EventID)
		}
		if env.Key != KeyScoreConsensus {
			t.Errorf("Key = %q, want %q", env.Key, KeyScoreConsensus)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_RedeliversOnRetryableFailure(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = b.Subscribe(ctx, KeyScoreCalculated, func(_ context.Context, env Envelope) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return fault.Storage("flaky store", context.DeadlineExceeded)
			}
			close(done)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(ctx, KeyScoreCalculated, "evt-2", payload{PatientID: "P2"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("message was not redelivered to success")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestMemoryBus_PermanentFailureNotRedelivered(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = b.Subscribe(ctx, KeyAlertCreated, func(_ context.Context, env Envelope) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return fault.Invalid("malformed alert")
		})
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(ctx, KeyAlertCreated, "evt-3", payload{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (validation failures are permanent)", attempts)
	}
}

func TestMemoryBus_TopicsIsolated(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := make(chan Envelope, 1)
	go func() {
		_ = b.Subscribe(ctx, KeyAlertCreated, func(_ context.Context, env Envelope) error {
			other <- env
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(ctx, KeyScoreConsensus, "evt-4", payload{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-other:
		t.Fatalf("subscriber on %q received %q message", KeyAlertCreated, env.Key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueName(t *testing.T) {
	if got := QueueName("ews.consensus"); got != "ews_queue_ews_consensus" {
		t.Errorf("QueueName = %q, want ews_queue_ews_consensus", got)
	}
	if got := QueueName("alert.created"); got != "ews_queue_alert_created" {
		t.Errorf("QueueName = %q, want ews_queue_alert_created", got)
	}
}
