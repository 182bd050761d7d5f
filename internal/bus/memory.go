package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

const (
	memorySubscriberBufferCap = 128
	memoryRequeueDelay        = 250 * time.Millisecond
	memoryMaxRedeliveries     = 5
)

// MemoryBus is the degraded in-process fallback used when the broker is
// unreachable in development. It mirrors the topic semantics: at-least-once
// delivery, duplicates possible, no ordering across publishers. Nothing is
// durable; a restart loses queued messages.
type MemoryBus struct {
	clock vitals.Clock

	mu     sync.Mutex
	subs   map[string][]chan Envelope
	closed bool
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		clock: vitals.RealClock{},
		subs:  make(map[string][]chan Envelope),
	}
}

// Publish fans the envelope out to every subscriber of key. A subscriber
// with a full buffer loses the message; the development fallback prefers
// dropping to blocking the pipeline.
func (b *MemoryBus) Publish(ctx context.Context, key, eventID string, body any) error {
	payload, err := encodeEnvelope(key, eventID, body, b.clock.Now().UTC())
	if err != nil {
		return fault.Bus("publish "+key, err)
	}
	var env Envelope
	if err := unmarshalEnvelope(payload, &env); err != nil {
		return fault.Bus("publish "+key, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fault.Bus("publish "+key, context.Canceled)
	}
	for _, sub := range b.subs[key] {
		select {
		case sub <- env:
		default:
			slog.Warn("memory bus subscriber buffer full, dropping", "key", key, "eventId", eventID)
		}
	}
	return nil
}

// Subscribe delivers envelopes for key to handler until ctx is cancelled.
// Retryable handler errors redeliver the message after a short delay, up to
// a bounded number of attempts.
func (b *MemoryBus) Subscribe(ctx context.Context, key string, handler Handler) error {
	ch := make(chan Envelope, memorySubscriberBufferCap)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fault.Bus("subscribe "+key, context.Canceled)
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	defer b.unsubscribe(key, ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			b.deliver(ctx, key, env, handler)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, key string, env Envelope, handler Handler) {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, env)
		if err == nil {
			return
		}
		if !fault.Retryable(err) {
			slog.Error("memory bus handler rejected message", "key", key, "eventId", env.EventID, "err", err)
			return
		}
		if attempt >= memoryMaxRedeliveries {
			slog.Error("memory bus handler kept failing, dropping", "key", key, "eventId", env.EventID, "attempts", attempt, "err", err)
			return
		}
		slog.Warn("memory bus handler failed, redelivering", "key", key, "eventId", env.EventID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(memoryRequeueDelay):
		}
	}
}

func (b *MemoryBus) unsubscribe(key string, ch chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, sub := range subs {
		if sub == ch {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]chan Envelope)
	return nil
}

// Dial connects to the broker at url. When the broker is unreachable and
// env is development, it degrades to the in-memory bus instead of failing
// startup; production environments fail hard.
func Dial(url, env string) (Bus, error) {
	b, err := DialAMQP(url)
	if err == nil {
		return b, nil
	}
	if env == "development" {
		slog.Warn("broker unreachable, using in-memory bus", "url", url, "err", err)
		return NewMemoryBus(), nil
	}
	return nil, err
}
