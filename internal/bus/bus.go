// Package bus is the topic-exchange abstraction carrying score and alert
// events between services. Publish is best-effort; subscribe delivers to a
// handler with positive ack on success and requeue on retryable failure.
//
// Contract to callers: ordered delivery is not guaranteed across publishers
// and duplicates are possible, so handlers must be idempotent. Envelopes
// carry the originating event's identifier for de-duplication.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Exchange is the topic exchange all services publish to.
const Exchange = "ews_events"

// Routing keys.
const (
	KeyScoreCalculated = "ews.calculated"
	KeyScoreConsensus  = "ews.consensus"
	KeyAlertCreated    = "alert.created"
)

// Envelope is the wire frame for one message.
type Envelope struct {
	// EventID identifies the originating domain event; consumers
	// de-duplicate on it.
	EventID     string          `json:"eventId"`
	Key         string          `json:"key"`
	PublishedAt time.Time       `json:"publishedAt"`
	Body        json.RawMessage `json:"body"`
}

// Handler consumes one envelope. A nil return acks the message; a retryable
// error requeues it.
type Handler func(ctx context.Context, env Envelope) error

// Bus is the publish/subscribe surface injected into services. It is
// constructed at the composition root and closed on shutdown.
type Bus interface {
	// Publish marshals body as JSON and emits it under key. Best-effort:
	// callers log and continue on error.
	Publish(ctx context.Context, key, eventID string, body any) error
	// Subscribe binds a durable queue for key and delivers messages to
	// handler until ctx is cancelled.
	Subscribe(ctx context.Context, key string, handler Handler) error
	Close() error
}

// QueueName derives the durable queue name for a routing key.
func QueueName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = key[i]
		}
	}
	return "ews_queue_" + string(out)
}

func encodeEnvelope(key, eventID string, body any, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", key, err)
	}
	env := Envelope{EventID: eventID, Key: key, PublishedAt: at, Body: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", key, err)
	}
	return payload, nil
}

func unmarshalEnvelope(payload []byte, env *Envelope) error {
	if err := json.Unmarshal(payload, env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return nil
}
