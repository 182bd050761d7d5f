package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

const (
	amqpDialTimeout    = 5 * time.Second
	amqpReconnectFloor = 500 * time.Millisecond
	amqpReconnectCeil  = 15 * time.Second
)

// AMQPBus is the broker-backed Bus. The connection is lazy: first use
// dials, and consume loops re-dial with exponential backoff when the
// channel drops.
type AMQPBus struct {
	url    string
	clock  vitals.Clock
	tracer trace.Tracer

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	closed bool
}

// DialAMQP builds an AMQPBus for url and verifies the broker is reachable.
func DialAMQP(url string) (*AMQPBus, error) {
	b := &AMQPBus{
		url:    url,
		clock:  vitals.RealClock{},
		tracer: otel.Tracer("vitalmesh/bus"),
	}
	if _, err := b.channel(); err != nil {
		return nil, fault.Bus("dial amqp", err)
	}
	return b, nil
}

// channel returns the current channel, dialling if needed.
func (b *AMQPBus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	if b.ch != nil && !b.conn.IsClosed() {
		return b.ch, nil
	}

	conn, err := amqp.DialConfig(b.url, amqp.Config{Dial: amqp.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}

	b.conn = conn
	b.ch = ch
	return ch, nil
}

// Publish emits one durable JSON message under key. Fire-and-forget with
// best-effort acknowledgement: an unreachable broker surfaces as a BusError
// the caller logs and continues past.
func (b *AMQPBus) Publish(ctx context.Context, key, eventID string, body any) error {
	_, span := b.tracer.Start(ctx, "bus.publish", trace.WithAttributes(
		attribute.String("messaging.routing_key", key),
		attribute.String("messaging.message_id", eventID),
	))
	defer span.End()

	payload, err := encodeEnvelope(key, eventID, body, b.clock.Now().UTC())
	if err != nil {
		return fault.Bus("publish "+key, err)
	}
	ch, err := b.channel()
	if err != nil {
		return fault.Bus("publish "+key, err)
	}
	err = ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    eventID,
		Timestamp:    b.clock.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fault.Bus("publish "+key, err)
	}
	return nil
}

// Subscribe consumes the durable queue for key until ctx is cancelled,
// re-dialling with backoff when the broker connection drops. Handler errors
// that are retryable nack with requeue; permanent failures are dropped
// after logging so a poison message cannot wedge the queue.
func (b *AMQPBus) Subscribe(ctx context.Context, key string, handler Handler) error {
	queue := QueueName(key)
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(amqpReconnectFloor),
		backoff.WithMaxInterval(amqpReconnectCeil),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		deliveries, err := b.consume(queue, key)
		if err != nil {
			slog.Warn("bus subscribe failed, retrying", "queue", queue, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()

		if err := b.drain(ctx, key, deliveries, handler); err != nil {
			return err
		}
		// Channel closed underneath us; loop and re-dial.
		slog.Warn("bus delivery channel closed, reconnecting", "queue", queue)
	}
}

func (b *AMQPBus) consume(queue, key string) (<-chan amqp.Delivery, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queue, key, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (b *AMQPBus) drain(ctx context.Context, key string, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.dispatch(ctx, key, d, handler)
		}
	}
}

func (b *AMQPBus) dispatch(ctx context.Context, key string, d amqp.Delivery, handler Handler) {
	handlerCtx, span := b.tracer.Start(ctx, "bus.consume", trace.WithAttributes(
		attribute.String("messaging.routing_key", key),
		attribute.String("messaging.message_id", d.MessageId),
	))
	defer span.End()

	env, err := decodeDelivery(key, d)
	if err != nil {
		slog.Error("bus message undecodable, dropping", "key", key, "err", err)
		_ = d.Nack(false, false)
		return
	}
	if err := handler(handlerCtx, env); err != nil {
		if fault.Retryable(err) {
			slog.Warn("bus handler failed, requeueing", "key", key, "eventId", env.EventID, "err", err)
			_ = d.Nack(false, true)
			return
		}
		slog.Error("bus handler rejected message", "key", key, "eventId", env.EventID, "err", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func decodeDelivery(key string, d amqp.Delivery) (Envelope, error) {
	var env Envelope
	if err := unmarshalEnvelope(d.Body, &env); err != nil {
		return Envelope{}, err
	}
	if env.Key == "" {
		env.Key = key
	}
	if env.EventID == "" {
		env.EventID = d.MessageId
	}
	return env, nil
}

// Close tears down the broker connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
