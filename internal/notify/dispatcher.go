package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"vitalmesh/internal/alert"
	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

// Dispatcher renders alerts into notifications and routes them to the
// channel senders. It implements alert.Dispatcher.
type Dispatcher struct {
	Store   *Store
	Senders map[alert.Channel]Sender
	Clock   vitals.Clock
}

// NewDispatcher wires a dispatcher with the given channel senders.
func NewDispatcher(store *Store, senders map[alert.Channel]Sender, clock vitals.Clock) *Dispatcher {
	return &Dispatcher{Store: store, Senders: senders, Clock: clock}
}

// Dispatch records a notification for the alert on one subscription channel
// and attempts delivery. The record is persisted as PENDING before the first
// attempt so a crash mid-send leaves a row to resend.
func (d *Dispatcher) Dispatch(ctx context.Context, a alert.Alert, sub alert.Subscription, ch alert.SubscriptionChannel) error {
	now := d.Clock.Now()
	n := Notification{
		NotificationID: uuid.NewString(),
		AlertID:        a.AlertID,
		SubscriptionID: sub.SubscriptionID,
		Channel:        ch.Kind,
		Target:         ch.Contact,
		Subject:        subject(a),
		Body:           body(a),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.Store.Insert(ctx, n); err != nil {
		return fault.Storage("record notification", err)
	}
	return d.deliver(ctx, &n)
}

// Resend retries a notification in place. Only pending and failed
// notifications may be resent.
func (d *Dispatcher) Resend(ctx context.Context, notificationID string) (Notification, error) {
	n, ok, err := d.Store.Get(ctx, notificationID)
	if err != nil {
		return Notification{}, fault.Storage("load notification", err)
	}
	if !ok {
		return Notification{}, fault.NotFound("notification %s not found", notificationID)
	}
	if n.Status != StatusPending && n.Status != StatusFailed {
		return Notification{}, fault.Transition("notification %s is %s; only pending or failed notifications can be resent", notificationID, n.Status)
	}
	if err := d.deliver(ctx, &n); err != nil {
		return n, err
	}
	return n, nil
}

// deliver runs one attempt and persists the outcome on the same record.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	n.Attempts++
	n.UpdatedAt = d.Clock.Now()

	sender, ok := d.Senders[n.Channel]
	if !ok {
		n.Status = StatusFailed
		n.LastError = fmt.Sprintf("no sender for channel %s", n.Channel)
		if err := d.Store.Update(ctx, *n); err != nil {
			return fault.Storage("update notification", err)
		}
		return fault.Invalid("no sender for channel %s", n.Channel)
	}

	if err := sender.Send(ctx, *n); err != nil {
		n.Status = StatusFailed
		n.LastError = err.Error()
		if uerr := d.Store.Update(ctx, *n); uerr != nil {
			return fault.Storage("update notification", uerr)
		}
		return err
	}

	n.Status = StatusSent
	if sender.Confirmed() {
		n.Status = StatusDelivered
	}
	n.LastError = ""
	if err := d.Store.Update(ctx, *n); err != nil {
		return fault.Storage("update notification", err)
	}
	slog.Debug("notification delivered",
		"notificationId", n.NotificationID,
		"channel", n.Channel,
		"status", n.Status,
		"attempts", n.Attempts)
	return nil
}

func subject(a alert.Alert) string {
	return fmt.Sprintf("[%s] %s patient %s", a.Severity, a.Type, a.PatientID)
}

func body(a alert.Alert) string {
	return fmt.Sprintf("%s\n\npriority: %d\nscore: %d\nraised: %s\nalert: %s",
		a.Message, a.Priority, a.Score, a.CreatedAt.Format("2006-01-02 15:04:05 MST"), a.AlertID)
}
