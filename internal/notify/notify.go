// Package notify delivers alerts to subscription targets and tracks each
// delivery attempt as a notification record with its own lifecycle.
package notify

import (
	"time"

	"vitalmesh/internal/alert"
	"vitalmesh/internal/fault"
)

// Status is the notification delivery state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Transition validates moving from s to next. Delivered is terminal; failed
// notifications go back to pending on resend.
func (s Status) Transition(next Status) error {
	allowed := map[Status][]Status{
		StatusPending:   {StatusSent, StatusDelivered, StatusFailed},
		StatusSent:      {StatusDelivered, StatusFailed},
		StatusFailed:    {StatusPending, StatusSent, StatusDelivered},
		StatusDelivered: {},
	}
	for _, a := range allowed[s] {
		if a == next {
			return nil
		}
	}
	return fault.Transition("notification status cannot move from %s to %s", s, next)
}

// Notification is one delivery of one alert to one subscription target.
// Resends update the record in place; Attempts counts every try.
type Notification struct {
	NotificationID string        `json:"notificationId"`
	AlertID        string        `json:"alertId"`
	SubscriptionID string        `json:"subscriptionId"`
	Channel        alert.Channel `json:"channel"`
	Target         string        `json:"target"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	Status         Status        `json:"status"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"lastError,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
