package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wneessen/go-mail"

	"vitalmesh/internal/fault"
)

// Sender delivers one rendered notification. Confirmed reports whether the
// channel confirms receipt: a confirmed send is DELIVERED, an unconfirmed
// one stops at SENT.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Confirmed() bool
}

// EmailSender delivers over SMTP. SMTP accepts the message without a
// delivery receipt, so email notifications stop at SENT.
type EmailSender struct {
	Host     string
	Port     int
	Secure   bool
	From     string
	FromName string
	Username string
	Password string
}

// Send submits the notification to the configured SMTP host.
func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	msg := mail.NewMsg()
	if s.FromName != "" {
		if err := msg.FromFormat(s.FromName, s.From); err != nil {
			return fault.Invalid("email sender address %q: %v", s.From, err)
		}
	} else if err := msg.From(s.From); err != nil {
		return fault.Invalid("email sender address %q: %v", s.From, err)
	}
	if err := msg.To(n.Target); err != nil {
		return fault.Invalid("email target address %q: %v", n.Target, err)
	}
	msg.Subject(n.Subject)
	msg.SetBodyString(mail.TypeTextPlain, n.Body)

	opts := []mail.Option{mail.WithPort(s.Port)}
	if s.Secure {
		opts = append(opts, mail.WithSSL())
	}
	if s.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.Username),
			mail.WithPassword(s.Password))
	}
	client, err := mail.NewClient(s.Host, opts...)
	if err != nil {
		return fault.Downstream("smtp", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fault.Downstream("smtp", err)
	}
	return nil
}

// Confirmed reports false: SMTP gives no end-to-end receipt.
func (s *EmailSender) Confirmed() bool { return false }

const webhookTimeout = 10 * time.Second

// WebhookSender posts the notification as JSON to the target URL.
type WebhookSender struct {
	Client *http.Client
}

// NewWebhookSender builds a sender with the default timeout.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{Client: &http.Client{Timeout: webhookTimeout}}
}

// Send posts the notification; a 2xx response confirms delivery.
func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fault.Invalid("encode webhook payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Target, bytes.NewReader(payload))
	if err != nil {
		return fault.Invalid("webhook target %q: %v", n.Target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fault.Downstream("webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.Downstream("webhook", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Confirmed reports true: the 2xx response is the receipt.
func (s *WebhookSender) Confirmed() bool { return true }

// LogSender writes the notification to the structured log. Used as the
// development fallback and for audit-only subscriptions.
type LogSender struct{}

// Send logs the notification at warn level.
func (LogSender) Send(_ context.Context, n Notification) error {
	slog.Warn("clinical alert notification",
		"alertId", n.AlertID,
		"subscriptionId", n.SubscriptionID,
		"subject", n.Subject,
		"body", n.Body)
	return nil
}

// Confirmed reports true: the write is the delivery.
func (LogSender) Confirmed() bool { return true }
