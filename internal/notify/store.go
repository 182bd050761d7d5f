package notify

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vitalmesh/internal/alert"

	_ "modernc.org/sqlite"
)

// sqlTimeLayout is fixed-width so stored timestamps order correctly as text.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func sqlTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// Store is the sqlite-backed notification log.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the notification store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open notification store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set notification store journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set notification store busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	alert_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	target TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_alert ON notifications(alert_id);
CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize notification schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores a new notification record.
func (s *Store) Insert(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications
		 (notification_id, alert_id, subscription_id, channel, target, subject, body, status, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.NotificationID,
		n.AlertID,
		n.SubscriptionID,
		string(n.Channel),
		n.Target,
		n.Subject,
		n.Body,
		string(n.Status),
		n.Attempts,
		n.LastError,
		sqlTime(n.CreatedAt),
		sqlTime(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Update persists the mutable delivery fields in place.
func (s *Store) Update(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE notification_id = ?`,
		string(n.Status),
		n.Attempts,
		n.LastError,
		sqlTime(n.UpdatedAt),
		n.NotificationID,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

// Get fetches one notification by id.
func (s *Store) Get(ctx context.Context, id string) (Notification, bool, error) {
	row := s.db.QueryRowContext(ctx, selectNotification+` WHERE notification_id = ?`, id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, err
	}
	return n, true, nil
}

// ListByAlert returns every notification for an alert, oldest first.
func (s *Store) ListByAlert(ctx context.Context, alertID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		selectNotification+` WHERE alert_id = ? ORDER BY created_at`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list notifications for alert: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// ListByStatus returns notifications in one state, oldest first, up to limit.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Notification, error) {
	q := selectNotification + ` WHERE status = ? ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications by status: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// Filter narrows List. Zero values leave a dimension unfiltered.
type Filter struct {
	AlertID string
	Status  Status
	Limit   int
	Offset  int
}

// List returns notifications matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Notification, error) {
	q := selectNotification + ` WHERE 1=1`
	args := []any{}
	if f.AlertID != "" {
		q += ` AND alert_id = ?`
		args = append(args, f.AlertID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at DESC`
	switch {
	case f.Limit > 0:
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	case f.Offset > 0:
		// sqlite requires a LIMIT clause before OFFSET.
		q += ` LIMIT -1`
	}
	if f.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

const selectNotification = `SELECT notification_id, alert_id, subscription_id, channel, target, subject, body, status, attempts, last_error, created_at, updated_at FROM notifications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var channel, status, createdAt, updatedAt string
	if err := row.Scan(&n.NotificationID, &n.AlertID, &n.SubscriptionID, &channel, &n.Target, &n.Subject, &n.Body, &status, &n.Attempts, &n.LastError, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Notification{}, err
		}
		return Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	n.Channel = alert.Channel(channel)
	n.Status = Status(status)
	var err error
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Notification{}, fmt.Errorf("decode notification timestamp: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Notification{}, fmt.Errorf("decode notification timestamp: %w", err)
	}
	return n, nil
}

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}
