package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqlTimeLayout is fixed-width so stored timestamps compare correctly as
// text in SQL range queries and ORDER BY.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func sqlTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// Store is the sqlite-backed alert and subscription store.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the alert store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set alert store journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set alert store busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS alerts (
	alert_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	source_service TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	priority INTEGER NOT NULL,
	message TEXT NOT NULL,
	score INTEGER NOT NULL,
	consensus_id TEXT NOT NULL DEFAULT '',
	observed_at TEXT NOT NULL,
	sensor_data TEXT,
	ews_data TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	acknowledged_at TEXT,
	acknowledged_by TEXT NOT NULL DEFAULT '',
	resolved_at TEXT,
	resolved_by TEXT NOT NULL DEFAULT '',
	escalated_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_patient ON alerts(patient_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_consensus ON alerts(consensus_id) WHERE consensus_id != '';
CREATE TABLE IF NOT EXISTS subscriptions (
	subscription_id TEXT PRIMARY KEY,
	subscriber_type TEXT NOT NULL,
	subscriber_id TEXT NOT NULL,
	patient_id TEXT NOT NULL DEFAULT '',
	types_json TEXT NOT NULL DEFAULT '[]',
	min_severity TEXT NOT NULL,
	channels_json TEXT NOT NULL DEFAULT '[]',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_tier ON subscriptions(subscriber_type, min_severity, active)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize alert store schema: %w", err)
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

// InsertAlert stores a new alert. A second alert for the same consensus is a
// no-op reporting inserted=false, which absorbs redelivered consensus
// messages.
func (s *Store) InsertAlert(ctx context.Context, a Alert) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts
		 (alert_id, patient_id, source_service, type, severity, priority, message, score, consensus_id, observed_at, sensor_data, ews_data, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID,
		a.PatientID,
		a.SourceService,
		string(a.Type),
		string(a.Severity),
		a.Priority,
		a.Message,
		a.Score,
		a.ConsensusID,
		sqlTime(a.ObservedAt),
		nullableJSON(a.SensorData),
		nullableJSON(a.EWSData),
		string(a.Status),
		sqlTime(a.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert alert rows affected: %w", err)
	}
	return n > 0, nil
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, alertID string) (Alert, bool, error) {
	row := s.db.QueryRowContext(ctx, selectAlert+` WHERE alert_id = ?`, alertID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, err
	}
	return a, true, nil
}

// UpdateLifecycle persists the alert's status, priority, and lifecycle
// timestamps. Priority is included because escalation bumps it.
func (s *Store) UpdateLifecycle(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, priority = ?, acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?, resolved_by = ?, escalated_at = ?
		 WHERE alert_id = ?`,
		string(a.Status),
		a.Priority,
		nullableTime(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullableTime(a.ResolvedAt),
		a.ResolvedBy,
		nullableTime(a.EscalatedAt),
		a.AlertID,
	)
	if err != nil {
		return fmt.Errorf("update alert lifecycle: %w", err)
	}
	return nil
}

// Filter narrows ListAlerts. From and To bound created_at; zero means
// unbounded.
type Filter struct {
	PatientID string
	Status    Status
	Severity  Severity
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, f Filter) ([]Alert, error) {
	q := selectAlert + ` WHERE 1=1`
	args := []any{}
	if f.PatientID != "" {
		q += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		q += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if !f.From.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, sqlTime(f.From))
	}
	if !f.To.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, sqlTime(f.To))
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
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// EscalationCandidates returns high-severity alerts still NEW at or before
// cutoff, oldest first.
func (s *Store) EscalationCandidates(ctx context.Context, cutoff time.Time) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAlert+` WHERE status = ? AND severity = ? AND created_at <= ? ORDER BY created_at`,
		string(StatusNew),
		string(SeverityHigh),
		sqlTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query escalation candidates: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// CountByStatus returns the alert count per lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM alerts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count alerts by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan alert counts: %w", err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert counts: %w", err)
	}
	return out, nil
}

const selectAlert = `SELECT alert_id, patient_id, source_service, type, severity, priority, message, score, consensus_id, observed_at, sensor_data, ews_data, status, created_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by, escalated_at FROM alerts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (Alert, error) {
	var a Alert
	var typ, severity, status, observedAt, createdAt string
	var sensorData, ewsData, ackAt, resAt, escAt sql.NullString
	if err := row.Scan(&a.AlertID, &a.PatientID, &a.SourceService, &typ, &severity, &a.Priority, &a.Message, &a.Score, &a.ConsensusID, &observedAt, &sensorData, &ewsData, &status, &createdAt, &ackAt, &a.AcknowledgedBy, &resAt, &a.ResolvedBy, &escAt); err != nil {
		if err == sql.ErrNoRows {
			return Alert{}, err
		}
		return Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	a.Type = Type(typ)
	a.Severity = Severity(severity)
	a.Status = Status(status)
	if sensorData.Valid {
		a.SensorData = json.RawMessage(sensorData.String)
	}
	if ewsData.Valid {
		a.EWSData = json.RawMessage(ewsData.String)
	}
	t, err := time.Parse(time.RFC3339Nano, observedAt)
	if err != nil {
		return Alert{}, fmt.Errorf("decode alert timestamp: %w", err)
	}
	a.ObservedAt = t
	if t, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Alert{}, fmt.Errorf("decode alert timestamp: %w", err)
	}
	a.CreatedAt = t
	if a.AcknowledgedAt, err = parseNullableTime(ackAt); err != nil {
		return Alert{}, err
	}
	if a.ResolvedAt, err = parseNullableTime(resAt); err != nil {
		return Alert{}, err
	}
	if a.EscalatedAt, err = parseNullableTime(escAt); err != nil {
		return Alert{}, err
	}
	return a, nil
}

func collectAlerts(rows *sql.Rows) ([]Alert, error) {
	out := make([]Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("decode alert timestamp: %w", err)
	}
	return &t, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// UpsertSubscription creates or replaces a subscription.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	typesJSON, err := json.Marshal(sub.Types)
	if err != nil {
		return fmt.Errorf("marshal subscription types: %w", err)
	}
	channelsJSON, err := json.Marshal(sub.Channels)
	if err != nil {
		return fmt.Errorf("marshal subscription channels: %w", err)
	}
	active := 0
	if sub.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		 (subscription_id, subscriber_type, subscriber_id, patient_id, types_json, min_severity, channels_json, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subscription_id) DO UPDATE SET
		   subscriber_type = excluded.subscriber_type,
		   subscriber_id = excluded.subscriber_id,
		   patient_id = excluded.patient_id,
		   types_json = excluded.types_json,
		   min_severity = excluded.min_severity,
		   channels_json = excluded.channels_json,
		   active = excluded.active`,
		sub.SubscriptionID,
		string(sub.SubscriberType),
		sub.SubscriberID,
		sub.PatientID,
		string(typesJSON),
		string(sub.MinSeverity),
		string(channelsJSON),
		active,
		sqlTime(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription fetches one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, bool, error) {
	row := s.db.QueryRowContext(ctx, selectSubscription+` WHERE subscription_id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

// DeleteSubscription removes a subscription, reporting whether it existed.
func (s *Store) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription rows affected: %w", err)
	}
	return n > 0, nil
}

// ListSubscriptions returns subscriptions ordered by subscriber id. With
// activeOnly set, disabled subscriptions are skipped.
func (s *Store) ListSubscriptions(ctx context.Context, activeOnly bool) ([]Subscription, error) {
	q := selectSubscription
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY subscriber_id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// EscalationSubscriptions returns the escalation tier for a patient: active
// department-level subscriptions with a HIGH severity floor, scoped to the
// patient or global.
func (s *Store) EscalationSubscriptions(ctx context.Context, patientID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSubscription+` WHERE active = 1 AND subscriber_type = ? AND min_severity = ? AND (patient_id = '' OR patient_id = ?) ORDER BY subscriber_id`,
		string(SubscriberDepartment),
		string(SeverityHigh),
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalation subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

const selectSubscription = `SELECT subscription_id, subscriber_type, subscriber_id, patient_id, types_json, min_severity, channels_json, active, created_at FROM subscriptions`

func scanSubscription(row rowScanner) (Subscription, error) {
	var sub Subscription
	var subscriberType, minSeverity, typesJSON, channelsJSON, createdAt string
	var active int
	if err := row.Scan(&sub.SubscriptionID, &subscriberType, &sub.SubscriberID, &sub.PatientID, &typesJSON, &minSeverity, &channelsJSON, &active, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Subscription{}, err
		}
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	sub.SubscriberType = SubscriberType(subscriberType)
	sub.MinSeverity = Severity(minSeverity)
	sub.Active = active != 0
	if err := json.Unmarshal([]byte(typesJSON), &sub.Types); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal subscription types: %w", err)
	}
	if err := json.Unmarshal([]byte(channelsJSON), &sub.Channels); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal subscription channels: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Subscription{}, fmt.Errorf("decode subscription timestamp: %w", err)
	}
	sub.CreatedAt = t
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	out := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}
