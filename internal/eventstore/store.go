// Package eventstore is the append-only store behind the scoring service:
// per-node score events and the consensus records reconciling them. Events
// are never mutated or deleted; the read model is a separate projection.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vitalmesh/internal/news2"
	"vitalmesh/internal/vitals"

	_ "modernc.org/sqlite"
)

// sqlTimeLayout is fixed-width so stored timestamps compare correctly as
// text in SQL range queries and ORDER BY. Variable-precision encodings
// mis-order rows whose fractional seconds differ in width.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func sqlTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// EventKind distinguishes why a score event was recorded.
type EventKind string

const (
	KindCalculated EventKind = "EWS_CALCULATED"
	KindUpdated    EventKind = "EWS_UPDATED"
	KindValidated  EventKind = "EWS_VALIDATED"
)

// Valid reports whether k is a recognised event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindCalculated, KindUpdated, KindValidated:
		return true
	}
	return false
}

// ScoreEvent is one immutable per-node NEWS2 calculation.
type ScoreEvent struct {
	EventID      string            `json:"eventId"`
	PatientID    string            `json:"patientId"`
	NodeID       string            `json:"nodeId"`
	Kind         EventKind         `json:"eventType"`
	ObservedAt   time.Time         `json:"timestamp"`
	VitalSigns   vitals.VitalSigns `json:"vitalSigns"`
	Components   news2.Components  `json:"scoreComponents"`
	TotalScore   int               `json:"totalScore"`
	ClinicalRisk news2.Risk        `json:"clinicalRisk"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ScoreConsensus reconciles the per-node score events for one patient over
// a window. NodeScores is the participating event subset; the projector
// needs the full snapshots for the authoritative-vitals tie-break.
type ScoreConsensus struct {
	ConsensusID    string                 `json:"consensusId"`
	PatientID      string                 `json:"patientId"`
	NodeScores     []ScoreEvent           `json:"nodeScores"`
	ConsensusScore int                    `json:"consensusScore"`
	ClinicalRisk   news2.Risk             `json:"clinicalRisk"`
	ConsensusAt    time.Time              `json:"consensusAt"`
	Valid          bool                   `json:"valid"`
	Method         vitals.ConsensusMethod `json:"method"`
}

// EventFilter narrows QueryEvents.
type EventFilter struct {
	PatientID string
	Kind      EventKind
	From      time.Time
	To        time.Time
	Limit     int
}

// Store is the sqlite-backed event store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the event store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set event store journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set event store busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS score_events (
	event_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	observed_at TEXT NOT NULL,
	vitals_json TEXT NOT NULL,
	components_json TEXT NOT NULL,
	total_score INTEGER NOT NULL,
	clinical_risk TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_score_events_patient_time ON score_events(patient_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_score_events_kind ON score_events(kind);
CREATE TABLE IF NOT EXISTS score_consensus (
	consensus_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	consensus_score INTEGER NOT NULL,
	clinical_risk TEXT NOT NULL,
	consensus_at TEXT NOT NULL,
	valid INTEGER NOT NULL,
	method TEXT NOT NULL,
	node_scores_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_score_consensus_patient_time ON score_consensus(patient_id, consensus_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize event store schema: %w", err)
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

// InsertEvent appends one score event. Idempotent by event id: re-inserting
// an already stored event is a no-op and reports inserted=false.
func (s *Store) InsertEvent(ctx context.Context, e ScoreEvent) (inserted bool, err error) {
	vitalsJSON, err := json.Marshal(e.VitalSigns)
	if err != nil {
		return false, fmt.Errorf("marshal event vitals: %w", err)
	}
	componentsJSON, err := json.Marshal(e.Components)
	if err != nil {
		return false, fmt.Errorf("marshal event components: %w", err)
	}
	metadata := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO score_events
		 (event_id, patient_id, node_id, kind, observed_at, vitals_json, components_json, total_score, clinical_risk, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID,
		e.PatientID,
		e.NodeID,
		string(e.Kind),
		sqlTime(e.ObservedAt),
		string(vitalsJSON),
		string(componentsJSON),
		e.TotalScore,
		string(e.ClinicalRisk),
		metadata,
		sqlTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert score event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert score event rows affected: %w", err)
	}
	return n > 0, nil
}

// EventsInWindow returns a patient's events with observed_at in [from, to],
// oldest first.
func (s *Store) EventsInWindow(ctx context.Context, patientID string, from, to time.Time) ([]ScoreEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvent+` WHERE patient_id = ? AND observed_at >= ? AND observed_at <= ? ORDER BY observed_at`,
		patientID,
		sqlTime(from),
		sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query events window: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// HasEvents reports whether any event exists for (patient, node).
func (s *Store) HasEvents(ctx context.Context, patientID, nodeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM score_events WHERE patient_id = ? AND node_id = ? LIMIT 1`,
		patientID, nodeID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check existing events: %w", err)
	}
	return true, nil
}

// QueryEvents returns events matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]ScoreEvent, error) {
	q := selectEvent + ` WHERE 1=1`
	args := []any{}
	if f.PatientID != "" {
		q += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.From.IsZero() {
		q += ` AND observed_at >= ?`
		args = append(args, sqlTime(f.From))
	}
	if !f.To.IsZero() {
		q += ` AND observed_at <= ?`
		args = append(args, sqlTime(f.To))
	}
	q += ` ORDER BY observed_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query score events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountEvents returns the number of stored score events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count score events: %w", err)
	}
	return n, nil
}

const selectEvent = `SELECT event_id, patient_id, node_id, kind, observed_at, vitals_json, components_json, total_score, clinical_risk, metadata_json FROM score_events`

func collectEvents(rows *sql.Rows) ([]ScoreEvent, error) {
	out := make([]ScoreEvent, 0)
	for rows.Next() {
		var e ScoreEvent
		var kind, observedAt, vitalsJSON, componentsJSON, metadata string
		var risk string
		if err := rows.Scan(&e.EventID, &e.PatientID, &e.NodeID, &kind, &observedAt, &vitalsJSON, &componentsJSON, &e.TotalScore, &risk, &metadata); err != nil {
			return nil, fmt.Errorf("scan score event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.ClinicalRisk = news2.Risk(risk)
		t, err := time.Parse(time.RFC3339Nano, observedAt)
		if err != nil {
			return nil, fmt.Errorf("decode event timestamp: %w", err)
		}
		e.ObservedAt = t
		if err := json.Unmarshal([]byte(vitalsJSON), &e.VitalSigns); err != nil {
			return nil, fmt.Errorf("unmarshal event vitals: %w", err)
		}
		if err := json.Unmarshal([]byte(componentsJSON), &e.Components); err != nil {
			return nil, fmt.Errorf("unmarshal event components: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score events: %w", err)
	}
	return out, nil
}

// InsertConsensus persists one score consensus record.
func (s *Store) InsertConsensus(ctx context.Context, c ScoreConsensus) error {
	nodeScores, err := json.Marshal(c.NodeScores)
	if err != nil {
		return fmt.Errorf("marshal consensus node scores: %w", err)
	}
	valid := 0
	if c.Valid {
		valid = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO score_consensus
		 (consensus_id, patient_id, consensus_score, clinical_risk, consensus_at, valid, method, node_scores_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConsensusID,
		c.PatientID,
		c.ConsensusScore,
		string(c.ClinicalRisk),
		sqlTime(c.ConsensusAt),
		valid,
		string(c.Method),
		string(nodeScores),
		sqlTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert score consensus: %w", err)
	}
	return nil
}

// GetConsensus fetches one consensus by id.
func (s *Store) GetConsensus(ctx context.Context, consensusID string) (ScoreConsensus, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT consensus_id, patient_id, consensus_score, clinical_risk, consensus_at, valid, method, node_scores_json
		 FROM score_consensus WHERE consensus_id = ?`,
		consensusID,
	)
	c, err := scanConsensusRow(row)
	if err == sql.ErrNoRows {
		return ScoreConsensus{}, false, nil
	}
	if err != nil {
		return ScoreConsensus{}, false, err
	}
	return c, true, nil
}

// ConsensusHistory returns a patient's consensus records in [from, to],
// newest first, up to limit.
func (s *Store) ConsensusHistory(ctx context.Context, patientID string, from, to time.Time, limit int) ([]ScoreConsensus, error) {
	q := `SELECT consensus_id, patient_id, consensus_score, clinical_risk, consensus_at, valid, method, node_scores_json
	 FROM score_consensus WHERE patient_id = ?`
	args := []any{patientID}
	if !from.IsZero() {
		q += ` AND consensus_at >= ?`
		args = append(args, sqlTime(from))
	}
	if !to.IsZero() {
		q += ` AND consensus_at <= ?`
		args = append(args, sqlTime(to))
	}
	q += ` ORDER BY consensus_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query consensus history: %w", err)
	}
	defer rows.Close()

	out := make([]ScoreConsensus, 0)
	for rows.Next() {
		c, err := scanConsensusRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consensus history: %w", err)
	}
	return out, nil
}

// CountConsensus returns the number of stored consensus records.
func (s *Store) CountConsensus(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_consensus`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count score consensus: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsensusRow(row rowScanner) (ScoreConsensus, error) {
	var c ScoreConsensus
	var risk, consensusAt, method, nodeScores string
	var valid int
	if err := row.Scan(&c.ConsensusID, &c.PatientID, &c.ConsensusScore, &risk, &consensusAt, &valid, &method, &nodeScores); err != nil {
		if err == sql.ErrNoRows {
			return ScoreConsensus{}, err
		}
		return ScoreConsensus{}, fmt.Errorf("scan score consensus: %w", err)
	}
	c.ClinicalRisk = news2.Risk(risk)
	c.Method = vitals.ConsensusMethod(method)
	c.Valid = valid != 0
	t, err := time.Parse(time.RFC3339Nano, consensusAt)
	if err != nil {
		return ScoreConsensus{}, fmt.Errorf("decode consensus timestamp: %w", err)
	}
	c.ConsensusAt = t
	if err := json.Unmarshal([]byte(nodeScores), &c.NodeScores); err != nil {
		return ScoreConsensus{}, fmt.Errorf("unmarshal consensus node scores: %w", err)
	}
	return c, nil
}
