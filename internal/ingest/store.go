package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

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

// Store persists sensor readings and per-sensor consensus records for the
// ingestion service.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the ingestion database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ingest db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set ingest db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set ingest db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sensor_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	observed_at TEXT NOT NULL,
	node_id TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_readings_patient_sensor_time
	ON sensor_readings(patient_id, sensor_type, observed_at);
CREATE TABLE IF NOT EXISTS sensor_consensus (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	consensus_value REAL NOT NULL,
	consensus_at TEXT NOT NULL,
	valid INTEGER NOT NULL,
	method TEXT NOT NULL,
	participants_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consensus_patient_time
	ON sensor_consensus(patient_id, consensus_at);
CREATE INDEX IF NOT EXISTS idx_consensus_patient_type_time
	ON sensor_consensus(patient_id, sensor_type, consensus_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize ingest schema: %w", err)
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

// InsertReading appends one sensor reading. Readings are immutable once
// written.
func (s *Store) InsertReading(ctx context.Context, r vitals.SensorReading) error {
	metadata := "{}"
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal reading metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (patient_id, sensor_type, value, unit, observed_at, node_id, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.PatientID,
		string(r.SensorType),
		r.Value,
		r.Unit,
		sqlTime(r.ObservedAt),
		r.NodeID,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert sensor reading: %w", err)
	}
	return nil
}

// ReadingsInWindow returns all readings for (patient, sensorType) with
// observed_at in [from, to], oldest first.
func (s *Store) ReadingsInWindow(ctx context.Context, patientID string, sensorType vitals.SensorType, from, to time.Time) ([]vitals.SensorReading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, sensor_type, value, unit, observed_at, node_id, metadata_json
		 FROM sensor_readings
		 WHERE patient_id = ? AND sensor_type = ? AND observed_at >= ? AND observed_at <= ?
		 ORDER BY observed_at`,
		patientID,
		string(sensorType),
		sqlTime(from),
		sqlTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query readings window: %w", err)
	}
	defer rows.Close()

	out := make([]vitals.SensorReading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings window: %w", err)
	}
	return out, nil
}

func scanReading(rows *sql.Rows) (vitals.SensorReading, error) {
	var r vitals.SensorReading
	var sensorType, observedAt, metadata string
	if err := rows.Scan(&r.PatientID, &sensorType, &r.Value, &r.Unit, &observedAt, &r.NodeID, &metadata); err != nil {
		return vitals.SensorReading{}, fmt.Errorf("scan reading row: %w", err)
	}
	r.SensorType = vitals.SensorType(sensorType)
	t, err := time.Parse(time.RFC3339Nano, observedAt)
	if err != nil {
		return vitals.SensorReading{}, fmt.Errorf("decode reading timestamp: %w", err)
	}
	r.ObservedAt = t
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return vitals.SensorReading{}, fmt.Errorf("unmarshal reading metadata: %w", err)
		}
	}
	return r, nil
}

// InsertConsensus persists one consensus record.
func (s *Store) InsertConsensus(ctx context.Context, c vitals.SensorConsensus) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("marshal consensus participants: %w", err)
	}
	valid := 0
	if c.Valid {
		valid = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sensor_consensus (id, patient_id, sensor_type, consensus_value, consensus_at, valid, method, participants_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.PatientID,
		string(c.SensorType),
		c.ConsensusValue,
		sqlTime(c.ConsensusAt),
		valid,
		string(c.Method),
		string(participants),
	)
	if err != nil {
		return fmt.Errorf("insert sensor consensus: %w", err)
	}
	return nil
}

// LatestValidPerType returns, per sensor type, the most recent valid
// consensus for the patient with consensus_at at or after cutoff.
func (s *Store) LatestValidPerType(ctx context.Context, patientID string, cutoff time.Time) (map[vitals.SensorType]vitals.SensorConsensus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, sensor_type, consensus_value, consensus_at, valid, method, participants_json
		 FROM sensor_consensus
		 WHERE patient_id = ? AND valid = 1 AND consensus_at >= ?
		 ORDER BY consensus_at`,
		patientID,
		sqlTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query latest consensus per type: %w", err)
	}
	defer rows.Close()

	out := make(map[vitals.SensorType]vitals.SensorConsensus, len(vitals.SensorTypes))
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, err
		}
		// Rows arrive oldest first, so the last write per type wins.
		out[c.SensorType] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest consensus per type: %w", err)
	}
	return out, nil
}

// QueryConsensus returns consensus records for a patient, optionally
// filtered by sensor type and time range, newest first.
func (s *Store) QueryConsensus(ctx context.Context, patientID string, sensorType vitals.SensorType, from, to time.Time) ([]vitals.SensorConsensus, error) {
	q := `SELECT id, patient_id, sensor_type, consensus_value, consensus_at, valid, method, participants_json
	 FROM sensor_consensus WHERE patient_id = ?`
	args := []any{patientID}
	if sensorType != "" {
		q += ` AND sensor_type = ?`
		args = append(args, string(sensorType))
	}
	if !from.IsZero() {
		q += ` AND consensus_at >= ?`
		args = append(args, sqlTime(from))
	}
	if !to.IsZero() {
		q += ` AND consensus_at <= ?`
		args = append(args, sqlTime(to))
	}
	q += ` ORDER BY consensus_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sensor consensus: %w", err)
	}
	defer rows.Close()

	out := make([]vitals.SensorConsensus, 0)
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor consensus: %w", err)
	}
	return out, nil
}

func scanConsensus(rows *sql.Rows) (vitals.SensorConsensus, error) {
	var c vitals.SensorConsensus
	var sensorType, consensusAt, method, participants string
	var valid int
	if err := rows.Scan(&c.ID, &c.PatientID, &sensorType, &c.ConsensusValue, &consensusAt, &valid, &method, &participants); err != nil {
		return vitals.SensorConsensus{}, fmt.Errorf("scan consensus row: %w", err)
	}
	c.SensorType = vitals.SensorType(sensorType)
	c.Method = vitals.ConsensusMethod(method)
	c.Valid = valid != 0
	t, err := time.Parse(time.RFC3339Nano, consensusAt)
	if err != nil {
		return vitals.SensorConsensus{}, fmt.Errorf("decode consensus timestamp: %w", err)
	}
	c.ConsensusAt = t
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return vitals.SensorConsensus{}, fmt.Errorf("unmarshal consensus participants: %w", err)
	}
	return c, nil
}
