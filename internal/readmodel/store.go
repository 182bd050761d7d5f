// Package readmodel maintains the query-side projection of the scoring
// pipeline: one denormalized record per patient, rebuilt incrementally from
// score consensus records. Writes go through Apply so duplicate deliveries
// are absorbed in the same transaction that mutates the record.
package readmodel

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

// MaxHistory bounds the per-patient score history ring.
const MaxHistory = 100

// HistoryEntry is one point in a patient's score trajectory.
type HistoryEntry struct {
	Timestamp    time.Time  `json:"timestamp"`
	Score        int        `json:"score"`
	ClinicalRisk news2.Risk `json:"clinicalRisk"`
}

// PatientReadModel is the denormalized per-patient view served to queries.
// VitalSigns and Components are nil until the first valid consensus lands.
type PatientReadModel struct {
	PatientID    string             `json:"patientId"`
	CurrentScore int                `json:"currentScore"`
	ClinicalRisk news2.Risk         `json:"clinicalRisk"`
	VitalSigns   *vitals.VitalSigns `json:"vitalSigns,omitempty"`
	Components   *news2.Components  `json:"scoreComponents,omitempty"`
	History      []HistoryEntry     `json:"scoreHistory"`
	LastUpdated  time.Time          `json:"lastUpdated"`
}

// Store is the sqlite-backed read model.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the read model store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open read model store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set read model journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set read model busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS patient_read_models (
	patient_id TEXT PRIMARY KEY,
	current_score INTEGER NOT NULL,
	clinical_risk TEXT NOT NULL,
	vitals_json TEXT,
	components_json TEXT,
	history_json TEXT NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_read_models_score ON patient_read_models(current_score);
CREATE TABLE IF NOT EXISTS applied_consensus (
	consensus_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize read model schema: %w", err)
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

// Apply runs mutate against the patient's record inside one transaction,
// keyed by consensusID for idempotence. A consensus that was already applied
// is a no-op reporting applied=false; the mutation and the dedup marker
// commit or roll back together.
func (s *Store) Apply(ctx context.Context, consensusID, patientID string, mutate func(m *PatientReadModel, exists bool) error) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin read model transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_consensus (consensus_id, patient_id, applied_at) VALUES (?, ?, ?)`,
		consensusID, patientID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("mark consensus applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark consensus applied rows: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	model, exists, err := getTx(ctx, tx, patientID)
	if err != nil {
		return false, err
	}
	if !exists {
		model = PatientReadModel{PatientID: patientID}
	}
	if err = mutate(&model, exists); err != nil {
		return false, err
	}
	if err = saveTx(ctx, tx, model); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit read model transaction: %w", err)
	}
	return true, nil
}

// Get fetches one patient's record.
func (s *Store) Get(ctx context.Context, patientID string) (PatientReadModel, bool, error) {
	row := s.db.QueryRowContext(ctx, selectModel+` WHERE patient_id = ?`, patientID)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return PatientReadModel{}, false, nil
	}
	if err != nil {
		return PatientReadModel{}, false, err
	}
	return m, true, nil
}

// List returns every patient record ordered by patient id.
func (s *Store) List(ctx context.Context) ([]PatientReadModel, error) {
	rows, err := s.db.QueryContext(ctx, selectModel+` ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list read models: %w", err)
	}
	defer rows.Close()
	return collectModels(rows)
}

// ListHighRisk returns patients with current_score >= minScore, highest
// first.
func (s *Store) ListHighRisk(ctx context.Context, minScore int) ([]PatientReadModel, error) {
	rows, err := s.db.QueryContext(ctx,
		selectModel+` WHERE current_score >= ? ORDER BY current_score DESC, patient_id`,
		minScore,
	)
	if err != nil {
		return nil, fmt.Errorf("list high risk patients: %w", err)
	}
	defer rows.Close()
	return collectModels(rows)
}

// Stats returns the patient count and the distribution across risk bands.
func (s *Store) Stats(ctx context.Context) (total int, byRisk map[news2.Risk]int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT clinical_risk, COUNT(*) FROM patient_read_models GROUP BY clinical_risk`)
	if err != nil {
		return 0, nil, fmt.Errorf("read model stats: %w", err)
	}
	defer rows.Close()

	byRisk = make(map[news2.Risk]int)
	for rows.Next() {
		var risk string
		var n int
		if err := rows.Scan(&risk, &n); err != nil {
			return 0, nil, fmt.Errorf("scan read model stats: %w", err)
		}
		byRisk[news2.Risk(risk)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate read model stats: %w", err)
	}
	return total, byRisk, nil
}

const selectModel = `SELECT patient_id, current_score, clinical_risk, vitals_json, components_json, history_json, last_updated FROM patient_read_models`

func getTx(ctx context.Context, tx *sql.Tx, patientID string) (PatientReadModel, bool, error) {
	row := tx.QueryRowContext(ctx, selectModel+` WHERE patient_id = ?`, patientID)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return PatientReadModel{}, false, nil
	}
	if err != nil {
		return PatientReadModel{}, false, err
	}
	return m, true, nil
}

func saveTx(ctx context.Context, tx *sql.Tx, m PatientReadModel) error {
	historyJSON, err := json.Marshal(m.History)
	if err != nil {
		return fmt.Errorf("marshal score history: %w", err)
	}
	var vitalsJSON, componentsJSON any
	if m.VitalSigns != nil {
		raw, err := json.Marshal(m.VitalSigns)
		if err != nil {
			return fmt.Errorf("marshal read model vitals: %w", err)
		}
		vitalsJSON = string(raw)
	}
	if m.Components != nil {
		raw, err := json.Marshal(m.Components)
		if err != nil {
			return fmt.Errorf("marshal read model components: %w", err)
		}
		componentsJSON = string(raw)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patient_read_models
		 (patient_id, current_score, clinical_risk, vitals_json, components_json, history_json, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(patient_id) DO UPDATE SET
		   current_score = excluded.current_score,
		   clinical_risk = excluded.clinical_risk,
		   vitals_json = excluded.vitals_json,
		   components_json = excluded.components_json,
		   history_json = excluded.history_json,
		   last_updated = excluded.last_updated`,
		m.PatientID,
		m.CurrentScore,
		string(m.ClinicalRisk),
		vitalsJSON,
		componentsJSON,
		string(historyJSON),
		m.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert read model: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (PatientReadModel, error) {
	var m PatientReadModel
	var risk, historyJSON, lastUpdated string
	var vitalsJSON, componentsJSON sql.NullString
	if err := row.Scan(&m.PatientID, &m.CurrentScore, &risk, &vitalsJSON, &componentsJSON, &historyJSON, &lastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return PatientReadModel{}, err
		}
		return PatientReadModel{}, fmt.Errorf("scan read model: %w", err)
	}
	m.ClinicalRisk = news2.Risk(risk)
	if vitalsJSON.Valid {
		var v vitals.VitalSigns
		if err := json.Unmarshal([]byte(vitalsJSON.String), &v); err != nil {
			return PatientReadModel{}, fmt.Errorf("unmarshal read model vitals: %w", err)
		}
		m.VitalSigns = &v
	}
	if componentsJSON.Valid {
		var c news2.Components
		if err := json.Unmarshal([]byte(componentsJSON.String), &c); err != nil {
			return PatientReadModel{}, fmt.Errorf("unmarshal read model components: %w", err)
		}
		m.Components = &c
	}
	if err := json.Unmarshal([]byte(historyJSON), &m.History); err != nil {
		return PatientReadModel{}, fmt.Errorf("unmarshal score history: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		return PatientReadModel{}, fmt.Errorf("decode read model timestamp: %w", err)
	}
	m.LastUpdated = t
	return m, nil
}

func collectModels(rows *sql.Rows) ([]PatientReadModel, error) {
	out := make([]PatientReadModel, 0)
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read models: %w", err)
	}
	return out, nil
}
