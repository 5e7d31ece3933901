// Package journal keeps an on-disk history of privacy state transitions and
// detected activities in SQLite.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ignition/privacy-agent/pkg/activity"
	"github.com/ignition/privacy-agent/pkg/privacy"
)

const (
	DefaultPath          = "/var/lib/privacy-agent/journal.db"
	currentSchemaVersion = 1
)

// TransitionRecord is a stored state transition.
type TransitionRecord struct {
	ID       int64         `json:"id" yaml:"id"`
	From     privacy.State `json:"from" yaml:"from"`
	To       privacy.State `json:"to" yaml:"to"`
	At       time.Time     `json:"at" yaml:"at"`
	Reason   string        `json:"reason" yaml:"reason"`
	AllowSet []string      `json:"allowSet" yaml:"allowSet"`
}

// ActivityRecord is a stored detection. EndedAt is zero while the process
// is still running.
type ActivityRecord struct {
	ID         string    `json:"id" yaml:"id"`
	PID        int       `json:"pid" yaml:"pid"`
	Kind       string    `json:"kind" yaml:"kind"`
	Confidence float64   `json:"confidence" yaml:"confidence"`
	Action     string    `json:"action" yaml:"action"`
	Command    string    `json:"command" yaml:"command"`
	DetectedAt time.Time `json:"detectedAt" yaml:"detectedAt"`
	EndedAt    time.Time `json:"endedAt,omitzero" yaml:"endedAt,omitempty"`
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the journal at path and migrates its schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows), strings.Contains(err.Error(), "no such table"):
		version = 0
	default:
		return fmt.Errorf("reading schema version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported (%d)", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("starting migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`DELETE FROM schema_version`,
		`INSERT INTO schema_version (version) VALUES (1)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			at_ns INTEGER NOT NULL,
			reason TEXT NOT NULL,
			allow_set TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at_ns)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			kind TEXT NOT NULL,
			confidence REAL NOT NULL,
			action TEXT NOT NULL,
			command TEXT NOT NULL,
			detected_at_ns INTEGER NOT NULL,
			ended_at_ns INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_detected ON activities(detected_at_ns)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrating journal schema: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RecordTransition(t privacy.Transition) error {
	allow := t.AllowSet
	if allow == nil {
		allow = []string{}
	}
	encoded, err := json.Marshal(allow)
	if err != nil {
		return fmt.Errorf("encoding allow-set: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO transitions (from_state, to_state, at_ns, reason, allow_set)
		VALUES (?, ?, ?, ?, ?)
	`, string(t.From), string(t.To), t.At.UnixNano(), t.Reason, string(encoded))
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

func (s *Store) RecordActivity(a activity.DetectedActivity) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO activities (id, pid, kind, confidence, action, command, detected_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Process.PID, string(a.Kind), a.Confidence, string(a.Action), a.Process.CommandLine, a.DetectedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

// RecordCompletion marks an activity as ended. Unknown ids are ignored.
func (s *Store) RecordCompletion(id string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE activities SET ended_at_ns = ? WHERE id = ? AND ended_at_ns IS NULL`, endedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}
	return nil
}

// Transitions returns up to limit transitions, newest first.
func (s *Store) Transitions(limit int) ([]TransitionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, from_state, to_state, at_ns, reason, allow_set
		FROM transitions ORDER BY at_ns DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			r          TransitionRecord
			from, to   string
			atNs       int64
			allowSetJS string
		)
		if err := rows.Scan(&r.ID, &from, &to, &atNs, &r.Reason, &allowSetJS); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		r.From, r.To = privacy.State(from), privacy.State(to)
		r.At = time.Unix(0, atNs)
		if err := json.Unmarshal([]byte(allowSetJS), &r.AllowSet); err != nil {
			return nil, fmt.Errorf("decoding allow-set of transition %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Activities returns up to limit detections, newest first.
func (s *Store) Activities(limit int) ([]ActivityRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, pid, kind, confidence, action, command, detected_at_ns, ended_at_ns
		FROM activities ORDER BY detected_at_ns DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var (
			r          ActivityRecord
			detectedNs int64
			endedNs    sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.PID, &r.Kind, &r.Confidence, &r.Action, &r.Command, &detectedNs, &endedNs); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		r.DetectedAt = time.Unix(0, detectedNs)
		if endedNs.Valid {
			r.EndedAt = time.Unix(0, endedNs.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes transitions and finished activities older than cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM transitions WHERE at_ns < ?`,
		`DELETE FROM activities WHERE ended_at_ns IS NOT NULL AND ended_at_ns < ?`,
	} {
		res, err := tx.Exec(stmt, cutoff.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("pruning journal: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}
