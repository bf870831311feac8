// Package audit provides the durable append-only event log of task state
// transitions, policy decisions, and budget events.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskforge/engine/internal/sqlitedriver"
	"github.com/taskforge/engine/pkg/models"
)

// Store is the durable append-only backend for AuditEntries. One Store
// instance is constructed and passed explicitly to every component that
// needs it; it is never reached through a package-level variable.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the SQLite-backed audit log at path and
// runs pending schema migrations. WAL mode is enabled for concurrent readers
// alongside the single append writer.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create audit db directory: %w", err)
			}
		}
	}

	db, err := sql.Open(sqlitedriver.Name, path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1AuditLog},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1AuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
	task_id      TEXT    NOT NULL,
	seq          INTEGER NOT NULL,
	kind         TEXT    NOT NULL,
	prior_state  TEXT,
	next_state   TEXT,
	payload      TEXT,
	timestamp    DATETIME NOT NULL,
	causation_id TEXT,
	PRIMARY KEY (task_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_log_task_id ON audit_log(task_id);
`

// Append atomically appends entry, assigning it the next sequence number for
// its task. On failure the caller must treat the originating action as
// not-yet-durable and retry or fail the task ("no transition without audit",
// spec.md §4.1). Append never reorders: seq is strictly increasing per task.
func (s *Store) Append(entry models.AuditEntry) (models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON []byte
	if entry.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(entry.Payload)
		if err != nil {
			return models.AuditEntry{}, fmt.Errorf("marshal audit payload: %w", err)
		}
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("begin append tx: %w", err)
	}

	var nextSeq uint64
	row := tx.QueryRow("SELECT COALESCE(MAX(seq), -1) + 1 FROM audit_log WHERE task_id = ?", entry.TaskID)
	if err := row.Scan(&nextSeq); err != nil {
		tx.Rollback()
		return models.AuditEntry{}, fmt.Errorf("compute next seq: %w", err)
	}
	entry.Seq = nextSeq

	_, err = tx.Exec(`
		INSERT INTO audit_log (task_id, seq, kind, prior_state, next_state, payload, timestamp, causation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.TaskID, entry.Seq, string(entry.Kind), string(entry.PriorState), string(entry.NextState),
		nullableString(payloadJSON), entry.Timestamp, entry.CausationID)
	if err != nil {
		tx.Rollback()
		return models.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.AuditEntry{}, fmt.Errorf("commit audit entry: %w", err)
	}

	return entry, nil
}

// Scan returns entries for task_id in append order, starting at fromSeq
// inclusive, used for replay and crash recovery.
func (s *Store) Scan(taskID string, fromSeq uint64) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT task_id, seq, kind, prior_state, next_state, payload, timestamp, causation_id
		FROM audit_log
		WHERE task_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, taskID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}

	return entries, nil
}

// LatestState returns the most recent transition entry for taskID, used by
// the Scheduler on restart to resume or mark a task FAILED. Returns
// sql.ErrNoRows-wrapped error if the task has no recorded transitions.
func (s *Store) LatestState(taskID string) (models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT task_id, seq, kind, prior_state, next_state, payload, timestamp, causation_id
		FROM audit_log
		WHERE task_id = ? AND next_state != ''
		ORDER BY seq DESC
		LIMIT 1
	`, taskID)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return models.AuditEntry{}, fmt.Errorf("no transitions recorded for task %s: %w", taskID, err)
	}
	if err != nil {
		return models.AuditEntry{}, err
	}
	return entry, nil
}

// LatestStatesAll returns the most recent transition entry for every task
// known to the log, newest first. Grounded on the teacher's
// DB.ListSessions/DB.ListTasks (a single query enumerating all rows of a
// kind rather than requiring a known key), generalized here to "latest row
// per task_id" since the audit log is append-only history, not one row per
// task.
func (s *Store) LatestStatesAll() ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT a.task_id, a.seq, a.kind, a.prior_state, a.next_state, a.payload, a.timestamp, a.causation_id
		FROM audit_log a
		INNER JOIN (
			SELECT task_id, MAX(seq) AS max_seq
			FROM audit_log
			WHERE next_state != ''
			GROUP BY task_id
		) latest ON latest.task_id = a.task_id AND latest.max_seq = a.seq
		ORDER BY a.timestamp DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list latest task states: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest task states: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.AuditEntry, error) {
	var entry models.AuditEntry
	var kind, priorState, nextState string
	var payload sql.NullString
	var causationID sql.NullString

	err := row.Scan(&entry.TaskID, &entry.Seq, &kind, &priorState, &nextState, &payload, &entry.Timestamp, &causationID)
	if err != nil {
		return models.AuditEntry{}, err
	}

	entry.Kind = models.AuditEventKind(kind)
	entry.PriorState = models.TaskStatus(priorState)
	entry.NextState = models.TaskStatus(nextState)
	entry.CausationID = causationID.String

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
			return models.AuditEntry{}, fmt.Errorf("unmarshal audit payload: %w", err)
		}
	}

	return entry, nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
