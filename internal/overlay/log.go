package overlay

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/taskforge/engine/internal/sqlitedriver"
	"github.com/taskforge/engine/pkg/models"
)

// Log is the durable backing store OverlayEvents fall back to once they age
// out of a topic's live buffer. Subscribers joining with from_seq before the
// live window replay from here (spec.md §4.3).
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLog opens (creating if necessary) the SQLite-backed overlay log at
// path. Unlike the audit store it keeps no schema-migration ledger; its
// table is created with CREATE TABLE IF NOT EXISTS.
func OpenLog(path string) (*Log, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create overlay log directory: %w", err)
			}
		}
	}

	db, err := sql.Open(sqlitedriver.Name, path)
	if err != nil {
		return nil, fmt.Errorf("open overlay log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS overlay_events (
			task_id TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			ts      DATETIME NOT NULL,
			stream  TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (task_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("create overlay_events table: %w", err)
	}
	return nil
}

// Append persists event. Appends are idempotent on (task_id, seq): a
// re-append of an already-persisted seq is a silent no-op, which lets
// crash-recovery resend the tail of a live buffer without duplicating rows.
func (l *Log) Append(event models.OverlayEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO overlay_events (task_id, seq, ts, stream, payload)
		VALUES (?, ?, ?, ?, ?)
	`, event.TaskID, event.Seq, event.Ts, string(event.Stream), event.Payload)
	if err != nil {
		return fmt.Errorf("append overlay event: %w", err)
	}
	return nil
}

// Scan returns persisted events for taskID with seq >= fromSeq, in order.
func (l *Log) Scan(taskID string, fromSeq uint64) ([]models.OverlayEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT task_id, seq, ts, stream, payload
		FROM overlay_events
		WHERE task_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, taskID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("scan overlay log: %w", err)
	}
	defer rows.Close()

	var events []models.OverlayEvent
	for rows.Next() {
		var e models.OverlayEvent
		var stream string
		if err := rows.Scan(&e.TaskID, &e.Seq, &e.Ts, &stream, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan overlay event row: %w", err)
		}
		e.Stream = models.OverlayStream(stream)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overlay log: %w", err)
	}
	return events, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
