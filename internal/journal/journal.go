package journal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"

	"tpsl_engine/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	monitor_key TEXT    NOT NULL,
	account     TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	checksum    BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_monitor_key ON events(monitor_key);
`

// Journal is the append-only event log. It exists for operator inspection;
// the engine never reads its own journal to make decisions.
type Journal struct {
	db     *sql.DB
	logger core.ILogger
}

// Open creates or opens the journal database and ensures the schema.
func Open(dbPath string, logger core.ILogger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Journal{db: db, logger: logger.WithField("component", "journal")}, nil
}

// Append writes one event. Callers treat failures as log-only degradation;
// a broken journal must never block a monitor pass.
func (j *Journal) Append(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	checksum := sha256.Sum256(payload)
	query := `INSERT INTO events (ts, monitor_key, account, kind, payload, checksum) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		event.Ts.UnixMilli(),
		event.MonitorKey,
		string(event.Account),
		string(event.Kind),
		string(payload),
		checksum[:],
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventsFor returns up to limit events for a monitor key, most recent
// first. Rows whose checksum no longer matches are skipped with a warning
// instead of poisoning the whole query.
func (j *Journal) EventsFor(ctx context.Context, monitorKey string, limit int) ([]core.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT seq, payload, checksum FROM events WHERE monitor_key = ? ORDER BY seq DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, monitorKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			seq     int64
			payload string
			stored  []byte
		)
		if err := rows.Scan(&seq, &payload, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		computed := sha256.Sum256([]byte(payload))
		if !bytes.Equal(stored, computed[:]) {
			j.logger.Warn("Journal row failed checksum, skipping", "seq", seq, "monitor_key", monitorKey)
			continue
		}
		var event core.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			j.logger.Warn("Journal row unparseable, skipping", "seq", seq, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Count returns the total number of journaled events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
