// Package eventstore folds the append-only event log into a queryable
// sqlite index backing the index CLI verb.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Event is one indexed event row.
type Event struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Status    string         `json:"status"`
	Domain    string         `json:"domain"`
	RequestID string         `json:"request_id"`
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Query filters the index. Zero values match everything.
type Query struct {
	Event  string
	Status string
	Domain string
	Limit  int
}

// Index is a sqlite-backed view over the event log. Rebuild replaces the
// table from the log; the log itself stays the source of truth.
type Index struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the index database. Use ":memory:" for tests.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return idx, nil
}

func (i *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event ON events(event);
	CREATE INDEX IF NOT EXISTS idx_domain ON events(domain);
	CREATE INDEX IF NOT EXISTS idx_timestamp ON events(timestamp);
	`
	_, err := i.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// Rebuild replaces the index contents from the event log at logPath.
// Corrupt log lines are already dropped by the JSONL reader. Returns the
// number of rows indexed.
func (i *Index) Rebuild(ctx context.Context, logPath string) (int, error) {
	rows := fsutil.ReadJSONL(logPath)

	i.mu.Lock()
	defer i.mu.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events (event, status, domain, request_id, level, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			continue
		}
		_, err = stmt.ExecContext(ctx,
			stringField(row, "event"),
			stringField(row, "status"),
			stringField(row, "domain"),
			stringField(row, "request_id"),
			stringField(row, "level"),
			stringField(row, "timestamp"),
			payload,
		)
		if err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	return count, nil
}

// Recent returns matching events, newest first.
func (i *Index) Recent(ctx context.Context, q Query) ([]Event, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	where := "1=1"
	args := []any{}
	if q.Event != "" {
		where += " AND event = ?"
		args = append(args, q.Event)
	}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, q.Status)
	}
	if q.Domain != "" {
		where += " AND domain = ?"
		args = append(args, q.Domain)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx,
		"SELECT id, event, status, domain, request_id, level, timestamp, payload FROM events WHERE "+where+" ORDER BY id DESC LIMIT ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Event, &e.Status, &e.Domain, &e.RequestID, &e.Level, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		_ = json.Unmarshal(payload, &e.Payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Counts returns event totals grouped by event name and status.
func (i *Index) Counts(ctx context.Context) (map[string]int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	rows, err := i.db.QueryContext(ctx,
		"SELECT event, status, COUNT(*) FROM events GROUP BY event, status")
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var event, status string
		var n int
		if err := rows.Scan(&event, &status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		key := event
		if status != "" {
			key = event + ":" + status
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func stringField(row map[string]any, key string) string {
	value, _ := row[key].(string)
	return value
}
