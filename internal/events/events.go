// Package events is the append-only orchestrator event stream. Every
// component records its decisions here; the stream is the replayable record
// operators scan first. Events are line-delimited JSON on disk and may be
// mirrored to NATS when a publisher is attached.
package events

import (
	"log/slog"
	"path/filepath"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// FileName is the on-disk event stream, relative to the events directory.
const FileName = "orchestrator_events.jsonl"

// Publisher mirrors events to an external sink. Publishing is best-effort:
// a failing publisher never blocks or fails the local append.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// Log records orchestrator events to the local stream and, optionally, a
// Publisher. The zero value and nil are safe no-op recorders.
type Log struct {
	path      string
	publisher Publisher
	subject   string
}

// New creates an event log rooted at dir (the events directory).
func New(dir string) *Log {
	return &Log{path: filepath.Join(dir, FileName)}
}

// WithPublisher attaches a mirror publisher with the given subject.
func (l *Log) WithPublisher(p Publisher, subject string) *Log {
	if l == nil {
		return nil
	}
	l.publisher = p
	l.subject = subject
	return l
}

// Path returns the on-disk location of the stream.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record appends one event row. The event name and timestamp are stamped
// onto the caller's fields. Local append failures are logged, never
// propagated: event recording must not turn a tick into a failure.
func (l *Log) Record(event string, fields map[string]any) {
	if l == nil || l.path == "" {
		return
	}
	row := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		row[k] = v
	}
	row["event"] = event
	row["timestamp"] = fsutil.ISONow()
	if err := fsutil.AppendJSONL(l.path, row); err != nil {
		slog.Warn("event append failed", "event", event, "error", err)
		return
	}
	l.mirror(row)
}

// Recent returns up to limit most recent events, oldest first.
func (l *Log) Recent(limit int) []map[string]any {
	if l == nil {
		return nil
	}
	rows := fsutil.ReadJSONL(l.path)
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows
}

func (l *Log) mirror(row map[string]any) {
	if l.publisher == nil {
		return
	}
	payload, err := canonicalPayload(row)
	if err != nil {
		return
	}
	if err := l.publisher.Publish(l.subject, payload); err != nil {
		slog.Debug("event mirror publish failed", "subject", l.subject, "error", err)
	}
}
