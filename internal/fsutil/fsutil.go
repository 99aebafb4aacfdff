// Package fsutil holds the shared file persistence idioms: fsync'd appends for
// line-delimited logs, tmp+rename writes for whole-file state, and tolerant
// readers that skip corrupt records instead of failing the read.
package fsutil

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// AppendJSONL appends one JSON-encoded row to path, creating parent
// directories as needed. The write is flushed with fsync before returning so
// a crash after AppendJSONL cannot lose the row.
func AppendJSONL(path string, row any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadJSONL reads all object rows from a line-delimited JSON file. A missing
// file yields no rows. Blank lines are ignored; unparsable or non-object
// lines are logged and skipped so one writer dying mid-line never poisons
// the whole log.
func ReadJSONL(path string) []map[string]any {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			slog.Warn("skipping corrupt log line", "path", path, "line", lineNumber)
			continue
		}
		rows = append(rows, payload)
	}
	return rows
}

// WriteJSONAtomic writes v as indented JSON via a temp file plus rename, so
// readers never observe a partially-written state file.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadJSON reads a JSON object from path into out. Missing or unparsable
// files are absorbed: out is left untouched and false is returned.
func LoadJSON(path string, out any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("skipping unparsable state file", "path", path)
		return false
	}
	return true
}

// LoadJSONMap reads a JSON object from path as a generic map. Missing or
// unparsable files yield nil.
func LoadJSONMap(path string) map[string]any {
	var payload map[string]any
	if !LoadJSON(path, &payload) {
		return nil
	}
	return payload
}

// ISONow returns the current UTC time in RFC3339 with a Z suffix, the
// timestamp format every persisted record uses.
func ISONow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseISO parses an RFC3339 timestamp, returning the zero time on failure.
func ParseISO(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		// Some producers carry fractional seconds.
		parsed, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, false
		}
	}
	return parsed.UTC(), true
}
