// Package ledger is the durable work queue and receipt ledger. Both logs are
// append-only line-delimited JSON; every append is fsync'd before the caller
// learns the outcome, and readers skip corrupt lines so one writer dying
// mid-line never takes the ledger down. Current state is always a fold over
// the two logs.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/greenkeeper/internal/errors"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

const (
	queueFile    = "queue.jsonl"
	receiptsFile = "receipts.jsonl"

	defaultPriority    = 100
	defaultRequestedBy = "operator"
)

// Ledger reads and appends the request and receipt logs under one directory.
type Ledger struct {
	queuePath    string
	receiptsPath string
}

// New creates a ledger rooted at dir.
func New(dir string) *Ledger {
	return &Ledger{
		queuePath:    filepath.Join(dir, queueFile),
		receiptsPath: filepath.Join(dir, receiptsFile),
	}
}

// QueuePath returns the request log location.
func (l *Ledger) QueuePath() string { return l.queuePath }

// Enqueue validates and appends a request, returning its id. The id is
// generated when absent; requested_at, requested_by and priority get
// defaults.
func (l *Ledger) Enqueue(request WorkRequest) (string, error) {
	if request.Goal == "" {
		return "", errors.ValidationError("goal is required")
	}
	if request.ID == "" {
		request.ID = newRequestID()
	}
	if request.RequestedAt == "" {
		request.RequestedAt = fsutil.ISONow()
	}
	if request.RequestedBy == "" {
		request.RequestedBy = defaultRequestedBy
	}
	if request.Priority == 0 {
		request.Priority = defaultPriority
	}
	if err := fsutil.AppendJSONL(l.queuePath, request); err != nil {
		return "", errors.WrapError(err, errors.CategoryDaemon, "failed to append request")
	}
	return request.ID, nil
}

// NextRequest returns the pending request with the smallest
// (priority, requested_at, id) tuple, or nil when nothing is pending.
// Requests that already have a started or terminal receipt are excluded, so
// re-running the picker after a crash naturally skips claimed work.
func (l *Ledger) NextRequest() *WorkRequest {
	pending := l.PendingRequests()
	if len(pending) == 0 {
		return nil
	}
	return &pending[0]
}

// PendingRequests returns all unclaimed requests in picker order.
func (l *Ledger) PendingRequests() []WorkRequest {
	requests := l.loadRequests()
	if len(requests) == 0 {
		return nil
	}
	consumed := map[string]bool{}
	for _, receipt := range l.loadReceipts() {
		if Consumed(receipt.Status) {
			consumed[receipt.RequestID] = true
		}
	}
	var pending []WorkRequest
	for _, request := range requests {
		if !consumed[request.ID] {
			pending = append(pending, request)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.RequestedAt != b.RequestedAt {
			return a.RequestedAt < b.RequestedAt
		}
		return a.ID < b.ID
	})
	return pending
}

// RequestByID returns the request with the given id, or nil.
func (l *Ledger) RequestByID(id string) *WorkRequest {
	for _, request := range l.loadRequests() {
		if request.ID == id {
			r := request
			return &r
		}
	}
	return nil
}

// MarkStarted appends a started receipt.
func (l *Ledger) MarkStarted(requestID string) (Receipt, error) {
	receipt := Receipt{
		RequestID: requestID,
		Status:    StatusStarted,
		StartedAt: fsutil.ISONow(),
	}
	if err := fsutil.AppendJSONL(l.receiptsPath, receipt); err != nil {
		return Receipt{}, errors.WrapError(err, errors.CategoryDaemon, "failed to append started receipt")
	}
	return receipt, nil
}

// MarkFinished appends a terminal receipt. finished_at defaults to now.
func (l *Ledger) MarkFinished(receipt Receipt) (Receipt, error) {
	if !Terminal(receipt.Status) {
		return Receipt{}, errors.ValidationError(fmt.Sprintf("status %q is not terminal", receipt.Status))
	}
	if receipt.FinishedAt == "" {
		receipt.FinishedAt = fsutil.ISONow()
	}
	if err := fsutil.AppendJSONL(l.receiptsPath, receipt); err != nil {
		return Receipt{}, errors.WrapError(err, errors.CategoryDaemon, "failed to append terminal receipt")
	}
	return receipt, nil
}

// RecentReceipts returns up to limit most recent receipt rows, oldest first.
func (l *Ledger) RecentReceipts(limit int) []Receipt {
	receipts := l.loadReceipts()
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[len(receipts)-limit:]
	}
	return receipts
}

// LatestReceiptFor returns the most recent receipt for a request id, or nil.
func (l *Ledger) LatestReceiptFor(requestID string) *Receipt {
	receipts := l.loadReceipts()
	for i := len(receipts) - 1; i >= 0; i-- {
		if receipts[i].RequestID == requestID {
			r := receipts[i]
			return &r
		}
	}
	return nil
}

// Prune rewrites both logs keeping only rows that are within keepLastN or
// newer than maxAge. The cutoffs apply independently to each log; entries
// with unparsable timestamps are preserved.
func (l *Ledger) Prune(maxAge time.Duration, keepLastN int) error {
	cutoff := time.Now().UTC().Add(-maxAge)
	if err := pruneFile(l.queuePath, cutoff, keepLastN, "requested_at"); err != nil {
		return err
	}
	return pruneFile(l.receiptsPath, cutoff, keepLastN, "finished_at")
}

func pruneFile(path string, cutoff time.Time, keepLastN int, tsField string) error {
	rows := fsutil.ReadJSONL(path)
	if len(rows) <= keepLastN {
		return nil
	}
	recent := rows[len(rows)-keepLastN:]
	var preserved []map[string]any
	for _, row := range recent {
		stamp, _ := row[tsField].(string)
		parsed, ok := fsutil.ParseISO(stamp)
		if !ok || !parsed.Before(cutoff) {
			preserved = append(preserved, row)
		}
	}
	return rewriteJSONL(path, preserved)
}

func rewriteJSONL(path string, rows []map[string]any) error {
	var buf bytes.Buffer
	for _, row := range rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Ledger) loadRequests() []WorkRequest {
	rows := fsutil.ReadJSONL(l.queuePath)
	var loaded []WorkRequest
	for _, row := range rows {
		request, ok := requestFromRow(row)
		if !ok {
			slog.Warn("skipping malformed queue entry", "path", l.queuePath)
			continue
		}
		loaded = append(loaded, request)
	}
	return loaded
}

func (l *Ledger) loadReceipts() []Receipt {
	rows := fsutil.ReadJSONL(l.receiptsPath)
	var loaded []Receipt
	for _, row := range rows {
		receipt, ok := receiptFromRow(row)
		if !ok {
			slog.Warn("skipping malformed receipt entry", "path", l.receiptsPath)
			continue
		}
		loaded = append(loaded, receipt)
	}
	return loaded
}

func newRequestID() string {
	return "req-" + uuid.NewString()[:12]
}
