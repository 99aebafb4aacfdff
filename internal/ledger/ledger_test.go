package ledger

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/greenkeeper/internal/errors"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(t.TempDir())
}

func TestEnqueueRejectsEmptyGoal(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Enqueue(WorkRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestEnqueueGeneratesDefaults(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.Enqueue(WorkRequest{Goal: "repo_green_storm"})
	require.NoError(t, err)
	assert.Contains(t, id, "req-")

	request := l.RequestByID(id)
	require.NotNil(t, request)
	assert.Equal(t, defaultPriority, request.Priority)
	assert.Equal(t, "operator", request.RequestedBy)
	assert.NotEmpty(t, request.RequestedAt)
}

func TestNextRequestOrdering(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Enqueue(WorkRequest{ID: "req-b", Goal: "b", Priority: 10, RequestedAt: "2026-08-01T00:00:00Z"})
	require.NoError(t, err)
	_, err = l.Enqueue(WorkRequest{ID: "req-a", Goal: "a", Priority: 5, RequestedAt: "2026-08-02T00:00:00Z"})
	require.NoError(t, err)
	_, err = l.Enqueue(WorkRequest{ID: "req-c", Goal: "c", Priority: 5, RequestedAt: "2026-08-01T00:00:00Z"})
	require.NoError(t, err)
	// Same priority and timestamp as req-c: id breaks the tie.
	_, err = l.Enqueue(WorkRequest{ID: "req-0", Goal: "z", Priority: 5, RequestedAt: "2026-08-01T00:00:00Z"})
	require.NoError(t, err)

	next := l.NextRequest()
	require.NotNil(t, next)
	assert.Equal(t, "req-0", next.ID)
}

func TestNextRequestSkipsConsumed(t *testing.T) {
	l := newTestLedger(t)
	first, err := l.Enqueue(WorkRequest{Goal: "one", Priority: 1})
	require.NoError(t, err)
	second, err := l.Enqueue(WorkRequest{Goal: "two", Priority: 2})
	require.NoError(t, err)

	_, err = l.MarkStarted(first)
	require.NoError(t, err)

	next := l.NextRequest()
	require.NotNil(t, next)
	assert.Equal(t, second, next.ID)

	_, err = l.MarkFinished(Receipt{RequestID: second, Status: StatusSuccess})
	require.NoError(t, err)
	assert.Nil(t, l.NextRequest())
}

func TestPickerIsDeterministic(t *testing.T) {
	l := newTestLedger(t)
	for _, goal := range []string{"x", "y", "z"} {
		_, err := l.Enqueue(WorkRequest{Goal: goal, Priority: 7, RequestedAt: "2026-08-10T00:00:00Z"})
		require.NoError(t, err)
	}
	first := l.NextRequest()
	second := l.NextRequest()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestMarkFinishedRequiresTerminalStatus(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.MarkFinished(Receipt{RequestID: "req-x", Status: StatusStarted})
	require.Error(t, err)
}

func TestCurrentStatusIsLatestReceipt(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.Enqueue(WorkRequest{Goal: "repo_green_storm", Priority: 5})
	require.NoError(t, err)

	_, err = l.MarkStarted(id)
	require.NoError(t, err)
	_, err = l.MarkFinished(Receipt{RequestID: id, Status: StatusSuccess, ReportPath: "reports/report_1.json"})
	require.NoError(t, err)

	latest := l.LatestReceiptFor(id)
	require.NotNil(t, latest)
	assert.Equal(t, StatusSuccess, latest.Status)
	assert.Equal(t, "reports/report_1.json", latest.ReportPath)
	assert.NotEmpty(t, latest.FinishedAt)
}

func TestCorruptQueueLineIsSkipped(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.Enqueue(WorkRequest{Goal: "ok"})
	require.NoError(t, err)

	f, err := os.OpenFile(l.queuePath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"request_id\": \"half-writ")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pending := l.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}

func TestPruneKeepsRecentAndRetained(t *testing.T) {
	l := newTestLedger(t)
	old := time.Now().UTC().Add(-72 * time.Hour).Format(time.RFC3339)
	fresh := time.Now().UTC().Format(time.RFC3339)
	for i := 0; i < 3; i++ {
		_, err := l.Enqueue(WorkRequest{Goal: "old", RequestedAt: old})
		require.NoError(t, err)
	}
	_, err := l.Enqueue(WorkRequest{Goal: "fresh", RequestedAt: fresh})
	require.NoError(t, err)

	// keepLastN=2 retains the last two rows; of those, only entries newer
	// than the age cutoff survive.
	require.NoError(t, l.Prune(24*time.Hour, 2))
	requests := l.loadRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "fresh", requests[0].Goal)
}

func TestRecentReceiptsLimit(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 4; i++ {
		id, err := l.Enqueue(WorkRequest{Goal: "g"})
		require.NoError(t, err)
		_, err = l.MarkFinished(Receipt{RequestID: id, Status: StatusFailed})
		require.NoError(t, err)
	}
	assert.Len(t, l.RecentReceipts(2), 2)
	assert.Len(t, l.RecentReceipts(0), 4)
}
