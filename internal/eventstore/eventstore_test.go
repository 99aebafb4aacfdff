package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
)

func seedLog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	log := events.New(dir)
	log.Record("drift_sentinel", map[string]any{"status": "enqueued", "domain": "ci_baseline", "request_id": "req-1"})
	log.Record("drift_sentinel", map[string]any{"status": "cooldown", "domain": "ci_baseline"})
	log.Record("build_daemon", map[string]any{"status": "started", "request_id": "req-1", "level": "info"})
	log.Record("build_daemon", map[string]any{"status": "failed", "request_id": "req-1", "level": "info"})
	log.Record("merge_train_tick", map[string]any{"status": "idle"})
	return log.Path()
}

func TestRebuildAndRecent(t *testing.T) {
	logPath := seedLog(t)
	idx, err := Open(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	count, err := idx.Rebuild(context.Background(), logPath)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	recent, err := idx.Recent(context.Background(), Query{Event: "build_daemon"})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "failed", recent[0].Status, "newest first")
	assert.Equal(t, "started", recent[1].Status)
	assert.Equal(t, "req-1", recent[0].RequestID)
	assert.NotEmpty(t, recent[0].Timestamp)
	assert.Equal(t, "build_daemon", recent[0].Payload["event"])
}

func TestRecentFiltersByDomainAndStatus(t *testing.T) {
	logPath := seedLog(t)
	idx, err := Open(":memory:")
	require.NoError(t, err)
	defer idx.Close()
	_, err = idx.Rebuild(context.Background(), logPath)
	require.NoError(t, err)

	byDomain, err := idx.Recent(context.Background(), Query{Domain: "ci_baseline"})
	require.NoError(t, err)
	assert.Len(t, byDomain, 2)

	byStatus, err := idx.Recent(context.Background(), Query{Event: "drift_sentinel", Status: "cooldown"})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "cooldown", byStatus[0].Status)
}

func TestRecentHonorsLimit(t *testing.T) {
	logPath := seedLog(t)
	idx, err := Open(":memory:")
	require.NoError(t, err)
	defer idx.Close()
	_, err = idx.Rebuild(context.Background(), logPath)
	require.NoError(t, err)

	limited, err := idx.Recent(context.Background(), Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRebuildReplacesPriorContents(t *testing.T) {
	logPath := seedLog(t)
	idx, err := Open(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Rebuild(context.Background(), logPath)
	require.NoError(t, err)
	count, err := idx.Rebuild(context.Background(), logPath)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	all, err := idx.Recent(context.Background(), Query{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, all, 5, "rebuild must not duplicate rows")
}

func TestRebuildMissingLogIsEmpty(t *testing.T) {
	idx, err := Open(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	count, err := idx.Rebuild(context.Background(), filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCountsGroupByEventAndStatus(t *testing.T) {
	logPath := seedLog(t)
	idx, err := Open(":memory:")
	require.NoError(t, err)
	defer idx.Close()
	_, err = idx.Rebuild(context.Background(), logPath)
	require.NoError(t, err)

	counts, err := idx.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["drift_sentinel:enqueued"])
	assert.Equal(t, 1, counts["build_daemon:failed"])
	assert.Equal(t, 1, counts["merge_train_tick:idle"])
}
