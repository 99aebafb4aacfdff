package train

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/githost"
	"git.home.luguber.info/inful/greenkeeper/internal/integrity"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/riskbudget"
)

type fakeHost struct {
	behind    bool
	rebase    githost.RebaseResult
	checks    githost.PRChecks
	waitStats githost.WaitStats
	artifact  *githost.ArtifactRef
	bundle    *githost.ContractBundle
	merge     githost.MergeResult
	merged    []int
}

func (f *fakeHost) FetchChecks(context.Context, githost.PRRef) githost.PRChecks { return f.checks }

func (f *fakeHost) WaitForChecks(context.Context, githost.PRRef, time.Duration, time.Duration) (githost.PRChecks, githost.WaitStats) {
	return f.checks, f.waitStats
}

func (f *fakeHost) IsBehindBase(context.Context, string, string) bool { return f.behind }

func (f *fakeHost) Rebase(context.Context, int, string) githost.RebaseResult { return f.rebase }

func (f *fakeHost) Merge(_ context.Context, prNumber int, _ string) githost.MergeResult {
	f.merged = append(f.merged, prNumber)
	return f.merge
}

func (f *fakeHost) FindArtifactForCommit(context.Context, int, string) *githost.ArtifactRef {
	return f.artifact
}

func (f *fakeHost) DownloadBundle(context.Context, githost.ArtifactRef, string) *githost.ContractBundle {
	return f.bundle
}

func newTestTrain(t *testing.T, host *fakeHost) *Train {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		RootDir:               root,
		PolicyPath:            filepath.Join(root, "state", "train_policy.json"),
		StatePath:             filepath.Join(root, "state", "merge_train.json"),
		LockPath:              filepath.Join(root, ".greenkeeper", "train.lock"),
		DocketsDir:            filepath.Join(root, "dockets"),
		ReportsDir:            filepath.Join(root, "reports"),
		RemoteDoctrineLogPath: filepath.Join(root, "state", "remote_doctrine_fetches.jsonl"),
		RemoteBundleDir:       filepath.Join(root, "contracts", "remote"),
		LocalDoctrinePath:     filepath.Join(root, "contracts", "stability_doctrine.json"),
		ContractStatusPath:    filepath.Join(root, "contracts", "contract_status.json"),
		ProgressBaselinePath:  filepath.Join(root, "contracts", "progress_baseline.json"),
		TracesDir:             filepath.Join(root, "traces"),
		TraceIndexPath:        filepath.Join(root, "traces", "index.jsonl"),
	}
	deps := Deps{
		Host:          host,
		Ledger:        ledger.New(filepath.Join(root, "state")),
		Events:        events.New(filepath.Join(root, "events")),
		MergeReceipts: integrity.NewReceiptChain(filepath.Join(root, "receipts"), filepath.Join(root, "receipts", "index.jsonl")),
		AuditChain:    integrity.NewAuditChain(filepath.Join(root, "audit"), filepath.Join(root, "audit_reports")),
		Federation:    integrity.NewFederationGate(filepath.Join(root, "federation", "local.json"), filepath.Join(root, "federation", "peers")),
		Budgets:       riskbudget.NewStore(filepath.Join(root, "state", "risk_budget.json"), filepath.Join(root, "state", "risk_budget_history.jsonl"), nil),
	}
	return New(cfg, deps)
}

func enableTrain(t *testing.T, tr *Train, mutate func(*Policy)) {
	t.Helper()
	policy := DefaultPolicy()
	policy.Enabled = true
	policy.CooldownMinutesOnFailure = 0
	if mutate != nil {
		mutate(&policy)
	}
	require.NoError(t, tr.SavePolicy(policy))
}

func seedEntry(t *testing.T, tr *Train, entry Entry) {
	t.Helper()
	state := tr.LoadState()
	state.Entries = append(state.Entries, entry)
	require.NoError(t, tr.saveState(state))
}

func writeHealthyDoctrine(t *testing.T, tr *Train) {
	t.Helper()
	require.NoError(t, fsutil.WriteJSONAtomic(tr.cfg.LocalDoctrinePath, map[string]any{
		"baseline_integrity_ok": true,
		"runtime_integrity_ok":  true,
	}))
}

func readyEntry(prNumber int) Entry {
	return Entry{
		RunID:        "run-1",
		PRURL:        "https://example.com/repo/pull/7",
		PRNumber:     prNumber,
		HeadSHA:      "abc123def456",
		Branch:       "greenkeeper/fix-1",
		Status:       StatusReady,
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
		CheckOverall: githost.OverallSuccess,
	}
}

func TestTickDisabled(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	assert.Equal(t, "disabled", tr.Tick(context.Background())["status"])
}

func TestTickIdleWithNoEntries(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	enableTrain(t, tr, nil)
	assert.Equal(t, "idle", tr.Tick(context.Background())["status"])
}

func TestDoctrineFailureHoldsEntry(t *testing.T) {
	host := &fakeHost{checks: githost.PRChecks{Overall: githost.OverallSuccess}}
	tr := newTestTrain(t, host)
	enableTrain(t, tr, nil)
	// Local fallback doctrine with a failing integrity field.
	require.NoError(t, fsutil.WriteJSONAtomic(tr.cfg.LocalDoctrinePath, map[string]any{
		"baseline_integrity_ok": false,
		"runtime_integrity_ok":  true,
	}))
	seedEntry(t, tr, readyEntry(7))

	result := tr.Tick(context.Background())
	assert.Equal(t, StatusHeld, result["status"])
	assert.Equal(t, ReasonAuditIntegrityFailed, result["reason"])
	assert.Empty(t, host.merged, "a held entry must not reach merge in the same tick")

	state := tr.LoadState()
	require.Len(t, state.Entries, 1)
	assert.Equal(t, StatusHeld, state.Entries[0].Status)
	assert.Equal(t, ReasonAuditIntegrityFailed, state.Entries[0].LastError)

	dockets, err := filepath.Glob(filepath.Join(tr.cfg.DocketsDir, docketPrefix+"_*.json"))
	require.NoError(t, err)
	assert.Len(t, dockets, 1, "audit hold writes a docket")
}

func TestAutomergeDisabledStopsAtMergeable(t *testing.T) {
	host := &fakeHost{checks: githost.PRChecks{Overall: githost.OverallSuccess}}
	tr := newTestTrain(t, host)
	enableTrain(t, tr, nil)
	writeHealthyDoctrine(t, tr)
	// Stability posture derives allow_automerge=false.
	tr.deps.Budgets.Compute(riskbudget.Inputs{Posture: riskbudget.PostureStability})
	seedEntry(t, tr, readyEntry(7))

	result := tr.Tick(context.Background())
	assert.Equal(t, StatusMergeable, result["status"])
	assert.Empty(t, host.merged)
	assert.Equal(t, StatusMergeable, tr.LoadState().Entries[0].Status)
}

func TestAutomergeMergesAndWritesReceipt(t *testing.T) {
	host := &fakeHost{
		checks: githost.PRChecks{Overall: githost.OverallSuccess},
		merge:  githost.MergeResult{OK: true},
	}
	tr := newTestTrain(t, host)
	enableTrain(t, tr, nil)
	writeHealthyDoctrine(t, tr)
	// Balanced posture derives allow_automerge=true.
	tr.deps.Budgets.Compute(riskbudget.Inputs{Posture: riskbudget.PostureBalanced})
	seedEntry(t, tr, readyEntry(7))

	result := tr.Tick(context.Background())
	assert.Equal(t, StatusMerged, result["status"])
	assert.Equal(t, []int{7}, host.merged)

	state := tr.LoadState()
	assert.Equal(t, "https://example.com/repo/pull/7", state.LastMergedPR)
	assert.Equal(t, StatusMerged, state.Entries[0].Status)

	receipt := tr.deps.MergeReceipts.Latest()
	require.NotNil(t, receipt)
	assert.Equal(t, "https://example.com/repo/pull/7", receipt["pr_url"])
}

func TestChecksFailureBurnsRetryThenFails(t *testing.T) {
	host := &fakeHost{checks: githost.PRChecks{Overall: githost.OverallFailure}}
	tr := newTestTrain(t, host)
	enableTrain(t, tr, nil)
	seedEntry(t, tr, readyEntry(7))

	first := tr.Tick(context.Background())
	assert.Equal(t, StatusHeld, first["status"])
	assert.Equal(t, ReasonChecksFailedRetry, first["reason"])

	second := tr.Tick(context.Background())
	assert.Equal(t, StatusFailed, second["status"])
	assert.Equal(t, ReasonChecksFailed, second["reason"])
	assert.Equal(t, 2, tr.LoadState().Entries[0].CheckRetries)
}

func TestRebaseConflictWritesDocket(t *testing.T) {
	host := &fakeHost{
		behind: true,
		rebase: githost.RebaseResult{Conflict: true, Message: "merge conflict", SuspectFiles: []string{"a.go"}},
	}
	tr := newTestTrain(t, host)
	enableTrain(t, tr, nil)
	seedEntry(t, tr, readyEntry(7))

	result := tr.Tick(context.Background())
	assert.Equal(t, StatusHeld, result["status"])
	assert.Equal(t, ReasonConflict, result["reason"])

	dockets, err := filepath.Glob(filepath.Join(tr.cfg.DocketsDir, docketPrefix+"_*.json"))
	require.NoError(t, err)
	require.Len(t, dockets, 1)
	docket := fsutil.LoadJSONMap(dockets[0])
	assert.Equal(t, []any{"a.go"}, docket["suspected_conflict_files"])
}

func TestRemoteDoctrineManifestMismatchHolds(t *testing.T) {
	host := &fakeHost{
		checks:   githost.PRChecks{Overall: githost.OverallSuccess},
		artifact: &githost.ArtifactRef{Name: "greenkeeper-contracts-abc123def456", SHA: "abc123def456"},
		bundle: &githost.ContractBundle{
			SHA:    "abc123def456",
			Source: "remote",
			Parsed: map[string]map[string]any{
				"stability_doctrine.json": {"baseline_integrity_ok": true},
				"contract_status.json":    {},
			},
			Errors:       []string{"manifest_mismatch"},
			BundleSHA256: "feedbeef",
		},
	}
	tr := newTestTrain(t, host)
	enableTrain(t, tr, nil)
	seedEntry(t, tr, readyEntry(7))

	result := tr.Tick(context.Background())
	assert.Equal(t, StatusHeld, result["status"])
	assert.Equal(t, ReasonRemoteDoctrineManifestMismatch, result["reason"])

	entry := tr.LoadState().Entries[0]
	assert.Equal(t, "remote", entry.DoctrineSource)
	assert.Equal(t, "feedbeef", entry.BundleSHA256)

	rows := fsutil.ReadJSONL(tr.cfg.RemoteDoctrineLogPath)
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0]["gating_result"])
	assert.Equal(t, ReasonRemoteDoctrineManifestMismatch, rows[0]["reason"])
}

func TestImprovingEntrySelectedFirst(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	require.NoError(t, fsutil.WriteJSONAtomic(tr.cfg.ProgressBaselinePath, map[string]any{
		"last_runs": []map[string]any{
			{"run_id": "run-stale", "improved": false},
			{"run_id": "run-fresh", "improved": true},
		},
	}))
	state := State{Entries: []Entry{
		{RunID: "run-stale", PRURL: "pr-1", PRNumber: 1, Status: StatusReady, CreatedAt: "2026-01-01T00:00:00Z", CampaignID: "ci_baseline_recovery"},
		{RunID: "run-fresh", PRURL: "pr-2", PRNumber: 2, Status: StatusReady, CreatedAt: "2026-01-02T00:00:00Z", CampaignID: "ci_baseline_recovery"},
	}}

	candidate := tr.selectCandidate(&state)
	require.NotNil(t, candidate)
	assert.Equal(t, "run-fresh", candidate.RunID, "improved recovery entry wins despite later created_at")
}

func TestIngestReceiptsCreatesEntry(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	_, err := tr.deps.Ledger.MarkFinished(ledger.Receipt{
		RequestID:            "req-1",
		Status:               ledger.StatusSuccess,
		PublishPRURL:         "https://example.com/repo/pull/42",
		PublishStatus:        "ready_to_merge",
		PublishChecksOverall: githost.OverallSuccess,
		ProvenanceRunID:      "run-42",
	})
	require.NoError(t, err)

	state := tr.LoadState()
	tr.ingestReceipts(&state)
	require.Len(t, state.Entries, 1)
	assert.Equal(t, StatusReady, state.Entries[0].Status)
	assert.Equal(t, 42, state.Entries[0].PRNumber, "pr number parsed from the url")
	assert.Equal(t, "run-42", state.Entries[0].RunID)

	// Re-ingesting the same receipt must not duplicate the entry.
	tr.ingestReceipts(&state)
	assert.Len(t, state.Entries, 1)
}

func TestHoldAndRelease(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	seedEntry(t, tr, readyEntry(7))

	require.True(t, tr.Hold(7))
	entry := tr.LoadState().Entries[0]
	assert.Equal(t, StatusHeld, entry.Status)
	assert.Equal(t, ReasonManuallyHeld, entry.LastError)

	require.True(t, tr.Release(7))
	entry = tr.LoadState().Entries[0]
	assert.Equal(t, StatusReady, entry.Status)
	assert.Empty(t, entry.LastError)

	assert.False(t, tr.Hold(99))
}

func TestPruneMergedKeepsNewest(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	state := State{}
	for i := 0; i < 5; i++ {
		entry := readyEntry(i)
		entry.PRURL = string(rune('a' + i))
		entry.Status = StatusMerged
		state.Entries = append(state.Entries, entry)
	}
	state.Entries = append(state.Entries, readyEntry(9))
	require.NoError(t, tr.saveState(state))

	tr.PruneMerged(2)
	pruned := tr.LoadState()
	assert.Len(t, pruned.Entries, 3, "two newest merged plus the active entry")
}

func TestTickLocked(t *testing.T) {
	tr := newTestTrain(t, &fakeHost{})
	enableTrain(t, tr, nil)
	require.True(t, tr.acquireLock())
	defer tr.releaseLock()
	assert.Equal(t, "locked", tr.Tick(context.Background())["status"])
}
