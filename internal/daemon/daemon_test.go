package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/runner"
	"git.home.luguber.info/inful/greenkeeper/internal/sentinel"
)

type stubCall struct {
	goal      string
	initiator string
	requestID string
	metadata  map[string]any
}

type stubRunner struct {
	report runner.Report
	err    error
	calls  []stubCall
}

func (s *stubRunner) Run(_ context.Context, goal, initiator, requestID string, metadata map[string]any) (runner.Report, error) {
	s.calls = append(s.calls, stubCall{goal: goal, initiator: initiator, requestID: requestID, metadata: metadata})
	return s.report, s.err
}

func newTestDaemon(t *testing.T, run runner.Runner) (*Daemon, *ledger.Ledger, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		RootDir:       dir,
		PolicyPath:    filepath.Join(dir, "state", "daemon_policy.json"),
		LockPath:      filepath.Join(dir, ".greenkeeper", "daemon.lock"),
		QuarantineDir: filepath.Join(dir, "quarantine"),
	}
	led := ledger.New(filepath.Join(dir, "pulse"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(cfg, Deps{
		Ledger: led,
		Runner: run,
		Events: events.New(filepath.Join(dir, "events")),
	}, logger)
	return d, led, cfg
}

func enqueue(t *testing.T, led *ledger.Ledger, request ledger.WorkRequest) string {
	t.Helper()
	id, err := led.Enqueue(request)
	require.NoError(t, err)
	return id
}

func TestTickDisabledByDefault(t *testing.T) {
	t.Setenv(EnvEnabled, "0")
	d, _, _ := newTestDaemon(t, &stubRunner{})
	result := d.Tick(context.Background())
	assert.Equal(t, "disabled", result["status"])
}

func TestTickIdleWithEmptyQueue(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, _, _ := newTestDaemon(t, &stubRunner{})
	result := d.Tick(context.Background())
	assert.Equal(t, "idle", result["status"])
}

func TestTickRejectsUnknownGoal(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, _ := newTestDaemon(t, &stubRunner{})
	id := enqueue(t, led, ledger.WorkRequest{Goal: "mystery_goal"})

	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusRejectedPolicy, result["status"])
	receipt := led.LatestReceiptFor(id)
	require.NotNil(t, receipt)
	assert.Equal(t, ledger.StatusRejectedPolicy, receipt.Status)
	assert.Equal(t, "goal_id_not_allowlisted:mystery_goal", receipt.Error)
}

func TestTickRejectsAutopublishFlags(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, _ := newTestDaemon(t, &stubRunner{})
	id := enqueue(t, led, ledger.WorkRequest{
		Goal:             "stability_repair",
		AutopublishFlags: map[string]any{"auto_publish": true},
	})

	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusRejectedPolicy, result["status"])
	receipt := led.LatestReceiptFor(id)
	require.NotNil(t, receipt)
	assert.Equal(t, "autopublish_flag_not_allowlisted:auto_publish", receipt.Error)
}

func TestTickEnforcesBudgetOverrideCaps(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, cfg := newTestDaemon(t, &stubRunner{})
	require.NoError(t, fsutil.WriteJSONAtomic(cfg.PolicyPath, map[string]any{
		"allowlisted_goal_ids": []string{"stability_repair"},
		"max_budget":           map[string]int{"max_files_changed": 10},
	}))
	id := enqueue(t, led, ledger.WorkRequest{
		Goal:            "stability_repair",
		BudgetOverrides: map[string]int{"max_files_changed": 20},
	})

	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusRejectedPolicy, result["status"])
	receipt := led.LatestReceiptFor(id)
	require.NotNil(t, receipt)
	assert.Equal(t, "budget_override_exceeds_policy:max_files_changed>10", receipt.Error)
}

func TestValidateRequestPolicyNilGatesAreSkipped(t *testing.T) {
	request := ledger.WorkRequest{
		ID:               "req-free",
		Goal:             "anything_at_all",
		AutopublishFlags: map[string]any{"auto_publish": true},
	}
	assert.Empty(t, validateRequestPolicy(request, Policy{}))
}

func TestTickSuccessWritesFullReceipt(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	stub := &stubRunner{report: runner.Report{
		"outcome":           "success",
		"git_sha":           "abc123",
		"report_path":       "reports/report_1.json",
		"docket_path":       "dockets/docket_1.json",
		"provenance_run_id": "run-77",
		"notes":             []any{"other note", "autopr_metadata:meta/pr_42.json"},
		"publish_remote": map[string]any{
			"pr_url":         "https://example.com/repo/pull/42",
			"status":         "ready_to_merge",
			"checks_overall": "success",
		},
	}}
	d, led, cfg := newTestDaemon(t, stub)
	id := enqueue(t, led, ledger.WorkRequest{
		Goal:     "stability_repair",
		Metadata: map[string]any{"origin": "operator"},
	})

	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusSuccess, result["status"])
	receipt := led.LatestReceiptFor(id)
	require.NotNil(t, receipt)
	assert.Equal(t, ledger.StatusSuccess, receipt.Status)
	assert.Equal(t, "reports/report_1.json", receipt.ReportPath)
	assert.Equal(t, "dockets/docket_1.json", receipt.DocketPath)
	assert.Equal(t, "abc123", receipt.CommitSHA)
	assert.Equal(t, "meta/pr_42.json", receipt.PRMetadataPath)
	assert.Equal(t, "run-77", receipt.ProvenanceRunID)
	assert.Equal(t, "https://example.com/repo/pull/42", receipt.PublishPRURL)
	assert.Equal(t, "ready_to_merge", receipt.PublishStatus)
	assert.Equal(t, "success", receipt.PublishChecksOverall)

	require.Len(t, stub.calls, 1)
	assert.Equal(t, "stability_repair", stub.calls[0].goal)
	assert.Equal(t, "daemon", stub.calls[0].initiator)
	assert.Equal(t, id, stub.calls[0].requestID)
	assert.Equal(t, "operator", stub.calls[0].metadata["origin"])

	_, err := os.Stat(cfg.LockPath)
	assert.True(t, os.IsNotExist(err), "lock must be cleared after the run")
}

func TestTickFailureJoinsFailureReasons(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	stub := &stubRunner{report: runner.Report{
		"outcome":         "failed",
		"failure_reasons": []any{"lint failed", "tests failed"},
	}}
	d, led, _ := newTestDaemon(t, stub)
	id := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})

	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusFailed, result["status"])
	receipt := led.LatestReceiptFor(id)
	require.NotNil(t, receipt)
	assert.Equal(t, "lint failed\ntests failed", receipt.Error)
}

func TestRunnerErrorRecordsFailedReceipt(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	stub := &stubRunner{err: fmt.Errorf("runner exploded")}
	d, led, cfg := newTestDaemon(t, stub)
	id := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})

	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusFailed, result["status"])
	receipt := led.LatestReceiptFor(id)
	require.NotNil(t, receipt)
	assert.Equal(t, ledger.StatusFailed, receipt.Status)
	assert.Contains(t, receipt.Error, "runner exploded")
	_, err := os.Stat(cfg.LockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestTickSkipsWhileLockActive(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, cfg := newTestDaemon(t, &stubRunner{})
	enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	require.NoError(t, fsutil.WriteJSONAtomic(cfg.LockPath, map[string]any{
		"request_id": "req-other",
		"started_at": fsutil.ISONow(),
		"pid":        99999,
	}))

	result := d.Tick(context.Background())

	assert.Equal(t, "locked", result["status"])
	assert.Len(t, led.PendingRequests(), 1, "request must stay pending")
}

func TestStaleLockIsReclaimed(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, _, cfg := newTestDaemon(t, &stubRunner{})
	stale := time.Now().UTC().Add(-3 * time.Hour).Format(time.RFC3339)
	require.NoError(t, fsutil.WriteJSONAtomic(cfg.LockPath, map[string]any{
		"started_at": stale,
		"pid":        99999,
	}))

	result := d.Tick(context.Background())

	assert.Equal(t, "idle", result["status"])
	_, err := os.Stat(cfg.LockPath)
	assert.True(t, os.IsNotExist(err), "stale lock must be removed")
}

func TestUnparsableLockCountsAsHeld(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, _, cfg := newTestDaemon(t, &stubRunner{})
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755))
	require.NoError(t, os.WriteFile(cfg.LockPath, []byte("not json"), 0o644))

	result := d.Tick(context.Background())
	assert.Equal(t, "locked", result["status"])
}

func TestHourlyRunBudgetSkipsRequest(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, _ := newTestDaemon(t, &stubRunner{})

	first := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	_, err := led.MarkStarted(first)
	require.NoError(t, err)
	_, err = led.MarkFinished(ledger.Receipt{
		RequestID:  first,
		Status:     ledger.StatusSuccess,
		FinishedAt: fsutil.ISONow(),
	})
	require.NoError(t, err)

	second := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusSkippedBudget, result["status"])
	receipt := led.LatestReceiptFor(second)
	require.NotNil(t, receipt)
	assert.Equal(t, ledger.StatusSkippedBudget, receipt.Status)
	assert.Equal(t, "daemon budget exhausted", receipt.Error)
}

func TestFilesChangedBudgetSkipsRequest(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, cfg := newTestDaemon(t, &stubRunner{})

	reportPath := filepath.Join("reports", "big.json")
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(cfg.RootDir, reportPath), map[string]any{
		"baseline_budget": map[string]any{"total_files_changed": 500},
	}))

	first := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	_, err := led.MarkStarted(first)
	require.NoError(t, err)
	twoHoursAgo := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	_, err = led.MarkFinished(ledger.Receipt{
		RequestID:  first,
		Status:     ledger.StatusSuccess,
		FinishedAt: twoHoursAgo,
		ReportPath: reportPath,
	})
	require.NoError(t, err)

	second := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	result := d.Tick(context.Background())

	assert.Equal(t, ledger.StatusSkippedBudget, result["status"])
	receipt := led.LatestReceiptFor(second)
	require.NotNil(t, receipt)
	assert.Equal(t, ledger.StatusSkippedBudget, receipt.Status)
}

func TestMaybeRequeueClonesWithLineage(t *testing.T) {
	d, led, _ := newTestDaemon(t, &stubRunner{})
	id := enqueue(t, led, ledger.WorkRequest{
		Goal:             "stability_repair",
		Priority:         40,
		AutopublishFlags: map[string]any{"retry_on_failure": true},
	})
	_, err := led.MarkStarted(id)
	require.NoError(t, err)
	_, err = led.MarkFinished(ledger.Receipt{RequestID: id, Status: ledger.StatusFailed, FinishedAt: fsutil.ISONow()})
	require.NoError(t, err)

	request := led.RequestByID(id)
	require.NotNil(t, request)
	d.maybeRequeue(*request, runner.Report{})

	pending := led.PendingRequests()
	require.Len(t, pending, 1)
	clone := pending[0]
	assert.Equal(t, retryAuthor, clone.RequestedBy)
	assert.Equal(t, 41, clone.Priority)
	assert.Equal(t, "stability_repair", clone.Goal)
	lineage := flagStrings(clone.AutopublishFlags, "lineage")
	assert.Equal(t, []string{id}, lineage)
}

func TestMaybeRequeueStopsLineageLoop(t *testing.T) {
	d, led, _ := newTestDaemon(t, &stubRunner{})
	id := enqueue(t, led, ledger.WorkRequest{
		ID:   "req-loop",
		Goal: "stability_repair",
		AutopublishFlags: map[string]any{
			"retry_on_failure": true,
			"lineage":          []any{"req-loop"},
		},
	})
	_, err := led.MarkStarted(id)
	require.NoError(t, err)
	_, err = led.MarkFinished(ledger.Receipt{RequestID: id, Status: ledger.StatusFailed, FinishedAt: fsutil.ISONow()})
	require.NoError(t, err)

	request := led.RequestByID(id)
	require.NotNil(t, request)
	d.maybeRequeue(*request, runner.Report{})

	assert.Empty(t, led.PendingRequests())
}

func TestMaybeRequeueBacksOffRecentGoalFailure(t *testing.T) {
	d, led, _ := newTestDaemon(t, &stubRunner{})

	first := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	_, err := led.MarkStarted(first)
	require.NoError(t, err)
	fiveMinutesAgo := time.Now().UTC().Add(-5 * time.Minute).Format(time.RFC3339)
	_, err = led.MarkFinished(ledger.Receipt{RequestID: first, Status: ledger.StatusFailed, FinishedAt: fiveMinutesAgo})
	require.NoError(t, err)

	second := enqueue(t, led, ledger.WorkRequest{
		Goal:             "stability_repair",
		AutopublishFlags: map[string]any{"retry_on_failure": true},
	})
	_, err = led.MarkStarted(second)
	require.NoError(t, err)
	_, err = led.MarkFinished(ledger.Receipt{RequestID: second, Status: ledger.StatusFailed, FinishedAt: fsutil.ISONow()})
	require.NoError(t, err)

	request := led.RequestByID(second)
	require.NotNil(t, request)
	d.maybeRequeue(*request, runner.Report{})

	assert.Empty(t, led.PendingRequests())
}

func TestMaybeRequeueSkipsInternalGoals(t *testing.T) {
	d, led, _ := newTestDaemon(t, &stubRunner{})
	id := enqueue(t, led, ledger.WorkRequest{
		Goal:             "greenkeeper_smoke_noop",
		AutopublishFlags: map[string]any{"retry_on_failure": true},
	})
	request := led.RequestByID(id)
	require.NotNil(t, request)
	d.maybeRequeue(*request, runner.Report{})

	assert.Len(t, led.PendingRequests(), 1, "only the original request remains")
}

func TestQuarantineFeedbackTriplesSentinelCooldown(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	stub := &stubRunner{report: runner.Report{
		"outcome":            "failed",
		"transaction_status": "quarantined",
		"quarantine_ref":     "quarantine/quarantine_1.json",
		"regression_reasons": []any{"ci regressed"},
	}}
	d, led, cfg := newTestDaemon(t, stub)
	sent := sentinel.New(sentinel.Config{
		RootDir:    cfg.RootDir,
		PolicyPath: filepath.Join(cfg.RootDir, "state", "sentinel_policy.json"),
		StatePath:  filepath.Join(cfg.RootDir, "state", "sentinel_state.json"),
	}, led, nil)
	d.deps.Sentinel = sent

	id := enqueue(t, led, ledger.WorkRequest{
		Goal: "campaign:ci_baseline_recovery",
		Metadata: map[string]any{
			"sentinel_triggered": true,
			"trigger_domain":     sentinel.DomainCIBaseline,
		},
	})

	result := d.Tick(context.Background())
	assert.Equal(t, ledger.StatusFailed, result["status"])
	require.NotNil(t, led.LatestReceiptFor(id))

	policy := sent.LoadPolicy()
	assert.InDelta(t, 180.0, policy.CooldownMinutes[sentinel.DomainCIBaseline], 0.01)
}

func TestStatusSnapshot(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, cfg := newTestDaemon(t, &stubRunner{})

	reportPath := filepath.Join("reports", "r1.json")
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(cfg.RootDir, reportPath), map[string]any{
		"baseline_budget": map[string]any{"total_files_changed": 40},
	}))
	id := enqueue(t, led, ledger.WorkRequest{Goal: "stability_repair"})
	_, err := led.MarkStarted(id)
	require.NoError(t, err)
	_, err = led.MarkFinished(ledger.Receipt{
		RequestID:  id,
		Status:     ledger.StatusSuccess,
		FinishedAt: fsutil.ISONow(),
		ReportPath: reportPath,
	})
	require.NoError(t, err)

	running := enqueue(t, led, ledger.WorkRequest{Goal: "index_rebuild"})
	require.NoError(t, fsutil.WriteJSONAtomic(cfg.LockPath, map[string]any{
		"request_id": running,
		"started_at": fsutil.ISONow(),
		"pid":        os.Getpid(),
	}))

	status := d.Status()

	assert.Equal(t, true, status["daemon_enabled"])
	assert.Equal(t, true, status["lock_active"])
	assert.Equal(t, running, status["current_request_id"])
	assert.Equal(t, "index_rebuild", status["current_goal"])
	assert.Equal(t, 0, status["runs_remaining_hour"])
	assert.Equal(t, 1, status["runs_remaining_day"])
	assert.Equal(t, 160, status["files_remaining_day"])
	lastReceipt, ok := status["last_receipt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, id, lastReceipt["request_id"])
	assert.Equal(t, ledger.StatusSuccess, lastReceipt["status"])
}

func TestStatusReportsLastTriggerDomain(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, led, _ := newTestDaemon(t, &stubRunner{})
	id := enqueue(t, led, ledger.WorkRequest{
		Goal:        "campaign:ci_baseline_recovery",
		RequestedBy: sentinel.RequestedBy,
		Metadata:    map[string]any{"trigger_domain": sentinel.DomainCIBaseline},
	})
	_, err := led.MarkStarted(id)
	require.NoError(t, err)
	_, err = led.MarkFinished(ledger.Receipt{RequestID: id, Status: ledger.StatusFailed, FinishedAt: fsutil.ISONow()})
	require.NoError(t, err)

	status := d.Status()
	assert.Equal(t, sentinel.DomainCIBaseline, status["last_trigger_domain"])
}

func TestStatusReportsLastQuarantine(t *testing.T) {
	t.Setenv(EnvEnabled, "1")
	d, _, cfg := newTestDaemon(t, &stubRunner{})
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(cfg.QuarantineDir, "quarantine_1.json"), map[string]any{
		"domain": "ci_baseline",
	}))
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(cfg.QuarantineDir, "quarantine_2.json"), map[string]any{
		"domain": "artifact_index",
	}))

	status := d.Status()
	quarantine, ok := status["last_quarantine"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "artifact_index", quarantine["domain"])
}

func TestGovernorEnvOverridesAndFloors(t *testing.T) {
	t.Setenv(EnvMaxRunsPerDay, "5")
	t.Setenv(EnvMaxRunsPerHour, "0")
	t.Setenv(EnvMaxFilesPerDay, "300")
	d, _, _ := newTestDaemon(t, &stubRunner{})

	gov := d.governor()
	assert.Equal(t, 5, gov.MaxRunsPerDay)
	assert.Equal(t, 1, gov.MaxRunsPerHour, "caps are floored at one")
	assert.Equal(t, 300, gov.MaxFilesChangedPerDay)
}
