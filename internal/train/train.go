// Package train is the merge-train state machine. Publish receipts carrying
// a pull request URL become train entries; each tick advances at most one
// entry through the gate chain (rebase, checks, doctrine, integrity chains,
// federation) and merges it only when every gate passes and the risk budget
// allows automerge. Holds are normal outcomes with frozen reason codes, not
// errors.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/githost"
	"git.home.luguber.info/inful/greenkeeper/internal/integrity"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/outcome"
	"git.home.luguber.info/inful/greenkeeper/internal/riskbudget"
	"git.home.luguber.info/inful/greenkeeper/internal/runner"
	"git.home.luguber.info/inful/greenkeeper/internal/trace"
)

// EnvPreferImprovement disables improvement-first candidate ordering when
// set to "0".
const EnvPreferImprovement = "GREENKEEPER_TRAIN_PREFER_IMPROVEMENT"

// Config names the train's files and tuning knobs.
type Config struct {
	RootDir               string
	PolicyPath            string
	StatePath             string
	LockPath              string
	DocketsDir            string
	ReportsDir            string
	RemoteDoctrineLogPath string
	RemoteBundleDir       string
	LocalDoctrinePath     string
	ContractStatusPath    string
	ProgressBaselinePath  string
	TracesDir             string
	TraceIndexPath        string
	CheckWaitTimeout      time.Duration
	CheckPollInterval     time.Duration
}

// Deps are the train's collaborators. MergeReceipts is the hash-linked chain
// merged PRs are appended to; AuditChain and Federation guard the merge path.
type Deps struct {
	Host          githost.Host
	Ledger        *ledger.Ledger
	Events        *events.Log
	MergeReceipts *integrity.ReceiptChain
	AuditChain    *integrity.AuditChain
	Federation    *integrity.FederationGate
	Budgets       *riskbudget.Store
	Packs         *trace.PackGenerator
}

// Train advances publish PRs toward merge, one entry per tick.
type Train struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New builds a Train. Zero-valued timeouts get defaults.
func New(cfg Config, deps Deps) *Train {
	if cfg.CheckWaitTimeout <= 0 {
		cfg.CheckWaitTimeout = 30 * time.Minute
	}
	if cfg.CheckPollInterval <= 0 {
		cfg.CheckPollInterval = 20 * time.Second
	}
	return &Train{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Tick runs one train pass. The map's "status" is disabled, locked,
// budget_exhausted, max_active_exceeded, idle, cooldown, or the terminal
// status of the processed entry.
func (t *Train) Tick(ctx context.Context) map[string]any {
	policy := t.LoadPolicy()
	if !policy.Enabled {
		return map[string]any{"status": "disabled"}
	}
	if !t.acquireLock() {
		return map[string]any{"status": "locked"}
	}
	defer t.releaseLock()

	budget := t.deps.Budgets.Latest()
	recorder := trace.NewRecorder(t.cfg.TracesDir, t.cfg.TraceIndexPath, trace.ContextMergeTrain, trace.Options{
		StrategicPosture:  budget.Posture,
		PressureLevel:     budget.PressureLevel,
		OperatingMode:     budget.OperatingMode,
		RiskBudgetSummary: riskbudget.Summary(budget),
		RiskBudgetNotes:   budget.Notes,
	}, t.deps.Packs)

	state := t.LoadState()
	t.ingestReceipts(&state)

	if !t.withinRunBudget(budget) {
		recorder.RecordGate(trace.Gate{Name: "run_budget", Mode: "enforce", Result: "fail", Reason: ReasonRiskBudgetThrottle})
		t.saveState(state)
		result := map[string]any{"status": "budget_exhausted", "entries": len(state.Entries)}
		t.finalize(recorder, result, "hold", ReasonRiskBudgetThrottle)
		return result
	}

	activeCount := 0
	for i := range state.Entries {
		if state.Entries[i].Active() {
			activeCount++
		}
	}
	if activeCount > policy.MaxActivePRs {
		t.saveState(state)
		result := map[string]any{"status": "max_active_exceeded", "active": activeCount, "max_active": policy.MaxActivePRs}
		t.finalize(recorder, result, "noop", "max_active_exceeded")
		return result
	}

	candidate := t.selectCandidate(&state)
	if candidate == nil {
		t.saveState(state)
		result := map[string]any{"status": "idle", "entries": len(state.Entries)}
		t.finalize(recorder, result, "noop", "idle")
		return result
	}

	result, decision, reason := t.processCandidate(ctx, &state, candidate, policy, budget, recorder)
	t.saveState(state)
	t.finalize(recorder, result, decision, reason)
	return result
}

// Hold parks an entry manually. Returns false when no entry matches.
func (t *Train) Hold(prNumber int) bool {
	state := t.LoadState()
	entry := state.entryByNumber(prNumber)
	if entry == nil {
		return false
	}
	entry.Status = StatusHeld
	entry.UpdatedAt = t.isoNow()
	entry.LastError = ReasonManuallyHeld
	t.saveState(state)
	t.emit("train_held", map[string]any{"pr_number": prNumber})
	return true
}

// Release returns a held entry to ready.
func (t *Train) Release(prNumber int) bool {
	state := t.LoadState()
	entry := state.entryByNumber(prNumber)
	if entry == nil {
		return false
	}
	entry.Status = StatusReady
	entry.UpdatedAt = t.isoNow()
	entry.LastError = ""
	t.saveState(state)
	t.emit("train_released", map[string]any{"pr_number": prNumber})
	return true
}

// PruneMerged drops merged entries beyond the newest keepLastN.
func (t *Train) PruneMerged(keepLastN int) {
	state := t.LoadState()
	var mergedURLs []string
	for _, entry := range state.Entries {
		if entry.Status == StatusMerged {
			mergedURLs = append(mergedURLs, entry.PRURL)
		}
	}
	keep := map[string]bool{}
	start := len(mergedURLs) - keepLastN
	if start < 0 {
		start = 0
	}
	for _, url := range mergedURLs[start:] {
		keep[url] = true
	}
	var kept []Entry
	for _, entry := range state.Entries {
		if entry.Status != StatusMerged || keep[entry.PRURL] {
			kept = append(kept, entry)
		}
	}
	state.Entries = kept
	t.saveState(state)
}

// Summary reports the train's operator-facing status.
func (t *Train) Summary() map[string]any {
	policy := t.LoadPolicy()
	state := t.LoadState()
	byStatus := map[string]int{}
	active := 0
	for i := range state.Entries {
		byStatus[state.Entries[i].Status]++
		if state.Entries[i].Active() {
			active++
		}
	}
	return map[string]any{
		"train_enabled":     policy.Enabled,
		"entries":           len(state.Entries),
		"active":            active,
		"entries_by_status": byStatus,
		"last_merged_pr":    state.LastMergedPR,
		"last_failure_at":   state.LastFailureAt,
	}
}

// ingestReceipts folds recent publish receipts into train entries.
func (t *Train) ingestReceipts(state *State) {
	for _, receipt := range t.deps.Ledger.RecentReceipts(400) {
		if receipt.PublishPRURL != "" {
			t.addEntryFromPublish(state, receipt)
		}
	}
}

// addEntryFromPublish upserts an entry from one publish receipt. Terminal
// entries never regress to an earlier status.
func (t *Train) addEntryFromPublish(state *State, receipt ledger.Receipt) {
	prURL := receipt.PublishPRURL
	if prURL == "" {
		return
	}
	checksOverall := receipt.PublishChecksOverall
	if checksOverall == "" {
		checksOverall = receipt.PublishStatus
	}
	if checksOverall == "" {
		checksOverall = githost.OverallUnknown
	}
	knownPublish := receipt.PublishStatus == "ready_to_merge" || receipt.PublishStatus == "held_failed_checks"
	knownChecks := checksOverall == githost.OverallSuccess || checksOverall == githost.OverallFailure || checksOverall == githost.OverallPending
	if !knownPublish && !knownChecks {
		return
	}

	report := runner.LoadReport(t.resolvePath(receipt.ReportPath))
	publishRemote := report.Map("publish_remote")
	prNumber := intFrom(publishRemote["pr_number"])
	if prNumber == 0 {
		prNumber = githost.ParsePRNumber(prURL)
	}
	headSHA, _ := publishRemote["head_sha"].(string)
	branch, _ := publishRemote["branch"].(string)

	nextStatus := StatusChecking
	switch checksOverall {
	case githost.OverallSuccess:
		nextStatus = StatusReady
	case githost.OverallFailure:
		nextStatus = StatusHeld
	}

	if existing := state.entryByPRURL(prURL); existing != nil {
		existing.UpdatedAt = t.isoNow()
		existing.CheckOverall = checksOverall
		if existing.Status != StatusMerged && existing.Status != StatusFailed {
			existing.Status = nextStatus
		}
		if headSHA != "" {
			existing.HeadSHA = headSHA
		}
		if branch != "" {
			existing.Branch = branch
		}
		return
	}

	createdAt := receipt.FinishedAt
	if createdAt == "" {
		createdAt = t.isoNow()
	}
	state.Entries = append(state.Entries, Entry{
		RunID:          receipt.ProvenanceRunID,
		PRURL:          prURL,
		PRNumber:       prNumber,
		HeadSHA:        headSHA,
		Branch:         branch,
		GoalID:         report.String("goal_id", ""),
		CampaignID:     report.String("campaign_id", ""),
		Status:         nextStatus,
		CreatedAt:      createdAt,
		UpdatedAt:      t.isoNow(),
		CheckOverall:   checksOverall,
		DoctrineSource: "local",
	})
	t.emit("train_ingest", map[string]any{"pr_url": prURL, "status": nextStatus, "run_id": receipt.ProvenanceRunID})
}

// selectCandidate picks the next entry: actionable statuses first, then
// recovery entries that actually improved CI, then oldest.
func (t *Train) selectCandidate(state *State) *Entry {
	var active []*Entry
	for i := range state.Entries {
		if state.Entries[i].Active() {
			active = append(active, &state.Entries[i])
		}
	}
	if len(active) == 0 {
		return nil
	}
	preferImprovement := os.Getenv(EnvPreferImprovement) != "0"

	rank := func(entry *Entry) (int, int, string) {
		pri := 1
		switch entry.Status {
		case StatusReady, StatusMergeable, StatusChecking, StatusRebasing:
			pri = 0
		}
		improvementRank := 0
		if preferImprovement && isRecoveryEntry(entry) {
			improvementRank = t.improvementRank(entry)
		}
		return pri, improvementRank, entry.CreatedAt
	}
	sort.SliceStable(active, func(i, j int) bool {
		pi, ii, ci := rank(active[i])
		pj, ij, cj := rank(active[j])
		if pi != pj {
			return pi < pj
		}
		if ii != ij {
			return ii < ij
		}
		return ci < cj
	})
	return active[0]
}

func isRecoveryEntry(entry *Entry) bool {
	switch entry.CampaignID {
	case "ci_baseline_recovery", "stability_recovery_full":
		return true
	}
	switch entry.GoalID {
	case "stability_repair", "campaign:ci_baseline_recovery", "campaign:stability_recovery_full":
		return true
	}
	return false
}

// improvementRank is 0 for entries whose run improved CI, 1 otherwise. The
// progress baseline contract is authoritative; a report recompute is the
// fallback when the contract has no row for the run.
func (t *Train) improvementRank(entry *Entry) int {
	if rank, ok := t.contractImprovementRank(entry.RunID); ok {
		return rank
	}
	report := t.reportForRunID(entry.RunID)
	if len(report) == 0 {
		return 1
	}
	summary := outcome.Summarize(report)
	improved := summary.LastProgressImproved ||
		(summary.CIBeforeFailedCount != nil && summary.CIAfterFailedCount != nil &&
			*summary.CIAfterFailedCount < *summary.CIBeforeFailedCount) ||
		(summary.ProgressDeltaPercent != nil && *summary.ProgressDeltaPercent >= 30.0)
	if improved {
		return 0
	}
	return 1
}

func (t *Train) contractImprovementRank(runID string) (int, bool) {
	if runID == "" {
		return 0, false
	}
	payload := fsutil.LoadJSONMap(t.cfg.ProgressBaselinePath)
	rows, _ := payload["last_runs"].([]any)
	for i := len(rows) - 1; i >= 0; i-- {
		row, ok := rows[i].(map[string]any)
		if !ok || row["run_id"] != runID {
			continue
		}
		if improved, _ := row["improved"].(bool); improved {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

func (t *Train) reportForRunID(runID string) map[string]any {
	if runID == "" {
		return nil
	}
	paths, _ := filepath.Glob(filepath.Join(t.cfg.ReportsDir, "report_*.json"))
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	if len(paths) > 300 {
		paths = paths[:300]
	}
	for _, path := range paths {
		report := runner.LoadReport(path)
		if report.ProvenanceRunID() == runID {
			return report
		}
	}
	return nil
}

// processCandidate advances one entry through the gate chain. Exactly one
// gate decides the tick's outcome; every evaluated gate lands in the trace.
func (t *Train) processCandidate(ctx context.Context, state *State, entry *Entry, policy Policy, budget riskbudget.Budget, recorder *trace.Recorder) (map[string]any, string, string) {
	now := t.isoNow()
	entry.UpdatedAt = now

	if entry.Status == StatusHeld && state.LastFailureAt != "" {
		failedAt, ok := fsutil.ParseISO(state.LastFailureAt)
		if ok && t.now().Sub(failedAt) < time.Duration(policy.CooldownMinutesOnFailure)*time.Minute {
			return map[string]any{"status": "cooldown", "pr": entry.PRURL}, "noop", "cooldown"
		}
	}

	if step := t.rebaseStep(ctx, state, entry, policy, now, recorder); step.Blocking() {
		return t.blockedResult(entry, step), "hold", step.Reason
	}

	if step := t.checksStep(ctx, state, entry, policy, now, recorder); step.Blocking() {
		decision := "hold"
		if step.Status == StepFailed {
			decision = "failed"
		}
		return t.blockedResult(entry, step), decision, step.Reason
	}

	if step := t.doctrineStep(ctx, entry, policy, recorder); step.Blocking() {
		entry.Status = StatusHeld
		entry.LastError = step.Reason
		state.LastFailureAt = now
		return map[string]any{"status": StatusHeld, "reason": step.Reason, "pr": entry.PRURL}, "hold", step.Reason
	}

	if step := t.chainStep(recorder); step.Blocking() {
		entry.Status = StatusHeld
		entry.LastError = step.Reason
		state.LastFailureAt = now
		return map[string]any{"status": StatusHeld, "reason": step.Reason, "pr": entry.PRURL}, "hold", step.Reason
	}

	entry.Status = StatusMergeable
	if !budget.AllowAutomerge {
		recorder.RecordGate(trace.Gate{Name: "automerge", Mode: "enforce", Result: "skip", Reason: "automerge_not_allowed"})
		return map[string]any{"status": StatusMergeable, "pr": entry.PRURL}, "mergeable", "automerge_not_allowed"
	}

	merge := t.deps.Host.Merge(ctx, entry.PRNumber, policy.MergeStrategy)
	t.emit("train_merge_attempted", map[string]any{"pr_url": entry.PRURL, "ok": merge.OK, "message": merge.Message})
	if merge.OK {
		entry.Status = StatusMerged
		entry.LastError = ""
		state.LastMergedPR = entry.PRURL
		t.writeMergeReceipt(entry)
		t.emit("train_merge_outcome", map[string]any{"pr_url": entry.PRURL, "outcome": StatusMerged})
		recorder.RecordGate(trace.Gate{Name: "merge", Mode: "enforce", Result: "pass", Reason: "merged"})
		return map[string]any{"status": StatusMerged, "pr": entry.PRURL}, StatusMerged, "merged"
	}

	if merge.Conflict {
		entry.Status = StatusHeld
		entry.LastError = ReasonConflict
	} else {
		entry.Status = StatusFailed
		entry.LastError = merge.Message
		if entry.LastError == "" {
			entry.LastError = "merge_failed"
		}
	}
	state.LastFailureAt = now
	t.emit("train_merge_outcome", map[string]any{"pr_url": entry.PRURL, "outcome": entry.Status, "error": entry.LastError})
	if merge.Conflict {
		docket := t.writeConflictDocket(entry, githost.RebaseResult{Conflict: true, Message: merge.Message})
		t.emit("train_conflict_docket", map[string]any{"path": docket, "pr_url": entry.PRURL})
	}
	recorder.RecordGate(trace.Gate{Name: "merge", Mode: "enforce", Result: "fail", Reason: entry.LastError})
	decision := "hold"
	if entry.Status == StatusFailed {
		decision = "failed"
	}
	return map[string]any{"status": entry.Status, "pr": entry.PRURL, "reason": entry.LastError}, decision, entry.LastError
}

func (t *Train) blockedResult(entry *Entry, step StepOutcome) map[string]any {
	return map[string]any{"status": entry.Status, "reason": step.Reason, "pr": entry.PRURL}
}

// rebaseStep brings a behind-base branch current, holding on conflicts and
// attempt exhaustion.
func (t *Train) rebaseStep(ctx context.Context, state *State, entry *Entry, policy Policy, now string, recorder *trace.Recorder) StepOutcome {
	if !t.deps.Host.IsBehindBase(ctx, entry.Branch, policy.BaseBranch) {
		recorder.RecordGate(trace.Gate{Name: "behind_base", Mode: "enforce", Result: "pass", Reason: "current"})
		return Ok()
	}
	if entry.RebaseAttempts >= policy.MaxRebaseAttempts {
		entry.Status = StatusHeld
		entry.LastError = ReasonRebaseAttemptsExhausted
		state.LastFailureAt = now
		t.emit("train_rebase_attempted", map[string]any{"pr_url": entry.PRURL, "status": "exhausted"})
		recorder.RecordGate(trace.Gate{Name: "rebase", Mode: "enforce", Result: "fail", Reason: ReasonRebaseAttemptsExhausted})
		return Held(ReasonRebaseAttemptsExhausted)
	}
	entry.Status = StatusRebasing
	rebase := t.deps.Host.Rebase(ctx, entry.PRNumber, policy.BaseBranch)
	entry.RebaseAttempts++
	t.emit("train_rebase_attempted", map[string]any{"pr_url": entry.PRURL, "ok": rebase.OK, "message": rebase.Message})
	if !rebase.OK {
		entry.Status = StatusHeld
		reason := ReasonConflict
		if !rebase.Conflict {
			reason = rebase.Message
			if reason == "" {
				reason = "rebase_failed"
			}
		}
		entry.LastError = reason
		state.LastFailureAt = now
		if rebase.Conflict {
			docket := t.writeConflictDocket(entry, rebase)
			t.emit("train_conflict_docket", map[string]any{"path": docket, "pr_url": entry.PRURL})
		}
		recorder.RecordGate(trace.Gate{Name: "rebase", Mode: "enforce", Result: "fail", Reason: reason})
		return Held(reason)
	}
	if rebase.NewHeadSHA != "" {
		entry.HeadSHA = rebase.NewHeadSHA
	}
	recorder.RecordGate(trace.Gate{Name: "rebase", Mode: "enforce", Result: "pass", Reason: "rebased"})
	return Ok()
}

// checksStep polls remote checks and waits out pending ones within the
// configured timeout. Failures burn a retry before terminating the entry.
func (t *Train) checksStep(ctx context.Context, state *State, entry *Entry, policy Policy, now string, recorder *trace.Recorder) StepOutcome {
	entry.Status = StatusChecking
	ref := githost.PRRef{Number: entry.PRNumber, URL: entry.PRURL, HeadSHA: entry.HeadSHA, Branch: entry.Branch, CreatedAt: entry.CreatedAt}
	checks := t.deps.Host.FetchChecks(ctx, ref)
	t.emit("train_checks_polled", map[string]any{"pr_url": entry.PRURL, "overall": checks.Overall})
	entry.CheckOverall = checks.Overall
	if checks.PR.HeadSHA != "" {
		entry.HeadSHA = checks.PR.HeadSHA
	}
	if checks.PR.Branch != "" {
		entry.Branch = checks.PR.Branch
	}

	if entry.CheckOverall == githost.OverallPending || entry.CheckOverall == githost.OverallUnknown {
		final, stats := t.deps.Host.WaitForChecks(ctx, ref, t.cfg.CheckWaitTimeout, t.cfg.CheckPollInterval)
		entry.CheckOverall = final.Overall
		t.emit("train_checks_polled", map[string]any{"pr_url": entry.PRURL, "overall": final.Overall, "timed_out": stats.TimedOut})
		if stats.TimedOut {
			entry.Status = StatusHeld
			entry.LastError = ReasonChecksTimeout
			state.LastFailureAt = now
			recorder.RecordGate(trace.Gate{Name: "checks", Mode: "enforce", Result: "fail", Reason: ReasonChecksTimeout})
			return Held(ReasonChecksTimeout)
		}
	}

	if entry.CheckOverall == githost.OverallFailure {
		entry.CheckRetries++
		state.LastFailureAt = now
		if entry.CheckRetries > policy.MaxCheckRetries {
			entry.Status = StatusFailed
			entry.LastError = ReasonChecksFailed
			recorder.RecordGate(trace.Gate{Name: "checks", Mode: "enforce", Result: "fail", Reason: ReasonChecksFailed})
			return Failed(ReasonChecksFailed)
		}
		entry.Status = StatusHeld
		entry.LastError = ReasonChecksFailedRetry
		recorder.RecordGate(trace.Gate{Name: "checks", Mode: "enforce", Result: "fail", Reason: ReasonChecksFailedRetry})
		return Held(ReasonChecksFailedRetry)
	}

	if entry.CheckOverall != githost.OverallSuccess {
		entry.Status = StatusHeld
		entry.LastError = ReasonChecksUnknown
		recorder.RecordGate(trace.Gate{Name: "checks", Mode: "enforce", Result: "fail", Reason: ReasonChecksUnknown})
		return Held(ReasonChecksUnknown)
	}
	recorder.RecordGate(trace.Gate{Name: "checks", Mode: "enforce", Result: "pass", Reason: githost.OverallSuccess})
	return Ok()
}

// chainStep runs the receipt-chain, audit-log-chain and federation gates.
// Enforce mode blocks, warn mode only annotates the trace.
func (t *Train) chainStep(recorder *trace.Recorder) StepOutcome {
	if result, block, warn := t.deps.MergeReceipts.MaybeVerify(0); result != nil {
		gate := trace.Gate{Name: "receipt_chain", Mode: gateMode(block, warn), Result: "pass", Reason: result.Status}
		if !result.OK() && result.Status == integrity.StatusBroken {
			gate.Result = "fail"
			gate.Reason = ReasonReceiptChainBroken
			recorder.RecordGate(gate)
			if block {
				return Held(ReasonReceiptChainBroken)
			}
		} else {
			recorder.RecordGate(gate)
		}
	}
	if result, block, _, reportPath := t.deps.AuditChain.MaybeVerify(); result != nil {
		gate := trace.Gate{Name: "audit_log_chain", Mode: "enforce", Result: "pass", Reason: result.Status}
		if reportPath != "" {
			gate.EvidencePaths = []string{reportPath}
		}
		if result.Status == integrity.StatusBroken {
			gate.Result = "fail"
			gate.Reason = ReasonAuditLogChainBroken
			recorder.RecordGate(gate)
			if block {
				return Held(ReasonAuditLogChainBroken)
			}
		} else {
			recorder.RecordGate(gate)
		}
	}
	if result, block, warn := t.deps.Federation.MaybeVerify(); result != nil {
		gate := trace.Gate{Name: "federation", Mode: gateMode(block, warn), Result: "pass", Reason: result.Status}
		if result.Status == integrity.FederationDiverged {
			gate.Result = "fail"
			gate.Reason = ReasonFederationDivergence
			recorder.RecordGate(gate)
			if block {
				return Held(ReasonFederationDivergence)
			}
		} else {
			recorder.RecordGate(gate)
		}
	}
	return Ok()
}

func gateMode(block, warn bool) string {
	switch {
	case block:
		return "enforce"
	case warn:
		return "warn"
	}
	return "off"
}

// withinRunBudget counts terminal receipts in the trailing hour and day
// against the risk budget's run ceilings.
func (t *Train) withinRunBudget(budget riskbudget.Budget) bool {
	maxHour := budget.MaxRunsPerHour
	if maxHour < 1 {
		maxHour = 1
	}
	maxDay := budget.MaxRunsPerDay
	if maxDay < 1 {
		maxDay = 1
	}
	now := t.now()
	hourFloor := now.Add(-time.Hour)
	dayFloor := now.Add(-24 * time.Hour)
	runsHour, runsDay := 0, 0
	for _, receipt := range t.deps.Ledger.RecentReceipts(400) {
		if receipt.Status != ledger.StatusSuccess && receipt.Status != ledger.StatusFailed {
			continue
		}
		finished, ok := fsutil.ParseISO(receipt.FinishedAt)
		if !ok {
			continue
		}
		if !finished.Before(hourFloor) {
			runsHour++
		}
		if !finished.Before(dayFloor) {
			runsDay++
		}
	}
	return runsHour < maxHour && runsDay < maxDay
}

// writeMergeReceipt appends the merged PR to the hash-linked receipt chain,
// binding the PR to the contract bundle it was gated on.
func (t *Train) writeMergeReceipt(entry *Entry) {
	receiptID := fmt.Sprintf("pr_%d_%s", entry.PRNumber, shortSHA(entry.HeadSHA))
	payload := map[string]any{
		"receipt_id":    receiptID,
		"created_at":    t.isoNow(),
		"pr_url":        entry.PRURL,
		"pr_number":     entry.PRNumber,
		"head_sha":      entry.HeadSHA,
		"bundle_sha256": entry.BundleSHA256,
		"goal_id":       entry.GoalID,
		"campaign_id":   entry.CampaignID,
		"merged_by":     "merge_train",
	}
	if _, err := t.deps.MergeReceipts.Append(payload); err != nil {
		t.emit("train_merge_receipt_failed", map[string]any{"pr_url": entry.PRURL, "error": err.Error()})
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func (t *Train) finalize(recorder *trace.Recorder, result map[string]any, decision, reason string) {
	res, err := recorder.Finalize(decision, reason, []string{reason}, nil)
	if err != nil {
		return
	}
	if res.TraceID != "" {
		result["trace_id"] = res.TraceID
	}
}

func (t *Train) emit(event string, fields map[string]any) {
	t.deps.Events.Record(event, fields)
}

func (t *Train) acquireLock() bool {
	if err := os.MkdirAll(filepath.Dir(t.cfg.LockPath), 0o755); err != nil {
		return false
	}
	handle, err := os.OpenFile(t.cfg.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer handle.Close()
	payload, _ := json.Marshal(map[string]any{"pid": os.Getpid(), "started_at": t.isoNow()})
	handle.Write(payload)
	return true
}

func (t *Train) releaseLock() {
	os.Remove(t.cfg.LockPath)
}

func (t *Train) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || t.cfg.RootDir == "" {
		return path
	}
	return filepath.Join(t.cfg.RootDir, path)
}

func (t *Train) isoNow() string {
	return t.now().Format(time.RFC3339)
}

func intFrom(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		trimmed := strings.TrimSpace(v)
		n := 0
		for _, r := range trimmed {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int(r-'0')
		}
		return n
	}
	return 0
}
