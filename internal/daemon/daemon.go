// Package daemon executes one queued work request per tick under an
// advisory lock, a policy allow-list, and rolling run budgets. It is the
// only component allowed to invoke the build collaborator.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/riskbudget"
	"git.home.luguber.info/inful/greenkeeper/internal/runner"
	"git.home.luguber.info/inful/greenkeeper/internal/sentinel"
)

// Environment switches. The enabled flag and governor caps are read on every
// tick so operators can flip them without restarting the process.
const (
	EnvEnabled          = "GREENKEEPER_DAEMON_ENABLED"
	EnvLockTTLSeconds   = "GREENKEEPER_LOCK_TTL_SECONDS"
	EnvMaxRunsPerDay    = "GREENKEEPER_MAX_RUNS_PER_DAY"
	EnvMaxRunsPerHour   = "GREENKEEPER_MAX_RUNS_PER_HOUR"
	EnvMaxFilesPerDay   = "GREENKEEPER_MAX_FILES_CHANGED_PER_DAY"
	EnvBaselineMaxIters = "GREENKEEPER_DAEMON_BASELINE_MAX_ITERS"
)

const eventName = "build_daemon"

// Goals carrying this prefix are internal housekeeping runs and are never
// auto-retried.
const internalGoalPrefix = "greenkeeper_"

const (
	retryAuthor     = "daemon_retry"
	requeueCooldown = 30 * time.Minute
)

// Policy is the operator-edited gate on what the daemon will run. A nil
// slice means the corresponding gate is disabled; an empty slice rejects
// everything, which is the default for autopublish flags.
type Policy struct {
	AllowlistedGoalIDs          []string       `json:"allowlisted_goal_ids"`
	AllowlistedAutopublishFlags []string       `json:"allowlisted_autopublish_flags"`
	MaxBudget                   map[string]int `json:"max_budget"`
}

// DefaultPolicy applies when the policy file is missing or unreadable.
func DefaultPolicy() Policy {
	return Policy{
		AllowlistedGoalIDs: []string{
			"greenkeeper_smoke_noop",
			"campaign:ci_baseline_recovery",
			"index_rebuild",
			"stability_repair",
		},
		AllowlistedAutopublishFlags: []string{},
		MaxBudget:                   map[string]int{},
	}
}

// Governor caps the daemon's run rate across a rolling hour and day.
type Governor struct {
	MaxRunsPerDay         int
	MaxRunsPerHour        int
	MaxFilesChangedPerDay int
}

// Config names the daemon's files. Paths are absolute; RootDir resolves
// relative report paths found in receipts.
type Config struct {
	RootDir       string
	PolicyPath    string
	LockPath      string
	QuarantineDir string
	LockTTL       time.Duration
}

// Deps are the daemon's collaborators. Sentinel and Budgets may be nil.
type Deps struct {
	Ledger   *ledger.Ledger
	Runner   runner.Runner
	Events   *events.Log
	Sentinel *sentinel.Sentinel
	Budgets  *riskbudget.Store
}

// Daemon drains the work queue one request per tick.
type Daemon struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Daemon. A nil logger falls back to slog.Default.
func New(cfg Config, deps Deps, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether ticks may run.
func Enabled() bool {
	return os.Getenv(EnvEnabled) == "1"
}

// Tick processes at most one pending request. The returned map always has a
// "status" of disabled, locked, idle, rejected_policy, skipped_budget,
// success or failed.
func (d *Daemon) Tick(ctx context.Context) map[string]any {
	if !Enabled() {
		return map[string]any{"status": "disabled"}
	}
	if d.lockActive() {
		d.emitEvent("lock_skip", nil, "", "another run holds the daemon lock")
		d.logger.Warn("daemon lock active, skipping tick", "lock_path", d.cfg.LockPath)
		return map[string]any{"status": "locked"}
	}

	request := d.deps.Ledger.NextRequest()
	if request == nil {
		return map[string]any{"status": "idle"}
	}

	policy := d.loadPolicy()
	if reason := validateRequestPolicy(*request, policy); reason != "" {
		d.finishWithoutRun(request, ledger.StatusRejectedPolicy, reason)
		return map[string]any{"status": ledger.StatusRejectedPolicy, "request_id": request.ID, "error": reason}
	}
	if !d.withinBudget(*request) {
		d.finishWithoutRun(request, ledger.StatusSkippedBudget, "daemon budget exhausted")
		return map[string]any{"status": ledger.StatusSkippedBudget, "request_id": request.ID}
	}

	d.writeLock(*request)
	defer d.clearLock()

	if _, err := d.deps.Ledger.MarkStarted(request.ID); err != nil {
		d.logger.Error("daemon could not start request", "request_id", request.ID, "error", err)
		return map[string]any{"status": "error", "request_id": request.ID, "error": err.Error()}
	}
	d.emitEvent("started", request, "", "")
	d.logger.Info("daemon running request", "request_id", request.ID, "goal", request.Goal)

	report, runErr := d.deps.Runner.Run(ctx, request.Goal, "daemon", request.ID, runMetadata(*request))
	if runErr != nil {
		receipt := ledger.Receipt{
			RequestID:  request.ID,
			Status:     ledger.StatusFailed,
			FinishedAt: d.isoNow(),
			Error:      runErr.Error(),
		}
		if _, err := d.deps.Ledger.MarkFinished(receipt); err != nil {
			d.logger.Error("daemon could not record failure", "request_id", request.ID, "error", err)
		}
		d.emitEvent(ledger.StatusFailed, request, "", runErr.Error())
		d.logger.Error("daemon run failed", "request_id", request.ID, "error", runErr)
		return map[string]any{"status": ledger.StatusFailed, "request_id": request.ID, "error": runErr.Error()}
	}

	receipt := terminalReceipt(request.ID, report, d.isoNow())
	if _, err := d.deps.Ledger.MarkFinished(receipt); err != nil {
		d.logger.Error("daemon could not record receipt", "request_id", request.ID, "error", err)
	}
	d.emitEvent(receipt.Status, request, receipt.ReportPath, receipt.Error)
	d.noteQuarantine(*request, report)
	if receipt.Status != ledger.StatusSuccess {
		d.maybeRequeue(*request, report)
	}
	d.logger.Info("daemon completed request", "request_id", request.ID, "status", receipt.Status)
	return map[string]any{
		"status":      receipt.Status,
		"request_id":  request.ID,
		"report_path": receipt.ReportPath,
	}
}

// terminalReceipt folds a run report into the request's terminal receipt.
func terminalReceipt(requestID string, report runner.Report, finishedAt string) ledger.Receipt {
	receipt := ledger.Receipt{
		RequestID:       requestID,
		Status:          ledger.StatusFailed,
		FinishedAt:      finishedAt,
		ReportPath:      report.String("report_path", ""),
		DocketPath:      report.String("docket_path", ""),
		CommitSHA:       report.GitSHA(),
		PRMetadataPath:  prMetadataPath(report.Strings("notes")),
		ProvenanceRunID: report.ProvenanceRunID(),
		PublishPRURL:    report.PRURL(),
	}
	if report.Outcome() == "success" {
		receipt.Status = ledger.StatusSuccess
	}
	if remote := report.PublishRemote(); remote != nil {
		if s, ok := remote["status"].(string); ok {
			receipt.PublishStatus = s
		}
		if s, ok := remote["checks_overall"].(string); ok {
			receipt.PublishChecksOverall = s
		}
	}
	if reasons := report.Strings("failure_reasons"); len(reasons) > 0 {
		receipt.Error = strings.Join(reasons, "\n")
	}
	return receipt
}

// prMetadataPath extracts the PR metadata location from run notes.
func prMetadataPath(notes []string) string {
	for _, note := range notes {
		if rest, ok := strings.CutPrefix(note, "autopr_metadata:"); ok {
			return rest
		}
	}
	return ""
}

func (d *Daemon) finishWithoutRun(request *ledger.WorkRequest, status, reason string) {
	receipt := ledger.Receipt{
		RequestID:  request.ID,
		Status:     status,
		FinishedAt: d.isoNow(),
		Error:      reason,
	}
	if _, err := d.deps.Ledger.MarkFinished(receipt); err != nil {
		d.logger.Error("daemon could not record receipt", "request_id", request.ID, "error", err)
	}
	d.emitEvent(status, request, "", reason)
	d.logger.Warn("daemon declined request", "request_id", request.ID, "status", status, "reason", reason)
}

func (d *Daemon) loadPolicy() Policy {
	var policy Policy
	if !fsutil.LoadJSON(d.cfg.PolicyPath, &policy) {
		return DefaultPolicy()
	}
	return policy
}

// validateRequestPolicy returns a rejection reason, or "" when the request
// passes. Gate order matches the receipt error vocabulary: goal allow-list,
// autopublish flag allow-list, then budget-override caps.
func validateRequestPolicy(request ledger.WorkRequest, policy Policy) string {
	if policy.AllowlistedGoalIDs != nil {
		goalID := request.GoalID
		if goalID == "" {
			goalID = request.Goal
		}
		if !containsString(policy.AllowlistedGoalIDs, goalID) {
			return "goal_id_not_allowlisted:" + goalID
		}
	}
	if policy.AllowlistedAutopublishFlags != nil {
		allowed := make(map[string]bool, len(policy.AllowlistedAutopublishFlags))
		for _, key := range policy.AllowlistedAutopublishFlags {
			allowed[key] = true
		}
		for _, key := range sortedKeys(request.AutopublishFlags) {
			if !allowed[key] {
				return "autopublish_flag_not_allowlisted:" + key
			}
		}
	}
	if len(policy.MaxBudget) > 0 && len(request.BudgetOverrides) > 0 {
		keys := make([]string, 0, len(request.BudgetOverrides))
		for key := range request.BudgetOverrides {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			limit, ok := policy.MaxBudget[key]
			if ok && request.BudgetOverrides[key] > limit {
				return fmt.Sprintf("budget_override_exceeds_policy:%s>%d", key, limit)
			}
		}
	}
	return ""
}

// governor resolves run caps: risk budget first, environment overrides last,
// every cap floored at one.
func (d *Daemon) governor() Governor {
	gov := Governor{MaxRunsPerDay: 2, MaxRunsPerHour: 1, MaxFilesChangedPerDay: 200}
	if d.deps.Budgets != nil {
		budget := d.deps.Budgets.Latest()
		if budget.MaxRunsPerDay > 0 {
			gov.MaxRunsPerDay = budget.MaxRunsPerDay
		}
		if budget.MaxRunsPerHour > 0 {
			gov.MaxRunsPerHour = budget.MaxRunsPerHour
		}
	}
	gov.MaxRunsPerDay = max(1, envInt(EnvMaxRunsPerDay, gov.MaxRunsPerDay))
	gov.MaxRunsPerHour = max(1, envInt(EnvMaxRunsPerHour, gov.MaxRunsPerHour))
	gov.MaxFilesChangedPerDay = max(1, envInt(EnvMaxFilesPerDay, gov.MaxFilesChangedPerDay))
	return gov
}

func (d *Daemon) withinBudget(request ledger.WorkRequest) bool {
	gov := d.governor()
	now := d.now()
	hourFloor := now.Add(-time.Hour)
	dayFloor := now.Add(-24 * time.Hour)

	finished := make([]ledger.Receipt, 0, 32)
	for _, receipt := range d.deps.Ledger.RecentReceipts(400) {
		if receipt.Status == ledger.StatusSuccess || receipt.Status == ledger.StatusFailed {
			finished = append(finished, receipt)
		}
	}

	runsInHour := 0
	runsInDay := 0
	filesInDay := 0
	for _, receipt := range finished {
		ts, ok := fsutil.ParseISO(receipt.FinishedAt)
		if !ok {
			continue
		}
		if !ts.Before(hourFloor) {
			runsInHour++
		}
		if !ts.Before(dayFloor) {
			runsInDay++
			filesInDay += d.receiptFilesChanged(receipt)
		}
	}
	if runsInHour >= gov.MaxRunsPerHour {
		return false
	}
	if runsInDay >= gov.MaxRunsPerDay {
		return false
	}
	if filesInDay >= gov.MaxFilesChangedPerDay {
		return false
	}

	goalID := request.GoalID
	if goalID == "" {
		goalID = request.Goal
	}
	if goalID == "campaign:ci_baseline_recovery" && envInt(EnvBaselineMaxIters, 2) < 1 {
		return false
	}
	return true
}

func (d *Daemon) receiptFilesChanged(receipt ledger.Receipt) int {
	if receipt.ReportPath == "" {
		return 0
	}
	return runner.LoadReport(d.resolvePath(receipt.ReportPath)).TotalFilesChanged()
}

// maybeRequeue clones a failed request once per lineage, at a higher
// priority, after a cooldown since its latest failure.
func (d *Daemon) maybeRequeue(request ledger.WorkRequest, report runner.Report) {
	if !flagBool(request.AutopublishFlags, "retry_on_failure") {
		return
	}
	lineage := flagStrings(request.AutopublishFlags, "lineage")
	for _, id := range lineage {
		if id == request.ID {
			return
		}
	}
	goalID := report.String("goal_id", request.GoalID)
	if goalID == "" {
		goalID = request.Goal
	}
	if strings.HasPrefix(goalID, internalGoalPrefix) {
		return
	}

	// A prior failure of the same goal inside the cooldown means the goal is
	// fail-looping; stop cloning until the window clears.
	receipts := d.deps.Ledger.RecentReceipts(50)
	for i := len(receipts) - 1; i >= 0; i-- {
		receipt := receipts[i]
		if receipt.Status != ledger.StatusFailed || receipt.RequestID == request.ID {
			continue
		}
		prior := d.deps.Ledger.RequestByID(receipt.RequestID)
		if prior == nil || prior.Goal != request.Goal {
			continue
		}
		if ts, ok := fsutil.ParseISO(receipt.FinishedAt); ok && d.now().Sub(ts) < requeueCooldown {
			return
		}
		break
	}

	flags := make(map[string]any, len(request.AutopublishFlags)+1)
	for key, value := range request.AutopublishFlags {
		flags[key] = value
	}
	flags["lineage"] = append(append([]string{}, lineage...), request.ID)

	clone := ledger.WorkRequest{
		Goal:             request.Goal,
		GoalID:           request.GoalID,
		RequestedBy:      retryAuthor,
		Priority:         request.Priority + 1,
		AutopublishFlags: flags,
		BudgetOverrides:  request.BudgetOverrides,
	}
	id, err := d.deps.Ledger.Enqueue(clone)
	if err != nil {
		d.logger.Warn("daemon retry enqueue failed", "request_id", request.ID, "error", err)
		return
	}
	d.logger.Info("daemon requeued failed request", "request_id", request.ID, "retry_request_id", id)
}

// noteQuarantine feeds quarantined sentinel runs back into the sentinel so
// it backs off the triggering domain.
func (d *Daemon) noteQuarantine(request ledger.WorkRequest, report runner.Report) {
	if d.deps.Sentinel == nil {
		return
	}
	if triggered, _ := request.Metadata["sentinel_triggered"].(bool); !triggered {
		return
	}
	status := report.String("transaction_status", "")
	if status != "quarantined" && status != "rolled_back" {
		return
	}
	domain, _ := request.Metadata["trigger_domain"].(string)
	if domain == "" {
		return
	}
	reasons := report.Strings("regression_reasons")
	if len(reasons) == 0 {
		reasons = report.Strings("failure_reasons")
	}
	d.deps.Sentinel.NoteQuarantine(domain, report.String("quarantine_ref", ""), reasons)
}

func (d *Daemon) lockTTL() time.Duration {
	if d.cfg.LockTTL > 0 {
		return d.cfg.LockTTL
	}
	return time.Duration(max(60, envInt(EnvLockTTLSeconds, 7200))) * time.Second
}

// lockActive treats an unparsable lock as held; only a clean timestamp past
// the TTL reclaims it.
func (d *Daemon) lockActive() bool {
	if _, err := os.Stat(d.cfg.LockPath); err != nil {
		return false
	}
	payload := fsutil.LoadJSONMap(d.cfg.LockPath)
	startedAt, _ := payload["started_at"].(string)
	started, ok := fsutil.ParseISO(startedAt)
	if !ok {
		return true
	}
	if d.now().Sub(started) > d.lockTTL() {
		d.clearLock()
		return false
	}
	return true
}

func (d *Daemon) writeLock(request ledger.WorkRequest) {
	payload := map[string]any{
		"request_id": request.ID,
		"goal":       request.Goal,
		"started_at": d.isoNow(),
		"pid":        os.Getpid(),
	}
	if err := fsutil.WriteJSONAtomic(d.cfg.LockPath, payload); err != nil {
		d.logger.Error("daemon could not write lock", "lock_path", d.cfg.LockPath, "error", err)
	}
}

func (d *Daemon) clearLock() {
	_ = os.Remove(d.cfg.LockPath)
}

func (d *Daemon) emitEvent(status string, request *ledger.WorkRequest, reportPath, errMsg string) {
	level := "info"
	switch status {
	case ledger.StatusRejectedPolicy, ledger.StatusSkippedBudget, "lock_skip":
		level = "warning"
	}
	fields := map[string]any{"status": status, "level": level}
	if request != nil {
		fields["request_id"] = request.ID
		fields["goal_id"] = request.GoalID
		fields["goal"] = request.Goal
	}
	if reportPath != "" {
		fields["report_path"] = reportPath
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	d.deps.Events.Record(eventName, fields)
}

// runMetadata forwards the request's metadata and autopublish flags to the
// build collaborator.
func runMetadata(request ledger.WorkRequest) map[string]any {
	meta := make(map[string]any, len(request.Metadata)+1)
	for key, value := range request.Metadata {
		meta[key] = value
	}
	if len(request.AutopublishFlags) > 0 {
		meta["autopublish_flags"] = request.AutopublishFlags
	}
	return meta
}

func (d *Daemon) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.cfg.RootDir, path)
}

func (d *Daemon) isoNow() string {
	return d.now().Format(time.RFC3339)
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func flagBool(flags map[string]any, key string) bool {
	value, _ := flags[key].(bool)
	return value
}

func flagStrings(flags map[string]any, key string) []string {
	switch items := flags[key].(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
