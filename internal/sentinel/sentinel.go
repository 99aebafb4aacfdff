// Package sentinel watches the published contract files for drift and
// enqueues recovery work when a watched domain degrades. A digest over the
// contract snapshot makes ticks idempotent: an unchanged world never
// enqueues twice. Every enqueue passes a gate chain (daily cap, stagnation
// backoff, cooldowns, self-run checks, allowlists) so a flapping contract
// cannot stampede the queue.
package sentinel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/outcome"
	"git.home.luguber.info/inful/greenkeeper/internal/runner"
)

// Config names every file the sentinel reads or writes. Paths are absolute;
// RootDir resolves relative report paths found in receipts.
type Config struct {
	RootDir               string
	PolicyPath            string
	StatePath             string
	ContractStatusPath    string
	CIBaselinePath        string
	ArtifactIndexPath     string
	StabilityDoctrinePath string
	DaemonPolicyPath      string
	LockPath              string
}

// Sentinel evaluates contract drift against policy and feeds the work queue.
type Sentinel struct {
	cfg    Config
	ledger *ledger.Ledger
	events *events.Log
	now    func() time.Time
}

// New builds a Sentinel over the given queue and event log.
func New(cfg Config, led *ledger.Ledger, log *events.Log) *Sentinel {
	return &Sentinel{
		cfg:    cfg,
		ledger: led,
		events: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Tick runs one evaluation pass. The returned map has a "status" of
// disabled, no_change or ok; ok ticks also carry the digest and the list of
// enqueued requests.
func (s *Sentinel) Tick() map[string]any {
	policy := s.LoadPolicy()
	state := s.loadState()
	if state.LastResetDate != s.today() {
		state.EnqueuesToday = 0
		state.LastResetDate = s.today()
	}

	if !policy.Enabled {
		s.saveState(state)
		return map[string]any{"status": "disabled"}
	}

	snapshot := s.snapshot(policy)
	digest := digestOf(snapshot)
	if digest == state.LastSeenContractDigest {
		s.saveState(state)
		return map[string]any{"status": "no_change", "digest": digest}
	}

	now := s.isoNow()
	enqueued := []map[string]any{}
	for _, domain := range policy.WatchedDomains {
		trigger := s.domainTrigger(domain, policy, snapshot)
		if trigger == nil {
			continue
		}
		goal := policy.EnqueueMap[domain]
		allowed, reason := s.canEnqueue(domain, goal, policy, &state)
		if !allowed {
			s.emit("policy_blocked", domain, map[string]any{"reason": reason})
			continue
		}
		if goal == "" {
			continue
		}
		request := ledger.WorkRequest{
			Goal:        goal,
			GoalID:      goal,
			RequestedBy: RequestedBy,
			Metadata: map[string]any{
				"trigger_domain":   domain,
				"trigger_snapshot": trigger,
				"trigger_digest":   digest,
				"trigger_provenance": map[string]any{
					"source":       "drift_sentinel",
					"triggered_at": now,
					"domain":       domain,
				},
				"sentinel_triggered": true,
			},
		}
		if policy.AllowAutopublish {
			request.AutopublishFlags = map[string]any{
				"auto_publish":               true,
				"sentinel_allow_autopublish": true,
				"sentinel_allow_automerge":   policy.AllowAutomerge,
			}
		}
		requestID, err := s.ledger.Enqueue(request)
		if err != nil {
			s.emit("enqueue_failed", domain, map[string]any{"error": err.Error()})
			continue
		}
		state.LastEnqueuedAtByDomain[domain] = now
		state.EnqueuesToday++
		enqueued = append(enqueued, map[string]any{"domain": domain, "request_id": requestID, "goal": goal})
		s.emit("enqueued", domain, map[string]any{"request_id": requestID, "goal": goal})
	}

	state.LastSeenContractDigest = digest
	s.saveState(state)
	return map[string]any{"status": "ok", "digest": digest, "enqueued": enqueued}
}

// NoteQuarantine records a quarantine decision against a domain and triples
// that domain's cooldown so the sentinel backs off hard after containment.
// The inflated cooldown is written into the policy file and survives reload.
func (s *Sentinel) NoteQuarantine(domain, quarantineRef string, reasons []string) {
	policy := s.LoadPolicy()
	state := s.loadState()
	state.LastQuarantineByDomain[domain] = quarantineRef
	state.LastQuarantineReasons[domain] = append([]string{}, reasons...)
	state.LastEnqueuedAtByDomain[domain] = s.isoNow()
	s.events.Record("sentinel_quarantine", map[string]any{
		"domain":         domain,
		"quarantine_ref": quarantineRef,
		"reasons":        reasons,
		"level":          "warning",
	})
	base := cooldownFor(policy, domain, cooldownFor(policy, "global", 30))
	policy.CooldownMinutes[domain] = math.Max(1, base) * 3
	s.SavePolicy(policy)
	s.saveState(state)
}

// Summary reports the sentinel's operator-facing status: enabled flag, last
// enqueue, daily counter and remaining base cooldowns per domain.
func (s *Sentinel) Summary() map[string]any {
	policy := s.LoadPolicy()
	state := s.loadState()
	now := s.now()

	cooldownRemaining := map[string]int{}
	for domain, last := range state.LastEnqueuedAtByDomain {
		lastAt, ok := fsutil.ParseISO(last)
		if !ok {
			cooldownRemaining[domain] = 0
			continue
		}
		minutes := cooldownFor(policy, domain, 0)
		remaining := int(lastAt.Add(minutesDuration(minutes)).Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		cooldownRemaining[domain] = remaining
	}

	var lastEnqueued map[string]any
	lastDomain, lastTime := "", ""
	for domain, stamp := range state.LastEnqueuedAtByDomain {
		if stamp > lastTime {
			lastDomain, lastTime = domain, stamp
		}
	}
	if lastDomain != "" {
		lastEnqueued = map[string]any{"domain": lastDomain, "time": lastTime}
	}

	return map[string]any{
		"sentinel_enabled":       policy.Enabled,
		"sentinel_last_enqueued": lastEnqueued,
		"sentinel_state": map[string]any{
			"enqueues_today":               state.EnqueuesToday,
			"max_enqueues_per_day":         policy.MaxEnqueuesPerDay,
			"cooldown_remaining_seconds":   cooldownRemaining,
			"last_quarantine_by_domain":    state.LastQuarantineByDomain,
			"last_quarantine_reasons":      state.LastQuarantineReasons,
			"last_progress_by_domain":      state.LastProgressByDomain,
			"last_stagnation_at_by_domain": state.LastStagnationAtByDomain,
		},
	}
}

// snapshot reduces the contract files to the exact fields the triggers read.
// The digest is computed over this reduction, so unrelated contract churn
// does not defeat idempotence.
func (s *Sentinel) snapshot(policy Policy) map[string]any {
	status := fsutil.LoadJSONMap(s.cfg.ContractStatusPath)
	domains := map[string]any{}
	for _, domain := range policy.WatchedDomains {
		switch domain {
		case DomainCIBaseline:
			ci := fsutil.LoadJSONMap(s.cfg.CIBaselinePath)
			domains[DomainCIBaseline] = map[string]any{
				"passed":       asBool(ci["passed"], false),
				"failed_count": asInt(ci["failed_count"], 0),
			}
		case DomainArtifactIndex:
			idx := fsutil.LoadJSONMap(s.cfg.ArtifactIndexPath)
			corruptTotal := 0
			if corrupt, ok := idx["corrupt_count"].(map[string]any); ok {
				corruptTotal = asInt(corrupt["total"], 0)
			}
			_, statErr := os.Stat(s.cfg.ArtifactIndexPath)
			domains[DomainArtifactIndex] = map[string]any{
				"index_present": statErr == nil,
				"corrupt_total": corruptTotal,
			}
		case DomainStabilityDoctrine:
			doctrine := fsutil.LoadJSONMap(s.cfg.StabilityDoctrinePath)
			toolchain, _ := doctrine["toolchain"].(map[string]any)
			vow, _ := doctrine["vow_artifacts"].(map[string]any)
			_, statErr := os.Stat(s.cfg.StabilityDoctrinePath)
			domains[DomainStabilityDoctrine] = map[string]any{
				"doctrine_present":           statErr == nil,
				"verify_audits_available":    asBool(toolchain["verify_audits_available"], false),
				"immutable_manifest_present": asBool(vow["immutable_manifest_present"], false),
			}
		}
	}
	if status == nil {
		status = map[string]any{}
	}
	return map[string]any{"contract_status": status, "domains": domains}
}

// domainTrigger returns a trigger payload when the domain drifted past its
// thresholds, or nil. The payload is stored on the enqueued request as
// evidence of why it exists.
func (s *Sentinel) domainTrigger(domain string, policy Policy, snapshot map[string]any) map[string]any {
	status := fsutil.LoadJSONMap(s.cfg.ContractStatusPath)
	previous, _ := status["previous"].(map[string]any)
	domains, _ := snapshot["domains"].(map[string]any)
	current, _ := domains[domain].(map[string]any)
	if current == nil {
		return nil
	}
	thresholds := policy.DriftThresholds[domain]

	switch domain {
	case DomainCIBaseline:
		prevDomain, _ := previous[DomainCIBaseline].(map[string]any)
		prevFailed := asInt(prevDomain["failed_count"], 0)
		curFailed := asInt(current["failed_count"], 0)
		increase := curFailed - prevFailed
		thresholdAbs := asInt(thresholds["failed_count_increase_threshold"], 1)
		thresholdPct := asFloat(thresholds["failed_count_increase_pct_threshold"], 0)
		pct := 0.0
		switch {
		case prevFailed > 0:
			pct = float64(increase) / float64(prevFailed) * 100
		case increase > 0:
			pct = 100
		}
		prevPassed := asBool(prevDomain["passed"], true)
		curPassed := asBool(current["passed"], false)
		if asBool(thresholds["pass_to_fail"], true) && prevPassed && !curPassed {
			return map[string]any{"reason": "pass_to_fail", "prev_failed": prevFailed, "cur_failed": curFailed}
		}
		if increase >= thresholdAbs {
			return map[string]any{"reason": "failed_count_increase", "increase": increase, "threshold": thresholdAbs}
		}
		if thresholdPct > 0 && increase > 0 && pct >= thresholdPct {
			return map[string]any{"reason": "failed_count_pct_increase", "pct": math.Round(pct*100) / 100, "threshold_pct": thresholdPct}
		}
		return nil
	case DomainArtifactIndex:
		corruptGT := asInt(thresholds["corrupt_count_gt"], 0)
		if asBool(thresholds["index_required"], true) && !asBool(current["index_present"], false) {
			return map[string]any{"reason": "index_missing"}
		}
		if corruptTotal := asInt(current["corrupt_total"], 0); corruptTotal > corruptGT {
			return map[string]any{"reason": "corrupt_count", "corrupt_total": corruptTotal, "threshold": corruptGT}
		}
		return nil
	case DomainStabilityDoctrine:
		if !asBool(current["doctrine_present"], false) {
			return map[string]any{"reason": "doctrine_missing"}
		}
		if asBool(thresholds["require_toolchain"], true) && !asBool(current["verify_audits_available"], false) {
			return map[string]any{"reason": "toolchain_missing"}
		}
		if asBool(thresholds["require_vow_artifacts"], true) && !asBool(current["immutable_manifest_present"], false) {
			return map[string]any{"reason": "vow_artifacts_missing"}
		}
		return nil
	}
	return nil
}

// canEnqueue runs the gate chain in order. The first failing gate names the
// block reason; order matters because stagnation backoff must stamp state
// before cooldown math reads it.
func (s *Sentinel) canEnqueue(domain, goal string, policy Policy, state *State) (bool, string) {
	if state.EnqueuesToday >= policy.MaxEnqueuesPerDay {
		return false, "max_enqueues_per_day"
	}
	if domain == DomainCIBaseline {
		if s.applyProgressDecision(domain, state) == "stagnation_backoff" {
			return false, "stagnation_backoff"
		}
	}
	if s.withinCooldown(domain, policy, state) {
		return false, "cooldown"
	}
	if s.recentSelfReceipt(domain, policy) {
		return false, "recent_self_receipt"
	}
	if s.activeSelfRun(domain) {
		return false, "active_self_run"
	}
	if !s.goalAllowed(goal) {
		return false, "goal_not_allowlisted:" + goal
	}
	if policy.AllowAutopublish && !s.autopublishAllowed() {
		return false, "autopublish_not_allowlisted"
	}
	return true, "ok"
}

// withinCooldown checks the global cooldown over the newest enqueue across
// all domains, then the per-domain cooldown scaled by the progress
// multiplier. The scaled cooldown never drops below one minute.
func (s *Sentinel) withinCooldown(domain string, policy Policy, state *State) bool {
	now := s.now()
	var lastGlobal time.Time
	for _, stamp := range state.LastEnqueuedAtByDomain {
		if at, ok := fsutil.ParseISO(stamp); ok && at.After(lastGlobal) {
			lastGlobal = at
		}
	}
	globalMinutes := policy.CooldownMinutes["global"]
	if !lastGlobal.IsZero() && now.Sub(lastGlobal) < minutesDuration(globalMinutes) {
		return true
	}
	lastDomain, ok := fsutil.ParseISO(state.LastEnqueuedAtByDomain[domain])
	if !ok {
		return false
	}
	base := cooldownFor(policy, domain, globalMinutes)
	multiplier := cooldownMultiplier(domain, state)
	domainMinutes := math.Max(1, math.Round(base*multiplier))
	return now.Sub(lastDomain) < minutesDuration(domainMinutes)
}

// applyProgressDecision summarizes the latest sentinel-authored run for the
// domain, stores the essentials into state, and decides between backoff and
// convergence. A stagnant run blocks the enqueue outright; the stored
// essentials also drive the cooldown multiplier on later ticks.
func (s *Sentinel) applyProgressDecision(domain string, state *State) string {
	summary := s.latestSelfOutcome(domain)
	if summary == nil {
		return "unknown"
	}
	essentials := map[string]any{
		"run_id":                 summary.RunID,
		"goal_id":                summary.GoalID,
		"campaign_id":            summary.CampaignID,
		"outcome":                summary.Outcome,
		"last_progress_improved": summary.LastProgressImproved,
		"last_progress_notes":    summary.LastProgressNotes,
		"no_improvement_streak":  summary.NoImprovementStreak,
		"audit_status":           summary.AuditStatus,
		"created_at":             summary.CreatedAt,
	}
	if summary.CIBeforeFailedCount != nil {
		essentials["ci_before_failed_count"] = *summary.CIBeforeFailedCount
	}
	if summary.CIAfterFailedCount != nil {
		essentials["ci_after_failed_count"] = *summary.CIAfterFailedCount
	}
	if summary.ProgressDeltaPercent != nil {
		essentials["progress_delta_percent"] = *summary.ProgressDeltaPercent
	}
	state.LastProgressByDomain[domain] = essentials

	if summary.Stagnant() {
		state.LastStagnationAtByDomain[domain] = s.isoNow()
		s.emit("sentinel_stagnation_backoff", domain, map[string]any{
			"run_id": summary.RunID, "goal_id": summary.GoalID, "campaign_id": summary.CampaignID,
		})
		return "stagnation_backoff"
	}
	if summary.Improved() {
		s.emit("sentinel_convergence", domain, map[string]any{
			"run_id": summary.RunID, "goal_id": summary.GoalID, "campaign_id": summary.CampaignID,
		})
		return "convergence"
	}
	return "unknown"
}

// cooldownMultiplier maps the stored progress essentials to a scale factor:
// stagnant runs slow the sentinel to 5x, improving runs speed it to 0.5x.
func cooldownMultiplier(domain string, state *State) float64 {
	payload := state.LastProgressByDomain[domain]
	if payload == nil {
		return 1.0
	}
	before, beforeOK := intValue(payload["ci_before_failed_count"])
	after, afterOK := intValue(payload["ci_after_failed_count"])
	improved := asBool(payload["last_progress_improved"], false)
	pct, pctOK := floatValue(payload["progress_delta_percent"])
	if beforeOK && afterOK && after >= before && !improved {
		return 5.0
	}
	if (beforeOK && afterOK && after < before) || (pctOK && pct > 0) || improved {
		return 0.5
	}
	return 1.0
}

// latestSelfOutcome finds the newest finished sentinel-authored run for the
// domain and summarizes its report. Scans are bounded so a long queue
// history cannot stall a tick.
func (s *Sentinel) latestSelfOutcome(domain string) *outcome.Summary {
	rows := fsutil.ReadJSONL(s.ledger.QueuePath())
	candidates := map[string]bool{}
	for i := len(rows) - 1; i >= 0 && len(candidates) < 20; i-- {
		row := rows[i]
		metadata, _ := row["metadata"].(map[string]any)
		if row["requested_by"] != RequestedBy || metadata == nil {
			continue
		}
		if metadata["trigger_domain"] != domain {
			continue
		}
		if id, ok := row["request_id"].(string); ok {
			candidates[id] = true
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	receipts := s.ledger.RecentReceipts(400)
	for i := len(receipts) - 1; i >= 0; i-- {
		receipt := receipts[i]
		if !candidates[receipt.RequestID] {
			continue
		}
		if receipt.Status != ledger.StatusSuccess && receipt.Status != ledger.StatusFailed {
			continue
		}
		if receipt.ReportPath == "" {
			continue
		}
		report := runner.LoadReport(s.resolvePath(receipt.ReportPath))
		if len(report) == 0 {
			continue
		}
		summary := outcome.Summarize(report)
		return &summary
	}
	return nil
}

// recentSelfReceipt reports whether a sentinel-authored run for the domain
// finished within the domain cooldown.
func (s *Sentinel) recentSelfReceipt(domain string, policy Policy) bool {
	rows := fsutil.ReadJSONL(s.ledger.QueuePath())
	receipts := s.ledger.RecentReceipts(100)
	for i := len(receipts) - 1; i >= 0; i-- {
		receipt := receipts[i]
		if !s.rowMatchesDomain(rows, receipt.RequestID, domain) {
			continue
		}
		finished, ok := fsutil.ParseISO(receipt.FinishedAt)
		if !ok {
			continue
		}
		minutes := cooldownFor(policy, domain, policy.CooldownMinutes["global"])
		return s.now().Sub(finished) < minutesDuration(minutes)
	}
	return false
}

// activeSelfRun reports whether the daemon lock currently claims a
// sentinel-authored request for the domain.
func (s *Sentinel) activeSelfRun(domain string) bool {
	lock := fsutil.LoadJSONMap(s.cfg.LockPath)
	requestID, ok := lock["request_id"].(string)
	if !ok || requestID == "" {
		return false
	}
	return s.rowMatchesDomain(fsutil.ReadJSONL(s.ledger.QueuePath()), requestID, domain)
}

func (s *Sentinel) rowMatchesDomain(rows []map[string]any, requestID, domain string) bool {
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row["request_id"] != requestID {
			continue
		}
		metadata, _ := row["metadata"].(map[string]any)
		return row["requested_by"] == RequestedBy && metadata != nil && metadata["trigger_domain"] == domain
	}
	return false
}

// goalAllowed consults the daemon policy's goal allowlist. A missing
// allowlist permits everything; an empty one permits nothing.
func (s *Sentinel) goalAllowed(goal string) bool {
	policy := fsutil.LoadJSONMap(s.cfg.DaemonPolicyPath)
	allowed, ok := policy["allowlisted_goal_ids"].([]any)
	if !ok {
		return true
	}
	for _, item := range allowed {
		if item == goal {
			return true
		}
	}
	return false
}

func (s *Sentinel) autopublishAllowed() bool {
	policy := fsutil.LoadJSONMap(s.cfg.DaemonPolicyPath)
	allowed, ok := policy["allowlisted_autopublish_flags"].([]any)
	if !ok {
		return false
	}
	for _, item := range allowed {
		if item == "auto_publish" {
			return true
		}
	}
	return false
}

func (s *Sentinel) emit(status, domain string, details map[string]any) {
	fields := map[string]any{"status": status, "domain": domain}
	for key, value := range details {
		fields[key] = value
	}
	s.events.Record("drift_sentinel", fields)
}

func (s *Sentinel) resolvePath(path string) string {
	if filepath.IsAbs(path) || s.cfg.RootDir == "" {
		return path
	}
	return filepath.Join(s.cfg.RootDir, path)
}

func (s *Sentinel) isoNow() string {
	return s.now().Format(time.RFC3339)
}

func (s *Sentinel) today() string {
	return s.now().Format("2006-01-02")
}

func cooldownFor(policy Policy, domain string, fallback float64) float64 {
	if minutes, ok := policy.CooldownMinutes[domain]; ok {
		return minutes
	}
	return fallback
}

func minutesDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}

func digestOf(payload map[string]any) string {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

func asBool(value any, fallback bool) bool {
	if b, ok := value.(bool); ok {
		return b
	}
	return fallback
}

func asInt(value any, fallback int) int {
	if n, ok := intValue(value); ok {
		return n
	}
	return fallback
}

func asFloat(value any, fallback float64) float64 {
	if f, ok := floatValue(value); ok {
		return f
	}
	return fallback
}

func intValue(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func floatValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
