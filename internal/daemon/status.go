package daemon

import (
	"path/filepath"
	"sort"
	"time"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/ledger"
	"git.home.luguber.info/inful/greenkeeper/internal/sentinel"
)

// Status builds the live observability snapshot: enablement, lock state,
// remaining run budgets, the latest receipt, and the sentinel's summary.
func (d *Daemon) Status() map[string]any {
	ttl := d.lockTTL()
	lockPayload := fsutil.LoadJSONMap(d.cfg.LockPath)
	startedAt, _ := lockPayload["started_at"].(string)

	var lockAge any
	lockActive := false
	if started, ok := fsutil.ParseISO(startedAt); ok {
		age := int(d.now().Sub(started).Seconds())
		if age < 0 {
			age = 0
		}
		lockAge = age
		lockActive = time.Duration(age)*time.Second <= ttl
	}

	gov := d.governor()
	now := d.now()
	hourFloor := now.Add(-time.Hour)
	dayFloor := now.Add(-24 * time.Hour)

	receipts := d.deps.Ledger.RecentReceipts(2000)
	runsHour, runsDay, filesDay := 0, 0, 0
	for _, receipt := range receipts {
		if receipt.Status != ledger.StatusSuccess && receipt.Status != ledger.StatusFailed {
			continue
		}
		ts, ok := fsutil.ParseISO(receipt.FinishedAt)
		if !ok {
			continue
		}
		if !ts.Before(hourFloor) {
			runsHour++
		}
		if !ts.Before(dayFloor) {
			runsDay++
			filesDay += d.receiptFilesChanged(receipt)
		}
	}

	requestID, _ := lockPayload["request_id"].(string)
	goal, _ := lockPayload["goal"].(string)
	if requestID != "" && goal == "" {
		if request := d.deps.Ledger.RequestByID(requestID); request != nil {
			goal = request.Goal
		}
	}

	var lastReceipt map[string]any
	if len(receipts) > 0 {
		last := receipts[len(receipts)-1]
		lastReceipt = map[string]any{
			"request_id":  last.RequestID,
			"status":      last.Status,
			"report_path": last.ReportPath,
			"error":       last.Error,
			"finished_at": last.FinishedAt,
		}
	}

	status := map[string]any{
		"daemon_enabled":      Enabled(),
		"lock_active":         lockActive,
		"lock_owner_pid":      lockPayload["pid"],
		"lock_age_seconds":    lockAge,
		"lock_ttl_seconds":    int(ttl.Seconds()),
		"current_request_id":  requestID,
		"current_goal":        goal,
		"started_at":          startedAt,
		"runs_remaining_day":  max(0, gov.MaxRunsPerDay-runsDay),
		"runs_remaining_hour": max(0, gov.MaxRunsPerHour-runsHour),
		"files_remaining_day": max(0, gov.MaxFilesChangedPerDay-filesDay),
		"last_receipt":        lastReceipt,
		"last_trigger_domain": d.lastTriggerDomain(),
		"last_quarantine":     d.lastQuarantine(),
	}
	if d.deps.Sentinel != nil {
		summary := d.deps.Sentinel.Summary()
		status["sentinel_enabled"] = summary["sentinel_enabled"]
		status["sentinel_last_enqueued"] = summary["sentinel_last_enqueued"]
		status["sentinel_state"] = summary["sentinel_state"]
	}
	return status
}

// lastTriggerDomain finds the most recent sentinel-authored request that has
// reached a receipt and returns its triggering domain.
func (d *Daemon) lastTriggerDomain() string {
	requests := make(map[string]map[string]any)
	for _, row := range fsutil.ReadJSONL(d.deps.Ledger.QueuePath()) {
		if id, ok := row["request_id"].(string); ok && id != "" {
			requests[id] = row
		}
	}
	receipts := d.deps.Ledger.RecentReceipts(300)
	for i := len(receipts) - 1; i >= 0; i-- {
		row, ok := requests[receipts[i].RequestID]
		if !ok || row["requested_by"] != sentinel.RequestedBy {
			continue
		}
		metadata, ok := row["metadata"].(map[string]any)
		if !ok {
			continue
		}
		if domain, ok := metadata["trigger_domain"].(string); ok {
			return domain
		}
	}
	return ""
}

// lastQuarantine loads the newest quarantine record, if any.
func (d *Daemon) lastQuarantine() map[string]any {
	if d.cfg.QuarantineDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(d.cfg.QuarantineDir, "quarantine_*.json"))
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	newest := matches[len(matches)-1]
	payload := fsutil.LoadJSONMap(newest)
	if payload == nil {
		return nil
	}
	payload["path"] = newest
	return payload
}
