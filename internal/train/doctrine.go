package train

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
	"git.home.luguber.info/inful/greenkeeper/internal/githost"
	"git.home.luguber.info/inful/greenkeeper/internal/trace"
)

const docketPrefix = "merge_train_docket"

// doctrineContext is the doctrine and contract status the audit gate reads,
// plus where they came from and why.
type doctrineContext struct {
	doctrine       map[string]any
	contractStatus map[string]any
	source         string
	reason         string
	lastError      string
}

// doctrineStep gates on audit integrity using the contract bundle for the
// entry's head commit, preferring the remote artifact over local files.
func (t *Train) doctrineStep(ctx context.Context, entry *Entry, policy Policy, recorder *trace.Recorder) StepOutcome {
	gateCtx := t.doctrineContextFor(ctx, entry, policy)
	entry.DoctrineSource = gateCtx.source
	entry.DoctrineGateReason = gateCtx.reason

	failures := auditIntegrityFailures(gateCtx.doctrine)
	failures = append(failures, contractDoctrineFailures(gateCtx.contractStatus)...)
	switch gateCtx.reason {
	case ReasonRemoteDoctrineCorruptBundle, ReasonRemoteDoctrineMetadataMismatch,
		ReasonRemoteDoctrineManifestMissing, ReasonRemoteDoctrineManifestMismatch:
		failures = append(failures, gateCtx.reason)
	}
	if len(failures) == 0 && gateCtx.lastError == "" {
		recorder.RecordGate(trace.Gate{Name: "audit_integrity", Mode: "enforce", Result: "pass", Reason: gateCtx.reason})
		return Ok()
	}

	lastError := gateCtx.lastError
	if lastError == "" {
		lastError = ReasonAuditIntegrityFailed
	}
	entry.LastError = lastError
	docket := t.writeAuditHoldDocket(entry, failures)
	t.emit("train_audit_integrity_hold", map[string]any{
		"pr_url": entry.PRURL, "docket": docket, "failing_fields": failures,
	})
	recorder.RecordGate(trace.Gate{
		Name: "audit_integrity", Mode: "enforce", Result: "fail",
		Reason: lastError, EvidencePaths: []string{docket},
	})
	return Held(lastError)
}

// doctrineContextFor resolves which doctrine governs the entry. Remote
// bundles are fetched by head SHA and validated; every fetch decision lands
// in the doctrine fetch log. Local files are the fallback unless policy
// requires the remote bundle.
func (t *Train) doctrineContextFor(ctx context.Context, entry *Entry, policy Policy) doctrineContext {
	artifact := t.deps.Host.FindArtifactForCommit(ctx, entry.PRNumber, entry.HeadSHA)
	if artifact != nil {
		bundle := t.deps.Host.DownloadBundle(ctx, *artifact, t.cfg.RemoteBundleDir)
		entry.BundleSHA256 = bundle.BundleSHA256

		doctrine := bundle.File("stability_doctrine.json")
		status := bundle.File("contract_status.json")
		failing := auditIntegrityFailures(doctrine)
		failing = append(failing, contractDoctrineFailures(status)...)

		reason := "remote_doctrine_passed"
		lastError := ""
		result := "passed"
		switch {
		case len(bundleCorruptionErrors(bundle)) > 0:
			reason, lastError, result = ReasonRemoteDoctrineCorruptBundle, ReasonRemoteDoctrineCorruptBundle, "failed"
		case bundleHasError(bundle, "bundle_missing_required:contract_manifest.json"):
			reason, lastError, result = ReasonRemoteDoctrineManifestMissing, ReasonRemoteDoctrineManifestMissing, "failed"
		case bundleHasError(bundle, "manifest_mismatch"):
			reason, lastError, result = ReasonRemoteDoctrineManifestMismatch, ReasonRemoteDoctrineManifestMismatch, "failed"
		case bundleHasErrorPrefix(bundle, "metadata_mismatch:"):
			reason, lastError, result = ReasonRemoteDoctrineMetadataMismatch, ReasonRemoteDoctrineMetadataMismatch, "failed"
		case len(failing) > 0:
			reason, lastError, result = ReasonRemoteDoctrineFailed, ReasonRemoteDoctrineFailed, "failed"
		}
		t.recordDoctrineFetch(entry, bundle, artifact, result, reason)
		return doctrineContext{
			doctrine:       doctrine,
			contractStatus: status,
			source:         "remote",
			reason:         reason,
			lastError:      lastError,
		}
	}

	fallback := &githost.ContractBundle{SHA: entry.HeadSHA, Source: "local"}
	t.recordDoctrineFetch(entry, fallback, nil, "fallback", "remote_missing_fallback")

	if policy.RequireRemoteDoctrine {
		return doctrineContext{
			doctrine:       map[string]any{},
			contractStatus: map[string]any{},
			source:         "local",
			reason:         "remote_required_missing",
			lastError:      ReasonRemoteDoctrineMissing,
		}
	}
	return doctrineContext{
		doctrine:       fsutil.LoadJSONMap(t.cfg.LocalDoctrinePath),
		contractStatus: fsutil.LoadJSONMap(t.cfg.ContractStatusPath),
		source:         "local",
		reason:         "remote_missing_fallback",
	}
}

func (t *Train) recordDoctrineFetch(entry *Entry, bundle *githost.ContractBundle, artifact *githost.ArtifactRef, result, reason string) {
	row := bundle.FetchLogRow(entry.PRNumber, artifact)
	row["pr_url"] = entry.PRURL
	row["gating_result"] = result
	row["reason"] = reason
	fsutil.AppendJSONL(t.cfg.RemoteDoctrineLogPath, row)
}

// auditIntegrityFailures lists the doctrine fields whose values block a
// merge. A missing doctrine is itself a failure.
func auditIntegrityFailures(doctrine map[string]any) []string {
	if len(doctrine) == 0 {
		return []string{"stability_doctrine_missing"}
	}
	var failures []string
	if value, ok := doctrine["baseline_integrity_ok"].(bool); ok && !value {
		failures = append(failures, "baseline_integrity_ok")
	}
	if value, ok := doctrine["runtime_integrity_ok"].(bool); ok && !value {
		failures = append(failures, "runtime_integrity_ok")
	}
	if value, ok := doctrine["baseline_unexpected_change_detected"].(bool); ok && value {
		failures = append(failures, "baseline_unexpected_change_detected")
	}
	return failures
}

// contractDoctrineFailures flags a drifted stability_doctrine row in the
// contract status ledger.
func contractDoctrineFailures(status map[string]any) []string {
	rows, _ := status["contracts"].([]any)
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok || row["domain_name"] != "stability_doctrine" {
			continue
		}
		if drifted, _ := row["drifted"].(bool); drifted {
			return []string{"contract_status.stability_doctrine_drifted"}
		}
	}
	return nil
}

// bundleCorruptionErrors filters bundle errors down to the ones that mean
// the bundle itself cannot be trusted. A missing manifest is classified
// separately.
func bundleCorruptionErrors(bundle *githost.ContractBundle) []string {
	prefixes := []string{
		"bundle_missing_required:",
		"invalid_json:",
		"invalid_shape:",
		"download_failed",
	}
	var out []string
	for _, err := range bundle.Errors {
		if err == "bundle_missing_required:contract_manifest.json" {
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(err, prefix) {
				out = append(out, err)
				break
			}
		}
	}
	return out
}

func bundleHasError(bundle *githost.ContractBundle, target string) bool {
	for _, err := range bundle.Errors {
		if err == target {
			return true
		}
	}
	return false
}

func bundleHasErrorPrefix(bundle *githost.ContractBundle, prefix string) bool {
	for _, err := range bundle.Errors {
		if strings.HasPrefix(err, prefix) {
			return true
		}
	}
	return false
}

// writeConflictDocket records a rebase or merge conflict with enough context
// for an operator to resolve it by hand.
func (t *Train) writeConflictDocket(entry *Entry, rebase githost.RebaseResult) string {
	target := t.docketPath()
	payload := map[string]any{
		"pr_url":                  entry.PRURL,
		"pr_number":               entry.PRNumber,
		"goal_id":                 entry.GoalID,
		"campaign_id":             entry.CampaignID,
		"last_error":              entry.LastError,
		"suspected_conflict_files": rebase.SuspectFiles,
		"suggested_strategies": []string{
			"re-run rebase with manual conflict resolution",
			"split large changes into smaller PRs",
			"merge latest base and retest",
		},
		"generated_at": t.isoNow(),
	}
	fsutil.WriteJSONAtomic(target, payload)
	return target
}

// writeAuditHoldDocket records an audit-integrity hold naming the exact
// failing fields and pointing at the latest doctor evidence.
func (t *Train) writeAuditHoldDocket(entry *Entry, failingFields []string) string {
	target := t.docketPath()
	payload := map[string]any{
		"kind":               "merge_train_audit_hold",
		"pr_url":             entry.PRURL,
		"pr_number":          entry.PRNumber,
		"head_sha":           entry.HeadSHA,
		"status":             StatusHeld,
		"last_error":         ReasonAuditIntegrityFailed,
		"failing_fields":     failingFields,
		"doctor_report_path": latestPath(t.cfg.DocketsDir, "audit_doctor_*.json"),
		"audit_docket_path":  latestPath(t.cfg.DocketsDir, "audit_docket_*.json"),
		"suggested_fix":      "run audit integrity repair",
		"generated_at":       t.isoNow(),
	}
	fsutil.WriteJSONAtomic(target, payload)
	return target
}

func (t *Train) docketPath() string {
	stamp := strings.ReplaceAll(t.isoNow(), ":", "-")
	return filepath.Join(t.cfg.DocketsDir, docketPrefix+"_"+stamp+".json")
}

func latestPath(dir, pattern string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, pattern))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
