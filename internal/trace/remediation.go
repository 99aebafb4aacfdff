package trace

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// step is one remediation action template keyed by a hold/block reason code.
type step struct {
	Name              string   `json:"name"`
	Command           string   `json:"command"`
	Kind              string   `json:"kind"`
	Preconditions     []string `json:"preconditions"`
	ExpectedArtifacts []string `json:"expected_artifacts"`
	Destructive       bool     `json:"destructive"`
	Allowlisted       bool     `json:"allowlisted"`
}

// reasonStepLibrary maps the frozen reason-code vocabulary to remediation
// steps. Commands are operator guidance, not auto-executed shell.
var reasonStepLibrary = map[string][]step{
	"receipt_chain_broken": {
		{
			Name:              "verify_receipt_chain",
			Command:           "greenkeeper verify-receipts --last 50",
			Kind:              "verify",
			Preconditions:     []string{"receipt_log_present"},
			ExpectedArtifacts: []string{"state/receipts.jsonl"},
		},
	},
	"audit_log_chain_broken": {
		{
			Name:              "repair_audit_index",
			Command:           "greenkeeper index --rebuild",
			Kind:              "repair",
			Preconditions:     []string{"audit_log_present"},
			ExpectedArtifacts: []string{"state/events.db"},
		},
		{
			Name:              "verify_audit_chain",
			Command:           "greenkeeper verify-audits --strict",
			Kind:              "verify",
			Preconditions:     []string{"audit_index_repaired_or_intact"},
			ExpectedArtifacts: []string{"contracts/stability_doctrine.json"},
		},
	},
	"audit_integrity_failed": {
		{
			Name:              "verify_audit_chain",
			Command:           "greenkeeper verify-audits --strict",
			Kind:              "verify",
			Preconditions:     []string{"doctrine_contract_present"},
			ExpectedArtifacts: []string{"contracts/stability_doctrine.json"},
		},
	},
	"federation_integrity_divergence": {
		{
			Name:              "emit_integrity_snapshot",
			Command:           "greenkeeper status --json",
			Kind:              "observe",
			Preconditions:     []string{"federation_config_present"},
			ExpectedArtifacts: []string{"state/status_snapshot.json"},
		},
	},
	"remote_doctrine_failed": {
		{
			Name:              "refresh_doctrine_bundle",
			Command:           "greenkeeper train-tick --refetch-doctrine",
			Kind:              "repair",
			Preconditions:     []string{"remote_doctrine_fetch_enabled"},
			ExpectedArtifacts: []string{"contracts/stability_doctrine.json"},
		},
	},
	"remote_doctrine_metadata_mismatch": {
		{
			Name:              "verify_doctrine_identity",
			Command:           "greenkeeper train-status --verbose",
			Kind:              "verify",
			Preconditions:     []string{"doctrine_bundle_present"},
			ExpectedArtifacts: []string{"contracts/doctrine_identity.json"},
		},
		{
			Name:              "refresh_doctrine_bundle",
			Command:           "greenkeeper train-tick --refetch-doctrine",
			Kind:              "repair",
			Preconditions:     []string{"remote_doctrine_fetch_enabled"},
			ExpectedArtifacts: []string{"contracts/stability_doctrine.json"},
		},
	},
	"remote_doctrine_manifest_mismatch": {
		{
			Name:              "verify_doctrine_identity",
			Command:           "greenkeeper train-status --verbose",
			Kind:              "verify",
			Preconditions:     []string{"doctrine_bundle_present"},
			ExpectedArtifacts: []string{"contracts/doctrine_identity.json"},
		},
	},
	"risk_budget_throttle": {
		{
			Name:          "risk_budget_operator_guidance",
			Command:       "greenkeeper status",
			Kind:          "suggestion",
			Preconditions: []string{"operator_adjusts_posture_or_waits_for_pressure_drop"},
		},
	},
	"quarantine_active": {
		{
			Name:              "verify_audit_chain",
			Command:           "greenkeeper verify-audits --strict",
			Kind:              "verify",
			Preconditions:     []string{"quarantine_reviewed"},
			ExpectedArtifacts: []string{"contracts/stability_doctrine.json"},
		},
	},
}

// allowlistedCommands are the commands auto-queueing may pick up without
// operator review. Everything else stays "proposed".
var allowlistedCommands = map[string]bool{
	"greenkeeper verify-receipts --last 50": true,
	"greenkeeper verify-audits --strict":    true,
	"greenkeeper index --rebuild":           true,
	"greenkeeper status --json":             true,
}

// PackGenerator turns finalized hold/block traces into remediation packs:
// an immutable pack record, a pointer line in a rolling index, and optionally
// queued task rows when the operating mode permits auto-remediation.
type PackGenerator struct {
	packsDir  string
	indexPath string
	tasksPath string
}

// NewPackGenerator writes packs under packsDir, pointer rows to indexPath,
// and auto-queued task rows to tasksPath.
func NewPackGenerator(packsDir, indexPath, tasksPath string) *PackGenerator {
	return &PackGenerator{packsDir: packsDir, indexPath: indexPath, tasksPath: tasksPath}
}

var packDecisions = map[string]bool{
	"hold":             true,
	"block":            true,
	"diagnostics_only": true,
	"quarantine_active": true,
}

var packContexts = map[string]bool{
	ContextMergeTrain: true,
	ContextPublish:    true,
	ContextDaemonRun:  true,
}

// EmitFromTrace builds a pack for a finalized trace payload. Returns nil when
// the decision, context, or reason stack yields no actionable steps. Nil-safe.
func (g *PackGenerator) EmitFromTrace(payload map[string]any, tracePath string) map[string]any {
	if g == nil {
		return nil
	}
	decision, _ := payload["final_decision"].(string)
	if !packDecisions[decision] {
		return nil
	}
	context, _ := payload["context"].(string)
	if !packContexts[context] {
		return nil
	}

	primaryReason, _ := payload["final_reason"].(string)
	reasons := []string{primaryReason}
	if stack, ok := payload["reason_stack"].([]string); ok {
		for _, reason := range stack {
			if reason != primaryReason {
				reasons = append(reasons, reason)
			}
		}
	}

	var steps []map[string]any
	seenCommands := map[string]bool{}
	for _, reason := range reasons {
		for _, template := range reasonStepLibrary[reason] {
			if seenCommands[template.Command] {
				continue
			}
			seenCommands[template.Command] = true
			template.Allowlisted = allowlistedCommands[template.Command]
			steps = append(steps, stepRow(template))
		}
	}
	if len(steps) == 0 {
		return nil
	}

	createdAt := fsutil.ISONow()
	traceID, _ := payload["trace_id"].(string)
	if traceID == "" {
		traceID = "trace"
	}
	shortTrace := traceID
	if len(shortTrace) > 8 {
		shortTrace = shortTrace[len(shortTrace)-8:]
	}
	shortTrace = strings.ReplaceAll(shortTrace, "/", "_")
	stamp := strings.NewReplacer("-", "", ":", "", "Z", "").Replace(createdAt)
	packID := fmt.Sprintf("%s_%s", stamp, shortTrace)

	evidence := map[string]bool{tracePath: true}
	if gates, ok := payload["gates_evaluated"].([]map[string]any); ok {
		for _, gate := range gates {
			if paths, ok := gate["evidence_paths"].([]string); ok {
				for _, p := range paths {
					evidence[p] = true
				}
			}
		}
	}
	evidencePaths := make([]string, 0, len(evidence))
	for p := range evidence {
		evidencePaths = append(evidencePaths, p)
	}
	sort.Strings(evidencePaths)

	pack := map[string]any{
		"schema_version":      schemaVersion,
		"pack_id":             packID,
		"created_at":          createdAt,
		"governance_trace_id": traceID,
		"primary_reason":      primaryReason,
		"reason_stack":        stringSlice(payload["reason_stack"]),
		"mode_summary":        stringOr(payload["operating_mode"], "unknown"),
		"posture_summary":     stringOr(payload["strategic_posture"], "unknown"),
		"steps":               steps,
		"status":              "proposed",
		"evidence_paths":      evidencePaths,
		"trace_path":          tracePath,
	}

	queuedSteps := 0
	if g.autoQueuePermitted(payload) {
		queuedSteps = g.queueSteps(packID, primaryReason, steps)
		if queuedSteps > 0 {
			pack["status"] = "queued"
		}
	}
	pack["queued_steps"] = queuedSteps

	packPath := filepath.Join(g.packsDir, "pack_"+packID+".json")
	if err := fsutil.WriteJSONAtomic(packPath, pack); err != nil {
		return nil
	}
	_ = fsutil.AppendJSONL(g.indexPath, map[string]any{
		"pack_id":             packID,
		"created_at":          createdAt,
		"governance_trace_id": traceID,
		"primary_reason":      primaryReason,
		"status":              pack["status"],
		"steps_count":         len(steps),
		"pack_path":           packPath,
	})

	return map[string]any{
		"pack_id":      packID,
		"pack_path":    packPath,
		"status":       pack["status"],
		"queued_steps": pack["queued_steps"],
	}
}

// autoQueuePermitted reports whether steps may be queued without operator
// review: recovery or lockdown mode, or an active quarantine.
func (g *PackGenerator) autoQueuePermitted(payload map[string]any) bool {
	mode, _ := payload["operating_mode"].(string)
	if mode == "recovery" || mode == "lockdown" {
		return true
	}
	if quarantine, ok := payload["quarantine_state_summary"].(map[string]any); ok {
		if active, ok := quarantine["active"].(bool); ok && active {
			return true
		}
	}
	return false
}

// queueSteps appends open task rows for allowlisted, non-destructive,
// non-suggestion steps, skipping any step kind already open.
func (g *PackGenerator) queueSteps(packID, primaryReason string, steps []map[string]any) int {
	openKinds := map[string]bool{}
	for _, row := range fsutil.ReadJSONL(g.tasksPath) {
		status, _ := row["status"].(string)
		if status == "done" {
			continue
		}
		if kind, ok := row["kind"].(string); ok {
			openKinds[kind] = true
		}
	}

	queued := 0
	for index, row := range steps {
		if destructive, _ := row["destructive"].(bool); destructive {
			continue
		}
		if allowlisted, _ := row["allowlisted"].(bool); !allowlisted {
			continue
		}
		if kind, _ := row["kind"].(string); kind == "suggestion" {
			continue
		}
		taskKind := fmt.Sprintf("remediation_pack:%s:%02d", packID, index)
		if openKinds[taskKind] {
			continue
		}
		command, _ := row["command"].(string)
		name, _ := row["name"].(string)
		err := fsutil.AppendJSONL(g.tasksPath, map[string]any{
			"kind":              taskKind,
			"created_at":        fsutil.ISONow(),
			"reason":            primaryReason,
			"status":            "open",
			"suggested_command": command,
			"related_pack_id":   packID,
			"step_name":         name,
		})
		if err == nil {
			queued++
		}
	}
	return queued
}

// FindPackForTrace returns the most recent pack pointer row for a trace id.
func (g *PackGenerator) FindPackForTrace(traceID string) map[string]any {
	if g == nil || traceID == "" {
		return nil
	}
	rows := fsutil.ReadJSONL(g.indexPath)
	for i := len(rows) - 1; i >= 0; i-- {
		if id, _ := rows[i]["governance_trace_id"].(string); id == traceID {
			return rows[i]
		}
	}
	return nil
}

func stepRow(s step) map[string]any {
	row := map[string]any{
		"name":        s.Name,
		"command":     s.Command,
		"kind":        s.Kind,
		"destructive": s.Destructive,
		"allowlisted": s.Allowlisted,
	}
	if len(s.Preconditions) > 0 {
		row["preconditions"] = s.Preconditions
	}
	if len(s.ExpectedArtifacts) > 0 {
		row["expected_artifacts"] = s.ExpectedArtifacts
	}
	return row
}

func stringSlice(value any) []string {
	if s, ok := value.([]string); ok {
		return s
	}
	return []string{}
}

func stringOr(value any, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}
