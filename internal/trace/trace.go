// Package trace records governance decisions. A Recorder wraps one top-level
// decision (a merge-train tick, a publish attempt, a daemon run), accumulates
// the gates evaluated and clamps applied along the way, and on finalize writes
// one immutable JSON record plus a compact pointer line in a rolling index.
package trace

import (
	"fmt"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/greenkeeper/internal/errors"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

const schemaVersion = 1

// Decision contexts that gates attach to.
const (
	ContextMergeTrain = "merge_train"
	ContextPublish    = "publish"
	ContextDaemonRun  = "daemon_run"
)

// Gate is one evaluated gate. Result is pass/fail/skip style vocabulary
// chosen by the caller; Reason is operator-readable.
type Gate struct {
	Name          string   `json:"name"`
	Mode          string   `json:"mode"`
	Result        string   `json:"result"`
	Reason        string   `json:"reason"`
	EvidencePaths []string `json:"evidence_paths,omitempty"`
}

// Clamp records one limit adjustment with its before and after values.
type Clamp struct {
	Name   string         `json:"name"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Notes  string         `json:"notes"`
}

// Options seeds the contextual summaries captured at trace start.
type Options struct {
	StrategicPosture  string
	PressureLevel     int
	IntegrityMetrics  map[string]any
	OperatingMode     string
	ModeToggles       map[string]any
	QuarantineState   map[string]any
	RiskBudgetSummary map[string]any
	RiskBudgetNotes   []string
}

// Recorder accumulates one decision. All methods are nil-safe so gates can
// attach unconditionally even when tracing is disabled.
type Recorder struct {
	tracesDir string
	indexPath string
	packs     *PackGenerator

	context   string
	createdAt string
	opts      Options
	gates     []Gate
	clamps    []Clamp
	finalized bool
}

// Result is what Finalize hands back to the caller for embedding in its own
// receipts or status output.
type Result struct {
	TraceID     string         `json:"trace_id"`
	TracePath   string         `json:"trace_path"`
	Summary     map[string]any `json:"trace_summary"`
	Remediation map[string]any `json:"remediation,omitempty"`
}

// NewRecorder starts a trace for one decision context. The pack generator may
// be nil when remediation packs are not wanted.
func NewRecorder(tracesDir, indexPath string, context string, opts Options, packs *PackGenerator) *Recorder {
	return &Recorder{
		tracesDir: tracesDir,
		indexPath: indexPath,
		packs:     packs,
		context:   context,
		createdAt: fsutil.ISONow(),
		opts:      opts,
	}
}

// RecordGate appends one gate evaluation.
func (r *Recorder) RecordGate(gate Gate) {
	if r == nil || r.finalized {
		return
	}
	r.gates = append(r.gates, gate)
}

// RecordClamp appends one clamp event.
func (r *Recorder) RecordClamp(clamp Clamp) {
	if r == nil || r.finalized {
		return
	}
	if clamp.Before == nil {
		clamp.Before = map[string]any{}
	}
	if clamp.After == nil {
		clamp.After = map[string]any{}
	}
	r.clamps = append(r.clamps, clamp)
}

// Finalize closes the trace with a terminal decision, persists the immutable
// record, appends the index pointer, and offers the record to the remediation
// pack generator. Any remediation outcome is folded into the record before it
// is written, never patched in afterwards.
func (r *Recorder) Finalize(finalDecision, finalReason string, reasonStack, suggestedActions []string) (Result, error) {
	if r == nil {
		return Result{}, nil
	}
	if r.finalized {
		return Result{}, errors.New(errors.CategoryInternal, errors.SeverityError, "governance trace already finalized")
	}
	r.finalized = true

	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(r.createdAt)
	traceID := fmt.Sprintf("trace_%s_%s", stamp, r.context)
	tracePath := filepath.Join(r.tracesDir, traceID+".json")

	if reasonStack == nil {
		reasonStack = []string{}
	}
	if suggestedActions == nil {
		suggestedActions = []string{}
	}
	payload := map[string]any{
		"schema_version":             schemaVersion,
		"trace_id":                   traceID,
		"context":                    r.context,
		"created_at":                 r.createdAt,
		"strategic_posture":          r.opts.StrategicPosture,
		"integrity_pressure_level":   r.opts.PressureLevel,
		"integrity_metrics_summary":  orEmptyMap(r.opts.IntegrityMetrics),
		"operating_mode":             r.opts.OperatingMode,
		"mode_toggles_summary":       orEmptyMap(r.opts.ModeToggles),
		"quarantine_state_summary":   orEmptyMap(r.opts.QuarantineState),
		"risk_budget_summary":        orEmptyMap(r.opts.RiskBudgetSummary),
		"risk_budget_notes":          orEmptySlice(r.opts.RiskBudgetNotes),
		"gates_evaluated":            gateRows(r.gates),
		"clamps_applied":             clampRows(r.clamps),
		"final_decision":             finalDecision,
		"final_reason":               finalReason,
		"reason_stack":               reasonStack,
		"suggested_actions":          suggestedActions,
	}

	result := Result{
		TraceID:   traceID,
		TracePath: tracePath,
		Summary: map[string]any{
			"final_decision": finalDecision,
			"final_reason":   finalReason,
			"reason_stack":   capStack(reasonStack),
		},
	}

	if remediation := r.packs.EmitFromTrace(payload, tracePath); remediation != nil {
		payload["remediation"] = remediation
		result.Remediation = remediation
	}

	if err := fsutil.WriteJSONAtomic(tracePath, payload); err != nil {
		return result, errors.WrapError(err, errors.CategoryInternal, "write governance trace record")
	}
	pointer := map[string]any{
		"trace_id":       traceID,
		"context":        r.context,
		"created_at":     r.createdAt,
		"final_decision": finalDecision,
		"final_reason":   finalReason,
		"reason_stack":   capStack(reasonStack),
		"trace_path":     tracePath,
	}
	if err := fsutil.AppendJSONL(r.indexPath, pointer); err != nil {
		return result, errors.WrapError(err, errors.CategoryInternal, "append governance trace index")
	}
	return result, nil
}

// Gates returns a copy of the gates recorded so far.
func (r *Recorder) Gates() []Gate {
	if r == nil {
		return nil
	}
	out := make([]Gate, len(r.gates))
	copy(out, r.gates)
	return out
}

func capStack(stack []string) []string {
	if len(stack) > 6 {
		return stack[:6]
	}
	return stack
}

func gateRows(gates []Gate) []map[string]any {
	rows := make([]map[string]any, 0, len(gates))
	for _, gate := range gates {
		row := map[string]any{
			"name":   gate.Name,
			"mode":   gate.Mode,
			"result": gate.Result,
			"reason": gate.Reason,
		}
		if len(gate.EvidencePaths) > 0 {
			row["evidence_paths"] = gate.EvidencePaths
		}
		rows = append(rows, row)
	}
	return rows
}

func clampRows(clamps []Clamp) []map[string]any {
	rows := make([]map[string]any, 0, len(clamps))
	for _, clamp := range clamps {
		rows = append(rows, map[string]any{
			"name":   clamp.Name,
			"before": clamp.Before,
			"after":  clamp.After,
			"notes":  clamp.Notes,
		})
	}
	return rows
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
