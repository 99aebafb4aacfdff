package trace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

func newTestRecorder(t *testing.T, context string, opts Options, packs *PackGenerator) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	recorder := NewRecorder(filepath.Join(dir, "traces"), filepath.Join(dir, "governance_traces.jsonl"), context, opts, packs)
	return recorder, dir
}

func TestFinalizeWritesRecordAndIndexPointer(t *testing.T) {
	recorder, dir := newTestRecorder(t, ContextMergeTrain, Options{
		StrategicPosture: "balanced",
		OperatingMode:    "normal",
	}, nil)

	recorder.RecordGate(Gate{Name: "remote_checks", Mode: "enforce", Result: "pass", Reason: "all checks green"})
	recorder.RecordClamp(Clamp{Name: "max_files", Before: map[string]any{"limit": 160}, After: map[string]any{"limit": 80}})

	result, err := recorder.Finalize("proceed", "all_gates_passed", []string{"all_gates_passed"}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.TraceID, ContextMergeTrain)

	var payload map[string]any
	require.True(t, fsutil.LoadJSON(result.TracePath, &payload))
	assert.Equal(t, "proceed", payload["final_decision"])
	gates, ok := payload["gates_evaluated"].([]any)
	require.True(t, ok)
	require.Len(t, gates, 1)

	pointers := fsutil.ReadJSONL(filepath.Join(dir, "governance_traces.jsonl"))
	require.Len(t, pointers, 1)
	assert.Equal(t, result.TraceID, pointers[0]["trace_id"])
	assert.Equal(t, result.TracePath, pointers[0]["trace_path"])
}

func TestFinalizeCapsPointerReasonStack(t *testing.T) {
	recorder, dir := newTestRecorder(t, ContextDaemonRun, Options{}, nil)
	stack := []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"}

	result, err := recorder.Finalize("hold", "r1", stack, nil)
	require.NoError(t, err)
	assert.Len(t, result.Summary["reason_stack"], 6)

	pointers := fsutil.ReadJSONL(filepath.Join(dir, "governance_traces.jsonl"))
	require.Len(t, pointers, 1)
	assert.Len(t, pointers[0]["reason_stack"], 6)

	// Full record keeps the full stack.
	var payload map[string]any
	require.True(t, fsutil.LoadJSON(result.TracePath, &payload))
	assert.Len(t, payload["reason_stack"], 8)
}

func TestFinalizeTwiceFails(t *testing.T) {
	recorder, _ := newTestRecorder(t, ContextPublish, Options{}, nil)
	_, err := recorder.Finalize("proceed", "ok", nil, nil)
	require.NoError(t, err)
	_, err = recorder.Finalize("proceed", "ok", nil, nil)
	assert.Error(t, err)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.RecordGate(Gate{Name: "noop"})
	recorder.RecordClamp(Clamp{Name: "noop"})
	result, err := recorder.Finalize("proceed", "ok", nil, nil)
	assert.NoError(t, err)
	assert.Empty(t, result.TraceID)
}

func TestRemediationPackProducedForHold(t *testing.T) {
	dir := t.TempDir()
	packs := NewPackGenerator(filepath.Join(dir, "packs"), filepath.Join(dir, "remediation_packs.jsonl"), filepath.Join(dir, "remediation_tasks.jsonl"))
	recorder := NewRecorder(filepath.Join(dir, "traces"), filepath.Join(dir, "governance_traces.jsonl"), ContextMergeTrain, Options{
		OperatingMode: "normal",
	}, packs)

	result, err := recorder.Finalize("hold", "receipt_chain_broken", []string{"receipt_chain_broken"}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Remediation)
	assert.Equal(t, "proposed", result.Remediation["status"])

	// Remediation outcome is folded into the written record.
	var payload map[string]any
	require.True(t, fsutil.LoadJSON(result.TracePath, &payload))
	assert.NotNil(t, payload["remediation"])

	pointer := packs.FindPackForTrace(result.TraceID)
	require.NotNil(t, pointer)
	assert.Equal(t, "receipt_chain_broken", pointer["primary_reason"])
}

func TestRemediationAutoQueuedInRecoveryMode(t *testing.T) {
	dir := t.TempDir()
	tasksPath := filepath.Join(dir, "remediation_tasks.jsonl")
	packs := NewPackGenerator(filepath.Join(dir, "packs"), filepath.Join(dir, "remediation_packs.jsonl"), tasksPath)
	recorder := NewRecorder(filepath.Join(dir, "traces"), filepath.Join(dir, "governance_traces.jsonl"), ContextMergeTrain, Options{
		OperatingMode: "recovery",
	}, packs)

	result, err := recorder.Finalize("hold", "audit_log_chain_broken", []string{"audit_log_chain_broken"}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Remediation)
	assert.Equal(t, "queued", result.Remediation["status"])

	tasks := fsutil.ReadJSONL(tasksPath)
	require.NotEmpty(t, tasks)
	assert.Equal(t, "open", tasks[0]["status"])
	assert.Equal(t, "audit_log_chain_broken", tasks[0]["reason"])
}

func TestRemediationSkippedForProceedDecision(t *testing.T) {
	dir := t.TempDir()
	packs := NewPackGenerator(filepath.Join(dir, "packs"), filepath.Join(dir, "remediation_packs.jsonl"), filepath.Join(dir, "remediation_tasks.jsonl"))
	recorder := NewRecorder(filepath.Join(dir, "traces"), filepath.Join(dir, "governance_traces.jsonl"), ContextMergeTrain, Options{}, packs)

	result, err := recorder.Finalize("proceed", "all_gates_passed", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result.Remediation)
}

func TestRemediationSkippedWithoutKnownReasons(t *testing.T) {
	dir := t.TempDir()
	packs := NewPackGenerator(filepath.Join(dir, "packs"), filepath.Join(dir, "remediation_packs.jsonl"), filepath.Join(dir, "remediation_tasks.jsonl"))
	recorder := NewRecorder(filepath.Join(dir, "traces"), filepath.Join(dir, "governance_traces.jsonl"), ContextMergeTrain, Options{}, packs)

	result, err := recorder.Finalize("hold", "some_novel_reason", []string{"some_novel_reason"}, nil)
	require.NoError(t, err)
	assert.Nil(t, result.Remediation)
}

func TestSuggestionStepsNeverAutoQueued(t *testing.T) {
	dir := t.TempDir()
	tasksPath := filepath.Join(dir, "remediation_tasks.jsonl")
	packs := NewPackGenerator(filepath.Join(dir, "packs"), filepath.Join(dir, "remediation_packs.jsonl"), tasksPath)
	recorder := NewRecorder(filepath.Join(dir, "traces"), filepath.Join(dir, "governance_traces.jsonl"), ContextMergeTrain, Options{
		OperatingMode: "lockdown",
	}, packs)

	result, err := recorder.Finalize("hold", "risk_budget_throttle", []string{"risk_budget_throttle"}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Remediation)
	assert.Equal(t, "proposed", result.Remediation["status"])
	assert.Empty(t, fsutil.ReadJSONL(tasksPath))
}
