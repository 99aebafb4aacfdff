// Package riskbudget derives the numeric and boolean ceilings on automated
// action from the current posture, pressure level, operating mode, and
// quarantine state. The budget is recomputed for every decision; the persisted
// copy is a derived snapshot, never the source of truth.
package riskbudget

import (
	"encoding/json"
	"fmt"
	"os"

	"git.home.luguber.info/inful/greenkeeper/internal/events"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Postures order roughly by appetite for change.
const (
	PostureStability = "stability"
	PostureBalanced  = "balanced"
	PostureVelocity  = "velocity"
)

// Operating modes order by severity of clamping.
const (
	ModeNormal   = "normal"
	ModeCautious = "cautious"
	ModeRecovery = "recovery"
	ModeLockdown = "lockdown"
)

// Override env knobs. The force path is ignored unless the allow flag is "1".
const (
	EnvForceJSON     = "GREENKEEPER_RISK_BUDGET_FORCE_JSON"
	EnvAllowOverride = "GREENKEEPER_RISK_BUDGET_ALLOW_OVERRIDE"
)

// Inputs are the signals the budget is derived from.
type Inputs struct {
	Posture          string
	PressureLevel    int
	OperatingMode    string
	QuarantineActive bool
}

// Budget is the derived ceiling set. Field names are part of the on-disk
// contract consumed by operator tooling.
type Budget struct {
	SchemaVersion        int      `json:"schema_version"`
	CreatedAt            string   `json:"created_at"`
	Posture              string   `json:"posture"`
	PressureLevel        int      `json:"pressure_level"`
	OperatingMode        string   `json:"operating_mode"`
	QuarantineActive     bool     `json:"quarantine_active"`
	RouterKMax           int      `json:"router_k_max"`
	RouterMMax           int      `json:"router_m_max"`
	RouterAllowEscalation bool    `json:"router_allow_escalation"`
	MaxFilesChanged      int      `json:"forge_max_files_changed"`
	MaxRunsPerHour       int      `json:"forge_max_runs_per_hour"`
	MaxRunsPerDay        int      `json:"forge_max_runs_per_day"`
	MaxRetries           int      `json:"forge_max_retries"`
	AllowAutomerge       bool     `json:"allow_automerge"`
	AllowPublish         bool     `json:"allow_publish"`
	AllowFederationAdopt bool     `json:"allow_federation_adopt"`
	Notes                []string `json:"notes"`
}

// Derive computes a budget from the inputs alone. Clamping order: posture
// sets the baseline, operating mode tightens it, active quarantine clamps
// everything to minimum regardless of mode.
func Derive(in Inputs) Budget {
	mode := normalizeMode(in.OperatingMode)
	budget := Budget{
		SchemaVersion:    1,
		CreatedAt:        fsutil.ISONow(),
		Posture:          in.Posture,
		PressureLevel:    clampPressure(in.PressureLevel),
		OperatingMode:    mode,
		QuarantineActive: in.QuarantineActive,
		Notes:            []string{},
	}

	switch mode {
	case ModeNormal:
		switch in.Posture {
		case PostureStability:
			budget.RouterKMax = 3
			budget.RouterMMax = 1
			budget.RouterAllowEscalation = false
			budget.MaxFilesChanged = 80
			budget.MaxRunsPerHour = 1
			budget.MaxRunsPerDay = 2
			budget.MaxRetries = 0
			budget.AllowAutomerge = false
		case PostureVelocity:
			budget.RouterKMax = 6
			budget.RouterMMax = 3
			budget.RouterAllowEscalation = true
			budget.MaxFilesChanged = 260
			budget.MaxRunsPerHour = 3
			budget.MaxRunsPerDay = 8
			budget.MaxRetries = 2
			budget.AllowAutomerge = true
		default:
			budget.RouterKMax = 4
			budget.RouterMMax = 2
			budget.RouterAllowEscalation = true
			budget.MaxFilesChanged = 160
			budget.MaxRunsPerHour = 2
			budget.MaxRunsPerDay = 4
			budget.MaxRetries = 1
			budget.AllowAutomerge = true
		}
		budget.AllowPublish = true
		budget.AllowFederationAdopt = true
	case ModeCautious:
		budget.RouterKMax = 3
		budget.RouterMMax = 1
		budget.RouterAllowEscalation = in.Posture == PostureVelocity && budget.PressureLevel == 0
		budget.MaxFilesChanged = 60
		budget.MaxRunsPerHour = 1
		budget.MaxRunsPerDay = 2
		budget.MaxRetries = 1
		budget.AllowAutomerge = false
		budget.AllowPublish = false
		budget.AllowFederationAdopt = true
		budget.Notes = append(budget.Notes, "cautious_mode_clamps")
	case ModeRecovery:
		budget.RouterKMax = 2
		budget.RouterMMax = 1
		budget.RouterAllowEscalation = false
		budget.MaxFilesChanged = 20
		budget.MaxRunsPerHour = 1
		budget.MaxRunsPerDay = 1
		budget.MaxRetries = 0
		budget.AllowAutomerge = false
		budget.AllowPublish = false
		budget.AllowFederationAdopt = false
		budget.Notes = append(budget.Notes, "recovery_mode_clamps")
	default:
		budget.clampToMinimum()
		budget.Notes = append(budget.Notes, "lockdown_mode_clamps")
	}

	if in.QuarantineActive {
		budget.clampToMinimum()
		budget.Notes = append(budget.Notes, "quarantine_override_clamps")
	}
	return budget
}

func (b *Budget) clampToMinimum() {
	b.RouterKMax = 1
	b.RouterMMax = 0
	b.RouterAllowEscalation = false
	b.MaxFilesChanged = 0
	b.MaxRunsPerHour = 0
	b.MaxRunsPerDay = 0
	b.MaxRetries = 0
	b.AllowAutomerge = false
	b.AllowPublish = false
	b.AllowFederationAdopt = false
}

// Store persists budgets: the latest derived snapshot plus an append-only
// history line per computation.
type Store struct {
	latestPath  string
	historyPath string
	events      *events.Log
}

// NewStore writes the latest snapshot to latestPath and appends history rows
// to historyPath. The event log may be nil.
func NewStore(latestPath, historyPath string, log *events.Log) *Store {
	return &Store{latestPath: latestPath, historyPath: historyPath, events: log}
}

// Compute derives a budget, applies any environment-gated override, persists
// the result, and returns it. Every override attempt leaves a note whether
// accepted or rejected.
func (s *Store) Compute(in Inputs) Budget {
	budget := Derive(in)
	if forcePath := os.Getenv(EnvForceJSON); forcePath != "" {
		if os.Getenv(EnvAllowOverride) != "1" {
			budget.Notes = append(budget.Notes, "override_rejected:"+forcePath)
			s.events.Record("risk_budget_override_rejected", map[string]any{
				"level": "warning",
				"path":  forcePath,
			})
		} else {
			budget = applyOverride(forcePath, budget)
			budget.Notes = append(budget.Notes, "override_applied:"+forcePath)
			s.events.Record("risk_budget_override_applied", map[string]any{
				"level": "warning",
				"path":  forcePath,
			})
		}
	}
	s.persist(budget)
	return budget
}

func (s *Store) persist(budget Budget) {
	if err := fsutil.WriteJSONAtomic(s.latestPath, budget); err != nil {
		s.events.Record("risk_budget_persist_failed", map[string]any{
			"level": "warning",
			"error": err.Error(),
		})
	}
	var row map[string]any
	raw, err := json.Marshal(budget)
	if err == nil {
		err = json.Unmarshal(raw, &row)
	}
	if err == nil {
		err = fsutil.AppendJSONL(s.historyPath, row)
	}
	if err != nil {
		s.events.Record("risk_budget_history_append_failed", map[string]any{
			"level": "warning",
			"error": err.Error(),
		})
	}
}

// Latest returns the most recently persisted budget, or a freshly derived
// balanced/normal budget when no snapshot exists.
func (s *Store) Latest() Budget {
	var budget Budget
	if fsutil.LoadJSON(s.latestPath, &budget) && budget.SchemaVersion > 0 {
		return budget
	}
	return Derive(Inputs{Posture: PostureBalanced, OperatingMode: ModeNormal})
}

// Summary is the compact view surfaced in status output.
func Summary(b Budget) map[string]any {
	return map[string]any{
		"router_k_max":     b.RouterKMax,
		"router_m_max":     b.RouterMMax,
		"allow_escalation": b.RouterAllowEscalation,
		"allow_automerge":  b.AllowAutomerge,
		"allow_publish":    b.AllowPublish,
	}
}

// applyOverride merges recognized fields from the override file onto the
// derived base. Unreadable or malformed override files leave the base intact.
func applyOverride(path string, base Budget) Budget {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return base
	}
	merged := map[string]any{}
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return base
	}
	if err := json.Unmarshal(baseRaw, &merged); err != nil {
		return base
	}
	for key, value := range payload {
		if _, known := merged[key]; known {
			merged[key] = value
		}
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	var out Budget
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return base
	}
	if out.Notes == nil {
		out.Notes = []string{}
	}
	return out
}

func normalizeMode(mode string) string {
	switch mode {
	case ModeNormal, ModeCautious, ModeRecovery, ModeLockdown:
		return mode
	}
	return ModeNormal
}

func clampPressure(level int) int {
	if level < 0 {
		return 0
	}
	if level > 3 {
		return 3
	}
	return level
}

// String renders the budget for log lines.
func (b Budget) String() string {
	return fmt.Sprintf("posture=%s mode=%s k=%d m=%d automerge=%t publish=%t",
		b.Posture, b.OperatingMode, b.RouterKMax, b.RouterMMax, b.AllowAutomerge, b.AllowPublish)
}
