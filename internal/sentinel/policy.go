package sentinel

import (
	"git.home.luguber.info/inful/greenkeeper/internal/errors"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Watched contract domains. Each maps to one recovery goal.
const (
	DomainCIBaseline        = "ci_baseline"
	DomainArtifactIndex     = "artifact_index"
	DomainStabilityDoctrine = "stability_doctrine"
)

// RequestedBy marks queue rows the sentinel authored. The self-receipt and
// active-run gates match on this exact value.
const RequestedBy = "drift_sentinel"

func defaultWatched() []string {
	return []string{DomainCIBaseline, DomainArtifactIndex, DomainStabilityDoctrine}
}

// Policy controls whether the sentinel enqueues work and how aggressively.
// Disabled by default; enabling is an explicit operator action.
type Policy struct {
	Enabled           bool                      `json:"enabled"`
	WatchedDomains    []string                  `json:"watched_domains"`
	EnqueueMap        map[string]string         `json:"enqueue_map"`
	DriftThresholds   map[string]map[string]any `json:"drift_thresholds"`
	CooldownMinutes   map[string]float64        `json:"cooldown_minutes"`
	MaxEnqueuesPerDay int                       `json:"max_enqueues_per_day"`
	AllowAutopublish  bool                      `json:"allow_autopublish"`
	AllowAutomerge    bool                      `json:"allow_automerge"`
}

// DefaultPolicy returns the shipped policy: sentinel off, conservative
// cooldowns, at most three enqueues per UTC day.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:        false,
		WatchedDomains: defaultWatched(),
		EnqueueMap: map[string]string{
			DomainCIBaseline:        "campaign:ci_baseline_recovery",
			DomainArtifactIndex:     "index_rebuild",
			DomainStabilityDoctrine: "stability_repair",
		},
		DriftThresholds: map[string]map[string]any{
			DomainCIBaseline: {
				"failed_count_increase_threshold":     1,
				"failed_count_increase_pct_threshold": 0.0,
				"pass_to_fail":                        true,
			},
			DomainArtifactIndex: {
				"corrupt_count_gt": 0,
				"index_required":   true,
			},
			DomainStabilityDoctrine: {
				"require_toolchain":     true,
				"require_vow_artifacts": true,
			},
		},
		CooldownMinutes: map[string]float64{
			"global":                30,
			DomainCIBaseline:        60,
			DomainArtifactIndex:     60,
			DomainStabilityDoctrine: 60,
		},
		MaxEnqueuesPerDay: 3,
	}
}

// State is the sentinel's own memory between ticks. The digest gives tick
// idempotence; the per-domain maps drive cooldown and backoff decisions.
type State struct {
	LastSeenContractDigest   string                    `json:"last_seen_contract_digest"`
	LastEnqueuedAtByDomain   map[string]string         `json:"last_enqueued_at_by_domain"`
	EnqueuesToday            int                       `json:"enqueues_today"`
	LastResetDate            string                    `json:"last_reset_date"`
	LastQuarantineByDomain   map[string]string         `json:"last_quarantine_by_domain"`
	LastQuarantineReasons    map[string][]string       `json:"last_quarantine_reasons"`
	LastProgressByDomain     map[string]map[string]any `json:"last_progress_by_domain"`
	LastStagnationAtByDomain map[string]string         `json:"last_stagnation_at_by_domain"`
}

func (s *State) normalize() {
	if s.LastEnqueuedAtByDomain == nil {
		s.LastEnqueuedAtByDomain = map[string]string{}
	}
	if s.LastQuarantineByDomain == nil {
		s.LastQuarantineByDomain = map[string]string{}
	}
	if s.LastQuarantineReasons == nil {
		s.LastQuarantineReasons = map[string][]string{}
	}
	if s.LastProgressByDomain == nil {
		s.LastProgressByDomain = map[string]map[string]any{}
	}
	if s.LastStagnationAtByDomain == nil {
		s.LastStagnationAtByDomain = map[string]string{}
	}
}

// LoadPolicy reads the policy file, falling back to defaults when the file
// is missing or unreadable. Partially written policies keep default values
// for the fields they omit.
func (s *Sentinel) LoadPolicy() Policy {
	policy := DefaultPolicy()
	if !fsutil.LoadJSON(s.cfg.PolicyPath, &policy) {
		return DefaultPolicy()
	}
	if len(policy.WatchedDomains) == 0 {
		policy.WatchedDomains = defaultWatched()
	}
	if policy.EnqueueMap == nil {
		policy.EnqueueMap = DefaultPolicy().EnqueueMap
	}
	if policy.DriftThresholds == nil {
		policy.DriftThresholds = DefaultPolicy().DriftThresholds
	}
	if policy.CooldownMinutes == nil {
		policy.CooldownMinutes = DefaultPolicy().CooldownMinutes
	}
	if policy.MaxEnqueuesPerDay <= 0 {
		policy.MaxEnqueuesPerDay = DefaultPolicy().MaxEnqueuesPerDay
	}
	return policy
}

// SavePolicy persists the policy atomically.
func (s *Sentinel) SavePolicy(policy Policy) error {
	if err := fsutil.WriteJSONAtomic(s.cfg.PolicyPath, policy); err != nil {
		return errors.WrapError(err, errors.CategoryConfig, "failed to save sentinel policy")
	}
	return nil
}

func (s *Sentinel) loadState() State {
	var state State
	if !fsutil.LoadJSON(s.cfg.StatePath, &state) {
		state = State{LastResetDate: s.today()}
	}
	if state.LastResetDate == "" {
		state.LastResetDate = s.today()
	}
	state.normalize()
	return state
}

func (s *Sentinel) saveState(state State) error {
	if err := fsutil.WriteJSONAtomic(s.cfg.StatePath, state); err != nil {
		return errors.WrapError(err, errors.CategoryDaemon, "failed to save sentinel state")
	}
	return nil
}
