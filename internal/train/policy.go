package train

import (
	"os"

	"git.home.luguber.info/inful/greenkeeper/internal/errors"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Entry statuses. queued/ready/held are parked, rebasing/checking are in
// flight, mergeable awaits the automerge decision, merged/failed are final.
const (
	StatusQueued    = "queued"
	StatusReady     = "ready"
	StatusHeld      = "held"
	StatusRebasing  = "rebasing"
	StatusChecking  = "checking"
	StatusMergeable = "mergeable"
	StatusMerged    = "merged"
	StatusFailed    = "failed"
)

// Env overrides applied on top of the policy file.
const (
	EnvEnabled    = "GREENKEEPER_TRAIN_ENABLED"
	EnvBaseBranch = "GREENKEEPER_BASE_BRANCH"
)

// Policy tunes the train. Disabled by default.
type Policy struct {
	Enabled                  bool   `json:"enabled"`
	BaseBranch               string `json:"base_branch"`
	MaxActivePRs             int    `json:"max_active_prs"`
	MaxRebaseAttempts        int    `json:"max_rebase_attempts"`
	MaxCheckRetries          int    `json:"max_check_retries"`
	MergeStrategy            string `json:"merge_strategy"`
	CooldownMinutesOnFailure int    `json:"cooldown_minutes_on_failure"`
	RequireRemoteDoctrine    bool   `json:"require_remote_doctrine"`
}

// DefaultPolicy returns the shipped train policy.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                  false,
		BaseBranch:               "main",
		MaxActivePRs:             3,
		MaxRebaseAttempts:        2,
		MaxCheckRetries:          1,
		MergeStrategy:            "squash",
		CooldownMinutesOnFailure: 60,
	}
}

// Entry is one pull request riding the train.
type Entry struct {
	RunID              string `json:"run_id"`
	PRURL              string `json:"pr_url"`
	PRNumber           int    `json:"pr_number"`
	HeadSHA            string `json:"head_sha"`
	Branch             string `json:"branch"`
	GoalID             string `json:"goal_id,omitempty"`
	CampaignID         string `json:"campaign_id,omitempty"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
	CheckOverall       string `json:"check_overall"`
	RebaseAttempts     int    `json:"rebase_attempts"`
	CheckRetries       int    `json:"check_retries"`
	LastError          string `json:"last_error,omitempty"`
	DoctrineSource     string `json:"doctrine_source"`
	DoctrineGateReason string `json:"doctrine_gate_reason,omitempty"`
	BundleSHA256       string `json:"bundle_sha256,omitempty"`
}

// Active reports whether the entry still needs train attention.
func (e *Entry) Active() bool {
	switch e.Status {
	case StatusQueued, StatusReady, StatusHeld, StatusRebasing, StatusChecking, StatusMergeable:
		return true
	}
	return false
}

// State is the persisted train ledger.
type State struct {
	Entries       []Entry `json:"entries"`
	LastMergedPR  string  `json:"last_merged_pr,omitempty"`
	LastFailureAt string  `json:"last_failure_at,omitempty"`
}

func (s *State) entryByPRURL(prURL string) *Entry {
	for i := range s.Entries {
		if s.Entries[i].PRURL == prURL {
			return &s.Entries[i]
		}
	}
	return nil
}

func (s *State) entryByNumber(prNumber int) *Entry {
	for i := range s.Entries {
		if s.Entries[i].PRNumber == prNumber {
			return &s.Entries[i]
		}
	}
	return nil
}

// LoadPolicy reads the policy file and applies env overrides. A missing or
// unreadable file yields defaults.
func (t *Train) LoadPolicy() Policy {
	policy := DefaultPolicy()
	fsutil.LoadJSON(t.cfg.PolicyPath, &policy)
	if policy.BaseBranch == "" {
		policy.BaseBranch = "main"
	}
	if policy.MergeStrategy == "" {
		policy.MergeStrategy = "squash"
	}
	if enabled := os.Getenv(EnvEnabled); enabled != "" {
		policy.Enabled = enabled == "1"
	}
	if branch := os.Getenv(EnvBaseBranch); branch != "" {
		policy.BaseBranch = branch
	}
	return policy
}

// SavePolicy persists the policy atomically.
func (t *Train) SavePolicy(policy Policy) error {
	if err := fsutil.WriteJSONAtomic(t.cfg.PolicyPath, policy); err != nil {
		return errors.WrapError(err, errors.CategoryConfig, "failed to save train policy")
	}
	return nil
}

// LoadState reads the persisted entry list. Corrupt state degrades to empty
// rather than blocking the train.
func (t *Train) LoadState() State {
	var state State
	fsutil.LoadJSON(t.cfg.StatePath, &state)
	return state
}

func (t *Train) saveState(state State) error {
	if err := fsutil.WriteJSONAtomic(t.cfg.StatePath, state); err != nil {
		return errors.WrapError(err, errors.CategoryDaemon, "failed to save train state")
	}
	return nil
}
