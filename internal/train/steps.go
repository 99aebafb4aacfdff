package train

// Reason codes attached to held and failed entries. This vocabulary is part
// of the operator contract: dockets, traces and remediation packs key on the
// exact strings, so new codes are added, never renamed.
const (
	ReasonConflict                       = "conflict"
	ReasonRebaseAttemptsExhausted        = "rebase_attempts_exhausted"
	ReasonChecksTimeout                  = "checks_timeout"
	ReasonChecksFailed                   = "checks_failed"
	ReasonChecksFailedRetry              = "checks_failed_retry"
	ReasonChecksUnknown                  = "checks_unknown"
	ReasonAuditIntegrityFailed           = "audit_integrity_failed"
	ReasonRemoteDoctrineFailed           = "remote_doctrine_failed"
	ReasonRemoteDoctrineMetadataMismatch = "remote_doctrine_metadata_mismatch"
	ReasonRemoteDoctrineManifestMissing  = "remote_doctrine_manifest_missing"
	ReasonRemoteDoctrineManifestMismatch = "remote_doctrine_manifest_mismatch"
	ReasonRemoteDoctrineCorruptBundle    = "remote_doctrine_corrupt_bundle"
	ReasonRemoteDoctrineMissing          = "remote_doctrine_missing"
	ReasonReceiptChainBroken             = "receipt_chain_broken"
	ReasonAuditLogChainBroken            = "audit_log_chain_broken"
	ReasonFederationDivergence           = "federation_integrity_divergence"
	ReasonRiskBudgetThrottle             = "risk_budget_throttle"
	ReasonManuallyHeld                   = "manually_held"
)

// StepStatus is the advancement result of one gate step.
type StepStatus int

const (
	// StepOk lets the entry advance to the next gate.
	StepOk StepStatus = iota
	// StepHeld parks the entry with a reason; a later tick may retry.
	StepHeld
	// StepFailed ends the entry's train lifecycle.
	StepFailed
)

// StepOutcome is the tagged result of a gate step. Expected holds travel
// through this value, not through errors; error returns are reserved for
// infrastructure faults.
type StepOutcome struct {
	Status StepStatus
	Reason string
}

// Ok advances the entry.
func Ok() StepOutcome { return StepOutcome{Status: StepOk} }

// Held parks the entry with the given reason code.
func Held(reason string) StepOutcome { return StepOutcome{Status: StepHeld, Reason: reason} }

// Failed terminates the entry with the given reason code.
func Failed(reason string) StepOutcome { return StepOutcome{Status: StepFailed, Reason: reason} }

// Blocking reports whether the outcome stops the entry at this gate.
func (o StepOutcome) Blocking() bool { return o.Status != StepOk }
