package config

import "path/filepath"

// Paths derives the canonical on-disk layout from a single root directory.
// Every component receives absolute paths from here so the layout is
// defined in exactly one place.
type Paths struct {
	Root string
}

// NewPaths builds the layout over root.
func NewPaths(root string) Paths {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err == nil {
		root = abs
	}
	return Paths{Root: root}
}

func (p Paths) join(parts ...string) string {
	return filepath.Join(append([]string{p.Root}, parts...)...)
}

// PulseDir holds the work queue, receipts, and the event log.
func (p Paths) PulseDir() string { return p.join("pulse") }

// StateDir holds policy and state files.
func (p Paths) StateDir() string { return p.join("state") }

func (p Paths) DaemonPolicy() string   { return p.join("state", "daemon_policy.json") }
func (p Paths) SentinelPolicy() string { return p.join("state", "sentinel_policy.json") }
func (p Paths) SentinelState() string  { return p.join("state", "sentinel_state.json") }
func (p Paths) TrainPolicy() string    { return p.join("state", "merge_train_policy.json") }
func (p Paths) TrainState() string     { return p.join("state", "merge_train_state.json") }

func (p Paths) DaemonLock() string { return p.join(".greenkeeper", "daemon.lock") }
func (p Paths) TrainLock() string  { return p.join(".greenkeeper", "merge_train.lock") }

func (p Paths) RiskBudgetLatest() string  { return p.join("state", "risk_budget.json") }
func (p Paths) RiskBudgetHistory() string { return p.join("glow", "forge", "risk_budget_history.jsonl") }

// ContractsDir holds the health contract snapshots the sentinel watches.
func (p Paths) ContractsDir() string      { return p.join("glow", "contracts") }
func (p Paths) ContractStatus() string    { return p.join("glow", "contracts", "contract_status.json") }
func (p Paths) CIBaseline() string        { return p.join("glow", "contracts", "ci_baseline.json") }
func (p Paths) ArtifactIndex() string     { return p.join("glow", "contracts", "artifact_index.json") }
func (p Paths) StabilityDoctrine() string { return p.join("glow", "contracts", "stability_doctrine.json") }
func (p Paths) ProgressBaseline() string  { return p.join("glow", "contracts", "progress_baseline.json") }

// ForgeDir holds run reports, dockets, and quarantine records.
func (p Paths) ForgeDir() string      { return p.join("glow", "forge") }
func (p Paths) DocketsDir() string    { return p.ForgeDir() }
func (p Paths) ReportsDir() string    { return p.ForgeDir() }
func (p Paths) QuarantineDir() string { return p.ForgeDir() }

func (p Paths) TracesDir() string  { return p.join("glow", "forge", "traces") }
func (p Paths) TraceIndex() string { return p.join("glow", "forge", "trace_index.jsonl") }

func (p Paths) RemediationPacksDir() string { return p.join("glow", "forge", "remediation") }
func (p Paths) RemediationIndex() string {
	return p.join("glow", "forge", "remediation", "index.jsonl")
}
func (p Paths) RemediationTasks() string {
	return p.join("glow", "forge", "remediation", "tasks.jsonl")
}

func (p Paths) RemoteDoctrineLog() string {
	return p.join("glow", "forge", "remote_doctrine_fetches.jsonl")
}
func (p Paths) RemoteBundleDir() string { return p.join("glow", "forge", "remote_bundles") }

func (p Paths) MergeReceiptsDir() string  { return p.join("glow", "forge", "merge_receipts") }
func (p Paths) MergeReceiptIndex() string { return p.join("state", "merge_receipt_index.json") }

func (p Paths) AuditLogsDir() string    { return p.join("glow", "audit", "logs") }
func (p Paths) AuditReportsDir() string { return p.join("glow", "audit", "reports") }

func (p Paths) FederationSnapshot() string {
	return p.join("glow", "federation", "local_snapshot.json")
}
func (p Paths) FederationPeersDir() string { return p.join("glow", "federation", "peers") }

// EventIndexDB is the sqlite database behind the index verb.
func (p Paths) EventIndexDB() string { return p.join("state", "event_index.sqlite") }
