package ledger

// Receipt status values. One "started" row then exactly one terminal row is
// appended per request; the latest terminal row is the request's current
// status.
const (
	StatusStarted        = "started"
	StatusSuccess        = "success"
	StatusFailed         = "failed"
	StatusSkippedBudget  = "skipped_budget"
	StatusRejectedPolicy = "rejected_policy"
)

// WorkRequest is one unit of queued recovery work. Immutable once appended.
type WorkRequest struct {
	ID               string         `json:"request_id"`
	Goal             string         `json:"goal"`
	GoalID           string         `json:"goal_id,omitempty"`
	RequestedAt      string         `json:"requested_at"`
	RequestedBy      string         `json:"requested_by"`
	Priority         int            `json:"priority"`
	AutopublishFlags map[string]any `json:"autopublish_flags,omitempty"`
	BudgetOverrides  map[string]int `json:"budget_overrides,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Receipt records the daemon-side outcome of one request.
type Receipt struct {
	RequestID            string `json:"request_id"`
	Status               string `json:"status"`
	StartedAt            string `json:"started_at,omitempty"`
	FinishedAt           string `json:"finished_at,omitempty"`
	ReportPath           string `json:"report_path,omitempty"`
	DocketPath           string `json:"docket_path,omitempty"`
	CommitSHA            string `json:"commit_sha,omitempty"`
	PRMetadataPath       string `json:"pr_metadata_path,omitempty"`
	PublishPRURL         string `json:"publish_pr_url,omitempty"`
	PublishStatus        string `json:"publish_status,omitempty"`
	PublishChecksOverall string `json:"publish_checks_overall,omitempty"`
	ProvenanceRunID      string `json:"provenance_run_id,omitempty"`
	Error                string `json:"error,omitempty"`
}

// Terminal reports whether the status ends a request's lifecycle.
func Terminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusSkippedBudget, StatusRejectedPolicy:
		return true
	}
	return false
}

// Consumed reports whether a receipt with this status removes the request
// from picker consideration. A started receipt already claims the request,
// which is what lets a crashed run's re-picker skip it.
func Consumed(status string) bool {
	return status == StatusStarted || Terminal(status)
}
