// Package githost is the code-hosting collaborator boundary: pull request
// checks, rebase and merge operations, and per-commit contract artifact
// discovery. The merge train depends only on the Host interface; the default
// implementation shells out to the gh CLI with git/go-git fallbacks.
package githost

import (
	"context"
	"regexp"
	"strconv"
	"time"
)

// Check overall states.
const (
	OverallSuccess = "success"
	OverallFailure = "failure"
	OverallPending = "pending"
	OverallUnknown = "unknown"
)

// PRRef identifies one pull request.
type PRRef struct {
	Number    int    `json:"number"`
	URL       string `json:"url"`
	HeadSHA   string `json:"head_sha"`
	Branch    string `json:"branch"`
	CreatedAt string `json:"created_at"`
}

// CheckRun is one normalized remote check.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	DetailsURL string `json:"details_url"`
}

// PRChecks is the check state for one pull request at one point in time.
type PRChecks struct {
	PR      PRRef      `json:"pr"`
	Checks  []CheckRun `json:"checks"`
	Overall string     `json:"overall"`
}

// WaitStats reports how a check wait concluded.
type WaitStats struct {
	TimedOut       bool    `json:"timed_out"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Polls          int     `json:"polls"`
}

// RebaseResult reports one rebase attempt. Conflict and ok are disjoint.
type RebaseResult struct {
	OK           bool     `json:"ok"`
	Conflict     bool     `json:"conflict"`
	Message      string   `json:"message"`
	NewHeadSHA   string   `json:"new_head_sha,omitempty"`
	SuspectFiles []string `json:"suspect_files,omitempty"`
}

// MergeResult reports one merge attempt.
type MergeResult struct {
	OK       bool   `json:"ok"`
	Conflict bool   `json:"conflict"`
	Message  string `json:"message"`
}

// ArtifactRef points at a contract bundle artifact published for a commit.
type ArtifactRef struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	RunID       int64  `json:"run_id"`
	SHA         string `json:"sha"`
	CreatedAt   string `json:"created_at"`
	SelectedVia string `json:"selected_via"`
}

// Host is what the merge train needs from the code-hosting side.
type Host interface {
	FetchChecks(ctx context.Context, ref PRRef) PRChecks
	WaitForChecks(ctx context.Context, ref PRRef, timeout, pollInterval time.Duration) (PRChecks, WaitStats)
	IsBehindBase(ctx context.Context, branch, baseBranch string) bool
	Rebase(ctx context.Context, prNumber int, baseBranch string) RebaseResult
	Merge(ctx context.Context, prNumber int, strategy string) MergeResult
	FindArtifactForCommit(ctx context.Context, prNumber int, sha string) *ArtifactRef
	DownloadBundle(ctx context.Context, ref ArtifactRef, destDir string) *ContractBundle
}

// Overall folds check runs into one state. Any failure wins, all-success is
// success, anything in flight is pending, and no checks at all is unknown.
func Overall(checks []CheckRun) string {
	if len(checks) == 0 {
		return OverallUnknown
	}
	allSuccess := true
	for _, check := range checks {
		switch check.Conclusion {
		case "failure", "timed_out", "cancelled", "startup_failure":
			return OverallFailure
		case "success":
		default:
			allSuccess = false
		}
	}
	if allSuccess {
		return OverallSuccess
	}
	return OverallPending
}

// MapCheckState normalizes the gh CLI's single state field into the
// status/conclusion pair the API reports.
func MapCheckState(state string) (status, conclusion string) {
	switch state {
	case "pass", "success", "SUCCESS", "completed":
		return "completed", "success"
	case "fail", "failure", "FAILURE", "error", "cancelled", "timed_out":
		return "completed", "failure"
	case "pending", "queued", "in_progress", "running", "waiting", "PENDING":
		return "in_progress", ""
	}
	return "unknown", ""
}

var prNumberPattern = regexp.MustCompile(`/pull/(\d+)`)

// ParsePRNumber extracts the pull request number from a web URL, or 0.
func ParsePRNumber(prURL string) int {
	match := prNumberPattern.FindStringSubmatch(prURL)
	if match == nil {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}

// waitForChecks polls fetch until the overall state settles or the timeout
// elapses. Split out for testing with a fake fetcher.
func waitForChecks(ctx context.Context, fetch func() PRChecks, timeout, pollInterval time.Duration) (PRChecks, WaitStats) {
	if pollInterval < time.Second {
		pollInterval = time.Second
	}
	started := time.Now()
	polls := 0
	for {
		polls++
		checks := fetch()
		stats := WaitStats{ElapsedSeconds: time.Since(started).Seconds(), Polls: polls}
		switch checks.Overall {
		case OverallSuccess, OverallFailure, OverallUnknown:
			return checks, stats
		}
		if time.Since(started) >= timeout {
			stats.TimedOut = true
			return checks, stats
		}
		select {
		case <-ctx.Done():
			stats.TimedOut = true
			return checks, stats
		case <-time.After(pollInterval):
		}
	}
}
