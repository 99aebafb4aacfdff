package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// CLIHost drives the remote through the gh CLI and local git, with go-git
// for history inspection. It is the default Host implementation.
type CLIHost struct {
	repoRoot     string
	repo         string
	artifactName func(sha string) string
	logger       *slog.Logger
}

// NewCLIHost operates on the working copy at repoRoot. repo is the
// owner/name slug used for metadata validation; empty disables that check.
func NewCLIHost(repoRoot, repo string, logger *slog.Logger) *CLIHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIHost{
		repoRoot: repoRoot,
		repo:     repo,
		artifactName: func(sha string) string {
			return "greenkeeper-contracts-" + sha
		},
		logger: logger,
	}
}

// FetchChecks reads the pull request's check runs via gh. Unreachable remote
// degrades to overall "unknown" rather than an error.
func (h *CLIHost) FetchChecks(ctx context.Context, ref PRRef) PRChecks {
	prArg := prArgument(ref)
	if prArg == "" {
		return PRChecks{PR: ref, Overall: OverallUnknown}
	}
	var view struct {
		Number      int    `json:"number"`
		URL         string `json:"url"`
		HeadRefOid  string `json:"headRefOid"`
		HeadRefName string `json:"headRefName"`
		CreatedAt   string `json:"createdAt"`
	}
	if err := h.runJSON(ctx, &view, "gh", "pr", "view", prArg, "--json", "number,url,headRefOid,headRefName,createdAt"); err == nil {
		if view.Number != 0 {
			ref.Number = view.Number
		}
		if view.URL != "" {
			ref.URL = view.URL
		}
		if view.HeadRefOid != "" {
			ref.HeadSHA = view.HeadRefOid
		}
		if view.HeadRefName != "" {
			ref.Branch = view.HeadRefName
		}
		if view.CreatedAt != "" {
			ref.CreatedAt = view.CreatedAt
		}
	}
	if ref.CreatedAt == "" {
		ref.CreatedAt = fsutil.ISONow()
	}

	var rows []struct {
		Name  string `json:"name"`
		State string `json:"state"`
		Link  string `json:"link"`
	}
	if err := h.runJSON(ctx, &rows, "gh", "pr", "checks", prArg, "--json", "name,state,link"); err != nil {
		h.logger.Debug("pr checks fetch failed", "pr", prArg, "error", err)
		return PRChecks{PR: ref, Overall: OverallUnknown}
	}
	checks := make([]CheckRun, 0, len(rows))
	for _, row := range rows {
		status, conclusion := MapCheckState(row.State)
		name := row.Name
		if name == "" {
			name = "unnamed"
		}
		checks = append(checks, CheckRun{Name: name, Status: status, Conclusion: conclusion, DetailsURL: row.Link})
	}
	return PRChecks{PR: ref, Checks: checks, Overall: Overall(checks)}
}

// WaitForChecks polls until the overall state settles or the timeout
// elapses.
func (h *CLIHost) WaitForChecks(ctx context.Context, ref PRRef, timeout, pollInterval time.Duration) (PRChecks, WaitStats) {
	return waitForChecks(ctx, func() PRChecks {
		return h.FetchChecks(ctx, ref)
	}, timeout, pollInterval)
}

// IsBehindBase fetches both refs then answers from local history: the branch
// is behind when the remote base tip is not an ancestor of the branch tip.
// Any failure answers false; a skipped rebase surfaces later at merge time.
func (h *CLIHost) IsBehindBase(ctx context.Context, branch, baseBranch string) bool {
	if branch == "" {
		return false
	}
	if _, err := h.run(ctx, "git", "fetch", "origin", baseBranch, branch); err != nil {
		return false
	}
	repo, err := gogit.PlainOpen(h.repoRoot)
	if err != nil {
		return false
	}
	baseRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", baseBranch), true)
	if err != nil {
		return false
	}
	headRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return false
	}
	baseCommit, err := repo.CommitObject(baseRef.Hash())
	if err != nil {
		return false
	}
	headCommit, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return false
	}
	isAncestor, err := baseCommit.IsAncestor(headCommit)
	if err != nil {
		return false
	}
	return !isAncestor
}

// Rebase checks out the pull request, rebases it on the base branch, and
// force-pushes with lease. A conflicted rebase is aborted and reported with
// the conflicting files.
func (h *CLIHost) Rebase(ctx context.Context, prNumber int, baseBranch string) RebaseResult {
	if prNumber == 0 {
		return RebaseResult{Message: "missing_pr_number"}
	}
	if _, err := h.run(ctx, "gh", "pr", "checkout", fmt.Sprint(prNumber)); err != nil {
		return RebaseResult{Message: firstLine(err.Error(), "checkout_failed")}
	}
	if _, err := h.run(ctx, "git", "fetch", "origin", baseBranch); err != nil {
		return RebaseResult{Message: firstLine(err.Error(), "fetch_failed")}
	}
	if _, err := h.run(ctx, "git", "rebase", "origin/"+baseBranch); err != nil {
		files := h.conflictFiles(ctx)
		_, _ = h.run(ctx, "git", "rebase", "--abort")
		return RebaseResult{
			Conflict:     len(files) > 0,
			Message:      firstLine(err.Error(), "rebase_failed"),
			SuspectFiles: files,
		}
	}
	if _, err := h.run(ctx, "git", "push", "--force-with-lease"); err != nil {
		return RebaseResult{Message: firstLine(err.Error(), "push_failed")}
	}
	head, err := h.run(ctx, "git", "rev-parse", "HEAD")
	result := RebaseResult{OK: true, Message: "rebased"}
	if err == nil {
		result.NewHeadSHA = strings.TrimSpace(head)
	}
	return result
}

// Merge merges the pull request with the given strategy, deleting the branch
// and falling back to auto-merge when checks are still required.
func (h *CLIHost) Merge(ctx context.Context, prNumber int, strategy string) MergeResult {
	if prNumber == 0 {
		return MergeResult{Message: "missing_pr_number"}
	}
	flag := map[string]string{"squash": "--squash", "merge": "--merge", "rebase": "--rebase"}[strategy]
	if flag == "" {
		flag = "--squash"
	}
	if _, err := h.run(ctx, "gh", "pr", "merge", fmt.Sprint(prNumber), flag, "--delete-branch", "--auto"); err != nil {
		message := firstLine(err.Error(), "merge_failed")
		return MergeResult{Conflict: strings.Contains(strings.ToLower(message), "conflict"), Message: message}
	}
	return MergeResult{OK: true, Message: "merged"}
}

// FindArtifactForCommit looks for the contract bundle artifact published by
// the pull request workflow for the given commit. Nil means no bundle.
func (h *CLIHost) FindArtifactForCommit(ctx context.Context, prNumber int, sha string) *ArtifactRef {
	if sha == "" || h.repo == "" {
		return nil
	}
	expected := h.artifactName(sha)

	var runsPayload struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	err := h.runJSON(ctx, &runsPayload, "gh", "api",
		fmt.Sprintf("repos/%s/actions/runs", h.repo),
		"-f", "event=pull_request", "-f", "head_sha="+sha, "-f", "per_page=100")
	if err != nil {
		h.logger.Debug("workflow run listing failed", "sha", sha, "error", err)
		return nil
	}

	runs := runsPayload.WorkflowRuns
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	for _, run := range runs {
		if run.HeadSHA != sha {
			continue
		}
		if prNumber != 0 && !runReferencesPR(run.PullRequests, prNumber) {
			continue
		}
		if ref := h.pickRunArtifact(ctx, run.ID, sha, expected); ref != nil {
			return ref
		}
	}
	return nil
}

func (h *CLIHost) pickRunArtifact(ctx context.Context, runID int64, sha, expected string) *ArtifactRef {
	var payload struct {
		Artifacts []struct {
			Name               string `json:"name"`
			Expired            bool   `json:"expired"`
			CreatedAt          string `json:"created_at"`
			ArchiveDownloadURL string `json:"archive_download_url"`
		} `json:"artifacts"`
	}
	err := h.runJSON(ctx, &payload, "gh", "api",
		fmt.Sprintf("repos/%s/actions/runs/%d/artifacts", h.repo, runID), "-f", "per_page=100")
	if err != nil {
		return nil
	}
	best := -1
	for i, row := range payload.Artifacts {
		if row.Name != expected || row.Expired {
			continue
		}
		if best == -1 || row.CreatedAt > payload.Artifacts[best].CreatedAt {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return &ArtifactRef{
		Name:        expected,
		URL:         payload.Artifacts[best].ArchiveDownloadURL,
		RunID:       runID,
		SHA:         sha,
		CreatedAt:   payload.Artifacts[best].CreatedAt,
		SelectedVia: "gh:run-artifacts",
	}
}

// DownloadBundle fetches the artifact into destDir/<sha> and parses it.
// Download failures are carried in the bundle error list so the caller can
// distinguish a missing bundle from a corrupt one.
func (h *CLIHost) DownloadBundle(ctx context.Context, ref ArtifactRef, destDir string) *ContractBundle {
	target := filepath.Join(destDir, ref.SHA)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &ContractBundle{Source: "remote", Errors: []string{"bundle_dir_create_failed"}}
	}
	var downloadErrors []string
	if _, err := h.run(ctx, "gh", "run", "download", fmt.Sprint(ref.RunID), "-n", ref.Name, "-D", target); err != nil {
		downloadErrors = append(downloadErrors, "gh_download_failed:"+firstLine(err.Error(), "unknown"))
	}
	bundle := ParseBundle(target)
	bundle.SHA = ref.SHA
	bundle.Errors = append(bundle.Errors, downloadErrors...)
	bundle.ValidateMetadata(ref, h.repo)
	return bundle
}

func (h *CLIHost) conflictFiles(ctx context.Context) []string {
	out, err := h.run(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files
}

// run executes a command in the repo root, returning stdout. A non-zero exit
// wraps stderr into the error.
func (h *CLIHost) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = h.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s", message)
	}
	return stdout.String(), nil
}

func (h *CLIHost) runJSON(ctx context.Context, out any, name string, args ...string) error {
	stdout, err := h.run(ctx, name, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(stdout), out)
}

func prArgument(ref PRRef) string {
	if ref.Number != 0 {
		return fmt.Sprint(ref.Number)
	}
	if ref.URL != "" {
		return ref.URL
	}
	return ref.HeadSHA
}

type workflowRun struct {
	ID           int64    `json:"id"`
	HeadSHA      string   `json:"head_sha"`
	PullRequests []prStub `json:"pull_requests"`
}

type prStub struct {
	Number int `json:"number"`
}

func runReferencesPR(prs []prStub, prNumber int) bool {
	for _, pr := range prs {
		if pr.Number == prNumber {
			return true
		}
	}
	return false
}

func firstLine(message, fallback string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return fallback
	}
	if idx := strings.IndexByte(trimmed, '\n'); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
