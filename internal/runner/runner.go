// Package runner is the build-execution collaborator boundary. The daemon
// hands it a goal and gets back a Report; how the goal was executed is
// opaque to the orchestrator.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"git.home.luguber.info/inful/greenkeeper/internal/errors"
	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Runner executes one goal and returns the report it produced.
type Runner interface {
	Run(ctx context.Context, goal, initiator, requestID string, metadata map[string]any) (Report, error)
}

// Report is the strict optional-field view of the collaborator's report
// payload. The shape evolves independently of this core, so every accessor
// has an explicit default.
type Report map[string]any

// String returns the string at key, or fallback.
func (r Report) String(key, fallback string) string {
	if value, ok := r[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// Int returns the integer at key. JSON numbers decode as float64.
func (r Report) Int(key string, fallback int) int {
	switch v := r[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// Bool returns the boolean at key, or fallback.
func (r Report) Bool(key string, fallback bool) bool {
	if value, ok := r[key].(bool); ok {
		return value
	}
	return fallback
}

// Map returns the nested object at key, or nil.
func (r Report) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Strings returns the string list at key.
func (r Report) Strings(key string) []string {
	items, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Outcome returns the report outcome, defaulting to failed.
func (r Report) Outcome() string { return r.String("outcome", "failed") }

// GeneratedAt returns the report timestamp.
func (r Report) GeneratedAt() string { return r.String("generated_at", "") }

// GitSHA returns the commit the run produced, if any.
func (r Report) GitSHA() string { return r.String("git_sha", "") }

// ProvenanceRunID returns the run identity, falling back through the legacy
// key and finally the timestamp.
func (r Report) ProvenanceRunID() string {
	if id := r.String("provenance_run_id", ""); id != "" {
		return id
	}
	if id := r.String("run_id", ""); id != "" {
		return id
	}
	return r.GeneratedAt()
}

// PublishRemote returns the publish block: pr_url and checks_overall.
func (r Report) PublishRemote() map[string]any { return r.Map("publish_remote") }

// PRURL returns the opened change request URL, if the run published one.
func (r Report) PRURL() string {
	if remote := r.PublishRemote(); remote != nil {
		if url, ok := remote["pr_url"].(string); ok {
			return url
		}
	}
	return ""
}

// TotalFilesChanged reads the files-changed count from the report budget
// block.
func (r Report) TotalFilesChanged() int {
	if budget := r.Map("baseline_budget"); budget != nil {
		if v, ok := budget["total_files_changed"].(float64); ok {
			return int(v)
		}
	}
	return 0
}

// LoadReport reads a report file. A missing or unparsable report is an
// empty Report, never an error; accessors then return their defaults.
func LoadReport(path string) Report {
	payload := fsutil.LoadJSONMap(path)
	if payload == nil {
		return Report{}
	}
	return Report(payload)
}

// ExecRunner invokes an external command for each goal. The command receives
// the goal and request id as arguments plus metadata via environment, and
// must leave its report JSON at the configured path (or print it to stdout
// when no path is configured).
type ExecRunner struct {
	command    []string
	reportPath string
	workDir    string
	logger     *slog.Logger
}

// NewExecRunner builds a runner around command. reportPath may be empty, in
// which case stdout is parsed as the report.
func NewExecRunner(command []string, reportPath, workDir string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{command: command, reportPath: reportPath, workDir: workDir, logger: logger}
}

// Run executes the configured command for one goal.
func (e *ExecRunner) Run(ctx context.Context, goal, initiator, requestID string, metadata map[string]any) (Report, error) {
	if len(e.command) == 0 {
		return nil, errors.New(errors.CategoryRunner, errors.SeverityError, "no runner command configured")
	}
	args := append(append([]string{}, e.command[1:]...), goal)
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		"GREENKEEPER_RUN_GOAL="+goal,
		"GREENKEEPER_RUN_INITIATOR="+initiator,
		"GREENKEEPER_RUN_REQUEST_ID="+requestID,
	)
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			cmd.Env = append(cmd.Env, "GREENKEEPER_RUN_METADATA="+string(raw))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	e.logger.Info("runner starting", "goal", goal, "request_id", requestID)
	runErr := cmd.Run()
	if runErr != nil {
		e.logger.Warn("runner command failed",
			"goal", goal,
			"request_id", requestID,
			"error", runErr,
			"stderr", firstLine(stderr.String()))
	}

	if e.reportPath != "" {
		report := LoadReport(e.reportPath)
		if len(report) == 0 && runErr != nil {
			return nil, errors.Wrap(runErr, errors.CategoryRunner, errors.SeverityError, "runner failed without a report")
		}
		return report, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		if runErr != nil {
			return nil, errors.Wrap(runErr, errors.CategoryRunner, errors.SeverityError, "runner failed without a report")
		}
		return nil, errors.Wrap(err, errors.CategoryRunner, errors.SeverityError, "runner produced unparsable report")
	}
	return Report(payload), nil
}

func firstLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if idx := strings.IndexByte(trimmed, '\n'); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}
