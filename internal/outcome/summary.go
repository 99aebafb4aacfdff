// Package outcome derives normalized progress summaries from raw build
// reports. Summaries are recomputed on demand and never persisted, so they
// cannot drift from the report they describe.
package outcome

import (
	"strconv"
	"strings"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Summary is the normalized view of one build report.
type Summary struct {
	RunID                string   `json:"run_id"`
	GoalID               string   `json:"goal_id,omitempty"`
	CampaignID           string   `json:"campaign_id,omitempty"`
	Outcome              string   `json:"outcome"`
	CIBeforeFailedCount  *int     `json:"ci_before_failed_count,omitempty"`
	CIAfterFailedCount   *int     `json:"ci_after_failed_count,omitempty"`
	ProgressDeltaPercent *float64 `json:"progress_delta_percent,omitempty"`
	LastProgressImproved bool     `json:"last_progress_improved"`
	LastProgressNotes    []string `json:"last_progress_notes,omitempty"`
	NoImprovementStreak  int      `json:"no_improvement_streak"`
	AuditStatus          string   `json:"audit_status,omitempty"`
	CreatedAt            string   `json:"created_at"`
}

const maxProgressNotes = 8

// Summarize computes a Summary from a parsed report payload. Every field
// access has an explicit default; the report shape evolves independently of
// this core.
func Summarize(report map[string]any) Summary {
	summary := Summary{
		RunID:      firstString(report, "provenance_run_id", "run_id", "generated_at"),
		GoalID:     asString(report["goal_id"]),
		CampaignID: asString(report["campaign_id"]),
		Outcome:    asString(report["outcome"]),
		CreatedAt:  asString(report["generated_at"]),
	}
	if summary.Outcome == "" {
		summary.Outcome = "failed"
	}
	if summary.CreatedAt == "" {
		summary.CreatedAt = fsutil.ISONow()
	}

	before := asMap(report["ci_baseline_before"])
	after := asMap(report["ci_baseline_after"])
	summary.CIBeforeFailedCount = asIntPtr(before["failed_count"])
	summary.CIAfterFailedCount = asIntPtr(after["failed_count"])
	if summary.CIBeforeFailedCount == nil {
		summary.CIBeforeFailedCount = asIntPtr(report["test_failures_before"])
	}
	if summary.CIAfterFailedCount == nil {
		summary.CIAfterFailedCount = asIntPtr(report["test_failures_after"])
	}

	progressDelta := asMap(report["progress_delta"])
	summary.ProgressDeltaPercent = asFloatPtr(progressDelta["reduction_pct"])
	if summary.ProgressDeltaPercent == nil {
		summary.ProgressDeltaPercent = asFloatPtr(progressDelta["progress_delta_percent"])
	}
	if summary.ProgressDeltaPercent == nil &&
		summary.CIBeforeFailedCount != nil && summary.CIAfterFailedCount != nil &&
		*summary.CIBeforeFailedCount > 0 {
		pct := float64(*summary.CIBeforeFailedCount-*summary.CIAfterFailedCount) /
			float64(*summary.CIBeforeFailedCount) * 100
		summary.ProgressDeltaPercent = &pct
	}

	baselineProgress, _ := report["baseline_progress"].([]any)
	if len(baselineProgress) > 0 {
		last := asMap(baselineProgress[len(baselineProgress)-1])
		summary.LastProgressNotes = appendNotes(summary.LastProgressNotes, last["notes"])
		delta := asMap(last["delta"])
		if improved, ok := delta["improved"].(bool); ok {
			summary.LastProgressImproved = improved
		}
		summary.LastProgressNotes = appendNotes(summary.LastProgressNotes, delta["notes"])
	} else {
		switch {
		case summary.CIBeforeFailedCount != nil && summary.CIAfterFailedCount != nil:
			summary.LastProgressImproved = *summary.CIAfterFailedCount < *summary.CIBeforeFailedCount
		case summary.ProgressDeltaPercent != nil:
			summary.LastProgressImproved = *summary.ProgressDeltaPercent > 0
		}
	}
	if len(summary.LastProgressNotes) > maxProgressNotes {
		summary.LastProgressNotes = summary.LastProgressNotes[:maxProgressNotes]
	}

	if streak := asIntPtr(report["no_improvement_streak"]); streak != nil {
		summary.NoImprovementStreak = *streak
	} else {
		summary.NoImprovementStreak = inferNoImprovementStreak(baselineProgress)
	}

	summary.AuditStatus = asString(report["audit_status"])
	if summary.AuditStatus == "" {
		doctrine := asMap(report["stability_doctrine"])
		summary.AuditStatus = asString(doctrine["audit_strict_status"])
	}
	return summary
}

// Improved reports whether the summary shows measurable CI improvement.
func (s Summary) Improved() bool {
	if s.LastProgressImproved {
		return true
	}
	if s.CIBeforeFailedCount != nil && s.CIAfterFailedCount != nil &&
		*s.CIAfterFailedCount < *s.CIBeforeFailedCount {
		return true
	}
	return s.ProgressDeltaPercent != nil && *s.ProgressDeltaPercent > 0
}

// Stagnant reports whether the summary shows a run that made no progress:
// both counts present, after >= before, and no improvement flag.
func (s Summary) Stagnant() bool {
	return s.CIBeforeFailedCount != nil && s.CIAfterFailedCount != nil &&
		*s.CIAfterFailedCount >= *s.CIBeforeFailedCount && !s.LastProgressImproved
}

func inferNoImprovementStreak(progress []any) int {
	streak := 0
	for i := len(progress) - 1; i >= 0; i-- {
		delta := asMap(asMap(progress[i])["delta"])
		if delta == nil {
			continue
		}
		if improved, _ := delta["improved"].(bool); improved {
			break
		}
		streak++
	}
	return streak
}

func appendNotes(notes []string, raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return notes
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			notes = append(notes, s)
		}
	}
	return notes
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := asString(payload[key]); s != "" {
			return s
		}
	}
	return ""
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

func asIntPtr(value any) *int {
	switch v := value.(type) {
	case bool:
		return nil
	case int:
		return &v
	case float64:
		n := int(v)
		return &n
	case string:
		trimmed := strings.TrimSpace(v)
		if n, err := strconv.Atoi(trimmed); err == nil {
			return &n
		}
	}
	return nil
}

func asFloatPtr(value any) *float64 {
	switch v := value.(type) {
	case bool:
		return nil
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}
