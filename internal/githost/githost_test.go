package githost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverall(t *testing.T) {
	assert.Equal(t, OverallUnknown, Overall(nil))
	assert.Equal(t, OverallSuccess, Overall([]CheckRun{
		{Name: "build", Conclusion: "success"},
		{Name: "test", Conclusion: "success"},
	}))
	assert.Equal(t, OverallFailure, Overall([]CheckRun{
		{Name: "build", Conclusion: "success"},
		{Name: "test", Conclusion: "failure"},
	}))
	assert.Equal(t, OverallPending, Overall([]CheckRun{
		{Name: "build", Conclusion: "success"},
		{Name: "test", Status: "in_progress"},
	}))
	assert.Equal(t, OverallFailure, Overall([]CheckRun{
		{Name: "test", Conclusion: "timed_out"},
	}))
}

func TestMapCheckState(t *testing.T) {
	status, conclusion := MapCheckState("pass")
	assert.Equal(t, "completed", status)
	assert.Equal(t, "success", conclusion)

	status, conclusion = MapCheckState("fail")
	assert.Equal(t, "completed", status)
	assert.Equal(t, "failure", conclusion)

	status, conclusion = MapCheckState("in_progress")
	assert.Equal(t, "in_progress", status)
	assert.Empty(t, conclusion)

	status, _ = MapCheckState("whatever")
	assert.Equal(t, "unknown", status)
}

func TestParsePRNumber(t *testing.T) {
	assert.Equal(t, 42, ParsePRNumber("https://example.com/owner/repo/pull/42"))
	assert.Zero(t, ParsePRNumber("https://example.com/owner/repo"))
	assert.Zero(t, ParsePRNumber(""))
}

func TestWaitForChecksSettles(t *testing.T) {
	calls := 0
	fetch := func() PRChecks {
		calls++
		if calls < 3 {
			return PRChecks{Overall: OverallPending}
		}
		return PRChecks{Overall: OverallSuccess}
	}
	checks, stats := waitForChecks(context.Background(), fetch, 30*time.Second, time.Second)
	assert.Equal(t, OverallSuccess, checks.Overall)
	assert.False(t, stats.TimedOut)
	assert.Equal(t, 3, stats.Polls)
}

func TestWaitForChecksTimesOut(t *testing.T) {
	fetch := func() PRChecks { return PRChecks{Overall: OverallPending} }
	checks, stats := waitForChecks(context.Background(), fetch, 0, time.Second)
	assert.Equal(t, OverallPending, checks.Overall)
	assert.True(t, stats.TimedOut)
	assert.Equal(t, 1, stats.Polls)
}

func writeBundleFile(t *testing.T, dir, name string, payload map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func writeValidBundle(t *testing.T, dir, sha string) {
	t.Helper()
	hashes := map[string]any{}
	hashes["stability_doctrine.json"] = writeBundleFile(t, dir, "stability_doctrine.json", map[string]any{
		"git_sha": sha, "baseline_integrity_ok": true, "runtime_integrity_ok": true,
	})
	hashes["contract_status.json"] = writeBundleFile(t, dir, "contract_status.json", map[string]any{"status": "green"})
	hashes["artifact_metadata.json"] = writeBundleFile(t, dir, "artifact_metadata.json", map[string]any{
		"sha": sha, "repository": "inful/greenkeeper", "generated_at": "2026-08-01T10:00:00Z",
	})

	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	var canonical strings.Builder
	for _, name := range names {
		fmt.Fprintf(&canonical, "%s\n%s\n", name, hashes[name])
	}
	bundleSum := sha256.Sum256([]byte(canonical.String()))

	manifest := map[string]any{
		"required_files": []any{"stability_doctrine.json", "contract_status.json", "artifact_metadata.json"},
		"optional_files": []any{},
		"file_sha256":    hashes,
		"bundle_sha256":  hex.EncodeToString(bundleSum[:]),
	}
	writeBundleFile(t, dir, "contract_manifest.json", manifest)
}

func TestParseBundleValid(t *testing.T) {
	dir := t.TempDir()
	writeValidBundle(t, dir, "abc123")

	bundle := ParseBundle(dir)
	assert.Equal(t, "abc123", bundle.SHA)
	assert.True(t, bundle.ManifestOK, "errors: %v", bundle.Errors)
	assert.Empty(t, bundle.FailingHashPaths)
	assert.NotNil(t, bundle.File("stability_doctrine.json"))
}

func TestParseBundleMissingRequiredFile(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "contract_status.json", map[string]any{"status": "green"})

	bundle := ParseBundle(dir)
	assert.Contains(t, bundle.Errors, "bundle_missing_required:stability_doctrine.json")
	assert.False(t, bundle.ManifestOK)
}

func TestParseBundleManifestMismatch(t *testing.T) {
	dir := t.TempDir()
	writeValidBundle(t, dir, "abc123")
	// Modify a hashed file after the manifest was computed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contract_status.json"), []byte(`{"status":"red"}`), 0o644))

	bundle := ParseBundle(dir)
	assert.False(t, bundle.ManifestOK)
	assert.Contains(t, bundle.Errors, "manifest_mismatch")
	assert.Contains(t, bundle.FailingHashPaths, "contract_status.json")
}

func TestValidateMetadata(t *testing.T) {
	dir := t.TempDir()
	writeValidBundle(t, dir, "abc123")
	bundle := ParseBundle(dir)

	bundle.ValidateMetadata(ArtifactRef{SHA: "abc123", RunID: 7}, "inful/greenkeeper")
	assert.True(t, bundle.MetadataOK)

	stale := ParseBundle(dir)
	stale.ValidateMetadata(ArtifactRef{SHA: "other-sha"}, "inful/greenkeeper")
	assert.False(t, stale.MetadataOK)
	assert.Contains(t, stale.Errors, "metadata_mismatch:sha")

	wrongRepo := ParseBundle(dir)
	wrongRepo.ValidateMetadata(ArtifactRef{SHA: "abc123"}, "someone/else")
	assert.False(t, wrongRepo.MetadataOK)
	assert.Contains(t, wrongRepo.Errors, "metadata_mismatch:repository")
}

func TestValidateMetadataEmptyMetadataNotOK(t *testing.T) {
	bundle := &ContractBundle{Metadata: map[string]any{}}
	bundle.ValidateMetadata(ArtifactRef{SHA: "abc"}, "")
	assert.False(t, bundle.MetadataOK)
}

func TestLoadLocalBundleMarksSource(t *testing.T) {
	dir := t.TempDir()
	writeValidBundle(t, dir, "abc123")
	bundle := LoadLocalBundle(dir)
	assert.Equal(t, "local", bundle.Source)
}

func TestFetchLogRow(t *testing.T) {
	bundle := &ContractBundle{SHA: "abc", Source: "remote", MetadataOK: true, ManifestOK: true, Errors: []string{}}
	ref := &ArtifactRef{Name: "greenkeeper-contracts-abc", RunID: 9, SelectedVia: "gh:run-artifacts"}
	row := bundle.FetchLogRow(12, ref)
	assert.Equal(t, "abc", row["sha"])
	assert.Equal(t, 12, row["pr_number"])
	assert.Equal(t, "greenkeeper-contracts-abc", row["artifact_name"])
}
