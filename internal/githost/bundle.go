package githost

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Contract bundle layout. Every publish attaches these files per commit.
var (
	requiredBundleFiles = []string{
		"stability_doctrine.json",
		"contract_status.json",
		"artifact_metadata.json",
		"contract_manifest.json",
	}
	optionalBundleFiles = []string{
		"ci_baseline.json",
		"progress_baseline.json",
	}
)

// ContractBundle is a parsed and validated per-commit contract bundle.
type ContractBundle struct {
	SHA              string                    `json:"sha"`
	Paths            map[string]string         `json:"paths"`
	Parsed           map[string]map[string]any `json:"parsed"`
	Source           string                    `json:"source"`
	Errors           []string                  `json:"errors"`
	Metadata         map[string]any            `json:"metadata"`
	MetadataOK       bool                      `json:"metadata_ok"`
	ManifestOK       bool                      `json:"manifest_ok"`
	BundleSHA256     string                    `json:"bundle_sha256"`
	FailingHashPaths []string                  `json:"failing_hash_paths"`
}

// File returns one parsed bundle file, or nil.
func (b *ContractBundle) File(name string) map[string]any {
	if b == nil {
		return nil
	}
	return b.Parsed[name]
}

// ParseBundle loads and validates a bundle directory. Missing required files
// and manifest mismatches are recorded as errors, never panics; callers gate
// on MetadataOK/ManifestOK and the error list.
func ParseBundle(dir string) *ContractBundle {
	bundle := &ContractBundle{
		Paths:  map[string]string{},
		Parsed: map[string]map[string]any{},
		Source: "remote",
		Errors: []string{},
	}
	for _, name := range append(append([]string{}, requiredBundleFiles...), optionalBundleFiles...) {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if isRequiredBundleFile(name) {
				bundle.Errors = append(bundle.Errors, "bundle_missing_required:"+name)
			}
			continue
		}
		bundle.Paths[name] = path
		payload := fsutil.LoadJSONMap(path)
		if payload == nil {
			bundle.Errors = append(bundle.Errors, "invalid_json:"+name)
			continue
		}
		bundle.Parsed[name] = payload
		if bundle.SHA == "" {
			if sha, ok := payload["git_sha"].(string); ok {
				bundle.SHA = sha
			} else if sha, ok := payload["sha"].(string); ok {
				bundle.SHA = sha
			}
		}
	}
	if metadata, ok := bundle.Parsed["artifact_metadata.json"]; ok {
		bundle.Metadata = metadata
	} else {
		bundle.Metadata = map[string]any{}
	}
	validateManifest(bundle, dir)
	return bundle
}

// validateManifest checks each bundle file against its manifest sha256 and
// recomputes the manifest's own bundle hash from the sorted path/digest
// pairs.
func validateManifest(bundle *ContractBundle, dir string) {
	manifest, ok := bundle.Parsed["contract_manifest.json"]
	if !ok {
		bundle.ManifestOK = false
		if !containsString(bundle.Errors, "bundle_missing_required:contract_manifest.json") {
			bundle.Errors = append(bundle.Errors, "manifest_missing")
		}
		return
	}

	requiredFiles := stringList(manifest["required_files"])
	if len(requiredFiles) == 0 {
		requiredFiles = requiredBundleFiles
	}
	optionalFiles := stringList(manifest["optional_files"])
	if len(optionalFiles) == 0 {
		optionalFiles = optionalBundleFiles
	}
	fileHashes, _ := manifest["file_sha256"].(map[string]any)

	var failing []string
	for _, relPath := range append(append([]string{}, requiredFiles...), optionalFiles...) {
		candidate := filepath.Join(dir, relPath)
		raw, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		manifestHash, ok := fileHashes[relPath].(string)
		if !ok || manifestHash == "" {
			failing = append(failing, relPath)
			continue
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != manifestHash {
			failing = append(failing, relPath)
		}
	}

	pairs := make([]string, 0, len(fileHashes))
	for path := range fileHashes {
		if _, ok := fileHashes[path].(string); ok {
			pairs = append(pairs, path)
		}
	}
	sort.Strings(pairs)
	var canonical strings.Builder
	for _, path := range pairs {
		fmt.Fprintf(&canonical, "%s\n%s\n", path, fileHashes[path].(string))
	}
	sum := sha256.Sum256([]byte(canonical.String()))
	recomputed := hex.EncodeToString(sum[:])
	manifestBundleHash, _ := manifest["bundle_sha256"].(string)
	if manifestBundleHash == "" || recomputed != manifestBundleHash {
		if !containsString(failing, "bundle_sha256") {
			failing = append(failing, "bundle_sha256")
		}
	}

	bundle.FailingHashPaths = failing
	bundle.BundleSHA256 = manifestBundleHash
	bundle.ManifestOK = len(failing) == 0
	if len(failing) > 0 {
		bundle.Errors = append(bundle.Errors, "manifest_mismatch")
	}
}

// ValidateMetadata cross-checks the bundle metadata against the artifact it
// was downloaded from: commit sha, repository slug, and workflow run id must
// agree, and every timestamp-named field must parse.
func (b *ContractBundle) ValidateMetadata(ref ArtifactRef, repo string) {
	if len(b.Metadata) == 0 {
		b.MetadataOK = false
		return
	}
	var mismatches []string
	sha, _ := b.Metadata["sha"].(string)
	if sha == "" {
		sha, _ = b.Metadata["git_sha"].(string)
	}
	if sha != "" && sha != ref.SHA {
		mismatches = append(mismatches, "metadata_mismatch:sha")
	}
	if metaRepo, ok := b.Metadata["repository"].(string); ok && repo != "" && metaRepo != "" && metaRepo != repo {
		mismatches = append(mismatches, "metadata_mismatch:repository")
	}
	if runID, ok := b.Metadata["run_id"].(float64); ok && ref.RunID != 0 && int64(runID) != ref.RunID {
		mismatches = append(mismatches, "metadata_mismatch:run_id")
	}
	for key, value := range b.Metadata {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(key, "_at") || strings.Contains(key, "timestamp") {
			if _, ok := fsutil.ParseISO(text); !ok {
				mismatches = append(mismatches, "metadata_invalid_timestamp:"+key)
			}
		}
	}
	b.Errors = append(b.Errors, mismatches...)
	b.MetadataOK = true
	for _, item := range mismatches {
		if strings.HasPrefix(item, "metadata_mismatch:") {
			b.MetadataOK = false
			break
		}
	}
}

// LoadLocalBundle builds a bundle view from the local contracts directory,
// used as the fallback when no remote bundle exists for a commit.
func LoadLocalBundle(contractsDir string) *ContractBundle {
	bundle := ParseBundle(contractsDir)
	bundle.Source = "local"
	return bundle
}

// FetchLogRow is the row appended to the doctrine fetch log per attempt.
func (b *ContractBundle) FetchLogRow(prNumber int, ref *ArtifactRef) map[string]any {
	row := map[string]any{
		"fetched_at":  time.Now().UTC().Format(time.RFC3339),
		"pr_number":   prNumber,
		"sha":         b.SHA,
		"source":      b.Source,
		"metadata_ok": b.MetadataOK,
		"manifest_ok": b.ManifestOK,
		"errors":      b.Errors,
	}
	if ref != nil {
		row["artifact_name"] = ref.Name
		row["run_id"] = ref.RunID
		row["selected_via"] = ref.SelectedVia
	}
	return row
}

func isRequiredBundleFile(name string) bool {
	return containsString(requiredBundleFiles, name)
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func stringList(value any) []string {
	items, ok := value.([]any)
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
