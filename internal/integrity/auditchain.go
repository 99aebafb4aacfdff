package integrity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Audit chain enforcement env knobs.
const (
	EnvAuditChainEnforce = "GREENKEEPER_AUDIT_CHAIN_ENFORCE"
	EnvAuditChainWarn    = "GREENKEEPER_AUDIT_CHAIN_WARN"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditBreak locates the first broken entry across the checked logs.
type AuditBreak struct {
	Path             string `json:"path"`
	ExpectedPrevHash string `json:"expected_prev_hash"`
	FoundPrevHash    string `json:"found_prev_hash"`
	LineNumber       int    `json:"line_number"`
}

// AuditVerification is the outcome of one audit chain walk. Each log entry
// must carry prev_hash linking, plus a rolling hash over
// (timestamp, canonical data, prev_hash).
type AuditVerification struct {
	Status         string           `json:"status"`
	CreatedAt      string           `json:"created_at"`
	BreakCount     int              `json:"break_count"`
	CheckedFiles   int              `json:"checked_files"`
	FirstBreak     *AuditBreak      `json:"first_break"`
	AffectedRanges []map[string]any `json:"affected_ranges"`
}

// OK reports whether every checked log chain verified clean.
func (v AuditVerification) OK() bool { return v.Status == StatusOK }

// AuditChain verifies the hash-linked audit logs under a directory.
type AuditChain struct {
	logsDir    string
	reportsDir string
}

// NewAuditChain checks *.jsonl logs under logsDir and writes verification
// reports under reportsDir.
func NewAuditChain(logsDir, reportsDir string) *AuditChain {
	return &AuditChain{logsDir: logsDir, reportsDir: reportsDir}
}

// EntryHash computes the rolling hash for one audit entry.
func EntryHash(timestamp string, data any, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	if raw, err := json.Marshal(data); err == nil {
		h.Write(raw)
	}
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks every log file in name order, threading one rolling hash
// across all of them. No log files at all is "unknown".
func (c *AuditChain) Verify() AuditVerification {
	files, _ := filepath.Glob(filepath.Join(c.logsDir, "*.jsonl"))
	sort.Strings(files)
	result := AuditVerification{
		Status:         StatusUnknown,
		CreatedAt:      fsutil.ISONow(),
		AffectedRanges: []map[string]any{},
	}
	if len(files) == 0 {
		return result
	}
	result.CheckedFiles = len(files)

	prevHash := genesisHash
	for _, path := range files {
		prevHash = c.verifyFile(path, prevHash, &result)
	}
	if result.BreakCount == 0 {
		result.Status = StatusOK
	} else {
		result.Status = StatusBroken
	}
	if len(result.AffectedRanges) > 20 {
		result.AffectedRanges = result.AffectedRanges[:20]
	}
	return result
}

// verifyFile checks one log, returning the rolling hash to carry forward.
// The first bad entry in a file marks the rest of that file affected and
// verification moves to the next file.
func (c *AuditChain) verifyFile(path, prevHash string, result *AuditVerification) string {
	f, err := os.Open(path)
	if err != nil {
		return prevHash
	}
	defer f.Close()

	base := filepath.Base(path)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0

	fail := func(foundPrev string) {
		result.BreakCount++
		if result.FirstBreak == nil {
			result.FirstBreak = &AuditBreak{
				Path:             base,
				ExpectedPrevHash: prevHash,
				FoundPrevHash:    foundPrev,
				LineNumber:       lineNo,
			}
		}
		result.AffectedRanges = append(result.AffectedRanges, map[string]any{
			"path":       base,
			"start_line": lineNo,
		})
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			fail("<invalid-json>")
			return prevHash
		}
		foundPrev, ok := entry["prev_hash"].(string)
		if !ok {
			foundPrev = "<missing>"
		}
		if foundPrev != prevHash {
			fail(foundPrev)
			return prevHash
		}
		timestamp, tsOK := entry["timestamp"].(string)
		data, dataOK := entry["data"]
		if !tsOK || !dataOK {
			fail(foundPrev)
			return prevHash
		}
		current, _ := entry["rolling_hash"].(string)
		if current == "" {
			current, _ = entry["hash"].(string)
		}
		if current != EntryHash(timestamp, data, prevHash) {
			fail(foundPrev)
			return prevHash
		}
		prevHash = current
	}
	return prevHash
}

// WriteReport persists the verification under the reports directory and
// returns the report path.
func (c *AuditChain) WriteReport(result AuditVerification) (string, error) {
	tag := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(c.reportsDir, fmt.Sprintf("audit_chain_report_%s.json", tag))
	if err := fsutil.WriteJSONAtomic(path, result); err != nil {
		return "", err
	}
	return path, nil
}

// MaybeVerify honors the enforce/warn env split; a nil result means neither
// flag is set. When a verification runs, a report is written and its path
// returned as gate evidence.
func (c *AuditChain) MaybeVerify() (result *AuditVerification, block, warn bool, reportPath string) {
	enforce := os.Getenv(EnvAuditChainEnforce) == "1"
	warnOnly := os.Getenv(EnvAuditChainWarn) == "1"
	if !enforce && !warnOnly {
		return nil, false, false, ""
	}
	verification := c.Verify()
	reportPath, _ = c.WriteReport(verification)
	return &verification, enforce && !verification.OK(), warnOnly && !enforce && !verification.OK(), reportPath
}

// AppendEntry writes one hash-linked entry to the named log, threading the
// rolling hash from the last entry in that log.
func (c *AuditChain) AppendEntry(logName string, data any) error {
	path := filepath.Join(c.logsDir, logName)
	prevHash := genesisHash
	rows := fsutil.ReadJSONL(path)
	for i := len(rows) - 1; i >= 0; i-- {
		if hash, ok := rows[i]["rolling_hash"].(string); ok && hash != "" {
			prevHash = hash
			break
		}
	}
	timestamp := fsutil.ISONow()
	entry := map[string]any{
		"timestamp":    timestamp,
		"data":         data,
		"prev_hash":    prevHash,
		"rolling_hash": EntryHash(timestamp, data, prevHash),
	}
	return fsutil.AppendJSONL(path, entry)
}
