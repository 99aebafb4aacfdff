// Package integrity verifies the hash-chained records the merge train gates
// on: the merge receipt chain, the audit log chain, and cross-node federation
// snapshots. Each verifier reports ok/broken/unknown and an enforce/warn
// split controlled by environment flags.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Chain statuses.
const (
	StatusOK      = "ok"
	StatusBroken  = "broken"
	StatusUnknown = "unknown"
)

// Receipt chain enforcement env knobs.
const (
	EnvReceiptChainEnforce = "GREENKEEPER_RECEIPT_CHAIN_ENFORCE"
	EnvReceiptChainWarn    = "GREENKEEPER_RECEIPT_CHAIN_WARN"
)

// ChainBreak describes the first broken link found.
type ChainBreak struct {
	ReceiptID string `json:"receipt_id"`
	Reason    string `json:"reason"`
	Expected  string `json:"expected,omitempty"`
	Found     string `json:"found,omitempty"`
}

// ChainVerification is the outcome of one receipt chain walk.
type ChainVerification struct {
	Status       string      `json:"status"`
	CheckedAt    string      `json:"checked_at"`
	CheckedCount int         `json:"checked_count"`
	Break        *ChainBreak `json:"break,omitempty"`
}

// OK reports whether the chain verified clean.
func (v ChainVerification) OK() bool { return v.Status == StatusOK }

// ReceiptChain manages the hash-linked merge receipt records in one
// directory. Each receipt carries the hash of its predecessor, so tampering
// with any historical receipt breaks every later link.
type ReceiptChain struct {
	dir       string
	indexPath string
}

// NewReceiptChain stores receipts as merge_receipt_<id>.json under dir and
// keeps a compact index at indexPath.
func NewReceiptChain(dir, indexPath string) *ReceiptChain {
	return &ReceiptChain{dir: dir, indexPath: indexPath}
}

// CanonicalHash computes the sha256 of the canonical JSON encoding of the
// payload with the receipt_hash field removed.
func CanonicalHash(payload map[string]any) string {
	unsigned := make(map[string]any, len(payload))
	for key, value := range payload {
		if key == "receipt_hash" {
			continue
		}
		unsigned[key] = value
	}
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(append(raw, '\n'))
	return hex.EncodeToString(sum[:])
}

// Append links the payload to the latest receipt, signs it, and persists it
// with an index row. The returned payload includes prev_receipt_hash and
// receipt_hash.
func (c *ReceiptChain) Append(payload map[string]any) (map[string]any, error) {
	signed := make(map[string]any, len(payload)+2)
	for key, value := range payload {
		signed[key] = value
	}
	if prev := c.LatestHash(); prev != "" {
		signed["prev_receipt_hash"] = prev
	} else {
		signed["prev_receipt_hash"] = nil
	}
	signed["receipt_hash"] = CanonicalHash(signed)

	receiptID, _ := signed["receipt_id"].(string)
	if receiptID == "" {
		receiptID = "receipt"
	}
	path := filepath.Join(c.dir, "merge_receipt_"+safeName(receiptID)+".json")
	if err := fsutil.WriteJSONAtomic(path, signed); err != nil {
		return nil, err
	}
	row := map[string]any{
		"receipt_id":        signed["receipt_id"],
		"created_at":        signed["created_at"],
		"receipt_hash":      signed["receipt_hash"],
		"prev_receipt_hash": signed["prev_receipt_hash"],
		"pr_number":         signed["pr_number"],
		"head_sha":          signed["head_sha"],
	}
	if doctrine, ok := signed["doctrine_identity"].(map[string]any); ok {
		row["bundle_sha256"] = doctrine["bundle_sha256"]
	}
	if err := fsutil.AppendJSONL(c.indexPath, row); err != nil {
		return nil, err
	}
	return signed, nil
}

// LatestHash returns the receipt_hash of the newest receipt, preferring the
// index over a full directory scan.
func (c *ReceiptChain) LatestHash() string {
	rows := fsutil.ReadJSONL(c.indexPath)
	for i := len(rows) - 1; i >= 0; i-- {
		if hash, ok := rows[i]["receipt_hash"].(string); ok && hash != "" {
			return hash
		}
	}
	records := c.records()
	for i := len(records) - 1; i >= 0; i-- {
		if hash, ok := records[i]["receipt_hash"].(string); ok && hash != "" {
			return hash
		}
	}
	return ""
}

// Latest returns the newest receipt record, or nil.
func (c *ReceiptChain) Latest() map[string]any {
	records := c.records()
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

// Verify walks the chain, optionally restricted to the last N records. An
// empty chain is "unknown", not broken.
func (c *ReceiptChain) Verify(last int) ChainVerification {
	records := c.records()
	checkedAt := fsutil.ISONow()
	if len(records) == 0 {
		return ChainVerification{Status: StatusUnknown, CheckedAt: checkedAt}
	}

	start := 0
	if last > 0 && len(records) > last {
		start = len(records) - last
	}
	priorHash := ""
	if start > 0 {
		priorHash, _ = records[start-1]["receipt_hash"].(string)
	}

	for idx := start; idx < len(records); idx++ {
		record := records[idx]
		receiptID, _ := record["receipt_id"].(string)
		if receiptID == "" {
			receiptID = "index-" + strconv.Itoa(idx)
		}
		foundHash, _ := record["receipt_hash"].(string)
		broken := func(reason, expected, found string) ChainVerification {
			return ChainVerification{
				Status:       StatusBroken,
				CheckedAt:    checkedAt,
				CheckedCount: idx - start + 1,
				Break:        &ChainBreak{ReceiptID: receiptID, Reason: reason, Expected: expected, Found: found},
			}
		}
		if foundHash == "" {
			return broken("receipt_hash_missing", "", "")
		}
		if expected := CanonicalHash(record); expected != foundHash {
			return broken("receipt_hash_mismatch", expected, foundHash)
		}
		foundPrev, _ := record["prev_receipt_hash"].(string)
		if foundPrev != priorHash {
			return broken("prev_receipt_hash_mismatch", priorHash, foundPrev)
		}
		priorHash = foundHash
	}
	return ChainVerification{Status: StatusOK, CheckedAt: checkedAt, CheckedCount: len(records) - start}
}

// MaybeVerify honors the enforce/warn env split. A nil verification means
// neither flag is set. The booleans report whether a failed verification
// should block or merely annotate.
func (c *ReceiptChain) MaybeVerify(last int) (result *ChainVerification, block, warn bool) {
	enforce := os.Getenv(EnvReceiptChainEnforce) == "1"
	warnOnly := os.Getenv(EnvReceiptChainWarn) == "1"
	if !enforce && !warnOnly {
		return nil, false, false
	}
	verification := c.Verify(last)
	return &verification, enforce && !verification.OK(), warnOnly && !enforce && !verification.OK()
}

// RebuildIndex rewrites the compact index from the receipt records.
func (c *ReceiptChain) RebuildIndex() ([]map[string]any, error) {
	records := c.records()
	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		row := map[string]any{
			"receipt_id":        record["receipt_id"],
			"created_at":        record["created_at"],
			"receipt_hash":      record["receipt_hash"],
			"prev_receipt_hash": record["prev_receipt_hash"],
			"pr_number":         record["pr_number"],
			"head_sha":          record["head_sha"],
		}
		if doctrine, ok := record["doctrine_identity"].(map[string]any); ok {
			row["bundle_sha256"] = doctrine["bundle_sha256"]
		}
		rows = append(rows, row)
	}
	var buf strings.Builder
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			continue
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(c.indexPath), 0o755); err != nil {
		return nil, err
	}
	tmp := c.indexPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, c.indexPath); err != nil {
		return nil, err
	}
	return rows, nil
}

// records loads receipts sorted by (created_at, receipt_id).
func (c *ReceiptChain) records() []map[string]any {
	matches, err := filepath.Glob(filepath.Join(c.dir, "merge_receipt_*.json"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	var records []map[string]any
	for _, path := range matches {
		payload := fsutil.LoadJSONMap(path)
		if len(payload) == 0 {
			continue
		}
		if _, ok := payload["created_at"]; !ok {
			if mergedAt, ok := payload["merged_at"].(string); ok {
				payload["created_at"] = mergedAt
			}
		}
		if _, ok := payload["receipt_id"]; !ok {
			base := strings.TrimSuffix(filepath.Base(path), ".json")
			payload["receipt_id"] = strings.TrimPrefix(base, "merge_receipt_")
		}
		records = append(records, payload)
	}
	sort.SliceStable(records, func(i, j int) bool {
		ci, _ := records[i]["created_at"].(string)
		cj, _ := records[j]["created_at"].(string)
		if ci != cj {
			return ci < cj
		}
		ri, _ := records[i]["receipt_id"].(string)
		rj, _ := records[j]["receipt_id"].(string)
		return ri < rj
	})
	return records
}

func safeName(id string) string {
	var out strings.Builder
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			out.WriteRune(ch)
		default:
			out.WriteByte('-')
		}
	}
	return out.String()
}
