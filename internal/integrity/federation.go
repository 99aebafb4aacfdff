package integrity

import (
	"os"
	"path/filepath"
	"sort"

	"git.home.luguber.info/inful/greenkeeper/internal/fsutil"
)

// Federation enforcement env knobs.
const (
	EnvFederationEnforce = "GREENKEEPER_FEDERATION_ENFORCE"
	EnvFederationWarn    = "GREENKEEPER_FEDERATION_WARN"
)

// Federation gate statuses.
const (
	FederationOK             = "ok"
	FederationDiverged       = "diverged"
	FederationNoPeerSnapshot = "no_peer_snapshot"
)

// FederationVerification compares the local integrity snapshot against peer
// node snapshots for the same artifacts.
type FederationVerification struct {
	Status        string   `json:"status"`
	CheckedAt     string   `json:"checked_at"`
	PeersChecked  int      `json:"peers_checked"`
	DivergentKeys []string `json:"divergent_keys,omitempty"`
	DivergentPeer string   `json:"divergent_peer,omitempty"`
}

// OK reports whether no peer disagreed. A missing peer snapshot is a skip,
// not a failure.
func (v FederationVerification) OK() bool { return v.Status != FederationDiverged }

// FederationGate compares artifact hash maps between this node and its
// peers. Snapshots are {"artifacts": {name: sha256}} JSON files.
type FederationGate struct {
	localSnapshotPath string
	peersDir          string
}

// NewFederationGate reads the local snapshot from localSnapshotPath and peer
// snapshots from *.json files under peersDir.
func NewFederationGate(localSnapshotPath, peersDir string) *FederationGate {
	return &FederationGate{localSnapshotPath: localSnapshotPath, peersDir: peersDir}
}

// Verify diffs every peer's artifact hashes against the local snapshot.
// Only artifacts both sides report are compared; a peer missing an artifact
// is not divergence.
func (g *FederationGate) Verify() FederationVerification {
	result := FederationVerification{
		Status:    FederationNoPeerSnapshot,
		CheckedAt: fsutil.ISONow(),
	}
	local := artifactHashes(fsutil.LoadJSONMap(g.localSnapshotPath))
	if len(local) == 0 {
		return result
	}
	peerFiles, _ := filepath.Glob(filepath.Join(g.peersDir, "*.json"))
	sort.Strings(peerFiles)
	if len(peerFiles) == 0 {
		return result
	}

	result.Status = FederationOK
	for _, path := range peerFiles {
		peer := artifactHashes(fsutil.LoadJSONMap(path))
		if len(peer) == 0 {
			continue
		}
		result.PeersChecked++
		var divergent []string
		for name, localHash := range local {
			if peerHash, ok := peer[name]; ok && peerHash != localHash {
				divergent = append(divergent, name)
			}
		}
		if len(divergent) > 0 {
			sort.Strings(divergent)
			result.Status = FederationDiverged
			result.DivergentKeys = divergent
			result.DivergentPeer = filepath.Base(path)
			return result
		}
	}
	if result.PeersChecked == 0 {
		result.Status = FederationNoPeerSnapshot
	}
	return result
}

// MaybeVerify honors the enforce/warn env split; a nil result means neither
// flag is set.
func (g *FederationGate) MaybeVerify() (result *FederationVerification, block, warn bool) {
	enforce := os.Getenv(EnvFederationEnforce) == "1"
	warnOnly := os.Getenv(EnvFederationWarn) == "1"
	if !enforce && !warnOnly {
		return nil, false, false
	}
	verification := g.Verify()
	return &verification, enforce && !verification.OK(), warnOnly && !enforce && !verification.OK()
}

func artifactHashes(snapshot map[string]any) map[string]string {
	artifacts, _ := snapshot["artifacts"].(map[string]any)
	out := make(map[string]string, len(artifacts))
	for name, value := range artifacts {
		if hash, ok := value.(string); ok && hash != "" {
			out[name] = hash
		}
	}
	return out
}
