package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// ManifestName is written last into a snapshot directory. A directory
// without it holds an incomplete snapshot.
const ManifestName = "manifest.json"

const manifestVersion = 1

// StoreEntry describes one store file of a snapshot.
type StoreEntry struct {
	Name        string `json:"name" yaml:"name"`
	File        string `json:"file" yaml:"file"`
	Size        int64  `json:"size" yaml:"size"`
	Records     int64  `json:"records" yaml:"records"`
	Checksum    string `json:"checksum" yaml:"checksum"`
	ContentHash string `json:"content_hash" yaml:"content_hash"`
}

// Manifest describes a complete snapshot.
type Manifest struct {
	Version   int          `json:"version" yaml:"version"`
	Marker    uint64       `json:"marker" yaml:"marker"`
	Hash      string       `json:"hash" yaml:"hash"`
	NodeID    string       `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	RunID     string       `json:"run_id" yaml:"run_id"`
	CreatedAt int64        `json:"created_at" yaml:"created_at"`
	Stores    []StoreEntry `json:"stores" yaml:"stores"`
}

// ComputeHash returns the snapshot hash: Keccak-256 over the marker and
// each store's name and content hash in name order. It depends only on
// store contents, so every node holding the same state at the same
// marker computes the same value.
func ComputeHash(marker domain.Marker, stores []StoreEntry) (string, error) {
	sorted := make([]StoreEntry, len(stores))
	copy(sorted, stores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := keccak()
	h.Write(marker.Bytes())
	for _, s := range sorted {
		content, err := hex.DecodeString(s.ContentHash)
		if err != nil {
			return "", fmt.Errorf("snapshot: store %s: bad content hash: %w", s.Name, err)
		}
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
		h.Write(content)
	}
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// readManifest loads dir's manifest. It returns domain.ErrSnapshotNotFound
// if the directory has none.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrSnapshotNotFound.WithDetails(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, domain.ErrSnapshotCorrupt.WithDetails("manifest: " + err.Error())
	}
	if m.Version != manifestVersion {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(
			fmt.Sprintf("manifest: unsupported version %d", m.Version))
	}
	return &m, nil
}

// writeManifest writes the manifest through a temp file and rename so it
// appears atomically.
func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}

	tmp := filepath.Join(dir, ManifestName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("snapshot: create manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: close manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestName)); err != nil {
		return fmt.Errorf("snapshot: rename manifest: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
