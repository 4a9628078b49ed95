package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// PathPrefix is the URL prefix under which complete snapshots are served.
const PathPrefix = "/snapshots/"

// maxManifestSize bounds a manifest fetched from a peer.
const maxManifestSize = 1 << 20

// Handler serves the files of complete snapshots at
// /snapshots/<marker>/<file>. Only the manifest and the files it lists
// are served.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rest := strings.TrimPrefix(path.Clean(r.URL.Path), PathPrefix)
		markerPart, file, ok := strings.Cut(rest, "/")
		if !ok || strings.Contains(file, "/") {
			http.NotFound(w, r)
			return
		}
		n, err := strconv.ParseUint(markerPart, 10, 64)
		if err != nil || n == 0 {
			http.NotFound(w, r)
			return
		}

		dir := m.Path(domain.Marker(n))
		manifest, err := readManifest(dir)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if file != ManifestName && !manifest.hasFile(file) {
			http.NotFound(w, r)
			return
		}

		f, err := os.Open(filepath.Join(dir, file))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		stat, err := f.Stat()
		if err != nil {
			http.Error(w, "stat failed", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, file, stat.ModTime(), f)
	})
}

func (m *Manifest) hasFile(name string) bool {
	for _, s := range m.Stores {
		if s.File == name {
			return true
		}
	}
	return false
}

// Fetcher downloads a peer's snapshot into an incoming workspace.
type Fetcher struct {
	Client *http.Client
	Logger *slog.Logger
}

// Fetch downloads the snapshot at marker from the peer serving baseURL
// into dst. It does not verify the files; Install does.
func (f *Fetcher) Fetch(ctx context.Context, baseURL string, marker domain.Marker, dst string) (*Manifest, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimRight(baseURL, "/") + PathPrefix + strconv.FormatUint(uint64(marker), 10) + "/"

	var manifest Manifest
	err := f.get(ctx, client, base+ManifestName, func(body io.Reader) error {
		return json.NewDecoder(io.LimitReader(body, maxManifestSize)).Decode(&manifest)
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch manifest: %w", err)
	}
	if manifest.Marker != uint64(marker) {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(
			fmt.Sprintf("peer sent marker %d, want %s", manifest.Marker, marker))
	}

	for _, s := range manifest.Stores {
		if !validFileName(s.File) {
			return nil, domain.ErrSnapshotCorrupt.WithDetails(fmt.Sprintf("bad file name %q", s.File))
		}
		if s.Size < 0 {
			return nil, domain.ErrSnapshotCorrupt.WithDetails(fmt.Sprintf("bad size %d for %s", s.Size, s.File))
		}
		err := f.get(ctx, client, base+s.File, func(body io.Reader) error {
			return writeFile(filepath.Join(dst, s.File), body, s.Size)
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot: fetch %s: %w", s.File, err)
		}
		logger.Debug("snapshot file fetched", "file", s.File, "size", s.Size)
	}

	if err := writeManifest(dst, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (f *Fetcher) get(ctx context.Context, client *http.Client, url string, fn func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.ErrPeerUnreachable.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrSnapshotNotFound.WithDetails(url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fn(resp.Body)
}

// validFileName accepts plain names only. Dot files would reach the
// workspace sentinel.
func validFileName(name string) bool {
	return name != "" &&
		name == filepath.Base(name) &&
		!strings.HasPrefix(name, ".") &&
		name != ManifestName
}

// writeFile copies at most limit bytes of r into path.
func writeFile(path string, r io.Reader, limit int64) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, limit+1))
	if err != nil {
		out.Close()
		return err
	}
	if n > limit {
		out.Close()
		return domain.ErrSnapshotCorrupt.WithDetails(
			fmt.Sprintf("%s exceeds manifest size %d", filepath.Base(path), limit))
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
