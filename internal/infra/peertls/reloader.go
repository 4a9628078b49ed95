package peertls

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader holds the server key pair and reloads it when either file
// changes on disk.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	debounce time.Duration

	mu   sync.RWMutex
	cert *tls.Certificate

	reloadMu   sync.Mutex
	lastReload time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reloader) {
		r.logger = logger
	}
}

// WithDebounce sets the minimum pause between two reloads.
func WithDebounce(d time.Duration) Option {
	return func(r *Reloader) {
		r.debounce = d
	}
}

// NewReloader loads the key pair. It fails if the pair cannot be loaded.
func NewReloader(certFile, keyFile string, opts ...Option) (*Reloader, error) {
	r := &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.reload(); err != nil {
		return nil, fmt.Errorf("peertls: initial load: %w", err)
	}
	return r, nil
}

// Watch blocks, reloading the key pair on changes, until Stop.
// Directories are watched rather than files so editors that replace a
// file by rename are seen.
func (r *Reloader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("peertls: create watcher: %w", err)
	}
	defer w.Close()

	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("peertls: watch %s: %w", dir, err)
		}
	}

	certBase, keyBase := filepath.Base(r.certFile), filepath.Base(r.keyFile)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if base := filepath.Base(ev.Name); base != certBase && base != keyBase {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := r.debouncedReload(); err != nil {
				// keep serving the previous pair
				r.logger.Error("tls certificate reload failed",
					"cert_file", r.certFile,
					"error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("tls certificate watcher error", "error", err)

		case <-r.done:
			return nil
		}
	}
}

// WatchAsync runs Watch in a goroutine.
func (r *Reloader) WatchAsync() {
	go func() {
		if err := r.Watch(); err != nil {
			r.logger.Error("tls certificate watcher stopped", "error", err)
		}
	}()
}

// Stop ends Watch. It is safe to call more than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *Reloader) debouncedReload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	now := time.Now()
	if now.Sub(r.lastReload) < r.debounce {
		return nil
	}
	r.lastReload = now

	// let the writer finish both files
	time.Sleep(100 * time.Millisecond)
	return r.reload()
}

func (r *Reloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()

	r.logger.Info("tls certificate loaded", "cert_file", r.certFile)
	return nil
}
