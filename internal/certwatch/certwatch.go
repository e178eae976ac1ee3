// Package certwatch serves the listener's TLS key pair and reloads it when
// either file changes on disk. A failed reload keeps the previous pair.
package certwatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Config names the key pair to serve.
type Config struct {
	CertFile string
	KeyFile  string
	Logger   pslog.Logger
}

// Watcher holds the current key pair.
type Watcher struct {
	certFile string
	keyFile  string
	logger   pslog.Logger
	metrics  *watchMetrics

	cert    atomic.Pointer[tls.Certificate]
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New loads the key pair and starts watching the directories holding it.
func New(cfg Config) (*Watcher, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("certwatch: cert and key files required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "fap.certwatch")
	w := &Watcher{
		certFile: filepath.Clean(cfg.CertFile),
		keyFile:  filepath.Clean(cfg.KeyFile),
		logger:   logger,
		metrics:  newWatchMetrics(logger),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.load(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certwatch: create watcher: %w", err)
	}
	for _, dir := range uniqueDirs(w.certFile, w.keyFile) {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("certwatch: watch %q: %w", dir, err)
		}
	}
	w.watcher = watcher
	go w.run()
	return w, nil
}

// Certificate returns the key pair currently served.
func (w *Watcher) Certificate() *tls.Certificate {
	return w.cert.Load()
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return w.cert.Load(), nil
}

// TLSConfig returns a server config backed by the watcher.
func (w *Watcher) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: w.GetCertificate,
	}
}

// Close stops watching. The last loaded pair stays available.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) load() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return fmt.Errorf("certwatch: load key pair: %w", err)
	}
	w.cert.Store(&cert)
	return nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if err := w.load(); err != nil {
				w.metrics.recordReload(context.Background(), "failed")
				w.logger.Warn("fap.certwatch.reload_failed", "file", ev.Name, "error", err)
				continue
			}
			w.metrics.recordReload(context.Background(), "ok")
			w.logger.Info("fap.certwatch.reloaded", "file", ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fap.certwatch.watch_error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == w.certFile || name == w.keyFile
}

func uniqueDirs(paths ...string) []string {
	var dirs []string
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
