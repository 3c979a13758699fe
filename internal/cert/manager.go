// Package cert loads TLS material for outbound connections to the search
// engine and the job broker.
package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"searchsync/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Source names PEM files. All fields are optional, but CertFile and KeyFile
// go together.
type Source struct {
	// CAFile replaces the system root pool when set.
	CAFile   string
	CertFile string
	KeyFile  string
}

// IsZero reports whether no file is named.
func (s Source) IsZero() bool {
	return s == Source{}
}

func (s Source) validate() error {
	if (s.CertFile == "") != (s.KeyFile == "") {
		return errors.New("cert: client certificate and key must be set together")
	}
	return nil
}

// Manager holds a root pool and an optional client key pair. The key pair
// is watched on disk and reloaded when either file changes, so rotated
// client certificates are picked up without a restart.
type Manager struct {
	logger *slog.Logger

	roots *x509.CertPool
	cert  atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	src     Source
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// Config holds Manager configuration.
type Config struct {
	Logger *slog.Logger
}

// New creates a new Manager.
func New(cfg Config) *Manager {
	return &Manager{
		logger: logging.Default(cfg.Logger).With("component", "cert"),
	}
}

// Load reads src and replaces whatever was loaded before. A key pair given
// as files is watched until Close or the next Load.
func (m *Manager) Load(src Source) error {
	if err := src.validate(); err != nil {
		return err
	}

	var roots *x509.CertPool
	if src.CAFile != "" {
		pem, err := os.ReadFile(src.CAFile) //nolint:gosec // G304: operator-supplied CA path
		if err != nil {
			return fmt.Errorf("read CA bundle: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return fmt.Errorf("CA bundle %s: no certificates found", src.CAFile)
		}
	}

	var pair *tls.Certificate
	if src.CertFile != "" {
		c, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
		if err != nil {
			return fmt.Errorf("load client certificate: %w", err)
		}
		pair = &c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatcher()
	m.src = src
	m.roots = roots
	m.cert.Store(pair)
	if pair != nil {
		m.startWatcher()
	}
	return nil
}

// Certificate returns the current client certificate, or nil if none is
// configured.
func (m *Manager) Certificate() *tls.Certificate {
	return m.cert.Load()
}

// TLSConfig returns a client tls.Config backed by this manager. The client
// certificate is resolved per handshake, so reloads apply to new
// connections.
func (m *Manager) TLSConfig() *tls.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    m.roots,
	}
	if m.src.CertFile != "" {
		cfg.GetClientCertificate = m.getClientCertificate
	}
	return cfg
}

func (m *Manager) getClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	if c := m.cert.Load(); c != nil {
		return c, nil
	}
	// An empty certificate tells the server we have none.
	return &tls.Certificate{}, nil
}

// Close stops watching the key pair files.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatcher()
}

// stopWatcher stops the file watcher. Caller must hold m.mu.
func (m *Manager) stopWatcher() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.watcher = nil
}

// startWatcher starts watching the key pair files. Caller must hold m.mu.
func (m *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("fsnotify start failed, client certificate will not reload", "error", err)
		return
	}
	for _, path := range []string{m.src.CertFile, m.src.KeyFile} {
		if err := watcher.Add(path); err != nil {
			m.logger.Warn("watch certificate file", "file", path, "error", err)
		}
	}
	m.watcher = watcher
	stop := make(chan struct{})
	m.stop = stop
	src := m.src

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-stop:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload(src)
			}
		}
	}()
}

// reload re-reads the key pair. A half-written pair fails to parse and is
// ignored; the write of the other file triggers another attempt.
func (m *Manager) reload(src Source) {
	c, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
	if err != nil {
		m.logger.Debug("reload client certificate failed", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.src != src {
		return
	}
	m.cert.Store(&c)
	m.logger.Info("client certificate reloaded", "file", src.CertFile)
}
