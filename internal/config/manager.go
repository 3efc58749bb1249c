package config

import (
	"context"
	"os"
	"reflect"
	"sync"
	"time"

	"metrobot/internal/fswatch"
	logx "metrobot/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Manager owns the committed configuration and republishes it when the file
// changes on disk.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	validate func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[<-chan *Config]chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[<-chan *Config]chan *Config{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs a hook that a reloaded config must pass before it is
// committed. Load does not run it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Parse reads, decodes and validates the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses the file and commits it.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the committed config. Callers must not modify it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that always holds the newest published config:
// a config nobody read yet is replaced, never queued behind.
func (m *Manager) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = ch
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch <-chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if w, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(w)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, w := range m.subs {
		select {
		case <-w:
		default:
		}
		w <- cfg
	}
}

// Watch reloads the file whenever it changes until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	log := m.log
	m.mu.RUnlock()
	return fswatch.File(ctx, m.path, fswatch.DefaultDebounce, log, m.Reload)
}

// Reload re-reads the file and publishes it when it parses, differs from the
// committed config and passes the validator.
func (m *Manager) Reload(ctx context.Context) {
	m.mu.RLock()
	log, validate, cur := m.log, m.validate, m.cfg
	m.mu.RUnlock()
	log = log.With(logx.String("path", m.path))

	cfg, err := m.Parse()
	switch {
	case err != nil:
		log.Warn("config parse failed", logx.Err(err))
		return
	case reflect.DeepEqual(cur, cfg):
		log.Debug("config unchanged")
		return
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.publish(cfg)
	log.Info("config published")
}
