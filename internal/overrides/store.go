package overrides

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"metrobot/internal/change"
	logx "metrobot/pkg/logx"
)

// Differ computes field-level changes between two override documents.
type Differ interface {
	DiffOverrides(prev, next Document) []change.Event
}

// ChangeFunc runs after every load or save that replaced the document. events
// holds the field changes between records enabled in both versions and may be
// empty.
type ChangeFunc func(ctx context.Context, events []change.Event)

// Store owns the persisted override document.
//
// Load and Save exclude each other through a TryLock; the second caller gets
// ErrBusy instead of waiting. Readers never block on file I/O.
type Store struct {
	path     string
	log      logx.Logger
	differ   Differ
	onChange ChangeFunc
	history  *change.History
	now      func() time.Time
	write    func(path string, data []byte) error

	op sync.Mutex

	mu      sync.RWMutex
	doc     Document
	modTime time.Time
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithDiffer(d Differ) Option { return func(s *Store) { s.differ = d } }

func WithChangeFunc(fn ChangeFunc) Option { return func(s *Store) { s.onChange = fn } }

// WithHistory shares a history buffer with other producers of change events.
func WithHistory(h *change.History) Option { return func(s *Store) { s.history = h } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithWriter replaces the atomic file writer.
func WithWriter(fn func(path string, data []byte) error) Option {
	return func(s *Store) { s.write = fn }
}

func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:  filepath.Clean(path),
		doc:   EmptyDocument(),
		now:   time.Now,
		write: writeAtomic,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.history == nil {
		s.history = change.NewHistory(change.DefaultHistorySize)
	}
	s.log = s.log.With(logx.String("comp", "overrides"))
	return s
}

func (s *Store) Path() string { return s.path }

// Load re-reads the file when its mtime has advanced since the last load or save.
// It reports whether the in-memory document was replaced.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if !s.op.TryLock() {
		return false, ErrBusy
	}
	defer s.op.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug("override file missing; keeping current state", logx.String("path", s.path))
			return false, nil
		}
		return false, fmt.Errorf("stat overrides: %w", err)
	}

	s.mu.RLock()
	last := s.modTime
	s.mu.RUnlock()
	if !last.IsZero() && !info.ModTime().After(last) {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read overrides: %w", err)
	}
	next, warnings, err := Decode(data, s.now())
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = s.path
		}
		s.log.Warn("override file rejected; keeping previous state", logx.String("path", s.path), logx.Err(err))
		return false, err
	}
	for _, w := range warnings {
		s.log.Warn("override normalized", logx.String("detail", w))
	}

	prev := s.swap(next, info.ModTime())
	s.log.Info("overrides loaded",
		logx.String("path", s.path),
		logx.Int("lines", len(next.Lines)),
		logx.Int("stations", len(next.Stations)),
	)
	s.emit(ctx, prev, next)
	return true, nil
}

// Save normalizes doc and replaces the file and the in-memory state with it.
func (s *Store) Save(ctx context.Context, doc Document) error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	next, warnings := Normalize(doc, s.now())
	for _, w := range warnings {
		s.log.Warn("override normalized", logx.String("detail", w))
	}
	data, err := Encode(next)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create override dir: %w", err)
		}
	}
	if err := s.write(s.path, data); err != nil {
		return fmt.Errorf("write overrides: %w", err)
	}
	var mod time.Time
	if info, err := os.Stat(s.path); err == nil {
		mod = info.ModTime()
	} else {
		mod = s.now()
	}

	prev := s.swap(next, mod)
	s.log.Info("overrides saved",
		logx.String("path", s.path),
		logx.Int("lines", len(next.Lines)),
		logx.Int("stations", len(next.Stations)),
	)
	s.emit(ctx, prev, next)
	return nil
}

// Overrides returns a deep copy of the current document.
func (s *Store) Overrides() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// History returns at most 100 recent changes, newest first.
func (s *Store) History() []change.Event {
	return s.history.Recent(change.DefaultHistorySize)
}

func (s *Store) swap(next Document, mod time.Time) Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.doc
	s.doc = next
	s.modTime = mod
	return prev
}

func (s *Store) emit(ctx context.Context, prev, next Document) {
	var events []change.Event
	if s.differ != nil {
		events = s.differ.DiffOverrides(prev, next)
	}
	if len(events) > 0 {
		s.history.Push(events...)
		s.log.Info("override changes detected", logx.Int("count", len(events)))
	}
	if s.onChange != nil {
		s.onChange(ctx, events)
	}
}

func writeAtomic(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(path, 0o644)
}
