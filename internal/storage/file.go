package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"metrobot/internal/change"
	logx "metrobot/pkg/logx"
)

var errClosed = errors.New("storage: closed")

// fileStore is the dependency-free driver. Next to cfg.Path it keeps
// <name>.changes.jsonl, one event per line, and <name>.dedup.jsonl, a journal
// of dedup entries that is rewritten in place once most of it is stale.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	changes *changeLog
	dedup   *dedupJournal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	changes, err := openChangeLog(stem + ".changes.jsonl")
	if err != nil {
		return nil, err
	}
	dedup, err := openDedupJournal(stem+".dedup.jsonl", time.Now, log)
	if err != nil {
		_ = changes.close()
		return nil, err
	}
	return &fileStore{log: log, changes: changes, dedup: dedup}, nil
}

func (s *fileStore) AppendChanges(ctx context.Context, events []change.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changes == nil {
		return errClosed
	}
	return s.changes.append(events)
}

func (s *fileStore) RecentChanges(ctx context.Context, limit int) ([]change.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changes == nil {
		return nil, errClosed
	}
	events, skipped, err := s.changes.tail(ctx, limit)
	if skipped > 0 {
		s.log.Debug("skipped unreadable change records", logx.Int("count", skipped))
	}
	if err != nil {
		return nil, err
	}
	return newestFirst(events, limit), nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return errClosed
	}
	return s.dedup.put(key, until)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, errClosed
	}
	until, ok := s.dedup.get(key)
	return until, ok, nil
}

// Close compacts the dedup journal before releasing both files.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
		s.dedup = nil
	}
	if s.changes != nil {
		errs = append(errs, s.changes.close())
		s.changes = nil
	}
	return errors.Join(errs...)
}

// changeLog is an append-only JSON Lines file.
type changeLog struct {
	path string
	w    *os.File
}

func openChangeLog(path string) (*changeLog, error) {
	w, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &changeLog{path: path, w: w}, nil
}

// append writes the batch with a single write so a crash cannot split it
// across a line boundary.
func (l *changeLog) append(events []change.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode change %s/%s: %w", ev.TargetID, ev.Field, err)
		}
	}
	_, err := l.w.Write(buf.Bytes())
	return err
}

// tail returns the last limit events in file order, or all of them when
// limit <= 0. Lines that do not decode are counted and skipped.
func (l *changeLog) tail(ctx context.Context, limit int) (events []change.Event, skipped int, err error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for n := 0; ; n++ {
		if n%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, skipped, err
			}
		}
		line, rerr := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var ev change.Event
			if json.Unmarshal(line, &ev) != nil {
				skipped++
			} else {
				events = append(events, ev)
				if limit > 0 && len(events) == 2*limit {
					events = append(events[:0], events[limit:]...)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, skipped, rerr
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, skipped, nil
}

func (l *changeLog) close() error { return l.w.Close() }

type dedupEntry struct {
	Key   string `json:"key"`
	Until int64  `json:"until"` // unix ms
}

// minCompactLines keeps small journals from being rewritten on every put.
const minCompactLines = 256

// dedupJournal holds live dedup entries in memory and logs every put. When the
// journal carries more than twice as many lines as live entries it is
// rewritten with only the live ones.
type dedupJournal struct {
	path string
	now  func() time.Time
	log  logx.Logger

	w     *os.File
	live  map[string]int64
	lines int
}

func openDedupJournal(path string, now func() time.Time, log logx.Logger) (*dedupJournal, error) {
	j := &dedupJournal{path: path, now: now, log: log, live: map[string]int64{}}
	if err := j.replay(); err != nil {
		return nil, err
	}
	if err := j.reopen(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *dedupJournal) replay() error {
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		j.lines++
		var e dedupEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil || e.Key == "" {
			continue
		}
		j.live[e.Key] = e.Until
	}
	if err := sc.Err(); err != nil {
		j.log.Warn("dedup journal truncated on read", logx.String("path", j.path), logx.Err(err))
	}
	j.expire()
	return nil
}

func (j *dedupJournal) reopen() error {
	if j.w != nil {
		_ = j.w.Close()
	}
	w, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	j.w = w
	return nil
}

func (j *dedupJournal) put(key string, until time.Time) error {
	e := dedupEntry{Key: key, Until: until.UnixMilli()}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return err
	}
	j.live[key] = e.Until
	j.lines++

	if j.lines >= minCompactLines && j.lines > 2*len(j.live) {
		if err := j.compact(); err != nil {
			j.log.Warn("dedup compaction failed", logx.String("path", j.path), logx.Err(err))
		}
	}
	return nil
}

func (j *dedupJournal) get(key string) (time.Time, bool) {
	ms, ok := j.live[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (j *dedupJournal) expire() {
	now := j.now().UnixMilli()
	for k, until := range j.live {
		if until < now {
			delete(j.live, k)
		}
	}
}

// compact drops expired entries and atomically replaces the journal with the
// live set. The append handle is reopened onto the new file.
func (j *dedupJournal) compact() error {
	j.expire()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for k, until := range j.live {
		if err := enc.Encode(dedupEntry{Key: k, Until: until}); err != nil {
			return err
		}
	}
	if err := atomic.WriteFile(j.path, &buf); err != nil {
		return err
	}
	j.lines = len(j.live)
	return j.reopen()
}

func (j *dedupJournal) close() error {
	err := j.compact()
	if cerr := j.w.Close(); err == nil {
		err = cerr
	}
	return err
}
