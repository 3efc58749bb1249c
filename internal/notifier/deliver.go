package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

const (
	sendTimeout        = 10 * time.Second
	dedupLookupTimeout = 25 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
)

// Notify queues n. A notification whose content was already accepted inside
// the dedup window is dropped and Notify returns nil. The dedup key only stays
// recorded while the notification is queued or after it was delivered: a full
// queue or a delivery that exhausts its retries releases it.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q, cfg, err := s.intake()
	if err != nil {
		return err
	}
	defer s.inflight.Done()

	j := job{n: n, key: DedupKey(n)}
	if cfg.DedupWindow > 0 {
		until, ok := s.reserve(ctx, j.key, cfg)
		if !ok {
			s.publish("notifier.deduped", j, nil)
			s.log.Debug("notification deduplicated", logx.String("key", j.key), logx.Int64("chat", n.Target.ChatID))
			return nil
		}
		j.until = until
	}

	select {
	case q <- j:
		s.publish("notifier.queued", j, nil)
		return nil
	default:
		s.release(j)
		s.publish("notifier.dropped", j, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) intake() (chan<- job, Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.cfg.Enabled:
		return nil, Config{}, ErrDisabled
	case !s.accepting || s.cur == nil:
		return nil, Config{}, ErrStopped
	}
	s.inflight.Add(1)
	return s.cur.queue, s.cfg, nil
}

// reserve claims key for the dedup window. It fails when the key is held in
// memory or, with persistence on, by a deadline stored before a restart.
func (s *Service) reserve(ctx context.Context, key string, cfg Config) (time.Time, bool) {
	now := s.now()
	if s.dedup.Suppressed(key, now) {
		return time.Time{}, false
	}
	if cfg.PersistDedup && s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, found, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && found && now.Before(until) {
			s.dedup.Mark(key, until)
			return time.Time{}, false
		}
	}
	until := now.Add(cfg.DedupWindow)
	s.dedup.Mark(key, until)
	return until, true
}

// release drops the reservation of a job that was never delivered so the same
// content can be offered again.
func (s *Service) release(j job) {
	if !j.until.IsZero() {
		s.dedup.Forget(j.key)
	}
}

// confirm persists the reservation of a delivered job.
func (s *Service) confirm(ctx context.Context, j job, cfg Config) {
	if j.until.IsZero() || !cfg.PersistDedup || s.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dedupWriteTimeout)
	defer cancel()
	if err := s.store.PutDedup(wctx, j.key, j.until); err != nil {
		s.log.Debug("dedup persist failed", logx.String("key", j.key), logx.Err(err))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends j with exponential backoff. Exhausting the attempts, or being
// cancelled on the way, releases the dedup reservation.
func (s *Service) deliver(ctx context.Context, j job) {
	cfg, lim := s.settings()
	if s.adapter == nil || (j.n.Message == nil && j.n.Text == "") {
		s.release(j)
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !sleepCtx(ctx, backoff(cfg, attempt-1)) {
			s.release(j)
			return
		}
		if err := lim.Wait(ctx); err != nil {
			s.release(j)
			return
		}
		if lastErr = s.send(ctx, j.n); lastErr == nil {
			s.recordDelivery(j)
			s.confirm(ctx, j, cfg)
			s.publish("notifier.sent", j, nil)
			return
		}
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", attempts))
	}

	s.release(j)
	s.log.Warn("notification failed", logx.Err(lastErr), logx.Int64("chat", j.n.Target.ChatID), logx.String("key", j.key))
	s.publish("notifier.failed", j, lastErr)
}

func (s *Service) send(ctx context.Context, n transport.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	var err error
	if n.Message != nil {
		_, err = s.adapter.SendMessage(ctx, n.Target, *n.Message, n.Options)
	} else {
		_, err = s.adapter.SendText(ctx, n.Target, n.Text, n.Options)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff doubles RetryBase per failed attempt up to RetryMaxDelay, with
// ±30% jitter.
func backoff(cfg Config, failed int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < failed && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

// DedupKey hashes the channel, target and rendered content of n.
func DedupKey(n transport.Notification) string {
	h := fnv.New64a()
	put := func(parts ...string) {
		for _, p := range parts {
			_, _ = io.WriteString(h, p)
			_, _ = h.Write([]byte{0})
		}
	}
	put(n.Channel, strconv.FormatInt(n.Target.ChatID, 10), strconv.Itoa(n.Target.ThreadID))
	if m := n.Message; m != nil {
		put("msg", m.Title, m.Description, strconv.Itoa(m.Color), m.Footer)
		for _, f := range m.Fields {
			put(f.Name, f.Value, strconv.FormatBool(f.Inline))
		}
	} else {
		put("text", n.Text)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
