package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"metrobot/internal/eventbus"
	rtsup "metrobot/internal/runtime/supervisor"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

// job is one accepted notification. until is zero when dedup is off.
type job struct {
	n     transport.Notification
	key   string
	until time.Time
}

// run holds what one Start..Stop cycle owns.
type run struct {
	queue    chan job
	sup      *rtsup.Supervisor
	sweep    chan struct{}
	stopping chan struct{}
}

// Service queues notifications and delivers them from a worker pool behind a
// token bucket, retrying transport errors and suppressing repeated content.
//
// It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter transport.Adapter
	bus     eventbus.Bus
	store   DedupStore
	now     func() time.Time
	dedup   *dedupCache

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	cur       *run
	accepting bool
	inflight  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		now:     time.Now,
		dedup:   newDedupCache(0),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
	s.dedup.SetMax(cfg.DedupMaxEntries)
}

func (s *Service) settings() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the workers and the dedup sweeper. It is a no-op when the
// service is disabled or already running, and waits for a pending Stop first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if r := s.cur; r != nil && r.stopping != nil {
		s.mu.Unlock()
		select {
		case <-r.stopping:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	r := &run{
		queue: make(chan job, cfg.QueueSize),
		sweep: make(chan struct{}),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	s.cur = r
	s.accepting = true
	s.mu.Unlock()

	r.sup.Go0("dedup.sweep", func(c context.Context) { s.sweepLoop(c, r.sweep, cfg.SweepInterval) })
	for i := 0; i < cfg.Workers; i++ {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, r.queue)
			return s.exitErr(c)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (s *Service) sweepLoop(ctx context.Context, stop <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			if n := s.dedup.Sweep(s.now()); n > 0 {
				s.log.Debug("dedup swept", logx.Int("removed", n))
			}
		}
	}
}

// exitErr tells the supervisor whether a finished worker should be restarted.
func (s *Service) exitErr(c context.Context) error {
	s.mu.Lock()
	stopping := s.cur == nil || s.cur.stopping != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New("notifier worker exited unexpectedly")
}

// Stop refuses new notifications and drains the queue until ctx expires, then
// cancels whatever is still in flight.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	if r.stopping != nil {
		done := r.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopping = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		close(r.queue)
		close(r.sweep)
		_ = r.sup.Wait(context.Background())

		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		r.sup.Cancel()
		s.log.Warn("notifier stop deadline exceeded; pending notifications cancelled")
	}
}

// History returns delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) recordDelivery(j job) {
	item := HistoryItem{At: s.now(), Chat: j.n.Target.ChatID, Key: j.key, Title: firstLine(j.n.Text)}
	if j.n.Message != nil {
		item.Title = j.n.Message.Title
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - historySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) publish(typ string, j job, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := NotificationEvent{Channel: j.n.Channel, ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Key: j.key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
