// Package coordinator serializes update cycles.
//
// Batches wait in a FIFO queue; priority batches jump to the front. A single
// worker drains the queue one batch at a time, so at most one cycle is in
// flight. Failures are counted and surfaced as signals; the coordinator keeps
// draining and leaves remediation to the host.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"metrobot/internal/eventbus"
	logx "metrobot/pkg/logx"
)

type Coordinator struct {
	proc      Processor
	bus       eventbus.Bus
	log       logx.Logger
	onSignal  func(Signal)
	threshold int
	queueWarn int
	now       func() time.Time

	wake chan struct{}

	mu          sync.Mutex
	queue       []Batch
	inFlight    bool
	inFlightID  string
	consecutive int
	fatal       bool
	processed   uint64
	failed      uint64
	lastSuccess time.Time
	lastErrAt   time.Time
	lastErr     string
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Coordinator) { c.bus = bus } }

// WithMaxConsecutiveErrors sets the fatal threshold. Values <= 0 keep the default.
func WithMaxConsecutiveErrors(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithSignalHandler registers a callback for recoverable and fatal failures.
// It runs on the worker goroutine.
func WithSignalHandler(fn func(Signal)) Option { return func(c *Coordinator) { c.onSignal = fn } }

// WithQueueWarn logs a warning whenever an enqueue leaves more than n batches
// waiting. Zero disables the warning.
func WithQueueWarn(n int) Option { return func(c *Coordinator) { c.queueWarn = n } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(proc Processor, opts ...Option) *Coordinator {
	c := &Coordinator{
		proc:      proc,
		threshold: DefaultMaxConsecutiveErrors,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	c.log = c.log.With(logx.String("comp", "coordinator"))
	return c
}

// Enqueue adds a batch and returns its id. It never runs the batch inline.
func (c *Coordinator) Enqueue(b Batch) string {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Enqueued.IsZero() {
		b.Enqueued = c.now()
	}

	c.mu.Lock()
	if b.Priority {
		c.queue = append([]Batch{b}, c.queue...)
	} else {
		c.queue = append(c.queue, b)
	}
	qlen := len(c.queue)
	c.mu.Unlock()

	c.log.Debug("batch queued",
		logx.String("batch", b.ID),
		logx.String("source", string(b.Source)),
		logx.Int("events", len(b.Events)),
		logx.Bool("priority", b.Priority),
		logx.Int("queue_len", qlen),
	)
	if c.queueWarn > 0 && qlen > c.queueWarn {
		c.log.Warn("coordinator queue is backing up", logx.Int("queue_len", qlen), logx.Int("warn_at", c.queueWarn))
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return b.ID
}

// Run drains the queue until ctx is cancelled. Call it from exactly one goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			c.drain(ctx)
		}
	}
}

func (c *Coordinator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		b, ok := c.next()
		if !ok {
			return
		}
		started := c.now()
		err := c.run(ctx, b)
		c.finish(b, err, c.now().Sub(started))
	}
}

func (c *Coordinator) next() (Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.inFlight = false
		c.inFlightID = ""
		return Batch{}, false
	}
	b := c.queue[0]
	c.queue[0] = Batch{}
	c.queue = c.queue[1:]
	c.inFlight = true
	c.inFlightID = b.ID
	return b, true
}

func (c *Coordinator) run(ctx context.Context, b Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("batch processor panicked", logx.String("batch", b.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if c.proc == nil {
		return nil
	}
	return c.proc.Process(ctx, b)
}

func (c *Coordinator) finish(b Batch, err error, took time.Duration) {
	now := c.now()

	c.mu.Lock()
	if err == nil {
		c.consecutive = 0
		c.fatal = false
		c.processed++
		c.lastSuccess = now
		c.mu.Unlock()

		c.log.Debug("batch processed", logx.String("batch", b.ID), logx.Duration("took", took))
		c.publish(eventbus.TypeBatchProcessed, b.ID)
		return
	}
	c.consecutive++
	c.failed++
	c.lastErrAt = now
	c.lastErr = err.Error()
	sig := Signal{
		BatchID:           b.ID,
		ConsecutiveErrors: c.consecutive,
		Fatal:             c.consecutive >= c.threshold,
	}
	if sig.Fatal {
		c.fatal = true
		sig.Err = fmt.Errorf("%w (%d): %w", ErrThreshold, c.consecutive, err)
	} else {
		sig.Err = err
	}
	sig.Error = sig.Err.Error()
	c.mu.Unlock()

	if sig.Fatal {
		c.log.Error("batch failed; error threshold reached",
			logx.String("batch", b.ID),
			logx.Int("consecutive_errors", sig.ConsecutiveErrors),
			logx.Err(err),
		)
		c.publish(eventbus.TypeCoordinatorFatal, sig)
	} else {
		c.log.Warn("batch failed",
			logx.String("batch", b.ID),
			logx.Int("consecutive_errors", sig.ConsecutiveErrors),
			logx.Err(err),
		)
		c.publish(eventbus.TypeCoordinatorError, sig)
	}
	if c.onSignal != nil {
		c.onSignal(sig)
	}
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

// Snapshot reports queue length, the oldest queued item and the in-flight state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		QueueLen:          len(c.queue),
		InFlight:          c.inFlight,
		InFlightBatch:     c.inFlightID,
		ConsecutiveErrors: c.consecutive,
		Fatal:             c.fatal,
		Processed:         c.processed,
		Failed:            c.failed,
		LastSuccessAt:     c.lastSuccess,
		LastErrorAt:       c.lastErrAt,
		LastError:         c.lastErr,
	}
	if len(c.queue) > 0 {
		s.NextEnqueuedAt = c.queue[0].Enqueued
	}
	return s
}
