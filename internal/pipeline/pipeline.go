// Package pipeline runs the update cycle: it polls the raw feed, applies the
// override document, builds a snapshot, diffs it against the previous one and
// feeds the resulting batches through the coordinator to the announcer and the
// notifier.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"metrobot/internal/change"
	"metrobot/internal/coordinator"
	"metrobot/internal/eventbus"
	"metrobot/internal/overrides"
	"metrobot/internal/status"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

// OverrideSource is the part of the override store the pipeline uses.
type OverrideSource interface {
	Load(ctx context.Context) (bool, error)
	Apply(raw status.RawNetwork) status.RawNetwork
}

type Differ interface {
	DiffSnapshots(prev, next status.Snapshot) []change.Event
}

type Enqueuer interface {
	Enqueue(b coordinator.Batch) string
}

type Renderer interface {
	Generate(events []change.Event, snap status.Snapshot) []transport.Message
	GeneratePlain(events []change.Event, snap status.Snapshot) []string
}

type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// ChangeLog persists snapshot events beyond the in-memory history.
type ChangeLog interface {
	AppendChanges(ctx context.Context, events []change.Event) error
	RecentChanges(ctx context.Context, limit int) ([]change.Event, error)
}

// Targets lists where announcements go.
type Targets struct {
	Rich  []transport.ChatTarget
	Plain []transport.ChatTarget
}

const (
	priorityNormal   = 5
	priorityOverride = 8
)

type Deps struct {
	Provider  RawStatusProvider
	Combiner  SnapshotCombiner
	Overrides OverrideSource
	Differ    Differ
	Renderer  Renderer
	Notifier  Notifier
	History   *change.History
	ChangeLog ChangeLog // optional
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

type Pipeline struct {
	d Deps

	coordMu sync.RWMutex
	coord   Enqueuer

	tmu     sync.RWMutex
	targets Targets

	mu       sync.Mutex
	prev     status.Snapshot
	lastGood status.RawNetwork
}

func New(d Deps, targets Targets) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.History == nil {
		d.History = change.NewHistory(change.DefaultHistorySize)
	}
	d.Log = d.Log.With(logx.String("comp", "pipeline"))
	return &Pipeline{d: d, targets: targets}
}

// SetCoordinator wires the queue. The coordinator is built with the pipeline as
// its processor, so it is attached after construction.
func (p *Pipeline) SetCoordinator(c Enqueuer) {
	p.coordMu.Lock()
	p.coord = c
	p.coordMu.Unlock()
}

func (p *Pipeline) SetTargets(t Targets) {
	p.tmu.Lock()
	p.targets = t
	p.tmu.Unlock()
}

func (p *Pipeline) currentTargets() Targets {
	p.tmu.RLock()
	defer p.tmu.RUnlock()
	return p.targets
}

// Current returns the latest snapshot.
func (p *Pipeline) Current() status.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prev.Clone()
}

// History returns recent snapshot and override changes, newest first.
func (p *Pipeline) History(limit int) []change.Event {
	return p.d.History.Recent(limit)
}

// SeedHistory fills the in-memory history from the persisted change log.
func (p *Pipeline) SeedHistory(ctx context.Context) error {
	if p.d.ChangeLog == nil {
		return nil
	}
	events, err := p.d.ChangeLog.RecentChanges(ctx, p.d.History.Cap())
	if err != nil {
		return err
	}
	p.d.History.Seed(events)
	p.d.Log.Info("history seeded", logx.Int("events", len(events)))
	return nil
}

// Poll runs one fetch cycle. When the provider fails, the last payload that was
// read successfully is used instead; only a failure without any such payload is
// returned. It returns the id of the enqueued batch, or "" when nothing changed.
func (p *Pipeline) Poll(ctx context.Context) (string, error) {
	raw, err := p.d.Provider.Fetch(ctx)
	p.mu.Lock()
	switch {
	case err == nil:
		p.lastGood = raw.Clone()
	case p.lastGood != nil:
		p.d.Log.Warn("raw fetch failed; using last good payload", logx.String("op", "poll"), logx.Err(err))
		raw = p.lastGood.Clone()
	default:
		p.mu.Unlock()
		return "", err
	}
	p.mu.Unlock()

	// Load may call back into OnOverrideChanges, which takes p.mu.
	p.loadOverrides(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.d.Combiner.Combine(p.d.Overrides.Apply(raw), p.d.Now())
	prev := p.prev
	p.prev = snap

	events := p.d.Differ.DiffSnapshots(prev, snap)
	p.publish(eventbus.TypeSnapshotPolled, map[string]any{
		"lines":    len(snap.Lines),
		"stations": len(snap.Stations),
		"changes":  len(events),
	})
	if len(events) == 0 {
		return "", nil
	}
	id := p.enqueue(coordinator.Batch{Source: coordinator.SourceSnapshot, Events: events, Snapshot: snap.Clone()})
	p.d.Log.Info("snapshot changes queued", logx.String("batch", id), logx.Int("count", len(events)))
	return id, nil
}

// CheckOverrides reloads the override file if it changed.
func (p *Pipeline) CheckOverrides(ctx context.Context) error {
	_, err := p.d.Overrides.Load(ctx)
	if errors.Is(err, overrides.ErrBusy) {
		return nil
	}
	return err
}

func (p *Pipeline) loadOverrides(ctx context.Context) {
	_, err := p.d.Overrides.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, overrides.ErrBusy):
		p.d.Log.Debug("override load skipped; store busy", logx.String("op", "poll"))
	default:
		p.d.Log.Warn("override load failed; applying previous document", logx.String("op", "poll"), logx.Err(err))
	}
}

// OnOverrideChanges is the override store's change callback. It runs whenever
// the store replaced its document, with the field changes between the two
// enabled records. The snapshot rebuilt with the new document is diffed too, so
// targets that gained an override or had one switched on or off are announced
// in the same batch. The batch jumps the queue and the rebuilt snapshot becomes
// the baseline so the next poll does not announce the same transitions again.
func (p *Pipeline) OnOverrideChanges(ctx context.Context, events []change.Event) {
	p.mu.Lock()
	snap := p.prev
	if p.lastGood != nil {
		rebuilt := p.d.Combiner.Combine(p.d.Overrides.Apply(p.lastGood.Clone()), p.d.Now())
		events = mergeEvents(events, p.d.Differ.DiffSnapshots(p.prev, rebuilt))
		snap = rebuilt
		p.prev = rebuilt
	}
	snap = snap.Clone()
	p.mu.Unlock()

	if len(events) == 0 {
		return
	}
	p.publish(eventbus.TypeOverridesChanged, map[string]any{"changes": len(events)})
	id := p.enqueue(coordinator.Batch{Source: coordinator.SourceOverrides, Events: events, Snapshot: snap, Priority: true})
	p.d.Log.Info("override changes queued", logx.String("batch", id), logx.Int("count", len(events)))
}

// mergeEvents appends the snapshot events that no override event already
// covers. Override events win because they carry the operator metadata.
func mergeEvents(overrideEvents, snapEvents []change.Event) []change.Event {
	type key struct {
		target status.TargetKind
		id     string
		field  change.Field
	}
	seen := make(map[key]struct{}, len(overrideEvents))
	for _, ev := range overrideEvents {
		seen[key{ev.Target, ev.TargetID, ev.Field}] = struct{}{}
	}
	out := overrideEvents
	for _, ev := range snapEvents {
		if _, ok := seen[key{ev.Target, ev.TargetID, ev.Field}]; ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (p *Pipeline) enqueue(b coordinator.Batch) string {
	p.coordMu.RLock()
	c := p.coord
	p.coordMu.RUnlock()
	if c == nil {
		p.d.Log.Warn("batch dropped; no coordinator", logx.String("source", string(b.Source)))
		return ""
	}
	return c.Enqueue(b)
}

// Process renders a batch and hands it to the notifier. It implements
// coordinator.Processor. Line and station events are recorded into history and
// the change log; override field events are recorded by the override store.
func (p *Pipeline) Process(ctx context.Context, b coordinator.Batch) error {
	if len(b.Events) == 0 {
		return nil
	}
	log := p.d.Log.With(logx.String("batch", b.ID), logx.String("source", string(b.Source)))

	var errs []error
	if observed := networkEvents(b.Events); len(observed) > 0 {
		p.d.History.Push(observed...)
		if p.d.ChangeLog != nil {
			if err := p.d.ChangeLog.AppendChanges(ctx, observed); err != nil {
				log.Warn("change log append failed", logx.String("op", "process"), logx.Err(err))
				errs = append(errs, err)
			}
		}
	}

	prio := priorityNormal
	if b.Priority {
		prio = priorityOverride
	}
	targets := p.currentTargets()

	sent := 0
	if len(targets.Rich) > 0 {
		msgs := p.d.Renderer.Generate(b.Events, b.Snapshot)
		for _, to := range targets.Rich {
			for i := range msgs {
				m := msgs[i]
				err := p.d.Notifier.Notify(ctx, transport.Notification{
					Channel:  "telegram",
					Priority: prio,
					Target:   to,
					Message:  &m,
				})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				sent++
			}
		}
	}
	if len(targets.Plain) > 0 {
		texts := p.d.Renderer.GeneratePlain(b.Events, b.Snapshot)
		for _, to := range targets.Plain {
			for _, text := range texts {
				err := p.d.Notifier.Notify(ctx, transport.Notification{
					Channel:  "telegram",
					Priority: prio,
					Target:   to,
					Text:     text,
					Options:  &transport.SendOptions{DisablePreview: true},
				})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				sent++
			}
		}
	}

	log.Info("batch processed", logx.Int("events", len(b.Events)), logx.Int("notifications", sent), logx.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func networkEvents(events []change.Event) []change.Event {
	out := make([]change.Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind != change.KindOverrideField {
			out = append(out, ev)
		}
	}
	return out
}

func (p *Pipeline) publish(typ string, data any) {
	if p.d.Bus == nil {
		return
	}
	p.d.Bus.Publish(eventbus.Event{Type: typ, Time: p.d.Now(), Data: data})
}
