package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"metrobot/internal/announcer"
	"metrobot/internal/change"
	"metrobot/internal/coordinator"
	"metrobot/internal/detector"
	"metrobot/internal/notifier"
	"metrobot/internal/overrides"
	"metrobot/internal/status"
	"metrobot/internal/topology"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type seqProvider struct {
	mu    sync.Mutex
	steps []func() (status.RawNetwork, error)
	i     int
}

func (p *seqProvider) Fetch(context.Context) (status.RawNetwork, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := p.steps[p.i]
	if p.i < len(p.steps)-1 {
		p.i++
	}
	return step()
}

func payload(raw status.RawNetwork) func() (status.RawNetwork, error) {
	return func() (status.RawNetwork, error) { return raw, nil }
}

func failure(err error) func() (status.RawNetwork, error) {
	return func() (status.RawNetwork, error) { return nil, err }
}

type queue struct {
	mu      sync.Mutex
	batches []coordinator.Batch
}

func (q *queue) Enqueue(b coordinator.Batch) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	b.ID = "b" + string(rune('0'+len(q.batches)))
	q.batches = append(q.batches, b)
	return b.ID
}

type recorder struct {
	mu   sync.Mutex
	sent []transport.Notification
	err  error
}

func (r *recorder) Notify(_ context.Context, n transport.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

type memLog struct {
	mu     sync.Mutex
	events []change.Event
}

func (m *memLog) AppendChanges(_ context.Context, events []change.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memLog) RecentChanges(_ context.Context, limit int) ([]change.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]change.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// l4 builds the raw payload of line 4 with Manuel Montt partially closed.
func l4(line status.Status) status.RawNetwork {
	return status.RawNetwork{
		"l4": {
			Name:   "Línea 4",
			Status: line,
			Stations: []status.RawStation{
				{Code: "tob", Name: "Tobalaba", Status: status.Operational},
				{Code: "mmo", Name: "Manuel Montt", Status: status.Partial, Description: "Acceso norte cerrado"},
				{Code: "pvl", Name: "Los Orientales", Status: status.Operational},
			},
		},
	}
}

type fixture struct {
	p     *Pipeline
	q     *queue
	sink  *recorder
	store *overrides.Store
	log   *memLog
}

func newFixture(t *testing.T, prov RawStatusProvider) *fixture {
	t.Helper()
	f := &fixture{q: &queue{}, sink: &recorder{}, log: &memLog{}}
	clock := func() time.Time { return t0 }
	f.store = overrides.NewStore(filepath.Join(t.TempDir(), "overrides.json"),
		overrides.WithLogger(logx.Nop()),
		overrides.WithDiffer(detector.New()),
		overrides.WithClock(clock),
		overrides.WithChangeFunc(func(ctx context.Context, events []change.Event) {
			f.p.OnOverrideChanges(ctx, events)
		}),
	)
	f.p = New(Deps{
		Provider:  prov,
		Combiner:  topology.NewCombiner(topology.Topology{}),
		Overrides: f.store,
		Differ:    detector.New(),
		Renderer:  announcer.New(announcer.DefaultConfig(), logx.Nop()),
		Notifier:  f.sink,
		ChangeLog: f.log,
		Log:       logx.Nop(),
		Now:       clock,
	}, Targets{
		Rich:  []transport.ChatTarget{{ChatID: 100}},
		Plain: []transport.ChatTarget{{ChatID: 200, ThreadID: 7}},
	})
	f.p.SetCoordinator(f.q)
	return f
}

func TestLineRecoveryScenario(t *testing.T) {
	prov := &seqProvider{steps: []func() (status.RawNetwork, error){
		payload(l4(status.Closed)),
		payload(l4(status.Operational)),
	}}
	f := newFixture(t, prov)
	ctx := context.Background()

	if id, err := f.p.Poll(ctx); err != nil || id != "" {
		t.Fatalf("first poll = %q, %v; want no batch", id, err)
	}
	id, err := f.p.Poll(ctx)
	if err != nil || id == "" {
		t.Fatalf("second poll = %q, %v", id, err)
	}
	if len(f.q.batches) != 1 {
		t.Fatalf("batches = %d", len(f.q.batches))
	}
	b := f.q.batches[0]
	if len(b.Events) != 1 || b.Events[0].TargetID != "l4" || b.Events[0].From != status.Closed || b.Events[0].To != status.Operational {
		t.Fatalf("events = %+v", b.Events)
	}

	if err := f.p.Process(ctx, b); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.sink.sent) != 2 {
		t.Fatalf("notifications = %d", len(f.sink.sent))
	}

	rich := f.sink.sent[0]
	if rich.Message == nil || rich.Target.ChatID != 100 {
		t.Fatalf("rich notification = %+v", rich)
	}
	if !strings.Contains(rich.Message.Description, "cierre total") {
		t.Fatalf("headline is not the closure recovery: %q", rich.Message.Description)
	}
	var unaffected string
	for _, fld := range rich.Message.Fields {
		if strings.Contains(fld.Name, "no afectadas") {
			unaffected = fld.Value
		}
	}
	if !strings.Contains(unaffected, "Cierre Parcial: Manuel Montt") {
		t.Fatalf("unaffected block = %q", unaffected)
	}

	plain := f.sink.sent[1]
	if plain.Target.ThreadID != 7 || !strings.Contains(plain.Text, "#L4 se encuentra normalizado") {
		t.Fatalf("plain notification = %+v", plain)
	}

	if got := f.p.History(0); len(got) != 1 {
		t.Fatalf("history = %d", len(got))
	}
	if len(f.log.events) != 1 {
		t.Fatalf("change log = %d", len(f.log.events))
	}
}

func TestPollFallsBackToLastGoodPayload(t *testing.T) {
	boom := errors.New("feed unreachable")
	prov := &seqProvider{steps: []func() (status.RawNetwork, error){
		failure(boom),
		payload(l4(status.Operational)),
		failure(boom),
	}}
	f := newFixture(t, prov)
	ctx := context.Background()

	if _, err := f.p.Poll(ctx); !errors.Is(err, boom) {
		t.Fatalf("poll without payload: err = %v", err)
	}
	if _, err := f.p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Poll(ctx); err != nil {
		t.Fatalf("poll after failure: %v", err)
	}
	if f.p.Current().Lines["l4"].Status != status.Operational {
		t.Fatalf("current snapshot lost")
	}
}

func TestOverrideChangesJumpQueueOnce(t *testing.T) {
	prov := &seqProvider{steps: []func() (status.RawNetwork, error){payload(l4(status.Operational))}}
	f := newFixture(t, prov)
	ctx := context.Background()

	if _, err := f.p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	doc := overrides.EmptyDocument()
	doc.Lines["l4"] = overrides.LineOverride{Status: status.Operational}
	if err := f.store.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	doc.Lines["l4"] = overrides.LineOverride{Status: status.Closed, Enabled: true, Message: "Mantención"}
	if err := f.store.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}

	if len(f.q.batches) != 1 {
		t.Fatalf("batches = %d", len(f.q.batches))
	}
	b := f.q.batches[0]
	if !b.Priority || b.Source != coordinator.SourceOverrides {
		t.Fatalf("batch = %+v", b)
	}
	if b.Snapshot.Lines["l4"].Status != status.Closed {
		t.Fatalf("override batch rendered against stale snapshot")
	}

	id, err := f.p.Poll(ctx)
	if err != nil || id != "" {
		t.Fatalf("poll after override = %q, %v; want no batch", id, err)
	}

	if err := f.p.Process(ctx, b); err != nil {
		t.Fatal(err)
	}
	if f.sink.sent[0].Priority != priorityOverride {
		t.Fatalf("priority = %d", f.sink.sent[0].Priority)
	}
	if len(f.log.events) != 1 || f.log.events[0].Kind != change.KindLine || f.log.events[0].To != status.Closed {
		t.Fatalf("change log = %+v", f.log.events)
	}
}

func TestOverrideSaveAnnouncesNewRecords(t *testing.T) {
	raw := l4(status.Operational)
	raw["l1"] = status.RawLine{
		Name:     "Línea 1",
		Status:   status.Operational,
		Stations: []status.RawStation{{Code: "lhe", Name: "Los Héroes", Status: status.Operational}},
	}
	prov := &seqProvider{steps: []func() (status.RawNetwork, error){payload(raw)}}
	f := newFixture(t, prov)
	ctx := context.Background()

	if _, err := f.p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	doc := overrides.EmptyDocument()
	doc.Lines["l4"] = overrides.LineOverride{Status: status.Operational, Enabled: true}
	if err := f.store.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if len(f.q.batches) != 0 {
		t.Fatalf("override matching the network queued %d batches", len(f.q.batches))
	}

	doc.Lines["l4"] = overrides.LineOverride{Status: status.Delayed, Enabled: true}
	doc.Lines["l1"] = overrides.LineOverride{Status: status.Closed, Enabled: true}
	if err := f.store.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if len(f.q.batches) != 1 {
		t.Fatalf("batches = %d", len(f.q.batches))
	}
	type got struct {
		Kind change.Kind
		ID   string
		To   status.Status
	}
	var events []got
	for _, ev := range f.q.batches[0].Events {
		events = append(events, got{ev.Kind, ev.TargetID, ev.To})
	}
	want := []got{
		{change.KindOverrideField, "l4", status.Delayed},
		{change.KindLine, "l1", status.Closed},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("batch events mismatch (-want +got):\n%s", diff)
	}

	id, err := f.p.Poll(ctx)
	if err != nil || id != "" {
		t.Fatalf("poll after override = %q, %v; want no batch", id, err)
	}
}

func TestProcessJoinsNotifyErrors(t *testing.T) {
	f := newFixture(t, &seqProvider{steps: []func() (status.RawNetwork, error){payload(l4(status.Operational))}})
	f.sink.err = notifier.ErrQueueFull
	snap := topology.NewCombiner(topology.Topology{}).Combine(l4(status.Operational), t0)
	b := coordinator.Batch{
		Source:   coordinator.SourceSnapshot,
		Snapshot: snap,
		Events: []change.Event{{
			Kind: change.KindLine, Target: status.TargetLine, Field: change.FieldStatus,
			TargetID: "l4", LineID: "l4", From: status.Delayed, To: status.Operational, Timestamp: t0,
		}},
	}
	if err := f.p.Process(context.Background(), b); !errors.Is(err, notifier.ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
}

func TestSeedHistory(t *testing.T) {
	f := newFixture(t, &seqProvider{steps: []func() (status.RawNetwork, error){payload(l4(status.Operational))}})
	_ = f.log.AppendChanges(context.Background(), []change.Event{{TargetID: "a"}, {TargetID: "b"}})
	if err := f.p.SeedHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.p.History(0)
	if len(got) != 2 || got[0].TargetID != "b" {
		t.Fatalf("history = %+v", got)
	}
}

type countingAdapter struct {
	mu   sync.Mutex
	msgs int
	txts int
}

func (a *countingAdapter) Start(context.Context) error { return nil }
func (a *countingAdapter) Stop(context.Context) error  { return nil }

func (a *countingAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.txts++
	a.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (a *countingAdapter) SendMessage(_ context.Context, to transport.ChatTarget, _ transport.Message, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.msgs++
	a.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func TestIdenticalBatchesSendOnce(t *testing.T) {
	ad := &countingAdapter{}
	n := notifier.New(notifier.Config{Enabled: true, Workers: 1, QueueSize: 16, RatePerSec: 100, DedupWindow: time.Hour}, ad, logx.Nop(), nil, nil)
	n.Start(context.Background())

	f := newFixture(t, &seqProvider{steps: []func() (status.RawNetwork, error){payload(l4(status.Operational))}})
	f.p.d.Notifier = n
	f.p.SetTargets(Targets{Rich: []transport.ChatTarget{{ChatID: 100}}})

	snap := topology.NewCombiner(topology.Topology{}).Combine(l4(status.Operational), t0)
	b := coordinator.Batch{
		Source:   coordinator.SourceSnapshot,
		Snapshot: snap,
		Events: []change.Event{{
			Kind: change.KindLine, Target: status.TargetLine, Field: change.FieldStatus,
			TargetID: "l4", LineID: "l4", From: status.Closed, To: status.Operational, Timestamp: t0,
		}},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := f.p.Process(ctx, b); err != nil {
			t.Fatalf("Process #%d: %v", i, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n.Stop(stopCtx)

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if ad.msgs != 1 {
		t.Fatalf("sent %d messages, want 1", ad.msgs)
	}
}
