package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	msgs  []transport.Message
	texts []string
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, to transport.ChatTarget, msg transport.Message, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs), len(f.texts)
}

type fakeDedupStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (f *fakeDedupStore) PutDedup(_ context.Context, key string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = until
	return nil
}

func (f *fakeDedupStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.m[key]
	return until, ok, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 100, DedupWindow: DefaultDedupWindow}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func alert(title string) transport.Notification {
	return transport.Notification{
		Channel: "telegram",
		Target:  transport.ChatTarget{ChatID: 42},
		Message: &transport.Message{Title: title, Description: "Cierre Parcial", Color: 0xFFA500},
	}
}

func TestNotifyDeduplicatesIdenticalContent(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 2; i++ {
		if err := s.Notify(context.Background(), alert("🚨 L4")); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if err := s.Notify(context.Background(), alert("🚨 L5")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	text := transport.Notification{Channel: "telegram", Target: transport.ChatTarget{ChatID: 42}, Text: "hola"}
	_ = s.Notify(context.Background(), text)
	_ = s.Notify(context.Background(), text)
	stop(t, s)

	msgs, texts := ad.counts()
	if msgs != 2 {
		t.Fatalf("messages sent = %d, want 2", msgs)
	}
	if texts != 1 {
		t.Fatalf("texts sent = %d, want 1", texts)
	}
	if got := len(s.History()); got != 3 {
		t.Fatalf("history = %d, want 3", got)
	}
}

func TestNotifyAllowsAfterWindow(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil, nil)
	clk := &testClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	s.now = clk.Now
	s.Start(context.Background())

	_ = s.Notify(context.Background(), alert("x"))
	clk.Advance(59 * time.Minute)
	_ = s.Notify(context.Background(), alert("x"))
	clk.Advance(2 * time.Minute)
	_ = s.Notify(context.Background(), alert("x"))
	stop(t, s)

	if msgs, _ := ad.counts(); msgs != 2 {
		t.Fatalf("messages sent = %d, want 2", msgs)
	}
}

func TestNotifyHonoursPersistedDedup(t *testing.T) {
	ad := &fakeAdapter{}
	n := alert("persisted")
	st := &fakeDedupStore{m: map[string]time.Time{DedupKey(n): time.Now().Add(time.Hour)}}
	cfg := testConfig()
	cfg.PersistDedup = true
	s := New(cfg, ad, logx.Nop(), nil, st)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), n)
	_ = s.Notify(context.Background(), alert("fresh"))
	stop(t, s)

	if msgs, _ := ad.counts(); msgs != 1 {
		t.Fatalf("messages sent = %d, want 1", msgs)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.m[DedupKey(alert("fresh"))]; !ok {
		t.Fatalf("fresh key was not persisted")
	}
}

func TestNotifyStoppedAndDisabled(t *testing.T) {
	s := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), alert("x")); err != ErrStopped {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	s = New(Config{}, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), alert("x")); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestDedupKeyDependsOnTargetAndContent(t *testing.T) {
	a := alert("t")
	b := alert("t")
	b.Target.ChatID = 7
	c := alert("t")
	c.Message.Fields = []transport.Field{{Name: "Motivo", Value: "falla"}}
	if DedupKey(a) != DedupKey(alert("t")) {
		t.Fatalf("identical notifications must share a key")
	}
	if DedupKey(a) == DedupKey(b) || DedupKey(a) == DedupKey(c) {
		t.Fatalf("distinct notifications share a key")
	}
}

func TestDedupCacheSweepAndCap(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newDedupCache(2)
	c.Mark("a", now.Add(time.Minute))
	c.Mark("b", now.Add(2*time.Minute))
	c.Mark("c", now.Add(3*time.Minute))
	if c.Len() != 2 || c.Suppressed("a", now) {
		t.Fatalf("cap did not evict the earliest entry")
	}
	if !c.Suppressed("b", now) {
		t.Fatalf("b should be suppressed")
	}
	if got := c.Sweep(now.Add(150 * time.Second)); got != 1 {
		t.Fatalf("swept = %d, want 1", got)
	}
	if c.Suppressed("b", now.Add(150*time.Second)) || !c.Suppressed("c", now.Add(150*time.Second)) {
		t.Fatalf("unexpected cache state after sweep")
	}
}

// gatedAdapter blocks every send until release is closed.
type gatedAdapter struct {
	fakeAdapter
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAdapter) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.Message, opts *transport.SendOptions) (transport.MessageRef, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return transport.MessageRef{}, ctx.Err()
	}
	return g.fakeAdapter.SendMessage(ctx, to, msg, opts)
}

func (g *gatedAdapter) titles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, m := range g.msgs {
		out = append(out, m.Title)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueFullDoesNotSuppressRetry(t *testing.T) {
	ad := &gatedAdapter{started: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), alert("a")); err != nil {
		t.Fatalf("notify a: %v", err)
	}
	<-ad.started
	if err := s.Notify(context.Background(), alert("b")); err != nil {
		t.Fatalf("notify b: %v", err)
	}
	if err := s.Notify(context.Background(), alert("c")); err != ErrQueueFull {
		t.Fatalf("notify c = %v, want ErrQueueFull", err)
	}

	close(ad.release)
	waitFor(t, "a and b delivered", func() bool { return len(ad.titles()) == 2 })
	if err := s.Notify(context.Background(), alert("c")); err != nil {
		t.Fatalf("notify c again: %v", err)
	}
	stop(t, s)

	if diff := cmp.Diff([]string{"a", "b", "c"}, ad.titles()); diff != "" {
		t.Fatalf("delivered (-want +got):\n%s", diff)
	}
}

// flakyAdapter fails the first fails sends.
type flakyAdapter struct {
	fakeAdapter
	fails int
	calls int
}

func (f *flakyAdapter) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.Message, opts *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return transport.MessageRef{}, errors.New("telegram: bad gateway")
	}
	return f.fakeAdapter.SendMessage(ctx, to, msg, opts)
}

func TestFailedDeliveryReleasesDedupKey(t *testing.T) {
	ad := &flakyAdapter{fails: 2}
	st := &fakeDedupStore{m: map[string]time.Time{}}
	cfg := testConfig()
	cfg.RetryMax = 1
	cfg.RetryBase = time.Millisecond
	cfg.PersistDedup = true
	s := New(cfg, ad, logx.Nop(), nil, st)
	s.Start(context.Background())

	n := alert("l4")
	key := DedupKey(n)
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "retries exhausted", func() bool { return !s.dedup.Suppressed(key, s.now()) })
	st.mu.Lock()
	_, persisted := st.m[key]
	st.mu.Unlock()
	if persisted {
		t.Fatalf("undelivered key was persisted")
	}

	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify again: %v", err)
	}
	stop(t, s)

	if msgs, _ := ad.counts(); msgs != 1 {
		t.Fatalf("messages sent = %d, want 1", msgs)
	}
	if !s.dedup.Suppressed(key, s.now()) {
		t.Fatalf("delivered key should stay suppressed")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.m[key]; !ok {
		t.Fatalf("delivered key was not persisted")
	}
}
