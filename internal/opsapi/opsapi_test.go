package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"metrobot/internal/change"
	"metrobot/internal/coordinator"
	"metrobot/internal/overrides"
	"metrobot/internal/status"
	logx "metrobot/pkg/logx"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu    sync.Mutex
	doc   overrides.Document
	err   error
	saves int
}

func (f *fakeStore) Overrides() overrides.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.Clone()
}

func (f *fakeStore) Save(_ context.Context, doc overrides.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves++
	f.doc = doc
	return nil
}

func newServer(t *testing.T, b Backend, token string) *httptest.Server {
	t.Helper()
	b.Now = func() time.Time { return now }
	srv := httptest.NewServer(NewRouter(b, token, []string{"https://ops.example"}, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthReflectsFatal(t *testing.T) {
	snap := coordinator.Snapshot{ConsecutiveErrors: 1}
	srv := newServer(t, Backend{Coordinator: func() coordinator.Snapshot { return snap }}, "secret")

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	snap.Fatal = true
	resp = do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("fatal status = %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "fatal" || body.Coordinator == nil || !body.Coordinator.Fatal {
		t.Fatalf("body = %+v", body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newServer(t, Backend{History: func(int) []change.Event { return nil }}, "secret")

	if resp := do(t, http.MethodGet, srv.URL+"/api/history", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/history", "wrong", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp.StatusCode)
	}
	resp := do(t, http.MethodGet, srv.URL+"/api/history", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: %d", resp.StatusCode)
	}
	var events []change.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil || events == nil {
		t.Fatalf("history body: %v %v", events, err)
	}
}

func TestHistoryLimit(t *testing.T) {
	var gotLimit int
	srv := newServer(t, Backend{History: func(limit int) []change.Event {
		gotLimit = limit
		return []change.Event{{TargetID: "l1"}}
	}}, "")

	if resp := do(t, http.MethodGet, srv.URL+"/api/history?limit=5", "", ""); resp.StatusCode != http.StatusOK || gotLimit != 5 {
		t.Fatalf("status = %d, limit = %d", resp.StatusCode, gotLimit)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/history?limit=x", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
}

func TestPutOverrides(t *testing.T) {
	store := &fakeStore{doc: overrides.EmptyDocument()}
	srv := newServer(t, Backend{Overrides: store}, "")

	body := `{
		// operator note
		"lines": {"L4": {"estado": "2", "mensaje": "Mantención", "enabled": true,}},
		"stations": {}
	}`
	resp := do(t, http.MethodPut, srv.URL+"/api/overrides", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := store.Overrides().Lines["l4"]
	want := overrides.LineOverride{
		Status:   status.Closed,
		Message:  "Mantención",
		Enabled:  true,
		Metadata: change.Metadata{LastUpdated: now, UpdatedBy: "system"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("saved override (-want +got):\n%s", diff)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/overrides", "", "")
	var wire map[string]map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		t.Fatal(err)
	}
	if wire["lines"]["l4"]["estado"] != "2" {
		t.Fatalf("wire = %v", wire)
	}
}

func TestPutOverridesErrors(t *testing.T) {
	store := &fakeStore{doc: overrides.EmptyDocument()}
	srv := newServer(t, Backend{Overrides: store}, "")

	if resp := do(t, http.MethodPut, srv.URL+"/api/overrides", "", "{not json"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed: %d", resp.StatusCode)
	}
	store.err = overrides.ErrBusy
	if resp := do(t, http.MethodPut, srv.URL+"/api/overrides", "", `{"lines":{},"stations":{}}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy: %d", resp.StatusCode)
	}
	if store.saves != 0 {
		t.Fatalf("saves = %d", store.saves)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newServer(t, Backend{}, "")
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/overrides", nil)
	req.Header.Set("Origin", "https://ops.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Backend{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("server still bound at %s", s.Addr())
	}
}
