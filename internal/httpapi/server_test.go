package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"btcwatch/internal/engine"
	"btcwatch/internal/market"
	"btcwatch/internal/storage"
)

type fakeStore struct {
	pingErr error
	rules   []engine.Rule
	history []storage.HistoryRecord
	owner   string
	limit   int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListAlerts(_ context.Context, owner string) ([]engine.Rule, error) {
	f.owner = owner
	return f.rules, nil
}

func (f *fakeStore) ListRecentHistory(_ context.Context, limit int) ([]storage.HistoryRecord, error) {
	f.limit = limit
	return f.history, nil
}

type fakeSnapshots struct {
	snap market.Snapshot
	ok   bool
}

func (f fakeSnapshots) LastSnapshot() (market.Snapshot, bool) { return f.snap, f.ok }

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthAndReady(t *testing.T) {
	store := &fakeStore{}
	srv := New(":0", time.Second, store, fakeSnapshots{}, zerolog.Nop())

	if rec := do(t, srv.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d", rec.Code)
	}
	if rec := do(t, srv.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("/readyz = %d", rec.Code)
	}

	store.pingErr = errors.New("database is locked")
	if rec := do(t, srv.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz with failing store = %d", rec.Code)
	}
}

func TestReadyIncludesExtraChecks(t *testing.T) {
	cache := &fakeStore{}
	srv := New(":0", time.Second, &fakeStore{}, fakeSnapshots{}, zerolog.Nop())
	srv.AddCheck("cache", cache)

	if rec := do(t, srv.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("/readyz = %d", rec.Code)
	}
	cache.pingErr = errors.New("redis: connection refused")
	rec := do(t, srv.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "cache unavailable") {
		t.Fatalf("/readyz with failing cache = %d %s", rec.Code, rec.Body.String())
	}
}

func TestListAlertsPassesOwner(t *testing.T) {
	store := &fakeStore{rules: []engine.Rule{{ID: 3, ChatID: "42", Kind: engine.KindPrice, Value: 120000}}}
	srv := New(":0", time.Second, store, fakeSnapshots{}, zerolog.Nop())

	rec := do(t, srv.Handler(), "/api/alerts?chat_id=42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.owner != "42" {
		t.Fatalf("owner filter = %q", store.owner)
	}
	var got []engine.Rule
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("rules = %+v", got)
	}

	store.rules = nil
	rec = do(t, srv.Handler(), "/api/alerts")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list should encode as [], got %s", rec.Body.String())
	}
}

func TestListHistoryLimit(t *testing.T) {
	store := &fakeStore{}
	srv := New(":0", time.Second, store, fakeSnapshots{}, zerolog.Nop())

	do(t, srv.Handler(), "/api/history")
	if store.limit != defaultHistoryLimit {
		t.Fatalf("default limit = %d", store.limit)
	}
	do(t, srv.Handler(), "/api/history?limit=100000")
	if store.limit != maxHistoryLimit {
		t.Fatalf("limit should be capped, got %d", store.limit)
	}
	if rec := do(t, srv.Handler(), "/api/history?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", rec.Code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv := New(":0", time.Second, &fakeStore{}, fakeSnapshots{}, zerolog.Nop())
	if rec := do(t, srv.Handler(), "/api/snapshot"); rec.Code != http.StatusNotFound {
		t.Fatalf("before first cycle = %d", rec.Code)
	}

	snap := market.Snapshot{Price: market.Price{USD: 116000}, RSI: 54}
	srv = New(":0", time.Second, &fakeStore{}, fakeSnapshots{snap: snap, ok: true}, zerolog.Nop())
	rec := do(t, srv.Handler(), "/api/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got market.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Price.USD != 116000 || got.RSI != 54 {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(":0", time.Second, &fakeStore{}, fakeSnapshots{}, zerolog.Nop())
	do(t, srv.Handler(), "/healthz")
	rec := do(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "btcwatch_http_requests_total") {
		t.Fatalf("metrics output missing request counter (status %d)", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	panicker := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	})
	rec := httptest.NewRecorder()
	Recover(zerolog.Nop())(panicker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := New("127.0.0.1:0", time.Second, &fakeStore{}, fakeSnapshots{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
