package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/pushrelay/internal/clock"
	"github.com/user/pushrelay/internal/types"
)

type fixedClock struct {
	est clock.Estimate
}

func (c fixedClock) Estimate() clock.Estimate { return c.est }

type fakeConnections struct {
	ids []string
}

func (f fakeConnections) PushIDs() []string { return f.ids }
func (f fakeConnections) Count() int        { return len(f.ids) }

type fakeArchive struct {
	counts map[string]int
	err    error
}

func (f fakeArchive) Count(_ context.Context, watchable string) (int, error) {
	return f.counts[watchable], f.err
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(Options{})

	w := get(t, srv, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestClockEndpoint(t *testing.T) {
	srv := NewServer(Options{Clock: fixedClock{est: clock.Estimate{Offset: -12.5, Latency: 40, Observations: 3}}})

	w := get(t, srv, "/api/clock")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var est clock.Estimate
	if err := json.NewDecoder(w.Body).Decode(&est); err != nil {
		t.Fatal(err)
	}
	if est.Offset != -12.5 || est.Latency != 40 || est.Observations != 3 {
		t.Errorf("unexpected estimate %+v", est)
	}
}

func TestClockEndpointNotConfigured(t *testing.T) {
	srv := NewServer(Options{})

	w := get(t, srv, "/api/clock")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	srv := NewServer(Options{Connections: fakeConnections{ids: []string{"p1", "p2"}}})

	w := get(t, srv, "/api/connections")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp connectionsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.PushIDs) != 2 || resp.PushIDs[0] != "p1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestConnectionsEndpointEmptyList(t *testing.T) {
	srv := NewServer(Options{Connections: fakeConnections{}})

	w := get(t, srv, "/api/connections")
	if !strings.Contains(w.Body.String(), `"push_ids":[]`) {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestWatchLogCountEndpoint(t *testing.T) {
	srv := NewServer(Options{Archive: fakeArchive{counts: map[string]int{"ITEM42": 7}}})

	w := get(t, srv, "/api/watchlog/ITEM42/count")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["count"] != float64(7) || resp["watchable"] != "ITEM42" {
		t.Errorf("unexpected response %v", resp)
	}
}

func TestWatchLogCountBadPath(t *testing.T) {
	srv := NewServer(Options{Archive: fakeArchive{}})

	w := get(t, srv, "/api/watchlog/ITEM42")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWatchLogCountError(t *testing.T) {
	srv := NewServer(Options{Archive: fakeArchive{err: errors.New("db closed")}})

	w := get(t, srv, "/api/watchlog/ITEM42/count")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestGateRoute(t *testing.T) {
	called := false
	gate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	srv := NewServer(Options{Gate: gate})

	get(t, srv, "/ws")
	if !called {
		t.Error("expected /ws to reach the gate handler")
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := NewServer(Options{})

	w := get(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

type fakeTailer struct {
	recs  []types.WatchLogRecord
	limit int
}

func (f *fakeTailer) Tail(_ context.Context, _ string, limit int) ([]types.WatchLogRecord, error) {
	f.limit = limit
	return f.recs, nil
}

func TestWatchLogTailEndpoint(t *testing.T) {
	tail := &fakeTailer{recs: []types.WatchLogRecord{{LogTime: 5, Packet: types.WatchLogEntry{Watchable: "ITEM42", OK: true}}}}
	srv := NewServer(Options{Tail: tail})

	w := get(t, srv, "/api/watchlog/ITEM42/tail?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if tail.limit != 5 {
		t.Errorf("expected limit 5, got %d", tail.limit)
	}

	var recs []types.WatchLogRecord
	if err := json.NewDecoder(w.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].LogTime != 5 {
		t.Errorf("unexpected records %+v", recs)
	}
}

func TestWatchLogTailNotConfigured(t *testing.T) {
	srv := NewServer(Options{})

	w := get(t, srv, "/api/watchlog/ITEM42/tail")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
