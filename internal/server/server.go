// Package server exposes the relay's operational HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/pushrelay/internal/clock"
	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/types"
)

// ClockSource reports the current clock estimate.
type ClockSource interface {
	Estimate() clock.Estimate
}

// Connections lists the push ids with a live authenticated channel.
type Connections interface {
	PushIDs() []string
	Count() int
}

// ArchiveCounter counts archived watch-log rows for a subscriber.
type ArchiveCounter interface {
	Count(ctx context.Context, watchable string) (int, error)
}

// ArchiveTailer returns the most recent archived records for a subscriber.
type ArchiveTailer interface {
	Tail(ctx context.Context, watchable string, limit int) ([]types.WatchLogRecord, error)
}

// Options configures the Server. Any field may be nil; the matching
// endpoint then answers 503.
type Options struct {
	Clock       ClockSource
	Connections Connections
	Gate        http.Handler
	Archive     ArchiveCounter
	Tail        ArchiveTailer
}

// Server is a lightweight HTTP handler for health, gate and inspection endpoints.
type Server struct {
	clock       ClockSource
	connections Connections
	archive     ArchiveCounter
	tail        ArchiveTailer
	mux         *http.ServeMux
}

// NewServer creates a Server with its routes registered.
func NewServer(opts Options) *Server {
	s := &Server{
		clock:       opts.Clock,
		connections: opts.Connections,
		archive:     opts.Archive,
		tail:        opts.Tail,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Gate != nil {
		s.mux.Handle("GET /ws", opts.Gate)
	}
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /api/clock", s.handleClock)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
	s.mux.HandleFunc("GET /api/watchlog/", s.handleWatchLog)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	if s.clock == nil {
		http.Error(w, `{"error":"clock not configured"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.clock.Estimate())
}

type connectionsResponse struct {
	Count   int      `json:"count"`
	PushIDs []string `json:"push_ids"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.connections == nil {
		http.Error(w, `{"error":"gate not configured"}`, http.StatusServiceUnavailable)
		return
	}
	ids := s.connections.PushIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, connectionsResponse{Count: len(ids), PushIDs: ids})
}

// handleWatchLog serves /api/watchlog/{watchable}/count and
// /api/watchlog/{watchable}/tail from the archives.
func (s *Server) handleWatchLog(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/watchlog/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	switch parts[1] {
	case "count":
		s.handleWatchLogCount(w, r, parts[0])
	case "tail":
		s.handleWatchLogTail(w, r, parts[0])
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func (s *Server) handleWatchLogTail(w http.ResponseWriter, r *http.Request, watchable string) {
	if s.tail == nil {
		http.Error(w, `{"error":"file archive not configured"}`, http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := s.tail.Tail(r.Context(), watchable, limit)
	if err != nil {
		slog.Error("tail archived watch log failed", "watchable", watchable, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []types.WatchLogRecord{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleWatchLogCount(w http.ResponseWriter, r *http.Request, watchable string) {
	if s.archive == nil {
		http.Error(w, `{"error":"archive not configured"}`, http.StatusServiceUnavailable)
		return
	}

	n, err := s.archive.Count(r.Context(), watchable)
	if err != nil {
		slog.Error("count archived watch log failed", "watchable", watchable, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"watchable": watchable, "count": n})
}
