// Package api implements the node's HTTP surface: current status,
// historical series, diagnostics, persisted preferences, and
// physics-event logging. Handlers never touch the pipeline or store
// directly without going through Server's fields, so every dependency
// is explicit and mockable in tests.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/agriscan/node/internal/db"
	"github.com/agriscan/node/internal/pipeline"
	"github.com/agriscan/node/internal/reference"
	"github.com/agriscan/node/internal/timeutil"
)

// StoreTimeout bounds how long any single handler may hold the
// database/pipeline lock before the request is aborted.
const StoreTimeout = 2 * time.Second

// Server holds every dependency the HTTP handlers need: the pipeline
// (current sample, auto-calibration state), the store (series queries,
// event log), the preferences file path, and the reference table (crop
// lookup for /api/current's crop/stage fields).
type Server struct {
	pipeline  *pipeline.Context
	store     *db.DB
	clock     timeutil.Clock
	prefsPath string
	refTable  reference.Table
	startedAt time.Time
	mux       *http.ServeMux

	errMu         sync.Mutex
	errTimestamps []time.Time
	lastErrKind   string
}

// NewServer builds a Server and registers every route on a fresh mux.
func NewServer(pl *pipeline.Context, store *db.DB, clock timeutil.Clock, prefsPath string, refTable reference.Table) *Server {
	s := &Server{
		pipeline:  pl,
		store:     store,
		clock:     clock,
		prefsPath: prefsPath,
		refTable:  refTable,
		startedAt: clock.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/current", s.handleCurrent)
	s.mux.HandleFunc("/api/series", s.handleSeries)
	s.mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	s.mux.HandleFunc("/api/config", s.handleConfig)
	s.mux.HandleFunc("/api/log_event", s.handleLogEvent)
}

// Mux returns the underlying ServeMux so callers can mount additional
// routes on it.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler wraps the mux with the request-timeout guard and the logging
// middleware, ready to hand to http.Server.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(http.TimeoutHandler(s.mux, StoreTimeout, `{"error":"request timed out"}`))
}
