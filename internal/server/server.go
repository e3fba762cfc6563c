// Package server exposes a consultation over HTTP.
//
// A browser client opens two websockets: /v1/events streams every change
// notification of the current session as JSON envelopes and accepts user
// intents on the same connection, and /v1/audio carries the captured
// microphone audio as binary PCM16 or Opus frames. Plain HTTP endpoints cover
// intents, the current record, stored records, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/consultflow/internal/activeq"
	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/health"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/session"
	"github.com/MrWong99/consultflow/internal/trigger"
)

// Sessions yields the session the server currently drives. The session is
// replaced when a reset picks up a reloaded configuration; Swaps announces
// the replacement.
type Sessions interface {
	Current() *session.Session
	Reset(ctx context.Context) error
	Swaps() *events.Topic[*session.Session]
}

// Server is an http.Handler.
type Server struct {
	sessions Sessions
	store    export.Store
	health   *health.Handler
	metrics  *observe.Metrics
	scrape   http.Handler
	origins  []string

	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithStore serves stored consultations from st under /v1/records.
func WithStore(st export.Store) Option { return func(s *Server) { s.store = st } }

// WithHealth registers the probe endpoints of h.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics records request metrics into m.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithScrapeHandler serves h at /metrics.
func WithScrapeHandler(h http.Handler) Option { return func(s *Server) { s.scrape = h } }

// WithOriginPatterns allows cross-origin websocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// New builds the handler tree.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{sessions: sessions}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", s.handleInfo)
	mux.HandleFunc("POST /v1/intents", s.handleIntent)
	mux.HandleFunc("GET /v1/session/export", s.handleExport)
	mux.HandleFunc("GET /v1/records", s.handleRecent)
	mux.HandleFunc("GET /v1/records/{id}", s.handleRecord)
	mux.HandleFunc("GET /v1/pairs/search", s.handleSearchPairs)
	mux.HandleFunc("GET /v1/events", s.serveEvents)
	mux.HandleFunc("GET /v1/audio", s.serveAudio)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Current().Info())
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var in Intent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("server: malformed intent"))
		return
	}
	ctx := observe.WithSession(r.Context(), s.sessions.Current().Info().ID)
	res, err := s.Dispatch(ctx, in)
	if err != nil {
		observe.Logger(ctx).Info("server: intent refused", "action", in.Action, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeRecord(w, s.sessions.Current().Record(), f)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, export.ErrNotFound)
		return
	}
	f, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeRecord(w, rec, f)
}

func writeRecord(w http.ResponseWriter, rec export.Record, f export.Format) {
	body, err := export.Render(rec, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if f == export.FormatJSON {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.SessionID+f.Ext()+`"`)
	_, _ = w.Write(body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadIntent):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrNotFound),
		errors.Is(err, trigger.ErrUnknownSuggestion),
		errors.Is(err, errNoPair):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, activeq.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, export.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
