// Package api exposes the operator intent surface over HTTP: dispatching
// commands and reading the fleet, link and pending-command state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/signalsfoundry/amr-fleet/core"
	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/kb"
	"github.com/signalsfoundry/amr-fleet/model"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 64 << 10
)

// Dispatcher is the command side of core.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd model.Command) (model.AcceptedCommand, error)
	Pending() []model.AcceptedCommand
}

// Fleet is the read side of kb.FleetRegistry.
type Fleet interface {
	List() []model.UnitState
	Get(id string) (model.UnitState, error)
}

// Links reports the current link.
type Links interface {
	Current() (string, bool)
}

// Instrumenter wraps a route handler with request metrics.
type Instrumenter interface {
	Instrument(route string, h http.Handler) http.Handler
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithObserverStream mounts h (the websocket hub) at GET /ws.
func WithObserverStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

func WithInstrumenter(i Instrumenter) Option {
	return func(s *Server) { s.metrics = i }
}

// Server routes intent API requests.
type Server struct {
	dispatcher Dispatcher
	fleet      Fleet
	links      Links
	stream     http.Handler
	metrics    Instrumenter
	log        logging.Logger
}

func New(d Dispatcher, fleet Fleet, links Links, opts ...Option) *Server {
	s := &Server{dispatcher: d, fleet: fleet, links: links, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/commands", s.handleDispatch)
	s.route(mux, "GET /api/units", s.handleUnits)
	s.route(mux, "GET /api/units/{id}", s.handleUnit)
	s.route(mux, "GET /api/link", s.handleLink)
	s.route(mux, "GET /api/pending", s.handlePending)
	s.route(mux, "GET /healthz", s.handleHealth)
	if s.stream != nil {
		mux.Handle("GET /ws", s.instrument("GET /ws", s.stream))
	}
	return s.withRequestLogger(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, fn))
}

func (s *Server) instrument(route string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return s.metrics.Instrument(route, h)
}

// withRequestLogger attaches a request_id, taken from X-Request-ID when the
// client sent one, and a logger carrying it.
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(requestIDHeader); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), s.log)

	var cmd model.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		log.Debug(r.Context(), "command body rejected", logging.Err(err))
		writeError(w, http.StatusBadRequest, "invalid_command", err)
		return
	}

	acc, err := s.dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, StatusFor(err), core.ReasonCode(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.List())
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.fleet.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, StatusFor(err), core.ReasonCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type linkResponse struct {
	UnitID string `json:"unit_id,omitempty"`
	Linked bool   `json:"linked"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	id, ok := s.links.Current()
	writeJSON(w, http.StatusOK, linkResponse{UnitID: id, Linked: ok})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.dispatcher.Pending()
	if pending == nil {
		pending = []model.AcceptedCommand{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusFor maps dispatch and lookup errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrBusy),
		errors.Is(err, core.ErrAlreadyLinked),
		errors.Is(err, core.ErrNotDetected):
		return http.StatusConflict
	case errors.Is(err, kb.ErrUnknownUnit),
		errors.Is(err, core.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, reason string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
