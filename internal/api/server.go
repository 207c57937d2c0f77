package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/callscript/callscript/internal/api/middleware"
	"github.com/callscript/callscript/internal/call"
	"github.com/callscript/callscript/internal/database"
)

// Dialer places outbound calls on the platform. Implemented by the
// platform client.
type Dialer interface {
	CreateCall(ctx context.Context, target, callerID string) (string, error)
}

// EventSink receives normalized callback events and registrations for
// outbound calls. Implemented by the event router.
type EventSink interface {
	Dispatch(ctx context.Context, events []call.CallbackEvent)
	StartCall(callID string) error
}

// CallLog reads finished-call records for the listing endpoint.
type CallLog interface {
	ListRecent(ctx context.Context, limit, offset int) ([]database.CallRecord, int, error)
}

// Options carries the server's request-independent settings.
type Options struct {
	// CallbackSecret, when non-empty, enables JWT validation on the
	// callback webhook.
	CallbackSecret []byte

	// DefaultTarget and SourceCallerID are used by the call trigger when
	// the request body does not override them.
	DefaultTarget  string
	SourceCallerID string

	// DialRate and DialBurst bound how fast clients may trigger outbound
	// calls, per client IP.
	DialRate  float64
	DialBurst int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	sink        EventSink
	dialer      Dialer
	calls       CallLog
	metrics     http.Handler
	opts        Options
	logger      *slog.Logger
	dialLimiter *middleware.IPRateLimiter

	dropped atomic.Uint64
}

// NewServer creates the HTTP handler with all routes mounted. calls and
// metrics may be nil; their endpoints respond accordingly.
func NewServer(sink EventSink, dialer Dialer, calls CallLog, metrics http.Handler, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		sink:    sink,
		dialer:  dialer,
		calls:   calls,
		metrics: metrics,
		opts:    opts,
		logger:  logger.With("subsystem", "http"),
	}
	s.dialLimiter = middleware.NewIPRateLimiter(
		middleware.DialRateLimitConfig(opts.DialRate, opts.DialBurst))

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the server's background helpers.
func (s *Server) Close() {
	s.dialLimiter.Stop()
}

// DroppedEvents returns the number of callback payload entries that could
// not be normalized since the process started.
func (s *Server) DroppedEvents() uint64 {
	return s.dropped.Load()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.StructuredLogger(s.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.dialLimiter)).Post("/call", s.handleTriggerCall)

		if len(s.opts.CallbackSecret) > 0 {
			r.With(middleware.RequireCallbackAuth(s.opts.CallbackSecret)).Post("/callbacks", s.handleCallbacks)
		} else {
			r.Post("/callbacks", s.handleCallbacks)
		}

		r.Get("/calls", s.handleListCalls)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// triggerCallRequest is the optional body of POST /api/call.
type triggerCallRequest struct {
	Target   string `json:"target"`
	CallerID string `json:"caller_id"`
}

// handleTriggerCall places an outbound call to the requested (or
// configured) target and registers a session awaiting the platform's
// connect confirmation.
func (s *Server) handleTriggerCall(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound dialing is not configured")
		return
	}

	req := triggerCallRequest{
		Target:   s.opts.DefaultTarget,
		CallerID: s.opts.SourceCallerID,
	}
	if r.ContentLength > 0 {
		var body triggerCallRequest
		if msg := readJSON(r, &body); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if body.Target != "" {
			req.Target = body.Target
		}
		if body.CallerID != "" {
			req.CallerID = body.CallerID
		}
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	callID, err := s.dialer.CreateCall(r.Context(), req.Target, req.CallerID)
	if err != nil {
		s.logger.Error("outbound call failed", "target", req.Target, "error", err)
		writeError(w, http.StatusBadGateway, "placing call failed")
		return
	}
	if err := s.sink.StartCall(callID); err != nil {
		// The platform reused a call ID we are already tracking. The call
		// is live either way; report it.
		s.logger.Warn("session registration failed", "call_id", callID, "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
}

// handleCallbacks ingests a batch of platform events. Malformed entries
// are dropped and counted; the rest are normalized and routed. The
// response is 200 regardless of per-entry drops so the platform does not
// redeliver the whole batch.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}

	events, dropped := normalizeEvents(body)
	if dropped > 0 {
		s.dropped.Add(uint64(dropped))
		s.logger.Warn("dropped malformed callback entries", "dropped", dropped, "accepted", len(events))
	}
	if len(events) == 0 && dropped > 0 && len(body) > 0 {
		// The whole body was unintelligible.
		writeError(w, http.StatusBadRequest, "unrecognized callback payload")
		return
	}

	s.sink.Dispatch(r.Context(), events)
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(events), "dropped": dropped})
}

// handleListCalls returns finished calls, newest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call log is not configured")
		return
	}

	p, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	records, total, err := s.calls.ListRecent(r.Context(), p.Limit, p.Offset)
	if err != nil {
		s.logger.Error("listing calls failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing calls failed")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  records,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}
