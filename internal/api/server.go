// Package api provides the HTTP surface of the session engine.
//
// Callers and experts are identified by the X-User-ID header set by the
// upstream auth gateway. Transport and admin routes are guarded by shared
// tokens when configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/expertline/expertline/internal/app/availability"
	"github.com/expertline/expertline/internal/app/ledger"
	"github.com/expertline/expertline/internal/app/reconcile"
	"github.com/expertline/expertline/internal/app/session"
	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/observability"
)

// Header names.
const (
	HeaderUserID         = "X-User-ID"
	HeaderTransportToken = "X-Transport-Token"
	HeaderAdminToken     = "X-Admin-Token"
)

// Store is the direct store access the handlers need beyond the services.
type Store interface {
	InsertUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, uid id.ID) (*domain.User, error)
	InsertExpert(ctx context.Context, e *domain.Expert) error
	GetExpert(ctx context.Context, eid id.ID) (*domain.Expert, error)
	SetExpertApproved(ctx context.Context, eid id.ID, approved bool) error
	PutRosterReport(ctx context.Context, reporter string, r domain.Roster, at time.Time) error
	Ping(ctx context.Context) error
}

// Services bundles what the handlers drive.
type Services struct {
	Sessions *session.Engine
	Ledger   *ledger.Ledger
	Experts  *availability.Coordinator
	Sweeper  *reconcile.Sweeper
	Store    Store
}

// Config holds HTTP surface settings.
type Config struct {
	// TransportToken guards /v1/transport when set.
	TransportToken string
	// AdminToken guards /v1/admin when set.
	AdminToken     string
	RequestTimeout time.Duration
	Metrics        bool
}

// Server is the HTTP API server.
type Server struct {
	svc    Services
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewServer creates a new API server.
func NewServer(svc Services, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{svc: svc, cfg: cfg, now: time.Now, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleInitiate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/accept", s.handleAccept)
				r.Post("/reject", s.handleReject)
				r.Post("/end", s.handleEnd)
				r.Get("/balance", s.handleCheckBalance)
				r.Post("/rating", s.handleRate)
			})
		})

		r.Route("/transport", func(r chi.Router) {
			r.Use(s.requireToken(HeaderTransportToken, s.cfg.TransportToken))
			r.Post("/sessions/{id}/ringing", s.handleRinging)
			r.Post("/sessions/{id}/connected", s.handleConnected)
			r.Post("/sessions/{id}/disconnected", s.handleDisconnected)
			r.Post("/sessions/{id}/timeout", s.handleTimeout)
			r.Post("/sessions/{id}/heartbeat", s.handleSessionHeartbeat)
			r.Post("/roster", s.handleRoster)
			r.Post("/sync", s.handleSync)
		})

		r.Get("/experts", s.handleListExperts)
		r.Route("/experts/{id}", func(r chi.Router) {
			r.Get("/status", s.handleExpertStatus)
			r.Put("/online", s.handleSetOnline)
			r.Post("/heartbeat", s.handleExpertHeartbeat)
			r.Post("/disconnect", s.handleExpertDisconnect)
			r.Post("/reconnect", s.handleExpertReconnect)
			r.Post("/claim", s.handleClaim)
		})

		r.Get("/users/{id}/balance", s.handleUserBalance)
		r.Get("/users/{id}/entries", s.handleUserEntries)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireToken(HeaderAdminToken, s.cfg.AdminToken))
			r.Post("/users", s.handleCreateUser)
			r.Post("/users/{id}/credit", s.handleCredit)
			r.Post("/users/{id}/refund", s.handleRefund)
			r.Post("/experts", s.handleCreateExpert)
			r.Post("/experts/{id}/approve", s.handleApproveExpert)
			r.Post("/sweep", s.handleSweep)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Identity ───────────────────────────────────────────────────────────────

// caller reads the authenticated user id. It writes the error response and
// returns false when the header is missing or malformed.
func caller(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID)
		return id.Nil, false
	}
	uid, err := id.ParseKind(raw, id.KindUser)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid "+HeaderUserID)
		return id.Nil, false
	}
	return uid, true
}

// pathID parses the {id} URL parameter as kind.
func pathID(w http.ResponseWriter, r *http.Request, kind id.Kind) (id.ID, bool) {
	v, err := id.ParseKind(chi.URLParam(r, "id"), kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return id.Nil, false
	}
	return v, true
}

// expertOwnedBy loads the expert and checks the user backs it.
func (s *Server) expertOwnedBy(ctx context.Context, eid, uid id.ID) (*domain.Expert, error) {
	ex, err := s.svc.Store.GetExpert(ctx, eid)
	if err != nil {
		return nil, err
	}
	if !ex.UserID.Equal(uid) {
		return nil, domain.ErrUnauthorized
	}
	return ex, nil
}

func (s *Server) requireToken(header, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get(header) != token {
				writeError(w, http.StatusUnauthorized, "invalid "+header)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Responses ──────────────────────────────────────────────────────────────

// retryConflict runs fn and retries once if it lost a compare-and-set race.
func retryConflict[T any](route string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		observability.HTTPRetries.WithLabelValues(route).Inc()
		v, err = fn()
	}
	return v, err
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, "error", msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    code,
		},
	})
}

// fail maps a service error to its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeErrorCode(w, status, code, "internal error")
		return
	}
	writeErrorCode(w, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation_error"
	case domain.IsInvalidTransition(err):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, domain.ErrExpertUnavailable):
		return http.StatusConflict, "expert_unavailable"
	case errors.Is(err, domain.ErrExpertNotApproved):
		return http.StatusForbidden, "expert_not_approved"
	case errors.Is(err, domain.ErrNothingToClaim):
		return http.StatusConflict, "nothing_to_claim"
	case errors.Is(err, domain.ErrAlreadyRated):
		return http.StatusConflict, "already_rated"
	case errors.Is(err, domain.ErrNotSettled):
		return http.StatusConflict, "not_settled"
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ─── Middleware ─────────────────────────────────────────────────────────────

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", HeaderUserID, HeaderTransportToken, HeaderAdminToken,
		}, ", "))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
