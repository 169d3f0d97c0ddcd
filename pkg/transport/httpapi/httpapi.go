// Package httpapi exposes the engine as a JSON HTTP API authenticated with
// bearer tokens.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aixgo-dev/clinicflow/internal/router"
	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

// InvokePath is the single API route.
const InvokePath = "/v1/invoke"

const maxBodyBytes = 64 << 10

// Invoker runs a turn.
type Invoker interface {
	Invoke(ctx context.Context, req workflow.Request) (*workflow.Response, error)
}

// InvokeRequest is the request body.
type InvokeRequest struct {
	Origin   string `json:"origin"`
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// InvokeResponse is the success body.
type InvokeResponse struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Handler serves the API.
type Handler struct {
	invoker Invoker
	auth    security.Authenticator
	limiter *security.RateLimiter
	audit   security.AuditRecorder
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithRateLimiter limits requests per authenticated user.
func WithRateLimiter(l *security.RateLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithAudit records authentication failures and rate limiting.
func WithAudit(a security.AuditRecorder) Option {
	return func(h *Handler) {
		if a != nil {
			h.audit = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates the API handler.
func New(invoker Invoker, auth security.Authenticator, opts ...Option) (*Handler, error) {
	if invoker == nil {
		return nil, errors.New("httpapi: invoker must not be nil")
	}
	if auth == nil {
		return nil, errors.New("httpapi: authenticator must not be nil")
	}
	h := &Handler{
		invoker: invoker,
		auth:    auth,
		audit:   security.NopRecorder{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes returns the API mux with request metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(InvokePath, h.handleInvoke)
	return instrument(mux)
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, security.NewSecureError(security.ErrCodeMethod, "Only POST is supported"))
		return
	}
	ctx := r.Context()

	principal, err := h.auth.Authenticate(ctx, security.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		h.audit.Record(ctx, security.AuditEvent{Kind: security.AuditAuthnFailed, Reason: err.Error(), Metadata: map[string]string{"remote": r.RemoteAddr}})
		writeError(w, security.NewSecureError(security.ErrCodeUnauthorized, "Missing or invalid credentials"))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(principal.ID) {
		h.audit.Record(ctx, security.AuditEvent{Kind: security.AuditRateLimited, UserID: principal.ID, Role: string(principal.Role)})
		w.Header().Set("Retry-After", "1")
		writeError(w, security.NewSecureError(security.ErrCodeRateLimit, "Too many requests"))
		return
	}

	var body InvokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, security.NewSecureError(security.ErrCodeInvalidInput, "Request body must be a JSON object with origin and message"))
		return
	}

	origin := conversation.Origin(body.Origin)
	if origin.Valid() && !principal.AllowsOrigin(origin) {
		h.audit.Record(ctx, security.AuditEvent{Kind: security.AuditAuthzDenied, UserID: principal.ID, Role: string(principal.Role), Origin: body.Origin, Reason: "origin_not_allowed"})
		writeError(w, security.NewSecureError(security.ErrCodeForbidden, "Origin is not allowed for these credentials"))
		return
	}

	resp, err := h.invoker.Invoke(security.WithPrincipal(ctx, principal), workflow.Request{
		Origin:   origin,
		User:     principal.UserContext(),
		Message:  body.Message,
		ThreadID: body.ThreadID,
	})
	if err != nil {
		writeError(w, h.mapError(ctx, err))
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Response: resp.Text, ThreadID: resp.ThreadID, Degraded: resp.Degraded})
}

func (h *Handler) mapError(ctx context.Context, err error) *security.SecureError {
	switch {
	case errors.Is(err, router.ErrUnknownOrigin):
		return security.NewSecureError(security.ErrCodeInvalidInput, "Unknown origin")
	case errors.Is(err, workflow.ErrEmptyMessage):
		return security.NewSecureError(security.ErrCodeInvalidInput, "Message cannot be empty")
	case errors.Is(err, workflow.ErrInvalidThreadID):
		return security.NewSecureError(security.ErrCodeInvalidInput, "Invalid thread_id")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return security.NewSecureError(security.ErrCodeTimeout, "Request timed out")
	default:
		return security.SanitizeError(ctx, h.logger, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *security.SecureError) {
	writeJSON(w, e.HTTPStatus(), map[string]*security.SecureError{"error": e})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if path != InvokePath {
			path = "other"
		}
		observability.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
	})
}

// Server wraps the API handler in an http.Server.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server on addr.
func NewServer(addr string, h *Handler, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
		},
		logger: h.logger,
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
