// Package api provides HTTP handlers and the main API server logic for SMSFlow.
//
// It exposes RESTful endpoints for contacts, groups, programs, agents,
// broadcasts, and rate limits, plus the incoming-message webhooks the
// transport layer posts to. Every response uses the models.APIResponse
// envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/agent"
	"github.com/SMSFlowHQ/SMSFlow/internal/broadcast"
	"github.com/SMSFlowHQ/SMSFlow/internal/messaging"
	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/program"
	"github.com/SMSFlowHQ/SMSFlow/internal/ratelimit"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on context cancel.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds the work done by a single request.
	DefaultRequestTimeout = 30 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures server construction.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP surface to the orchestration components.
type Server struct {
	addr       string
	st         store.Store
	router     *messaging.Router
	engine     *program.Engine
	broker     *agent.Broker
	dispatcher *broadcast.Dispatcher
	limiter    *ratelimit.Limiter

	// Transport-specific webhook handlers, nil when the transport has none.
	webhookHandler  http.HandlerFunc
	callbackHandler http.HandlerFunc
}

// NewServer creates an API server over the given components.
func NewServer(st store.Store, router *messaging.Router, engine *program.Engine,
	broker *agent.Broker, dispatcher *broadcast.Dispatcher, limiter *ratelimit.Limiter,
	opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:       cfg.Addr,
		st:         st,
		router:     router,
		engine:     engine,
		broker:     broker,
		dispatcher: dispatcher,
		limiter:    limiter,
	}
}

// SetTwilioWebhooks registers the transport's inbound and status callback
// handlers so Twilio can reach them through this server.
func (s *Server) SetTwilioWebhooks(webhook, statusCallback http.HandlerFunc) {
	s.webhookHandler = webhook
	s.callbackHandler = statusCallback
}

// Handler builds the route table. Exposed separately from Run so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/incoming", s.incomingMessageHandler)
	mux.HandleFunc("/contacts", s.contactsHandler)
	mux.HandleFunc("/contacts/", s.contactsHandler)
	mux.HandleFunc("/groups", s.groupsHandler)
	mux.HandleFunc("/groups/", s.groupsHandler)
	mux.HandleFunc("/programs", s.programsHandler)
	mux.HandleFunc("/programs/", s.programsHandler)
	mux.HandleFunc("/agents", s.agentsHandler)
	mux.HandleFunc("/agents/", s.agentsHandler)
	mux.HandleFunc("/sessions/", s.sessionsHandler)
	mux.HandleFunc("/broadcasts", s.broadcastsHandler)
	mux.HandleFunc("/broadcasts/", s.broadcastsHandler)
	mux.HandleFunc("/ratelimits/", s.rateLimitsHandler)
	mux.HandleFunc("/ratelimits/reload", s.rateLimitReloadHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.webhookHandler != nil {
		mux.HandleFunc("/webhook/twilio", s.webhookHandler)
	}
	if s.callbackHandler != nil {
		mux.HandleFunc("/webhook/twilio/status", s.callbackHandler)
	}
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	// Storage reachability as the health indicator.
	if _, err := s.st.GetSetting("health_probe"); err != nil {
		slog.Warn("Health check: storage probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "storage unreachable"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// writeDomainError maps a component error onto an HTTP status using the
// models sentinel errors.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrContactNotFound),
		errors.Is(err, models.ErrGroupNotFound),
		errors.Is(err, models.ErrAgentNotFound),
		errors.Is(err, models.ErrProgramNotFound),
		errors.Is(err, models.ErrProgramStateNotFound),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrBroadcastNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, models.ErrDuplicatePhone),
		errors.Is(err, models.ErrBroadcastNotCancellable):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, models.ErrEmptyPhone),
		errors.Is(err, models.ErrEmptyContent),
		errors.Is(err, models.ErrContentTooLong),
		errors.Is(err, models.ErrEmptyAudience),
		errors.Is(err, models.ErrAudienceTooLarge),
		errors.Is(err, models.ErrProgramInactive):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
