package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/internal/observability"
	"github.com/sanjeevm-dev/cua-browser/pkg/lifecycle"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
	"github.com/sanjeevm-dev/cua-browser/pkg/vault"
)

// Config holds gateway configuration
type Config struct {
	Port             int
	APIKey           string
	DeploysPerMinute int
	Manager          *lifecycle.Manager
	Store            *store.Store
	Hub              *StreamHub
	Logger           zerolog.Logger
}

// Server is the HTTP ingress for deployments, session control and live logs
type Server struct {
	port    int
	apiKey  string
	manager *lifecycle.Manager
	store   *store.Store
	hub     *StreamHub
	limiter *RateLimiter
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer creates the gateway and mounts its routes
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewStreamHub(cfg.Logger)
	}
	if cfg.DeploysPerMinute <= 0 {
		cfg.DeploysPerMinute = 10
	}

	s := &Server{
		port:    cfg.Port,
		apiKey:  cfg.APIKey,
		manager: cfg.Manager,
		store:   cfg.Store,
		hub:     cfg.Hub,
		limiter: NewRateLimiter(cfg.DeploysPerMinute),
		logger:  cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/agents/{agentID}/deploy", s.handleDeploy)
		r.Post("/sessions/{sessionID}/stop", s.handleStop)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Get("/sessions/{sessionID}/logs", s.handleListLogs)
		r.Get("/sessions/{sessionID}/stream", s.handleStream)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start blocks serving HTTP until Shutdown is called
func (s *Server) Start() error {
	observability.EnsureRegistered()
	s.logger.Info().Int("port", s.port).Msg("Gateway listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.server.Shutdown(ctx)
}

// Hub exposes the stream hub so the lifecycle manager can publish into it
func (s *Server) Hub() *StreamHub {
	return s.hub
}

// authenticate enforces the shared bearer token. Websocket clients may pass
// it as a query parameter instead since browsers cannot set headers on
// websocket dials.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleDeploy starts a new session for an agent
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	caller := r.RemoteAddr
	if !s.limiter.Allow(caller) {
		observability.RecordDeployReject("rate_limited")
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(caller)))
		s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many deploy requests, slow down")
		return
	}

	deployment, err := s.manager.Deploy(r.Context(), agentID)
	if err != nil {
		status, code := deployStatus(err)
		s.logger.Warn().Str("agent_id", agentID).Err(err).Msg("Deploy rejected")
		s.writeError(w, status, code, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"agent":        deployment.Agent,
		"session":      deployment.Session,
		"notification": deployment.Notification,
	})
}

// handleStop requests a running session to halt
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.manager.Stop(r.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrSessionNotFound):
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
		case errors.Is(err, lifecycle.ErrSessionNotRunning):
			s.writeError(w, http.StatusConflict, "SESSION_NOT_RUNNING", err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": sessionID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rec, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	logs, err := s.store.ListStepLogs(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "steps": logs})
}

// handleStream upgrades to a websocket carrying live step events
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.hub.Serve(w, r, sessionID)
}

// deployStatus maps lifecycle errors to HTTP responses
func deployStatus(err error) (int, string) {
	var missing *vault.MissingCredentialError
	switch {
	case errors.Is(err, lifecycle.ErrAgentNotFound):
		return http.StatusNotFound, "AGENT_NOT_FOUND"
	case errors.Is(err, lifecycle.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"
	case errors.Is(err, lifecycle.ErrAgentInactive):
		return http.StatusBadRequest, "AGENT_INACTIVE"
	case errors.Is(err, lifecycle.ErrNoExecutionPlan):
		return http.StatusBadRequest, "NO_EXECUTION_PLAN"
	case errors.As(err, &missing):
		return http.StatusBadRequest, "CREDENTIAL_MISSING"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
