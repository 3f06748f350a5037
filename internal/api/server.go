// Package api serves the HTTP control surface: phone control and status,
// webhook endpoint management, WebSocket upgrades, and Prometheus metrics.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shapy-Sees/sip-phone-api/internal/api/middleware"
	"github.com/Shapy-Sees/sip-phone-api/internal/config"
	"github.com/Shapy-Sees/sip-phone-api/internal/database"
	"github.com/Shapy-Sees/sip-phone-api/internal/event"
	"github.com/Shapy-Sees/sip-phone-api/internal/phone"
	"github.com/Shapy-Sees/sip-phone-api/internal/webhook"
)

// PhoneControl is the phone line surface the handlers drive. Satisfied by
// the phone line orchestrator.
type PhoneControl interface {
	TriggerRing(remoteParty string) error
	EndCall() error
	Status() phone.Snapshot
}

// WebhookRegistry is the delivery engine surface the webhook handlers drive.
type WebhookRegistry interface {
	AddEndpoint(webhook.Endpoint) error
	RemoveEndpoint(id string)
	Handle(*event.Event)
	QueueDepth() int
}

// SessionCounter reports connected WebSocket sessions.
type SessionCounter interface {
	SessionCount() int
}

// QueueStats reports the dispatcher queue depth.
type QueueStats interface {
	QueueDepth() int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	cfg        *config.Config
	phone      PhoneControl
	engine     WebhookRegistry
	endpoints  database.WebhookEndpointRepository
	deliveries database.DeliveryLogRepository
	sessions   SessionCounter
	dispatcher QueueStats
	wsHandler  http.Handler
	jwtSecret  []byte
	registry   *prometheus.Registry
	startTime  time.Time
	limiter    *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	cfg *config.Config,
	phoneCtl PhoneControl,
	engine WebhookRegistry,
	endpoints database.WebhookEndpointRepository,
	deliveries database.DeliveryLogRepository,
	sessions SessionCounter,
	dispatcher QueueStats,
	wsHandler http.Handler,
	jwtSecret []byte,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		cfg:        cfg,
		phone:      phoneCtl,
		engine:     engine,
		endpoints:  endpoints,
		deliveries: deliveries,
		sessions:   sessions,
		dispatcher: dispatcher,
		wsHandler:  wsHandler,
		jwtSecret:  jwtSecret,
		registry:   registry,
		startTime:  time.Now(),
		limiter:    middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware state.
func (s *Server) Close() {
	s.limiter.Stop()
}

// verifyToken builds the bearer verification function from config, or nil
// when the control API runs unauthenticated.
func (s *Server) verifyToken() func(string) bool {
	if s.cfg.APITokenHash != "" {
		hash := s.cfg.APITokenHash
		return func(token string) bool {
			ok, err := database.CheckToken(token, hash)
			if err != nil {
				slog.Warn("api token hash check failed", "error", err)
				return false
			}
			return ok
		}
	}
	if s.cfg.APIToken != "" {
		plain := s.cfg.APIToken
		return func(token string) bool {
			return subtle.ConstantTimeCompare([]byte(token), []byte(plain)) == 1
		}
	}
	return nil
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	verify := s.verifyToken()
	if verify == nil {
		slog.Warn("control API authentication disabled: no api-token or api-token-hash configured")
	}

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if verify != nil {
				r.Use(middleware.RequireBearer(verify))
			}

			r.Get("/status", s.handleStatus)

			r.Route("/phone", func(r chi.Router) {
				r.Post("/ring", s.handleRing)
				r.Post("/hangup", s.handleHangup)
			})

			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/", s.handleListWebhooks)
				r.Post("/", s.handleCreateWebhook)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetWebhook)
					r.Put("/", s.handleUpdateWebhook)
					r.Delete("/", s.handleDeleteWebhook)
					r.Post("/test", s.handleTestWebhook)
				})
			})

			r.Get("/deliveries", s.handleListDeliveries)

			r.Post("/ws/token", s.handleMintSessionToken)
		})
	})

	// WebSocket upgrade, guarded by the short-lived session token.
	r.Route("/ws", func(r chi.Router) {
		r.Use(middleware.RequireSessionToken(s.jwtSecret))
		r.Get("/", s.wsHandler.ServeHTTP)
	})

	// Prometheus scrape endpoint.
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the /status payload.
type statusResponse struct {
	Phone             phone.Snapshot `json:"phone"`
	WSSessions        int            `json:"ws_sessions"`
	EventQueueDepth   int            `json:"event_queue_depth"`
	WebhookQueueDepth int            `json:"webhook_queue_depth"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
}

// handleStatus returns the line snapshot plus queue and session gauges.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Phone:         s.phone.Status(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.sessions != nil {
		resp.WSSessions = s.sessions.SessionCount()
	}
	if s.dispatcher != nil {
		resp.EventQueueDepth = s.dispatcher.QueueDepth()
	}
	if s.engine != nil {
		resp.WebhookQueueDepth = s.engine.QueueDepth()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMintSessionToken issues a short-lived JWT for a WebSocket connection.
func (s *Server) handleMintSessionToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, err := middleware.GenerateSessionToken(s.jwtSecret)
	if err != nil {
		slog.Error("failed to mint session token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}
