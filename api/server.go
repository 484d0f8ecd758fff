// Package api exposes the subscription engine over HTTP.
//
// Tenant-scoped routes read the caller's tenant from the X-Tenant-ID
// header; authentication is left to whatever sits in front of the server.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/recur"
	mw "github.com/xraph/recur/api/middleware"
)

// DefaultMaxWebhookBytes caps webhook payloads.
const DefaultMaxWebhookBytes = 1 << 20

// Server routes HTTP requests to an Engine.
type Server struct {
	router          chi.Router
	engine          *recur.Engine
	logger          *slog.Logger
	registerer      prometheus.Registerer
	basePath        string
	webhookSecret   string
	maxWebhookBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegisterer records HTTP metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = reg }
}

// WithBasePath mounts every route under path, e.g. "/recur".
func WithBasePath(path string) Option {
	return func(s *Server) { s.basePath = strings.TrimSuffix(path, "/") }
}

// WithWebhookSecret requires webhooks to carry a valid Stripe-Signature
// header for secret. Without it, POST /webhooks accepts unsigned payloads.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.webhookSecret = secret }
}

// WithMaxWebhookBytes caps the webhook body size.
func WithMaxWebhookBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxWebhookBytes = n
		}
	}
}

// NewServer builds the router for engine.
func NewServer(engine *recur.Engine, opts ...Option) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		engine:          engine,
		logger:          slog.Default(),
		maxWebhookBytes: DefaultMaxWebhookBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	if s.basePath == "" {
		s.setupRoutes(s.router)
	} else {
		s.router.Route(s.basePath, s.setupRoutes)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router so callers can mount extra routes.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(chimw.Recoverer)
	if s.registerer != nil {
		s.router.Use(mw.Metrics(s.registerer))
	}
}

func (s *Server) setupRoutes(router chi.Router) {
	router.Get("/healthz", s.handleHealthz)

	router.Get("/plans", s.listPlans)
	router.Get("/plans/{id}", s.getPlan)

	router.Post("/webhooks", s.handleWebhook)

	router.Group(func(r chi.Router) {
		r.Use(mw.Tenant)

		r.Post("/subscriptions", s.createSubscription)
		r.Get("/subscriptions", s.listSubscriptions)
		r.Get("/subscriptions/{id}", s.getSubscription)
		r.Put("/subscriptions/{id}", s.updateSubscription)
		r.Delete("/subscriptions/{id}", s.cancelSubscription)
		r.Get("/subscriptions/{id}/invoices", s.listSubscriptionInvoices)

		r.Get("/invoices", s.listInvoices)
		r.Get("/invoices/export", s.exportInvoices)
	})
}
