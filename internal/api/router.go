package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/conversation"
)

// MessageSubmitter hands a chat message to the conversation and waits for
// the reply.
type MessageSubmitter interface {
	Submit(ctx context.Context, msg conversation.Message) (conversation.Reply, error)
}

// AppointmentReader serves the read-only ledger endpoints.
type AppointmentReader interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Record, error)
	ListUpcoming(ctx context.Context, customerID string, from time.Time, limit int) ([]appointment.Record, error)
}

// OAuthConnector runs the Google consent flow for the shop owner.
type OAuthConnector interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) error
}

type RouterConfig struct {
	Messages     MessageSubmitter
	Appointments AppointmentReader
	Connector    OAuthConnector // optional
	Checks       []DependencyCheck
	Limiter      *rate.Limiter // optional, throttles the webhook
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Chat transport
	webhook := r.With()
	if cfg.Limiter != nil {
		webhook = r.With(RateLimitMiddleware(cfg.Limiter))
	}
	webhook.Post("/webhooks/messages", messageWebhookHandler(cfg.Messages, logger))

	// Ledger
	if cfg.Appointments != nil {
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
		r.Get("/customers/{customerID}/appointments", listCustomerAppointmentsHandler(cfg.Appointments))
	}

	// Owner consent flow
	if cfg.Connector != nil {
		r.Get("/auth/google", startOAuthHandler(cfg.Connector))
		r.Get("/oauth2callback", oauthCallbackHandler(cfg.Connector, logger))
	}

	return r
}
