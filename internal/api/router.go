package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/casevault/outbound-delivery/internal/config"
	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/observability"
	"github.com/casevault/outbound-delivery/internal/store"
	ws "github.com/casevault/outbound-delivery/internal/websocket"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, dispatcher *engine.Dispatcher, cb *engine.CircuitBreaker, hub *ws.Hub, metrics *observability.Metrics, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	subHandler := NewSubscriptionHandler(pgStore, cb, cfg)
	eventHandler := NewEventHandler(pgStore, dispatcher, metrics)
	deliveryHandler := NewDeliveryHandler(pgStore)
	dlqHandler := NewDeadLetterHandler(pgStore)
	dashHandler := NewDashboardHandler(pgStore, dispatcher, cb, hub, cfg)

	// Live delivery feed for the ops dashboard
	r.Get("/ws", hub.HandleWebSocket)

	// Prometheus scrape endpoint
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Delete)
			r.Post("/{id}/enable", subHandler.Enable)
			r.Post("/{id}/disable", subHandler.Disable)
			r.Post("/{id}/rotate-secret", subHandler.RotateSecret)
			r.Get("/{id}/health", subHandler.Health)
			r.Post("/{id}/breaker/force-close", subHandler.ForceCloseBreaker)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Create)
			r.Get("/", eventHandler.List)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/resolve", dlqHandler.Resolve)
		})

		r.Get("/dashboard/metrics", dashHandler.Metrics)
		r.Get("/dashboard/subscriptions-health", dashHandler.SubscriptionsHealth)
	})

	return r
}
