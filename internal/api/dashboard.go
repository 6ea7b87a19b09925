package api

import (
	"net/http"

	"github.com/casevault/outbound-delivery/internal/config"
	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/store"
	ws "github.com/casevault/outbound-delivery/internal/websocket"
)

type DashboardHandler struct {
	store      *store.PostgresStore
	dispatcher *engine.Dispatcher
	cb         *engine.CircuitBreaker
	hub        *ws.Hub
	cfg        *config.Config
}

func NewDashboardHandler(s *store.PostgresStore, d *engine.Dispatcher, cb *engine.CircuitBreaker, hub *ws.Hub, cfg *config.Config) *DashboardHandler {
	return &DashboardHandler{store: s, dispatcher: d, cb: cb, hub: hub, cfg: cfg}
}

// Metrics returns aggregated system metrics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	queueDepth, err := h.dispatcher.QueueDepth(r.Context())
	if err != nil {
		queueDepth = 0
	}

	type metricsResponse struct {
		store.DeliveryMetrics
		QueueDepth       int64 `json:"queue_depth"`
		WebSocketClients int   `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *metrics,
		QueueDepth:       queueDepth,
		WebSocketClients: h.hub.ClientCount(),
	})
}

// SubscriptionsHealth returns the circuit state of every subscription.
func (h *DashboardHandler) SubscriptionsHealth(w http.ResponseWriter, r *http.Request) {
	subscriptions, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	type subscriptionHealth struct {
		ID             string              `json:"id"`
		Name           string              `json:"name"`
		EndpointURL    string              `json:"endpoint_url"`
		Enabled        bool                `json:"enabled"`
		CircuitBreaker engine.CircuitState `json:"circuit_breaker"`
	}

	defaults := h.cfg.DefaultBreaker()
	result := make([]subscriptionHealth, 0, len(subscriptions))
	for _, sub := range subscriptions {
		cbState := h.cb.State(r.Context(), sub.ID, sub.Overrides.Breaker(defaults))
		result = append(result, subscriptionHealth{
			ID:             sub.ID,
			Name:           sub.Name,
			EndpointURL:    sub.EndpointURL,
			Enabled:        sub.Enabled,
			CircuitBreaker: cbState,
		})
	}

	respondJSON(w, http.StatusOK, result)
}
