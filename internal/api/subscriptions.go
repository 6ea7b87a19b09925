package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/casevault/outbound-delivery/internal/config"
	"github.com/casevault/outbound-delivery/internal/domain"
	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/store"
)

type SubscriptionHandler struct {
	store          *store.PostgresStore
	circuitBreaker *engine.CircuitBreaker
	cfg            *config.Config
}

func NewSubscriptionHandler(s *store.PostgresStore, cb *engine.CircuitBreaker, cfg *config.Config) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, circuitBreaker: cb, cfg: cfg}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.EndpointURL == "" {
		respondError(w, http.StatusBadRequest, "endpoint_url is required")
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:     sub.ID,
		Name:   sub.Name,
		Secret: sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subscriptions, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subscriptions)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.store.UpdateSubscription(r.Context(), id, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.SetSubscriptionEnabled(r.Context(), id, enabled)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *SubscriptionHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

// RotateSecret replaces the shared secret; the new value is returned exactly
// once in this response.
func (h *SubscriptionHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	secret, err := h.store.RotateSubscriptionSecret(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}

	respondJSON(w, http.StatusOK, domain.RotateSecretResponse{ID: id, Secret: secret})
}

// Health reports the subscription's circuit breaker state for operational
// visibility.
func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	cbState := h.circuitBreaker.State(r.Context(), id, sub.Overrides.Breaker(h.cfg.DefaultBreaker()))

	type healthResponse struct {
		SubscriptionID string              `json:"subscription_id"`
		Name           string              `json:"name"`
		EndpointURL    string              `json:"endpoint_url"`
		Enabled        bool                `json:"enabled"`
		CircuitBreaker engine.CircuitState `json:"circuit_breaker"`
	}

	respondJSON(w, http.StatusOK, healthResponse{
		SubscriptionID: sub.ID,
		Name:           sub.Name,
		EndpointURL:    sub.EndpointURL,
		Enabled:        sub.Enabled,
		CircuitBreaker: cbState,
	})
}

// ForceCloseBreaker resets the circuit to closed after an operator confirmed
// the partner recovered.
func (h *SubscriptionHandler) ForceCloseBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if err := h.circuitBreaker.ForceClose(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reset circuit breaker")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
