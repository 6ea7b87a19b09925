package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/observability"
	"github.com/casevault/outbound-delivery/internal/store"
)

type EventHandler struct {
	store      *store.PostgresStore
	dispatcher *engine.Dispatcher
	metrics    *observability.Metrics
}

func NewEventHandler(s *store.PostgresStore, d *engine.Dispatcher, m *observability.Metrics) *EventHandler {
	return &EventHandler{store: s, dispatcher: d, metrics: m}
}

type createEventRequest struct {
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Source     string          `json:"source,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitzero"`
}

type createEventResponse struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

// Create persists the event and fans it out. A fan-out enqueue failure is the
// one delivery-related error surfaced to the producer: the event is stored
// but not queued, and silently pretending otherwise would lose it.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	event, err := h.store.CreateEvent(r.Context(), req.EventType, req.Payload, req.Source, req.OccurredAt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create event")
		return
	}

	queued, err := h.dispatcher.Dispatch(r.Context(), event)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event stored but delivery enqueue failed")
		return
	}

	if h.metrics != nil {
		h.metrics.DispatchedTotal.Inc()
	}

	respondJSON(w, http.StatusCreated, createEventResponse{
		EventID:          event.ID,
		EventType:        event.EventType,
		DeliveriesQueued: queued,
	})
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	limitStr := r.URL.Query().Get("limit")

	limit := 50
	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.store.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}
