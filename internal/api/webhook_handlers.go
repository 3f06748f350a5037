package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Shapy-Sees/sip-phone-api/internal/database/models"
	"github.com/Shapy-Sees/sip-phone-api/internal/event"
	"github.com/Shapy-Sees/sip-phone-api/internal/webhook"
)

// maxWebhookURLLen is the maximum length for endpoint URLs.
const maxWebhookURLLen = 2048

// defaultDeliveryListLimit caps /deliveries responses when no limit is given.
const defaultDeliveryListLimit = 100

// webhookRequest is the create/update request body for a webhook endpoint.
// Zero-valued retry fields fall back to the default policy.
type webhookRequest struct {
	URL         string   `json:"url"`
	EventTypes  []string `json:"event_types"`
	Secret      string   `json:"secret"`
	BearerToken string   `json:"bearer_token"`
	Enabled     *bool    `json:"enabled"`
	TimeoutMS   int64    `json:"timeout_ms"`
	MaxAttempts int      `json:"max_attempts"`
	BaseDelayMS int64    `json:"base_delay_ms"`
	Multiplier  float64  `json:"multiplier"`
	MaxDelayMS  int64    `json:"max_delay_ms"`
	Jitter      float64  `json:"jitter"`
}

// webhookResponse is the API representation of a stored endpoint. Secrets
// are write-only.
type webhookResponse struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	EventTypes  []string `json:"event_types"`
	HasSecret   bool     `json:"has_secret"`
	Enabled     bool     `json:"enabled"`
	TimeoutMS   int64    `json:"timeout_ms"`
	MaxAttempts int      `json:"max_attempts"`
	BaseDelayMS int64    `json:"base_delay_ms"`
	Multiplier  float64  `json:"multiplier"`
	MaxDelayMS  int64    `json:"max_delay_ms"`
	Jitter      float64  `json:"jitter"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// validate checks the request and returns an error message, or "" if OK.
func (req *webhookRequest) validate() string {
	if req.URL == "" {
		return "url is required"
	}
	if len(req.URL) > maxWebhookURLLen {
		return "url exceeds maximum length"
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be a valid http or https URL"
	}
	for _, et := range req.EventTypes {
		switch event.Type(et) {
		case event.TypeStateChange, event.TypeDTMF, event.TypeSystem:
		default:
			return fmt.Sprintf("unknown event type %q", et)
		}
	}
	if req.MaxAttempts < 0 || req.TimeoutMS < 0 || req.BaseDelayMS < 0 || req.MaxDelayMS < 0 {
		return "retry parameters must not be negative"
	}
	if req.Jitter < 0 || req.Jitter > 1 {
		return "jitter must be between 0 and 1"
	}
	return ""
}

// toModel builds the stored form, applying default policy values for
// zero-valued retry fields.
func (req *webhookRequest) toModel(id string) (*models.WebhookEndpoint, error) {
	types, err := json.Marshal(req.EventTypes)
	if err != nil {
		return nil, err
	}

	def := webhook.DefaultPolicy()
	m := &models.WebhookEndpoint{
		ID:          id,
		URL:         req.URL,
		EventTypes:  string(types),
		Secret:      req.Secret,
		BearerToken: req.BearerToken,
		Enabled:     true,
		TimeoutMS:   req.TimeoutMS,
		MaxAttempts: req.MaxAttempts,
		BaseDelayMS: req.BaseDelayMS,
		Multiplier:  req.Multiplier,
		MaxDelayMS:  req.MaxDelayMS,
		Jitter:      req.Jitter,
	}
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	if m.TimeoutMS == 0 {
		m.TimeoutMS = webhook.DefaultTimeout.Milliseconds()
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = def.MaxAttempts
	}
	if m.BaseDelayMS == 0 {
		m.BaseDelayMS = def.BaseDelay.Milliseconds()
	}
	if m.Multiplier == 0 {
		m.Multiplier = def.Multiplier
	}
	if m.MaxDelayMS == 0 {
		m.MaxDelayMS = def.MaxDelay.Milliseconds()
	}
	if m.Jitter == 0 {
		m.Jitter = def.Jitter
	}
	return m, nil
}

// EndpointFromModel converts a stored endpoint into the delivery engine's
// runtime form.
func EndpointFromModel(m *models.WebhookEndpoint) (webhook.Endpoint, error) {
	var types []string
	if m.EventTypes != "" {
		if err := json.Unmarshal([]byte(m.EventTypes), &types); err != nil {
			return webhook.Endpoint{}, fmt.Errorf("parsing endpoint event types: %w", err)
		}
	}
	eventTypes := make([]event.Type, 0, len(types))
	for _, t := range types {
		eventTypes = append(eventTypes, event.Type(t))
	}

	return webhook.Endpoint{
		ID:          m.ID,
		URL:         m.URL,
		EventTypes:  eventTypes,
		Secret:      m.Secret,
		BearerToken: m.BearerToken,
		Timeout:     time.Duration(m.TimeoutMS) * time.Millisecond,
		Policy: webhook.Policy{
			MaxAttempts: m.MaxAttempts,
			BaseDelay:   time.Duration(m.BaseDelayMS) * time.Millisecond,
			Multiplier:  m.Multiplier,
			MaxDelay:    time.Duration(m.MaxDelayMS) * time.Millisecond,
			Jitter:      m.Jitter,
		},
	}, nil
}

func webhookResponseFromModel(m *models.WebhookEndpoint) webhookResponse {
	var types []string
	json.Unmarshal([]byte(m.EventTypes), &types) //nolint:errcheck
	if types == nil {
		types = []string{}
	}
	return webhookResponse{
		ID:          m.ID,
		URL:         m.URL,
		EventTypes:  types,
		HasSecret:   m.Secret != "",
		Enabled:     m.Enabled,
		TimeoutMS:   m.TimeoutMS,
		MaxAttempts: m.MaxAttempts,
		BaseDelayMS: m.BaseDelayMS,
		Multiplier:  m.Multiplier,
		MaxDelayMS:  m.MaxDelayMS,
		Jitter:      m.Jitter,
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// syncEngine reflects a stored endpoint's current state into the running
// delivery engine.
func (s *Server) syncEngine(m *models.WebhookEndpoint) error {
	if !m.Enabled {
		s.engine.RemoveEndpoint(m.ID)
		return nil
	}
	ep, err := EndpointFromModel(m)
	if err != nil {
		return err
	}
	return s.engine.AddEndpoint(ep)
}

// handleListWebhooks returns all configured endpoints.
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps, err := s.endpoints.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	out := make([]webhookResponse, 0, len(eps))
	for i := range eps {
		out = append(out, webhookResponseFromModel(&eps[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateWebhook registers a new endpoint and starts delivering to it.
func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	m, err := req.toModel(uuid.NewString())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := s.endpoints.Create(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store webhook")
		return
	}
	if err := s.syncEngine(m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to activate webhook")
		return
	}

	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	writeJSON(w, http.StatusCreated, webhookResponseFromModel(m))
}

// handleGetWebhook returns one endpoint by id.
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.endpoints.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponseFromModel(m))
}

// handleUpdateWebhook replaces an endpoint's configuration.
func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.endpoints.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	m, err := req.toModel(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	// An update without a new secret keeps the stored one.
	if m.Secret == "" {
		m.Secret = existing.Secret
	}

	if err := s.endpoints.Update(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	if err := s.syncEngine(m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to apply webhook update")
		return
	}

	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, webhookResponseFromModel(m))
}

// handleDeleteWebhook removes an endpoint and stops delivering to it.
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.endpoints.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	if err := s.endpoints.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	s.engine.RemoveEndpoint(id)

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// handleTestWebhook queues a synthetic system event for one endpoint so its
// configuration can be verified end to end.
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.endpoints.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if !m.Enabled {
		writeError(w, http.StatusConflict, "webhook is disabled")
		return
	}

	ev := event.NewSystem(event.KindWebhookTest, "test delivery", map[string]string{
		"endpoint_id": id,
	})
	s.engine.Handle(ev)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":       id,
		"event_id": ev.ID,
		"status":   "queued",
	})
}

// deliveryResponse is the API representation of one delivery log entry.
type deliveryResponse struct {
	ID         int64  `json:"id"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	EndpointID string `json:"endpoint_id"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

// handleListDeliveries returns recent delivery attempts, optionally filtered
// by endpoint.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeliveryListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	var (
		entries []models.DeliveryLogEntry
		err     error
	)
	if endpointID := r.URL.Query().Get("endpoint_id"); endpointID != "" {
		entries, err = s.deliveries.ListByEndpoint(r.Context(), endpointID, limit)
	} else {
		entries, err = s.deliveries.ListRecent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	out := make([]deliveryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, deliveryResponse{
			ID:         e.ID,
			EventID:    e.EventID,
			EventType:  e.EventType,
			EndpointID: e.EndpointID,
			Attempt:    e.Attempt,
			Outcome:    e.Outcome,
			StatusCode: e.StatusCode,
			Error:      e.Error,
			At:         e.At.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
