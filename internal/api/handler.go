package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/campaign"
	"github.com/lalithlochan/wabroadcast/internal/db"
	"github.com/lalithlochan/wabroadcast/internal/metrics"
	"github.com/lalithlochan/wabroadcast/internal/redis"
)

// CampaignService is the lifecycle API the handlers call
type CampaignService interface {
	Create(ctx context.Context, tenantID uuid.UUID, in campaign.CreateInput) (*db.Campaign, error)
	Start(ctx context.Context, tenantID, id uuid.UUID) (int, error)
	Pause(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	List(ctx context.Context, tenantID uuid.UUID, status string) ([]*db.Campaign, error)
	ListItems(ctx context.Context, tenantID, campaignID uuid.UUID, status string, limit, offset int) ([]*db.QueueItem, error)
	ListHistory(ctx context.Context, tenantID, itemID uuid.UUID) ([]*db.HistoryEntry, error)
}

// StartResponse is returned after starting or resuming a campaign
type StartResponse struct {
	CampaignID      string `json:"campaign_id"`
	RecipientsCount int    `json:"recipients_count"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Field  string `json:"field,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     CampaignService
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, service CampaignService, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
	}
}

// Routes mounts the campaign endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/campaigns", h.CreateCampaign)
	r.Get("/campaigns", h.ListCampaigns)
	r.Get("/campaigns/{id}", h.GetCampaign)
	r.Post("/campaigns/{id}/start", h.StartCampaign)
	r.Post("/campaigns/{id}/pause", h.PauseCampaign)
	r.Get("/campaigns/{id}/items", h.ListQueueItems)
	r.Get("/items/{id}/history", h.ListItemHistory)
}

// CreateCampaign handles POST /v1/campaigns
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var in campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenantID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		} else {
			reserved = true
		}
	}

	c, err := h.service.Create(ctx, tenantID, in)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, tenantID.String(), idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeServiceError(w, err, "create campaign")
		return
	}

	body, err := json.Marshal(c)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode campaign", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			ResourceID: c.ID.String(),
			StatusCode: http.StatusCreated,
			Body:       body,
		}
		if err := h.idempotency.Store(ctx, tenantID.String(), idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// ListCampaigns handles GET /v1/campaigns?status=running
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !validCampaignStatus(status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: draft, running, paused, completed, failed")
		return
	}

	campaigns, err := h.service.List(r.Context(), tenantID, status)
	if err != nil {
		h.writeServiceError(w, err, "list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*db.Campaign{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  campaigns,
		"count": len(campaigns),
	})
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	c, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		h.writeServiceError(w, err, "get campaign")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// StartCampaign handles POST /v1/campaigns/{id}/start
func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n, err := h.service.Start(r.Context(), tenantID, id)
	if err != nil {
		h.writeServiceError(w, err, "start campaign")
		return
	}

	h.logger.Info("campaign started",
		zap.String("campaign_id", id.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("recipients", n),
	)

	h.writeJSON(w, http.StatusOK, StartResponse{CampaignID: id.String(), RecipientsCount: n})
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	c, err := h.service.Pause(r.Context(), tenantID, id)
	if err != nil {
		h.writeServiceError(w, err, "pause campaign")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// ListQueueItems handles GET /v1/campaigns/{id}/items?status=failed&limit=50&offset=0
func (h *Handler) ListQueueItems(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !validItemStatus(status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: queued, processing, retry, sent, failed")
		return
	}

	limit, offset := pagination(r)

	items, err := h.service.ListItems(r.Context(), tenantID, id, status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list queue items")
		return
	}
	if items == nil {
		items = []*db.QueueItem{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// ListItemHistory handles GET /v1/items/{id}/history
func (h *Handler) ListItemHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	history, err := h.service.ListHistory(r.Context(), tenantID, id)
	if err != nil {
		h.writeServiceError(w, err, "list item history")
		return
	}
	if history == nil {
		history = []*db.HistoryEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  history,
		"count": len(history),
	})
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Tenant-ID")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant", "X-Tenant-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant", "X-Tenant-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (int, int) {
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func validCampaignStatus(s string) bool {
	switch s {
	case db.CampaignStatusDraft, db.CampaignStatusRunning, db.CampaignStatusPaused,
		db.CampaignStatusCompleted, db.CampaignStatusFailed:
		return true
	}
	return false
}

func validItemStatus(s string) bool {
	switch s {
	case db.ItemStatusQueued, db.ItemStatusProcessing, db.ItemStatusRetry,
		db.ItemStatusSent, db.ItemStatusFailed:
		return true
	}
	return false
}

// writeServiceError maps lifecycle errors to problem responses
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var (
		verr  *campaign.ValidationError
		eterr *campaign.EmptyTargetError
		merr  *campaign.MaterializationError
	)

	switch {
	case errors.As(err, &verr):
		h.writeProblem(w, ErrorResponse{
			Type:   "validation_error",
			Title:  "Invalid campaign",
			Status: http.StatusBadRequest,
			Detail: verr.Reason,
			Field:  verr.Field,
		})
	case errors.As(err, &eterr):
		h.writeError(w, http.StatusUnprocessableEntity, "empty_target", "Target has no recipients", eterr.Error())
	case errors.Is(err, campaign.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
	case errors.As(err, &merr) && (merr.Err == nil || errors.Is(merr.Err, db.ErrInvalidTransition)):
		h.writeError(w, http.StatusConflict, "materialization_error", "Campaign cannot be started", merr.Reason)
	case errors.Is(err, db.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Campaign status does not allow this", err.Error())
	default:
		h.logger.Error("failed to "+op, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+op, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	h.writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) writeProblem(w http.ResponseWriter, p ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
