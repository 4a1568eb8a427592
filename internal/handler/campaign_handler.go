package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/karibucrm/campaign-engine/internal/errors"
	"github.com/karibucrm/campaign-engine/internal/model"
	"github.com/karibucrm/campaign-engine/internal/repository"
)

// DeliveryStarter is the slice of the delivery service the HTTP surface needs.
type DeliveryStarter interface {
	StartCampaign(ctx context.Context, campaignID int64) error
	CancelCampaign(ctx context.Context, campaignID int64) error
}

// CampaignHandler holds the dependencies for campaign-related HTTP handlers.
type CampaignHandler struct {
	Repo     repository.CampaignRepositoryInterface
	Delivery DeliveryStarter
	Log      zerolog.Logger
}

// CreateCampaign creates a draft campaign.
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		SegmentID int64  `json:"segmentId"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.SegmentID == 0 || body.Message == "" {
		http.Error(w, "name, segmentId and message are required", http.StatusBadRequest)
		return
	}

	campaign := &model.Campaign{
		Name:      body.Name,
		SegmentID: body.SegmentID,
		Message:   body.Message,
		Status:    model.StatusDraft,
	}
	if err := h.Repo.Create(r.Context(), campaign); err != nil {
		h.Log.Error().Err(err).Msg("create campaign failed")
		http.Error(w, "failed to create campaign", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(campaign)
}

// GetCampaign returns a campaign with its delivery stats.
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := h.Repo.GetByID(r.Context(), id)
	if err != nil {
		writeCampaignError(w, h.Log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(campaign)
}

// StartCampaign kicks off the delivery pipeline for a draft campaign.
func (h *CampaignHandler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.Delivery.StartCampaign(r.Context(), id); err != nil {
		writeCampaignError(w, h.Log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"campaignId": id,
		"status":     model.StatusRunning,
	})
}

// CancelCampaign aborts a running campaign.
func (h *CampaignHandler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.Delivery.CancelCampaign(r.Context(), id); err != nil {
		writeCampaignError(w, h.Log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"campaignId": id,
		"status":     model.StatusFailed,
	})
}

func campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeCampaignError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var notFound *appErrors.ErrCampaignNotFound
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, appErrors.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Msg("campaign request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
