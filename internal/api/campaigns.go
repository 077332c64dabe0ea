package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmerah/ai-gamemaster-sub005/internal/campaign"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

type campaignJSON struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	PackPriority []string  `json:"pack_priority"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toCampaignJSON(c campaign.Campaign) campaignJSON {
	return campaignJSON{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		PackPriority: c.PackPriority,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func campaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}

func handleListCampaigns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Campaigns.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
			return
		}
		out := make([]campaignJSON, 0, len(list))
		for _, c := range list {
			out = append(out, toCampaignJSON(c))
		}
		respondJSON(w, http.StatusOK, map[string]any{"campaigns": out})
	}
}

func handleCreateCampaign(deps Deps) http.HandlerFunc {
	type createRequest struct {
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		PackPriority []string `json:"pack_priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		c, err := deps.Campaigns.Create(req.Name, req.Description, req.PackPriority)
		if err != nil {
			campaignError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, toCampaignJSON(c))
	}
}

func handleGetCampaign(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Campaigns.Get(chi.URLParam(r, "id"))
		if err != nil {
			campaignError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, toCampaignJSON(c))
	}
}

func handleSetCampaignPriority(deps Deps) http.HandlerFunc {
	type priorityRequest struct {
		PackPriority []string `json:"pack_priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req priorityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		c, err := deps.Campaigns.SetPackPriority(chi.URLParam(r, "id"), req.PackPriority)
		if err != nil {
			campaignError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, toCampaignJSON(c))
	}
}

func handleDeleteCampaign(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Campaigns.Delete(chi.URLParam(r, "id")); err != nil {
			campaignError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
