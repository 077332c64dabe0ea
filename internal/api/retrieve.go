package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mmerah/ai-gamemaster-sub005/internal/composer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/game"
	"github.com/mmerah/ai-gamemaster-sub005/internal/intent"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/retrieval"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// RetrieveRequest is the body of POST /retrieve. PackPriority and CampaignID
// are mutually exclusive ways to pick the pack order; with neither, installed
// packs resolve by their configured priorities.
type RetrieveRequest struct {
	Text         string       `json:"text"`
	Session      game.Session `json:"session"`
	CampaignID   string       `json:"campaign_id,omitempty"`
	PackPriority []string     `json:"pack_priority,omitempty"`
	TopK         int          `json:"top_k,omitempty"`
	TokenBudget  int          `json:"token_budget,omitempty"`
}

// RetrieveResponse carries the assembled bundle plus diagnostics.
type RetrieveResponse struct {
	Rendered    string             `json:"rendered"`
	Snippets    []composer.Snippet `json:"snippets"`
	TotalTokens int                `json:"total_tokens"`
	Categories  []intent.Category  `json:"categories"`
	Intents     []intent.Intent    `json:"intents"`
	Degraded    bool               `json:"degraded"`
	DurationMs  int64              `json:"duration_ms"`
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if req.CampaignID != "" && len(req.PackPriority) > 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "campaign_id and pack_priority are mutually exclusive")
			return
		}

		priority := req.PackPriority
		if req.CampaignID != "" {
			c, err := deps.Campaigns.Get(req.CampaignID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					httpError(w, http.StatusNotFound, "not_found_error", "campaign %q not found", req.CampaignID)
					return
				}
				httpError(w, http.StatusInternalServerError, "internal_error", "loading campaign: %v", err)
				return
			}
			priority = c.PackPriority
		} else if len(priority) > 0 {
			installed, err := deps.Registry.List()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "internal_error", "listing packs: %v", err)
				return
			}
			if err := packs.ValidatePriorityList(priority, installed); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid pack_priority: %v", err)
				return
			}
		}

		result, err := deps.Retrieval.Retrieve(r.Context(), retrieval.Request{
			Text:         req.Text,
			Session:      req.Session,
			PackPriority: priority,
			TopK:         req.TopK,
			TokenBudget:  req.TokenBudget,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "retrieval failed: %v", err)
			return
		}

		respondJSON(w, http.StatusOK, RetrieveResponse{
			Rendered:    result.Bundle.Render(),
			Snippets:    result.Bundle.Snippets,
			TotalTokens: result.Bundle.TotalTokens,
			Categories:  result.Bundle.Categories,
			Intents:     result.Intents,
			Degraded:    result.Degraded,
			DurationMs:  result.DurationMs,
		})
	}
}
