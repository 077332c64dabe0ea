// Package api exposes the retrieval engine over HTTP and MCP. The retrieve
// route is open; pack, campaign, content, and index administration sits
// behind a bearer token.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmerah/ai-gamemaster-sub005/internal/campaign"
	"github.com/mmerah/ai-gamemaster-sub005/internal/importer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/indexer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/retrieval"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadBodySize = 10 << 20 // 10MB

// Deps holds everything the HTTP surface serves from.
type Deps struct {
	Store     *storage.Store
	Registry  *packs.Registry
	Campaigns *campaign.Manager
	Importer  *importer.Importer
	Indexer   *indexer.Indexer
	Retrieval *retrieval.Service
	Token     string
}

// NewHandler builds the router: health and retrieve are open, administration
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/retrieve", handleRetrieve(deps))

	r.Group(func(admin chi.Router) {
		admin.Use(BearerAuth(deps.Token))

		admin.Get("/packs", handleListPacks(deps))
		admin.Post("/packs", handleCreatePack(deps))
		admin.Get("/packs/{id}", handleGetPack(deps))
		admin.Patch("/packs/{id}", handleUpdatePack(deps))
		admin.Delete("/packs/{id}", handleDeletePack(deps))
		admin.Post("/packs/{id}/content", handleUploadContent(deps))

		admin.Post("/reindex", handleReindex(deps))
		admin.Get("/jobs/{id}", handleGetJob(deps))

		admin.Get("/campaigns", handleListCampaigns(deps))
		admin.Post("/campaigns", handleCreateCampaign(deps))
		admin.Get("/campaigns/{id}", handleGetCampaign(deps))
		admin.Put("/campaigns/{id}/priority", handleSetCampaignPriority(deps))
		admin.Delete("/campaigns/{id}", handleDeleteCampaign(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	respondJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
