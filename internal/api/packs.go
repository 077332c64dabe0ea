package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/importer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/indexer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

type packJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	Builtin   bool      `json:"builtin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toPackJSON(p storage.Pack) packJSON {
	return packJSON{
		ID:        p.ID,
		Name:      p.Name,
		Priority:  p.Priority,
		Active:    p.Active,
		Builtin:   p.Builtin,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// packError maps registry failures onto HTTP statuses.
func packError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, packs.ErrBuiltin):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, packs.ErrConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
	}
}

func handleListPacks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		installed, err := deps.Registry.List()
		if err != nil {
			packError(w, err)
			return
		}
		out := make([]packJSON, 0, len(installed))
		for _, p := range installed {
			out = append(out, toPackJSON(p))
		}
		respondJSON(w, http.StatusOK, map[string]any{"packs": out})
	}
}

func handleCreatePack(deps Deps) http.HandlerFunc {
	type createRequest struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Priority int    `json:"priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		p, err := deps.Registry.Create(req.ID, req.Name, req.Priority)
		if err != nil {
			if errors.Is(err, packs.ErrConflict) {
				packError(w, err)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		respondJSON(w, http.StatusCreated, toPackJSON(p))
	}
}

func handleGetPack(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			packError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, toPackJSON(p))
	}
}

func handleUpdatePack(deps Deps) http.HandlerFunc {
	type updateRequest struct {
		Name     *string `json:"name"`
		Priority *int    `json:"priority"`
		Active   *bool   `json:"active"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		if req.Name == nil && req.Priority == nil && req.Active == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "nothing to update")
			return
		}

		id := chi.URLParam(r, "id")
		p, err := deps.Registry.Get(id)
		if err != nil {
			packError(w, err)
			return
		}
		if req.Name != nil {
			if p, err = deps.Registry.Rename(id, *req.Name); err != nil {
				packError(w, err)
				return
			}
		}
		if req.Priority != nil {
			if p, err = deps.Registry.SetPriority(id, *req.Priority); err != nil {
				packError(w, err)
				return
			}
		}
		if req.Active != nil {
			if p, err = deps.Registry.SetActive(id, *req.Active); err != nil {
				packError(w, err)
				return
			}
		}
		respondJSON(w, http.StatusOK, toPackJSON(p))
	}
}

func handleDeletePack(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Registry.Delete(chi.URLParam(r, "id")); err != nil {
			packError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// UploadRequest is the body of POST /packs/{id}/content. Content carries the
// file verbatim for manifest and html uploads and base64 for pdf.
type UploadRequest struct {
	Format     string `json:"format"`
	FileName   string `json:"file_name,omitempty"`
	Content    string `json:"content"`
	EntityType string `json:"entity_type,omitempty"`
}

func handleUploadContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)

		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		packID := chi.URLParam(r, "id")
		if _, err := deps.Registry.Get(packID); err != nil {
			packError(w, err)
			return
		}

		var (
			result importer.Result
			err    error
		)
		switch req.Format {
		case "manifest":
			result, err = deps.Importer.ImportManifest(packID, []byte(req.Content))
		case "pdf":
			var data []byte
			data, err = base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content must be base64 for pdf: %v", err)
				return
			}
			result, err = deps.Importer.ImportPDF(packID, req.FileName, data, content.EntityType(req.EntityType))
		case "html":
			result, err = deps.Importer.ImportHTML(packID, req.FileName, []byte(req.Content))
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "format must be manifest, pdf, or html")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "import failed: %v", err)
			return
		}

		jobID, err := indexer.EnqueueReindex(deps.Store, packID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "queueing reindex: %v", err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{
			"status":   "queued",
			"job_id":   jobID,
			"imported": result,
		})
	}
}

func handleReindex(deps Deps) http.HandlerFunc {
	type reindexRequest struct {
		PackID string `json:"pack_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req reindexRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
				return
			}
		}

		var (
			report indexer.Report
			err    error
		)
		if req.PackID == "" {
			report, err = deps.Indexer.ReindexAll(r.Context())
		} else {
			report, err = deps.Indexer.Reindex(r.Context(), req.PackID)
		}
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "internal_error", "reindex failed: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, report)
	}
}

type jobJSON struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "job %q not found", chi.URLParam(r, "id"))
				return
			}
			httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
			return
		}
		respondJSON(w, http.StatusOK, jobJSON{
			ID:          job.ID,
			Type:        job.Type,
			Status:      job.Status,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
			CreatedAt:   job.CreatedAt,
			UpdatedAt:   job.UpdatedAt,
		})
	}
}
