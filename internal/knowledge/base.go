// Package knowledge is the query-time read path over indexed pack content:
// exact entity lookup and similarity search, both funnelled through the
// pack override resolution in internal/packs.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// Embedder turns query text into a vector. Implemented by embedding.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EntityStore is the slice of the relational store the exact lookup path
// needs. Implemented by storage.Store.
type EntityStore interface {
	ListEntitiesByKey(t content.EntityType, key string) ([]content.Entity, error)
}

// Base combines the entity store, the document index and the embedder into
// the two read operations callers use: Lookup and Search.
type Base struct {
	entities EntityStore
	docs     *DocStore
	embedder Embedder
}

// NewBase creates a Base over the given stores and embedder.
func NewBase(entities EntityStore, docs *DocStore, embedder Embedder) *Base {
	return &Base{entities: entities, docs: docs, embedder: embedder}
}

// SearchResult carries similarity hits plus whether they came from the
// keyword fallback instead of vector search.
type SearchResult struct {
	Results  []Result
	Degraded bool
}

// Lookup finds the entity for a (type, name) pair. The name is normalized to
// its logical key, candidates holding that key are collected across packs,
// and the pack resolution picks the single winner. Returns
// storage.ErrNotFound when no readable pack holds the key; that is an
// expected outcome, not a fault.
func (b *Base) Lookup(entityType content.EntityType, name string, res packs.Resolution) (content.Entity, error) {
	key := content.NormalizeKey(name)
	if key == "" {
		return content.Entity{}, fmt.Errorf("empty entity name")
	}

	candidates, err := b.entities.ListEntitiesByKey(entityType, key)
	if err != nil {
		return content.Entity{}, fmt.Errorf("listing entities for %s %q: %w", entityType, key, err)
	}

	packIDs := make([]string, len(candidates))
	for i, e := range candidates {
		packIDs[i] = e.PackID
	}
	winner := res.Pick(packIDs)
	if winner == "" {
		return content.Entity{}, storage.ErrNotFound
	}
	for _, e := range candidates {
		if e.PackID == winner {
			return e, nil
		}
	}
	return content.Entity{}, storage.ErrNotFound
}

// Search embeds the query text and returns the top-K most similar documents
// from the packs readable under res, optionally restricted to entity types.
//
// When the embedder fails or times out the search degrades to keyword
// matching over rendered text and flags the result, so a downed model
// never takes retrieval down with it. Store errors are returned as-is:
// an unreachable database is not "nothing found".
func (b *Base) Search(ctx context.Context, text string, topK int, types []content.EntityType, res packs.Resolution) (SearchResult, error) {
	if strings.TrimSpace(text) == "" || topK <= 0 {
		return SearchResult{}, nil
	}

	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return SearchResult{}, err
		}
		slog.Warn("embedding failed, falling back to keyword search", "error", err)
		results, kwErr := b.docs.KeywordSearch(text, topK, res, types)
		if kwErr != nil {
			return SearchResult{}, fmt.Errorf("keyword fallback: %w", kwErr)
		}
		return SearchResult{Results: results, Degraded: true}, nil
	}

	results, err := b.docs.Search(vec, topK, res, types)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Results: results}, nil
}
