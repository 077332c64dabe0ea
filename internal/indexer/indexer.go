// Package indexer builds the searchable document index from pack content:
// it renders each entity to prose, embeds the text, and transactionally
// replaces the pack's slice of the index.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/embedding"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// EntitySource is the slice of the relational store the indexer reads.
// Implemented by storage.Store.
type EntitySource interface {
	GetPack(id string) (storage.Pack, error)
	ListPacks() ([]storage.Pack, error)
	ListEntities(packID string) ([]content.Entity, error)
}

// DocWriter replaces one pack's documents in the index.
// Implemented by knowledge.DocStore.
type DocWriter interface {
	ReplacePack(packID string, docs []knowledge.Document) error
}

// BatchEmbedder embeds rendered texts with per-item failure isolation.
// Implemented by embedding.Embedder.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) []embedding.BatchResult
}

// Failure records one entity that could not be indexed.
type Failure struct {
	PackID     string `json:"pack_id"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	Key        string `json:"key"`
	Error      string `json:"error"`
}

// Report summarizes an indexing pass. A pass with failures still writes the
// entities that embedded successfully.
type Report struct {
	Packs            []string      `json:"packs"`
	DocumentsWritten int           `json:"documents_written"`
	DocumentsFailed  int           `json:"documents_failed"`
	Failures         []Failure     `json:"failures,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Indexer renders, embeds, and writes pack content into the document index.
type Indexer struct {
	store    EntitySource
	docs     DocWriter
	embedder BatchEmbedder
}

// New creates an Indexer over the given stores and embedder.
func New(store EntitySource, docs DocWriter, embedder BatchEmbedder) *Indexer {
	return &Indexer{store: store, docs: docs, embedder: embedder}
}

// Reindex rebuilds the document index for one pack.
func (ix *Indexer) Reindex(ctx context.Context, packID string) (Report, error) {
	start := time.Now()
	if _, err := ix.store.GetPack(packID); err != nil {
		return Report{}, fmt.Errorf("loading pack %s: %w", packID, err)
	}
	report := Report{Packs: []string{packID}}
	if err := ix.indexPack(ctx, packID, &report); err != nil {
		return Report{}, err
	}
	report.Duration = time.Since(start)
	return report, nil
}

// ReindexAll rebuilds the document index for every installed pack, active or
// not. Activation is a query-time filter, so an inactive pack keeps its
// documents current and reappears the moment it is reactivated.
func (ix *Indexer) ReindexAll(ctx context.Context) (Report, error) {
	start := time.Now()
	packs, err := ix.store.ListPacks()
	if err != nil {
		return Report{}, fmt.Errorf("listing packs: %w", err)
	}

	var report Report
	for _, p := range packs {
		report.Packs = append(report.Packs, p.ID)
		if err := ix.indexPack(ctx, p.ID, &report); err != nil {
			return Report{}, err
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

func (ix *Indexer) indexPack(ctx context.Context, packID string, report *Report) error {
	entities, err := ix.store.ListEntities(packID)
	if err != nil {
		return fmt.Errorf("listing entities for %s: %w", packID, err)
	}

	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = e.RenderText()
	}
	results := ix.embedder.EmbedBatch(ctx, texts)
	if err := ctx.Err(); err != nil {
		// An interrupted pass must not tear down the existing index.
		return err
	}

	now := time.Now().UTC()
	failed := 0
	docs := make([]knowledge.Document, 0, len(entities))
	for i, e := range entities {
		if embErr := results[i].Err; embErr != nil {
			failed++
			report.Failures = append(report.Failures, Failure{
				PackID:     packID,
				EntityID:   e.ID,
				EntityType: string(e.Type),
				Key:        e.Key,
				Error:      embErr.Error(),
			})
			slog.Debug("entity failed to embed", "pack", packID, "entity", e.ID, "error", embErr)
			continue
		}
		docs = append(docs, knowledge.Document{
			ID:           DocumentID(packID, e.Type, e.Key),
			EntityID:     e.ID,
			PackID:       packID,
			Type:         e.Type,
			Key:          e.Key,
			Name:         e.Name,
			RenderedText: texts[i],
			Embedding:    results[i].Vector,
			IndexedAt:    now,
		})
	}
	report.DocumentsFailed += failed

	// When every entity failed the engine was down, not the content; keep
	// the pack's previous documents instead of wiping them.
	if len(entities) > 0 && len(docs) == 0 {
		slog.Warn("no entities embedded, keeping existing documents", "pack", packID, "failed", failed)
		return nil
	}

	if err := ix.docs.ReplacePack(packID, docs); err != nil {
		return fmt.Errorf("replacing documents for %s: %w", packID, err)
	}
	report.DocumentsWritten += len(docs)

	slog.Info("indexed pack", "pack", packID, "written", len(docs), "failed", failed)
	return nil
}

// DocumentID derives the stable id for a pack entity's document, so
// reindexing an unchanged pack yields byte-identical ids.
func DocumentID(packID string, t content.EntityType, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(packID+"/"+string(t)+"/"+key)).String()
}
