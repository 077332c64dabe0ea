// Package embedding wraps the Ollama client with the timeout and batching
// behavior the indexer and retrieval paths need.
package embedding

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine is the single-text embedding call the wrapper needs. Implemented
// by ollama.Client.
type Engine interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// BatchEngine is implemented by engines that embed several texts in one
// call. EmbedBatch prefers it and falls back to per-text calls when a
// chunk call fails.
type BatchEngine interface {
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// wireBatchSize bounds how many texts ride in one engine call. Packs can
// hold thousands of entities; chunking keeps request bodies small and
// limits how much work a failed call drags down with it.
const wireBatchSize = 32

// Embedder generates text embeddings with a hard per-call timeout. Query-time
// callers rely on the timeout to bound a stalled engine; the knowledge base
// degrades to keyword matching when it fires.
type Embedder struct {
	engine  Engine
	model   string
	timeout time.Duration
}

// NewEmbedder creates an Embedder using the given engine and model name.
// A non-positive timeout disables the per-call bound.
func NewEmbedder(e Engine, model string, timeout time.Duration) *Embedder {
	return &Embedder{engine: e, model: model, timeout: timeout}
}

func (e *Embedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.engine.Embed(ctx, e.model, text)
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// BatchResult holds one text's embedding, or the error that prevented it.
type BatchResult struct {
	Vector []float32
	Err    error
}

// EmbedBatch embeds texts in chunks of wireBatchSize and returns one result
// per input, in input order. A BatchEngine serves each chunk with a single
// call; otherwise, and whenever a chunk call fails, every text in the chunk
// is embedded on its own, so one bad text never aborts the rest. That is
// what lets the indexer record per-entity failures instead of abandoning a
// pack.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) []BatchResult {
	results := make([]BatchResult, len(texts))
	batcher, _ := e.engine.(BatchEngine)

	var g errgroup.Group
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(texts); start += wireBatchSize {
		chunk := texts[start:min(start+wireBatchSize, len(texts))]
		out := results[start : start+len(chunk)]
		g.Go(func() error {
			e.embedChunk(ctx, batcher, chunk, out)
			return nil
		})
	}

	g.Wait()
	return results
}

// embedChunk fills out with one result per chunk text, using one batch call
// when available and per-text calls as the fallback.
func (e *Embedder) embedChunk(ctx context.Context, batcher BatchEngine, chunk []string, out []BatchResult) {
	if batcher != nil && e.tryBatch(ctx, batcher, chunk, out) {
		return
	}
	for i, text := range chunk {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			out[i].Err = fmt.Errorf("embedding text: %w", err)
			continue
		}
		out[i].Vector = vec
	}
}

// tryBatch embeds the chunk with a single engine call. The per-text timeout
// scales by the chunk length since the one call covers every text.
func (e *Embedder) tryBatch(ctx context.Context, batcher BatchEngine, chunk []string, out []BatchResult) bool {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout*time.Duration(len(chunk)))
		defer cancel()
	}
	vecs, err := batcher.EmbedBatch(ctx, e.model, chunk)
	if err != nil || len(vecs) != len(chunk) {
		return false
	}
	for i, v := range vecs {
		out[i].Vector = v
	}
	return true
}
