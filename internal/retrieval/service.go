// Package retrieval is the query-side entry point: it classifies player
// input, fans a similarity search out per fired category, and assembles the
// scored hits into a token-budgeted context bundle.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmerah/ai-gamemaster-sub005/internal/composer"
	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/game"
	"github.com/mmerah/ai-gamemaster-sub005/internal/intent"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

const (
	defaultTopK   = 8
	defaultBudget = 2048
)

// KnowledgeBase is the search surface the service fans out over.
// Implemented by knowledge.Base.
type KnowledgeBase interface {
	Search(ctx context.Context, text string, topK int, types []content.EntityType, res packs.Resolution) (knowledge.SearchResult, error)
}

// PackLister supplies the installed packs for override resolution.
// Implemented by packs.Registry.
type PackLister interface {
	List() ([]storage.Pack, error)
}

// Request is one retrieval call. PackPriority is the caller's ordered pack
// preference; nil means registry order. TopK and TokenBudget override the
// service defaults when positive.
type Request struct {
	Text         string
	Session      game.Session
	PackPriority []string
	TopK         int
	TokenBudget  int
}

// Result carries the assembled bundle plus diagnostics about how it was
// built. Degraded is true when any category's search fell back to keyword
// matching.
type Result struct {
	Bundle     composer.ContextBundle
	Intents    []intent.Intent
	Degraded   bool
	DurationMs int64
}

// Service wires classification, search, and assembly into the one query
// path. It holds no per-request state; concurrent Retrieve calls are safe.
type Service struct {
	base   KnowledgeBase
	packs  PackLister
	topK   int
	budget int
}

// NewService creates a Service. topK defaults to 8 and tokenBudget to 2048
// when non-positive.
func NewService(base KnowledgeBase, packLister PackLister, topK, tokenBudget int) *Service {
	if topK <= 0 {
		topK = defaultTopK
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultBudget
	}
	return &Service{base: base, packs: packLister, topK: topK, budget: tokenBudget}
}

// Retrieve classifies the input, searches each fired category concurrently,
// and packs the hits into a bundle. An empty bundle with a nil error means
// nothing matched; storage failures propagate.
func (s *Service) Retrieve(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	intents := intent.Classify(req.Text, req.Session)

	installed, err := s.packs.List()
	if err != nil {
		return Result{}, fmt.Errorf("listing packs: %w", err)
	}
	res := packs.NewResolution(req.PackPriority, installed)

	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}

	// Each goroutine writes only its own slot; nothing is shared.
	groupResults := make([]composer.Candidates, len(intents))
	degraded := make([]bool, len(intents))

	g, gctx := errgroup.WithContext(ctx)
	for i, it := range intents {
		i, it := i, it
		g.Go(func() error {
			sr, err := s.base.Search(gctx, searchText(it, req.Text), topK, it.Category.EntityTypes(), res)
			if err != nil {
				return fmt.Errorf("searching %s: %w", it.Category, err)
			}
			groupResults[i] = composer.Candidates{Category: it.Category, Weight: it.Weight, Results: sr.Results}
			degraded[i] = sr.Degraded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = s.budget
	}
	bundle := composer.Assemble(groupResults, budget)

	out := Result{
		Bundle:     bundle,
		Intents:    intents,
		DurationMs: time.Since(start).Milliseconds(),
	}
	for _, d := range degraded {
		out.Degraded = out.Degraded || d
	}

	slog.Debug("retrieval complete",
		"categories", len(intents),
		"snippets", len(bundle.Snippets),
		"tokens", bundle.TotalTokens,
		"degraded", out.Degraded,
	)
	return out, nil
}

// searchText picks the text a category searches with: its focused sub-query
// when classification produced one, otherwise the raw input.
func searchText(it intent.Intent, raw string) string {
	if strings.TrimSpace(it.FocusedText) != "" {
		return it.FocusedText
	}
	return raw
}
