// Package composer packs retrieval candidates into a token-budgeted context
// bundle ready for prompt injection.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/intent"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
)

const defaultTokenBudget = 2048

// Candidates holds one category's scored retrieval hits together with the
// weight the classifier assigned the category. Assemble expects at most one
// group per category.
type Candidates struct {
	Category intent.Category
	Weight   float64
	Results  []knowledge.Result
}

// Snippet is one retrieved document admitted into the bundle. Tokens is the
// budget charge for the snippet's rendered entry, separator included.
type Snippet struct {
	Category   intent.Category    `json:"category"`
	DocumentID string             `json:"document_id"`
	PackID     string             `json:"pack_id"`
	Type       content.EntityType `json:"type"`
	Key        string             `json:"key"`
	Name       string             `json:"name"`
	Text       string             `json:"text"`
	Score      float32            `json:"score"`
	Tokens     int                `json:"tokens"`
}

// ContextBundle is the assembled result: snippets grouped by category in
// descending weight order, descending similarity within each category.
// TotalTokens includes the category headers charged during packing, so
// EstimateTokens(Render()) never exceeds the budget Assemble was given.
type ContextBundle struct {
	Snippets    []Snippet         `json:"snippets"`
	TotalTokens int               `json:"total_tokens"`
	Categories  []intent.Category `json:"categories"`
}

// Render flattens the bundle into prompt-ready text. The same bundle always
// renders to the same string.
func (b ContextBundle) Render() string {
	if len(b.Snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	var current intent.Category
	for i, s := range b.Snippets {
		if i == 0 || s.Category != current {
			sb.WriteString(categoryHeader(s.Category))
			current = s.Category
		}
		sb.WriteString(formatSnippet(s))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Assemble packs the candidate groups into a bundle that spends at most
// budget tokens. Each category gets a provisional allowance proportional to
// its weight; a second pass hands unspent budget to categories that still
// have candidates. A snippet that would overflow is skipped whole, never
// truncated, and a document retrieved by several categories is kept only
// under the first category that packs it.
func Assemble(groups []Candidates, budget int) ContextBundle {
	if budget <= 0 {
		budget = defaultTokenBudget
	}

	ordered := make([]*groupState, 0, len(groups))
	var totalWeight float64
	for _, g := range groups {
		if g.Weight <= 0 || len(g.Results) == 0 {
			continue
		}
		ordered = append(ordered, newGroupState(g))
		totalWeight += g.Weight
	}
	if totalWeight == 0 {
		return ContextBundle{}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Weight != ordered[j].Weight {
			return ordered[i].Weight > ordered[j].Weight
		}
		return categoryIndex(ordered[i].Category) < categoryIndex(ordered[j].Category)
	})

	// Pass 1: pack within per-category allowances.
	total := 0
	used := make(map[string]bool)
	for _, g := range ordered {
		g.allowance = int(float64(budget) * g.Weight / totalWeight)
		g.pack(&total, budget, used)
	}

	// Pass 2: hand the unspent budget to categories that still have
	// candidates, proportionally by weight.
	leftover := budget - total
	if leftover > 0 {
		var stuckWeight float64
		for _, g := range ordered {
			if g.hasUntaken() {
				stuckWeight += g.Weight
			}
		}
		if stuckWeight > 0 {
			for _, g := range ordered {
				if !g.hasUntaken() {
					continue
				}
				g.allowance += int(float64(leftover) * g.Weight / stuckWeight)
				g.pack(&total, budget, used)
			}
		}
	}

	var bundle ContextBundle
	bundle.TotalTokens = total
	for _, g := range ordered {
		took := false
		for i, s := range g.snippets {
			if !g.taken[i] {
				continue
			}
			bundle.Snippets = append(bundle.Snippets, s)
			took = true
		}
		if took {
			bundle.Categories = append(bundle.Categories, g.Category)
		}
	}
	return bundle
}

// groupState tracks one category's packing progress across both passes.
type groupState struct {
	Candidates
	snippets  []Snippet
	taken     []bool
	dropped   []bool
	allowance int
	spent     int
	count     int
}

func newGroupState(g Candidates) *groupState {
	results := make([]knowledge.Result, len(g.Results))
	copy(results, g.Results)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	snippets := make([]Snippet, len(results))
	for i, r := range results {
		snippets[i] = toSnippet(g.Category, r)
	}
	return &groupState{
		Candidates: g,
		snippets:   snippets,
		taken:      make([]bool, len(snippets)),
		dropped:    make([]bool, len(snippets)),
	}
}

// pack admits untaken snippets in descending similarity order while they fit
// both the category allowance and the global budget.
func (g *groupState) pack(total *int, budget int, used map[string]bool) {
	for i, s := range g.snippets {
		if g.taken[i] || g.dropped[i] {
			continue
		}
		if used[s.DocumentID] {
			// Another category already carries this document.
			g.dropped[i] = true
			continue
		}
		cost := s.Tokens
		if g.count == 0 {
			cost += EstimateTokens(categoryHeader(g.Category))
		}
		if g.spent+cost > g.allowance || *total+cost > budget {
			continue
		}
		g.taken[i] = true
		used[s.DocumentID] = true
		g.spent += cost
		*total += cost
		g.count++
	}
}

func (g *groupState) hasUntaken() bool {
	for i := range g.taken {
		if !g.taken[i] && !g.dropped[i] {
			return true
		}
	}
	return false
}

func toSnippet(cat intent.Category, r knowledge.Result) Snippet {
	s := Snippet{
		Category:   cat,
		DocumentID: r.ID,
		PackID:     r.PackID,
		Type:       r.Type,
		Key:        r.Key,
		Name:       r.Name,
		Text:       r.RenderedText,
		Score:      r.Score,
	}
	s.Tokens = EstimateTokens(formatSnippet(s))
	return s
}

func categoryHeader(cat intent.Category) string {
	return "[" + string(cat) + "]\n"
}

func formatSnippet(s Snippet) string {
	return fmt.Sprintf("(Score: %.2f, Source: %s/%s @%s)\n%s\n\n", s.Score, s.Type, s.Key, s.PackID, s.Text)
}

func categoryIndex(cat intent.Category) int {
	for i, c := range intent.Categories() {
		if c == cat {
			return i
		}
	}
	return len(intent.Categories())
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
