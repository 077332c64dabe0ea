package composer

import (
	"strings"
	"testing"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/intent"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
)

// paddedResult builds a retrieval hit whose rendered entry charges exactly
// the given number of tokens, so budget arithmetic in tests stays readable.
func paddedResult(t *testing.T, id string, score float32, tokens int) knowledge.Result {
	t.Helper()
	r := knowledge.Result{
		Document: knowledge.Document{
			ID:     id,
			PackID: "srd",
			Type:   content.TypeRule,
			Key:    id,
			Name:   id,
		},
		Score: score,
	}
	for toSnippet(intent.CategoryRules, r).Tokens < tokens {
		r.RenderedText += "x"
	}
	if got := toSnippet(intent.CategoryRules, r).Tokens; got != tokens {
		t.Fatalf("cannot pad %s to %d tokens, landed on %d", id, tokens, got)
	}
	return r
}

func countByCategory(b ContextBundle) map[intent.Category]int {
	counts := make(map[intent.Category]int)
	for _, s := range b.Snippets {
		counts[s.Category]++
	}
	return counts
}

func TestAssemble_Empty(t *testing.T) {
	b := Assemble(nil, 100)
	if len(b.Snippets) != 0 || b.TotalTokens != 0 || len(b.Categories) != 0 {
		t.Errorf("empty input should produce an empty bundle, got %+v", b)
	}
	if b.Render() != "" {
		t.Errorf("empty bundle renders %q, want empty string", b.Render())
	}
}

func TestAssemble_PacksByScore(t *testing.T) {
	groups := []Candidates{{
		Category: intent.CategoryCombat,
		Weight:   1.0,
		Results: []knowledge.Result{
			paddedResult(t, "c1", 0.5, 20),
			paddedResult(t, "c2", 0.9, 20),
			paddedResult(t, "c3", 0.7, 20),
		},
	}}

	b := Assemble(groups, 1000)
	if len(b.Snippets) != 3 {
		t.Fatalf("got %d snippets, want 3", len(b.Snippets))
	}
	if b.Snippets[0].DocumentID != "c2" || b.Snippets[1].DocumentID != "c3" || b.Snippets[2].DocumentID != "c1" {
		t.Errorf("order = %s, %s, %s; want c2, c3, c1",
			b.Snippets[0].DocumentID, b.Snippets[1].DocumentID, b.Snippets[2].DocumentID)
	}
	wantTokens := 3*20 + EstimateTokens(categoryHeader(intent.CategoryCombat))
	if b.TotalTokens != wantTokens {
		t.Errorf("TotalTokens = %d, want %d", b.TotalTokens, wantTokens)
	}
	if len(b.Categories) != 1 || b.Categories[0] != intent.CategoryCombat {
		t.Errorf("Categories = %v", b.Categories)
	}
}

// TestAssemble_TightBudgetKeepsOnePerCategory: with a 50-token budget, two
// equal-weight categories and 20-token snippets, each category's allowance of
// 25 fits exactly one snippet plus its header, and the leftover fits nothing.
// One snippet from each category beats two from one and zero from the other.
func TestAssemble_TightBudgetKeepsOnePerCategory(t *testing.T) {
	groups := []Candidates{
		{
			Category: intent.CategoryCombat,
			Weight:   1.0,
			Results: []knowledge.Result{
				paddedResult(t, "c1", 0.9, 20),
				paddedResult(t, "c2", 0.8, 20),
				paddedResult(t, "c3", 0.7, 20),
			},
		},
		{
			Category: intent.CategoryRules,
			Weight:   1.0,
			Results: []knowledge.Result{
				paddedResult(t, "r1", 0.9, 20),
				paddedResult(t, "r2", 0.8, 20),
				paddedResult(t, "r3", 0.7, 20),
			},
		},
	}

	b := Assemble(groups, 50)
	counts := countByCategory(b)
	if counts[intent.CategoryCombat] != 1 || counts[intent.CategoryRules] != 1 {
		t.Errorf("snippets per category = %v, want exactly one each", counts)
	}
	if b.TotalTokens > 50 {
		t.Errorf("TotalTokens = %d exceeds the budget", b.TotalTokens)
	}
	if got := EstimateTokens(b.Render()); got > 50 {
		t.Errorf("rendered bundle is %d tokens, exceeds the budget", got)
	}
	// The winners are the top-scoring candidate of each category.
	if b.Snippets[0].DocumentID != "c1" || b.Snippets[1].DocumentID != "r1" {
		t.Errorf("winners = %s, %s; want c1, r1", b.Snippets[0].DocumentID, b.Snippets[1].DocumentID)
	}
}

func TestAssemble_RedistributesUnspentBudget(t *testing.T) {
	groups := []Candidates{
		{
			Category: intent.CategoryCombat,
			Weight:   1.0,
			Results:  []knowledge.Result{paddedResult(t, "c1", 0.9, 10)},
		},
		{
			Category: intent.CategoryRules,
			Weight:   1.0,
			Results: []knowledge.Result{
				paddedResult(t, "r1", 0.9, 10),
				paddedResult(t, "r2", 0.8, 10),
				paddedResult(t, "r3", 0.7, 10),
				paddedResult(t, "r4", 0.6, 10),
				paddedResult(t, "r5", 0.5, 10),
				paddedResult(t, "r6", 0.4, 10),
			},
		},
	}

	// Pass 1 gives each category 30 tokens: combat spends 13 (header 3 +
	// snippet) and runs out of candidates, rules fits two snippets. Pass 2
	// hands the leftover to rules, which packs two more before the global
	// budget stops it.
	b := Assemble(groups, 60)
	counts := countByCategory(b)
	if counts[intent.CategoryCombat] != 1 {
		t.Errorf("combat snippets = %d, want 1", counts[intent.CategoryCombat])
	}
	if counts[intent.CategoryRules] != 4 {
		t.Errorf("rules snippets = %d, want 4 after redistribution", counts[intent.CategoryRules])
	}
	if b.TotalTokens > 60 {
		t.Errorf("TotalTokens = %d exceeds the budget", b.TotalTokens)
	}
}

func TestAssemble_SkipsOversizedSnippetWhole(t *testing.T) {
	groups := []Candidates{{
		Category: intent.CategoryLore,
		Weight:   1.0,
		Results: []knowledge.Result{
			paddedResult(t, "big", 0.9, 100),
			paddedResult(t, "small", 0.5, 12),
		},
	}}

	b := Assemble(groups, 30)
	if len(b.Snippets) != 1 || b.Snippets[0].DocumentID != "small" {
		t.Fatalf("got %+v, want only the small snippet", b.Snippets)
	}
	// The admitted snippet is intact, not a truncated fragment.
	small := paddedResult(t, "small", 0.5, 12)
	if b.Snippets[0].Text != small.RenderedText {
		t.Error("snippet text was altered during packing")
	}
}

// TestAssemble_GlobalBudgetCapsPassTwo guards the redistribution pass: the
// extra allowance must never let a category spend past the global budget.
func TestAssemble_GlobalBudgetCapsPassTwo(t *testing.T) {
	groups := []Candidates{{
		Category: intent.CategoryCombat,
		Weight:   1.0,
		Results: []knowledge.Result{
			paddedResult(t, "a", 0.9, 60),
			paddedResult(t, "b", 0.8, 60),
		},
	}}

	b := Assemble(groups, 100)
	if len(b.Snippets) != 1 {
		t.Fatalf("got %d snippets, want 1", len(b.Snippets))
	}
	if b.TotalTokens > 100 {
		t.Errorf("TotalTokens = %d exceeds the budget", b.TotalTokens)
	}
}

func TestAssemble_OrdersByWeightThenDeclaration(t *testing.T) {
	groups := []Candidates{
		{Category: intent.CategoryLore, Weight: 1.0, Results: []knowledge.Result{paddedResult(t, "l1", 0.9, 15)}},
		{Category: intent.CategoryCombat, Weight: 2.0, Results: []knowledge.Result{paddedResult(t, "c1", 0.2, 15)}},
		{Category: intent.CategoryRules, Weight: 1.0, Results: []knowledge.Result{paddedResult(t, "r1", 0.5, 15)}},
	}

	b := Assemble(groups, 1000)
	want := []intent.Category{intent.CategoryCombat, intent.CategoryRules, intent.CategoryLore}
	if len(b.Categories) != len(want) {
		t.Fatalf("Categories = %v, want %v", b.Categories, want)
	}
	for i := range want {
		if b.Categories[i] != want[i] {
			t.Errorf("Categories[%d] = %s, want %s", i, b.Categories[i], want[i])
		}
	}
	// Heaviest category leads even though its snippet scored lowest.
	if b.Snippets[0].Category != intent.CategoryCombat {
		t.Errorf("first snippet category = %s, want combat", b.Snippets[0].Category)
	}
}

func TestAssemble_DropsCrossCategoryDuplicates(t *testing.T) {
	shared := paddedResult(t, "shared", 0.9, 15)
	groups := []Candidates{
		{Category: intent.CategoryCombat, Weight: 2.0, Results: []knowledge.Result{shared}},
		{Category: intent.CategoryRules, Weight: 1.0, Results: []knowledge.Result{
			shared,
			paddedResult(t, "only-rules", 0.5, 15),
		}},
	}

	b := Assemble(groups, 1000)
	seen := 0
	for _, s := range b.Snippets {
		if s.DocumentID == "shared" {
			seen++
			if s.Category != intent.CategoryCombat {
				t.Errorf("shared document kept under %s, want the heavier combat group", s.Category)
			}
		}
	}
	if seen != 1 {
		t.Errorf("shared document appears %d times, want 1", seen)
	}
	if counts := countByCategory(b); counts[intent.CategoryRules] != 1 {
		t.Errorf("rules snippets = %d, want 1", counts[intent.CategoryRules])
	}
}

func TestAssemble_NeverExceedsBudget(t *testing.T) {
	groups := []Candidates{
		{
			Category: intent.CategoryCombat,
			Weight:   1.75,
			Results: []knowledge.Result{
				paddedResult(t, "c1", 0.9, 37),
				paddedResult(t, "c2", 0.8, 13),
				paddedResult(t, "c3", 0.7, 22),
			},
		},
		{
			Category: intent.CategoryRules,
			Weight:   1.0,
			Results: []knowledge.Result{
				paddedResult(t, "r1", 0.6, 11),
				paddedResult(t, "r2", 0.5, 41),
			},
		},
		{
			Category: intent.CategoryLore,
			Weight:   1.25,
			Results:  []knowledge.Result{paddedResult(t, "l1", 0.4, 29)},
		},
	}

	for _, budget := range []int{1, 10, 25, 40, 55, 70, 100, 200, 500} {
		b := Assemble(groups, budget)
		if b.TotalTokens > budget {
			t.Errorf("budget %d: TotalTokens = %d", budget, b.TotalTokens)
		}
		if got := EstimateTokens(b.Render()); got > budget {
			t.Errorf("budget %d: rendered bundle is %d tokens", budget, got)
		}
	}
}

func TestAssemble_DefaultBudget(t *testing.T) {
	groups := []Candidates{{
		Category: intent.CategoryCombat,
		Weight:   1.0,
		Results:  []knowledge.Result{paddedResult(t, "c1", 0.9, 20)},
	}}

	b := Assemble(groups, 0)
	if len(b.Snippets) != 1 {
		t.Errorf("zero budget should fall back to the default, got %d snippets", len(b.Snippets))
	}
}

func TestRender_GroupsByCategory(t *testing.T) {
	groups := []Candidates{
		{Category: intent.CategoryRules, Weight: 1.0, Results: []knowledge.Result{paddedResult(t, "r1", 0.5, 15)}},
		{Category: intent.CategoryCombat, Weight: 2.0, Results: []knowledge.Result{paddedResult(t, "c1", 0.9, 15)}},
	}

	b := Assemble(groups, 1000)
	out := b.Render()

	combatAt := strings.Index(out, "[combat]")
	rulesAt := strings.Index(out, "[rules]")
	if combatAt < 0 || rulesAt < 0 {
		t.Fatalf("missing category headers in %q", out)
	}
	if combatAt > rulesAt {
		t.Error("heavier category should render first")
	}
	if !strings.Contains(out, "Source: rule/c1 @srd") {
		t.Errorf("missing snippet source line in %q", out)
	}
	if out != b.Render() {
		t.Error("Render is not deterministic")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world", 3},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
