package intent

import (
	"sort"
	"strings"
	"unicode"

	"github.com/mmerah/ai-gamemaster-sub005/internal/game"
)

// Scoring constants. A category fires once it accumulates fireThreshold
// points; its weight grows with further evidence up to maxWeight.
const (
	rawCuePoints    = 1.0
	recentCuePoints = 0.5
	fireThreshold   = 1.0
	maxWeight       = 2.0

	// The in-combat flag is strong evidence on its own.
	inCombatCombatPoints = 2.0
	inCombatRulesPoints  = 1.0
)

// cueTable maps each category to the words and phrases that score for it.
// Phrases are matched on word boundaries after normalization, so "attack roll"
// matches "an Attack roll!" but not "counterattack rolling".
var cueTable = map[Category][]string{
	CategoryCombat: {
		"attack", "hit", "strike", "fight", "swing", "stab", "shoot", "slay",
		"damage", "initiative", "grapple", "shove", "charge", "flank",
		"dodge", "parry", "ambush", "battle", "kill",
		"attack roll", "armor class", "hit points", "opportunity attack",
	},
	CategorySpellcasting: {
		"cast", "spell", "cantrip", "ritual", "concentration", "counterspell",
		"magic", "scroll", "conjure", "dispel", "incantation",
		"spell slot", "spell save",
	},
	CategorySkillCheck: {
		"check", "roll", "skill", "save", "perception", "stealth",
		"athletics", "acrobatics", "persuasion", "investigation", "insight",
		"arcana", "advantage", "disadvantage", "sneak", "climb",
		"saving throw", "sleight of hand", "pick the lock",
	},
	CategorySocial: {
		"talk", "persuade", "convince", "intimidate", "deceive", "negotiate",
		"bargain", "greet", "charm", "flatter", "bribe", "parley",
		"conversation", "diplomacy", "ask about",
	},
	CategoryEquipment: {
		"buy", "sell", "shop", "price", "cost", "equip", "wear", "wield",
		"inventory", "item", "weapon", "armor", "shield", "potion", "gear",
		"merchant", "trade", "gold", "supplies",
	},
	CategoryRules: {
		"rule", "rules", "mechanic", "allowed", "legal", "errata",
		"condition", "exhaustion", "prone", "restrained", "stunned",
		"how does", "how do", "what happens",
	},
	CategoryLore: {
		"history", "legend", "ancient", "lore", "story", "kingdom",
		"prophecy", "myth", "tale", "chronicle", "era", "dynasty",
		"god", "goddess", "deity", "founded",
	},
}

// hintTerms are appended to each category's focused sub-query to steer the
// similarity search toward that category's corner of the corpus.
var hintTerms = map[Category]string{
	CategoryCombat:       "combat attack damage",
	CategorySpellcasting: "spell magic casting",
	CategorySkillCheck:   "skill check ability",
	CategorySocial:       "social interaction persuasion",
	CategoryEquipment:    "equipment item price",
	CategoryRules:        "rules mechanics ruling",
	CategoryLore:         "history lore legend",
}

// stopwords removed when deriving the focused sub-query.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "we": true, "my": true,
	"me": true, "you": true, "it": true, "to": true, "of": true, "in": true,
	"on": true, "at": true, "is": true, "are": true, "was": true, "be": true,
	"do": true, "does": true, "can": true, "could": true, "would": true,
	"want": true, "and": true, "or": true, "with": true, "for": true,
	"what": true, "whats": true, "how": true, "there": true, "this": true,
	"that": true, "about": true, "try": true, "please": true,
}

// Classify scores the input against every category's cue table and returns
// the intents that fire, ordered by descending weight (declaration order on
// ties). Raw-text cues score full points, recent-event cues half; the
// in-combat flag biases toward combat and rules. When nothing fires, a single
// general intent with weight 1.0 is returned so retrieval never comes back
// empty purely because classification missed.
func Classify(rawText string, session game.Session) []Intent {
	raw := normalize(rawText)
	if raw == "" {
		return []Intent{{Category: CategoryGeneral, Weight: 1.0}}
	}
	recent := normalize(session.RecentEvents)

	points := make(map[Category]float64)
	for _, c := range Categories() {
		for _, cue := range cueTable[c] {
			if containsCue(raw, cue) {
				points[c] += rawCuePoints
			}
			if recent != "" && containsCue(recent, cue) {
				points[c] += recentCuePoints
			}
		}
	}
	if session.InCombat {
		points[CategoryCombat] += inCombatCombatPoints
		points[CategoryRules] += inCombatRulesPoints
	}

	salient := salientText(raw)
	var intents []Intent
	for _, c := range Categories() {
		p := points[c]
		if p < fireThreshold {
			continue
		}
		intents = append(intents, Intent{
			Category:    c,
			FocusedText: focusedText(salient, c),
			Weight:      weightFor(p),
		})
	}

	if len(intents) == 0 {
		return []Intent{{Category: CategoryGeneral, FocusedText: salient, Weight: 1.0}}
	}

	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].Weight > intents[j].Weight
	})
	return intents
}

// weightFor converts accumulated points into a budget weight: one point is
// baseline, each extra point adds a quarter, capped at maxWeight.
func weightFor(points float64) float64 {
	w := 1.0 + 0.25*(points-1.0)
	if w > maxWeight {
		return maxWeight
	}
	return w
}

// normalize lowercases, strips punctuation, and collapses whitespace.
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// containsCue reports whether the normalized text contains the cue on word
// boundaries.
func containsCue(normText, cue string) bool {
	return strings.Contains(" "+normText+" ", " "+cue+" ")
}

// salientText drops stopwords from normalized text, preserving order and
// deduplicating.
func salientText(norm string) string {
	seen := make(map[string]bool)
	var kept []string
	for _, tok := range strings.Fields(norm) {
		if stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// focusedText builds the sub-query a category searches with: the salient
// tokens of the input plus the category's hint terms.
func focusedText(salient string, c Category) string {
	hint := hintTerms[c]
	if salient == "" {
		return hint
	}
	if hint == "" {
		return salient
	}
	return salient + " " + hint
}
