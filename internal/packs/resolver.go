// Package packs manages the content pack registry and the override
// resolution order every read path shares.
package packs

import (
	"fmt"
	"sort"

	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// Rank returns pack ids in precedence order for the given priority list:
// packs named in the list come first in list order, then unlisted active
// packs by ascending registry priority with id as tie-break, and the builtin
// pack last when unlisted. Inactive packs never rank, listed or not, so
// deactivating a pack hides its content immediately.
//
// This is the one place precedence between packs is decided. The exact and
// similarity lookup paths both resolve collisions through it.
func Rank(priorityList []string, packs []storage.Pack) []string {
	active := make(map[string]bool, len(packs))
	for _, p := range packs {
		if p.Active {
			active[p.ID] = true
		}
	}

	listed := make(map[string]bool, len(priorityList))
	ranked := make([]string, 0, len(packs))
	for _, id := range priorityList {
		if listed[id] {
			continue
		}
		listed[id] = true
		if active[id] {
			ranked = append(ranked, id)
		}
	}

	var unlisted []storage.Pack
	var builtin []storage.Pack
	for _, p := range packs {
		if listed[p.ID] || !p.Active {
			continue
		}
		if p.Builtin {
			builtin = append(builtin, p)
			continue
		}
		unlisted = append(unlisted, p)
	}
	sort.Slice(unlisted, func(i, j int) bool {
		if unlisted[i].Priority != unlisted[j].Priority {
			return unlisted[i].Priority < unlisted[j].Priority
		}
		return unlisted[i].ID < unlisted[j].ID
	})
	sort.Slice(builtin, func(i, j int) bool { return builtin[i].ID < builtin[j].ID })

	for _, p := range unlisted {
		ranked = append(ranked, p.ID)
	}
	for _, p := range builtin {
		ranked = append(ranked, p.ID)
	}
	return ranked
}

// Resolution is the precedence order of Rank precomputed once for a
// retrieval call, so per-key collisions resolve with a map lookup instead
// of re-sorting the registry for every key.
type Resolution struct {
	ordered []string
	rank    map[string]int
}

// NewResolution precomputes the Rank order for the given priority list and
// registry snapshot.
func NewResolution(priorityList []string, packs []storage.Pack) Resolution {
	ordered := Rank(priorityList, packs)
	rank := make(map[string]int, len(ordered))
	for i, id := range ordered {
		rank[id] = i + 1
	}
	return Resolution{ordered: ordered, rank: rank}
}

// PackIDs returns the readable pack ids in precedence order. Packs outside
// this set must not contribute results at all.
func (r Resolution) PackIDs() []string {
	ids := make([]string, len(r.ordered))
	copy(ids, r.ordered)
	return ids
}

// Allowed reports whether the pack ranks, i.e. whether its content may be
// read under this resolution.
func (r Resolution) Allowed(packID string) bool {
	_, ok := r.rank[packID]
	return ok
}

// Pick returns the candidate pack id with the best rank. Candidates that do
// not rank (inactive and unlisted, or unknown) never win. Returns "" when
// nothing ranks.
func (r Resolution) Pick(candidates []string) string {
	winner := ""
	best := 0
	for _, id := range candidates {
		rank, ok := r.rank[id]
		if !ok {
			continue
		}
		if winner == "" || rank < best {
			winner = id
			best = rank
		}
	}
	return winner
}

// Resolve picks the winning pack id among candidates under the order defined
// by Rank. Convenience for one-shot callers; loops should build a Resolution
// once and Pick per key.
func Resolve(candidates []string, priorityList []string, packs []storage.Pack) string {
	if len(candidates) == 0 {
		return ""
	}
	return NewResolution(priorityList, packs).Pick(candidates)
}

// ValidatePriorityList rejects priority lists that name an unknown pack or
// name the same pack twice. Malformed lists are configuration errors caught
// at save and load time, never silently reinterpreted at query time.
func ValidatePriorityList(priorityList []string, packs []storage.Pack) error {
	known := make(map[string]bool, len(packs))
	for _, p := range packs {
		known[p.ID] = true
	}
	seen := make(map[string]bool, len(priorityList))
	for _, id := range priorityList {
		if !known[id] {
			return fmt.Errorf("priority list names unknown pack %q", id)
		}
		if seen[id] {
			return fmt.Errorf("priority list names pack %q twice", id)
		}
		seen[id] = true
	}
	return nil
}

// ValidatePriorities rejects a registry state where two packs share a
// priority value, which would make the unlisted ordering ambiguous.
func ValidatePriorities(packs []storage.Pack) error {
	byPriority := make(map[int]string, len(packs))
	for _, p := range packs {
		if other, ok := byPriority[p.Priority]; ok {
			return fmt.Errorf("packs %q and %q share priority %d", other, p.ID, p.Priority)
		}
		byPriority[p.Priority] = p.ID
	}
	return nil
}
