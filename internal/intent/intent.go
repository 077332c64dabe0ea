// Package intent classifies player input into retrieval categories using
// fixed lexical cue tables. Classification is fully deterministic: identical
// input and session state always produce identical categories and weights.
package intent

import (
	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
)

// Category is one retrieval direction a player input can point at.
type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryCombat       Category = "combat"
	CategorySpellcasting Category = "spellcasting"
	CategorySkillCheck   Category = "skill_check"
	CategorySocial       Category = "social"
	CategoryEquipment    Category = "equipment"
	CategoryRules        Category = "rules"
	CategoryLore         Category = "lore"
)

// Categories lists every category in declaration order. The order doubles as
// the deterministic tie-break when categories score equally.
func Categories() []Category {
	return []Category{
		CategoryGeneral,
		CategoryCombat,
		CategorySpellcasting,
		CategorySkillCheck,
		CategorySocial,
		CategoryEquipment,
		CategoryRules,
		CategoryLore,
	}
}

// Intent is one classified retrieval direction: the category, the focused
// sub-query derived for it, and the weight it claims of the token budget.
type Intent struct {
	Category    Category `json:"category"`
	FocusedText string   `json:"focused_text"`
	Weight      float64  `json:"weight"`
}

// EntityTypes returns the entity types a category's similarity search is
// scoped to. General returns nil, meaning no type filter.
func (c Category) EntityTypes() []content.EntityType {
	switch c {
	case CategoryCombat:
		return []content.EntityType{content.TypeMonster, content.TypeRule}
	case CategorySpellcasting:
		return []content.EntityType{content.TypeSpell, content.TypeRule}
	case CategorySkillCheck:
		return []content.EntityType{content.TypeRule}
	case CategorySocial:
		return []content.EntityType{content.TypeNPC, content.TypeLore}
	case CategoryEquipment:
		return []content.EntityType{content.TypeItem, content.TypeRule}
	case CategoryRules:
		return []content.EntityType{content.TypeRule}
	case CategoryLore:
		return []content.EntityType{content.TypeLore, content.TypeNPC}
	default:
		return nil
	}
}
