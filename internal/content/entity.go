// Package content defines the game-content data model: the closed set of
// entity types, the shared entity envelope, and the per-type payloads that
// carry the structured fields of spells, monsters, rules, and so on.
package content

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the kind of game content an entity holds.
type EntityType string

const (
	TypeSpell   EntityType = "spell"
	TypeMonster EntityType = "monster"
	TypeRule    EntityType = "rule"
	TypeLore    EntityType = "lore"
	TypeItem    EntityType = "item"
	TypeNPC     EntityType = "npc"
)

// Types lists every valid entity type in declaration order.
func Types() []EntityType {
	return []EntityType{TypeSpell, TypeMonster, TypeRule, TypeLore, TypeItem, TypeNPC}
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case TypeSpell, TypeMonster, TypeRule, TypeLore, TypeItem, TypeNPC:
		return true
	}
	return false
}

// Entity is the envelope shared by all content records. The typed payload
// carries the fields specific to the entity type; SourceText holds any free
// text that came with the record (rulebook excerpt, author notes).
type Entity struct {
	ID         string
	PackID     string
	Type       EntityType
	Key        string // normalized logical key, see NormalizeKey
	Name       string // display name as written by the author
	Payload    Payload
	SourceText string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RenderText flattens the entity into the descriptive prose the indexer
// embeds and the retrieval paths return. Pure function of the entity's
// fields: the same entity always renders to the same text.
func (e Entity) RenderText() string {
	var sb strings.Builder
	if e.Payload != nil {
		sb.WriteString(e.Payload.render(e.Name))
	} else {
		sb.WriteString(e.Name)
	}
	if e.SourceText != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(e.SourceText))
	}
	return sb.String()
}

// NormalizeKey derives the logical key used for cross-pack collision
// detection: lower-cased, trimmed, inner whitespace collapsed to single
// spaces. "  Fireball " and "fireball" are the same concept.
func NormalizeKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// ParsePayload decodes the JSON payload for the given entity type.
func ParsePayload(t EntityType, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var p Payload
	switch t {
	case TypeSpell:
		p = &SpellPayload{}
	case TypeMonster:
		p = &MonsterPayload{}
	case TypeRule:
		p = &RulePayload{}
	case TypeLore:
		p = &LorePayload{}
	case TypeItem:
		p = &ItemPayload{}
	case TypeNPC:
		p = &NPCPayload{}
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t, err)
	}
	return p, nil
}
