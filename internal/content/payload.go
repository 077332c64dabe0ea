package content

import (
	"fmt"
	"strings"
)

// Payload is the typed body of an entity. Implementations are plain structs
// decoded from the author's JSON; render produces the prose form used for
// embedding and context assembly.
type Payload interface {
	render(name string) string
}

// SpellPayload holds the structured fields of a spell entry.
type SpellPayload struct {
	Level       int    `json:"level"`
	School      string `json:"school,omitempty"`
	CastingTime string `json:"casting_time,omitempty"`
	Range       string `json:"range,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Components  string `json:"components,omitempty"`
	Description string `json:"description,omitempty"`
}

func (p *SpellPayload) render(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (level %d", name, p.Level)
	if p.School != "" {
		fmt.Fprintf(&sb, " %s", p.School)
	}
	sb.WriteString(" spell)")
	writeField(&sb, "Casting time", p.CastingTime)
	writeField(&sb, "Range", p.Range)
	writeField(&sb, "Duration", p.Duration)
	writeField(&sb, "Components", p.Components)
	writeBody(&sb, p.Description)
	return sb.String()
}

// MonsterPayload holds the structured fields of a monster stat block.
type MonsterPayload struct {
	Size        string `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"` // beast, undead, dragon, ...
	ArmorClass  int    `json:"armor_class,omitempty"`
	HitPoints   int    `json:"hit_points,omitempty"`
	Speed       string `json:"speed,omitempty"`
	Abilities   string `json:"abilities,omitempty"`
	Actions     string `json:"actions,omitempty"`
	Description string `json:"description,omitempty"`
}

func (p *MonsterPayload) render(name string) string {
	var sb strings.Builder
	sb.WriteString(name)
	if p.Size != "" || p.Kind != "" {
		sb.WriteString(" (")
		sb.WriteString(strings.TrimSpace(strings.Join(nonEmpty(p.Size, p.Kind), " ")))
		sb.WriteString(")")
	}
	if p.ArmorClass > 0 {
		fmt.Fprintf(&sb, "\nArmor class: %d", p.ArmorClass)
	}
	if p.HitPoints > 0 {
		fmt.Fprintf(&sb, "\nHit points: %d", p.HitPoints)
	}
	writeField(&sb, "Speed", p.Speed)
	writeField(&sb, "Abilities", p.Abilities)
	writeField(&sb, "Actions", p.Actions)
	writeBody(&sb, p.Description)
	return sb.String()
}

// RulePayload holds a rules excerpt.
type RulePayload struct {
	Section string `json:"section,omitempty"`
	Summary string `json:"summary,omitempty"`
	Text    string `json:"text,omitempty"`
}

func (p *RulePayload) render(name string) string {
	var sb strings.Builder
	sb.WriteString(name)
	if p.Section != "" {
		fmt.Fprintf(&sb, " (%s)", p.Section)
	}
	writeBody(&sb, p.Summary)
	writeBody(&sb, p.Text)
	return sb.String()
}

// LorePayload holds world and setting background.
type LorePayload struct {
	Region string `json:"region,omitempty"`
	Era    string `json:"era,omitempty"`
	Text   string `json:"text,omitempty"`
}

func (p *LorePayload) render(name string) string {
	var sb strings.Builder
	sb.WriteString(name)
	if ctx := strings.Join(nonEmpty(p.Region, p.Era), ", "); ctx != "" {
		fmt.Fprintf(&sb, " (%s)", ctx)
	}
	writeBody(&sb, p.Text)
	return sb.String()
}

// ItemPayload holds the structured fields of an item or piece of equipment.
type ItemPayload struct {
	Category    string `json:"category,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
	Cost        string `json:"cost,omitempty"`
	Weight      string `json:"weight,omitempty"`
	Description string `json:"description,omitempty"`
}

func (p *ItemPayload) render(name string) string {
	var sb strings.Builder
	sb.WriteString(name)
	if ctx := strings.Join(nonEmpty(p.Category, p.Rarity), ", "); ctx != "" {
		fmt.Fprintf(&sb, " (%s)", ctx)
	}
	writeField(&sb, "Cost", p.Cost)
	writeField(&sb, "Weight", p.Weight)
	writeBody(&sb, p.Description)
	return sb.String()
}

// NPCPayload holds a non-player character sketch.
type NPCPayload struct {
	Role        string `json:"role,omitempty"`
	Location    string `json:"location,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Description string `json:"description,omitempty"`
}

func (p *NPCPayload) render(name string) string {
	var sb strings.Builder
	sb.WriteString(name)
	if p.Role != "" {
		fmt.Fprintf(&sb, ", %s", p.Role)
	}
	writeField(&sb, "Location", p.Location)
	writeField(&sb, "Disposition", p.Disposition)
	writeBody(&sb, p.Description)
	return sb.String()
}

func writeField(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(sb, "\n%s: %s", label, value)
}

func writeBody(sb *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	sb.WriteString("\n")
	sb.WriteString(text)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
