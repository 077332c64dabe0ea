// Package game holds the read-only session snapshot the retrieval engine
// consumes. The wider application owns the live game state; this service only
// ever reads a point-in-time copy of it.
package game

// Session is the slice of game state classification cares about.
type Session struct {
	InCombat     bool   `json:"in_combat"`
	Location     string `json:"location,omitempty"`
	RecentEvents string `json:"recent_events,omitempty"`
}
