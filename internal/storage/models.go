package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Pack is one installed content pack. Lower priority numbers take precedence
// during override resolution; the builtin pack is seeded by migration and can
// neither be deleted nor deactivated.
type Pack struct {
	ID        string
	Name      string
	Priority  int
	Active    bool
	Builtin   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Campaign struct {
	ID           string
	Name         string
	Description  string
	PackPriority string // JSON array of pack ids stored as text
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
