package packs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// ErrBuiltin is returned when an operation would delete or deactivate the
// builtin pack.
var ErrBuiltin = errors.New("builtin pack is protected")

// ErrConflict is returned when a create or update collides with existing
// registry state: a taken pack id or a taken priority slot.
var ErrConflict = errors.New("pack conflict")

// Registry provides pack administration over the store, enforcing the rules
// the raw tables cannot: builtin protection and friendly priority conflicts.
type Registry struct {
	store *storage.Store
}

func NewRegistry(store *storage.Store) *Registry {
	return &Registry{store: store}
}

// Create registers a new pack. Ids are lowercase identifiers without
// whitespace; priority values must be unique across the registry.
func (r *Registry) Create(id, name string, priority int) (storage.Pack, error) {
	id = strings.TrimSpace(strings.ToLower(id))
	if id == "" || strings.ContainsAny(id, " \t\n") {
		return storage.Pack{}, fmt.Errorf("invalid pack id %q", id)
	}
	if strings.TrimSpace(name) == "" {
		return storage.Pack{}, errors.New("pack name is required")
	}

	existing, err := r.store.ListPacks()
	if err != nil {
		return storage.Pack{}, fmt.Errorf("listing packs: %w", err)
	}
	for _, p := range existing {
		if p.ID == id {
			return storage.Pack{}, fmt.Errorf("%w: pack %q already exists", ErrConflict, id)
		}
	}
	p := storage.Pack{ID: id, Name: name, Priority: priority, Active: true}
	if err := ValidatePriorities(append(existing, p)); err != nil {
		return storage.Pack{}, fmt.Errorf("%w: %s", ErrConflict, err)
	}

	if err := r.store.CreatePack(p); err != nil {
		return storage.Pack{}, fmt.Errorf("creating pack %s: %w", id, err)
	}
	return r.store.GetPack(id)
}

func (r *Registry) Get(id string) (storage.Pack, error) {
	return r.store.GetPack(id)
}

// List returns every installed pack in ascending priority order.
func (r *Registry) List() ([]storage.Pack, error) {
	return r.store.ListPacks()
}

// Active returns the packs retrieval may read from, in ascending priority order.
func (r *Registry) Active() ([]storage.Pack, error) {
	all, err := r.store.ListPacks()
	if err != nil {
		return nil, err
	}
	active := make([]storage.Pack, 0, len(all))
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// SetActive activates or deactivates a pack. Deactivation takes effect on the
// next retrieval call without reindexing; the pack's documents stay in the
// index and are filtered at query time. The builtin pack cannot be deactivated.
func (r *Registry) SetActive(id string, active bool) (storage.Pack, error) {
	p, err := r.store.GetPack(id)
	if err != nil {
		return storage.Pack{}, err
	}
	if p.Builtin && !active {
		return storage.Pack{}, ErrBuiltin
	}
	if p.Active == active {
		return p, nil
	}
	p.Active = active
	if err := r.store.UpdatePack(p); err != nil {
		return storage.Pack{}, fmt.Errorf("updating pack %s: %w", id, err)
	}
	return r.store.GetPack(id)
}

// SetPriority moves a pack to a new priority slot, rejecting values already
// taken by another pack.
func (r *Registry) SetPriority(id string, priority int) (storage.Pack, error) {
	p, err := r.store.GetPack(id)
	if err != nil {
		return storage.Pack{}, err
	}
	if p.Priority == priority {
		return p, nil
	}

	all, err := r.store.ListPacks()
	if err != nil {
		return storage.Pack{}, fmt.Errorf("listing packs: %w", err)
	}
	for i := range all {
		if all[i].ID == id {
			all[i].Priority = priority
		}
	}
	if err := ValidatePriorities(all); err != nil {
		return storage.Pack{}, fmt.Errorf("%w: %s", ErrConflict, err)
	}

	p.Priority = priority
	if err := r.store.UpdatePack(p); err != nil {
		return storage.Pack{}, fmt.Errorf("updating pack %s: %w", id, err)
	}
	return r.store.GetPack(id)
}

// Rename updates the display name only.
func (r *Registry) Rename(id, name string) (storage.Pack, error) {
	if strings.TrimSpace(name) == "" {
		return storage.Pack{}, errors.New("pack name is required")
	}
	p, err := r.store.GetPack(id)
	if err != nil {
		return storage.Pack{}, err
	}
	p.Name = name
	if err := r.store.UpdatePack(p); err != nil {
		return storage.Pack{}, fmt.Errorf("updating pack %s: %w", id, err)
	}
	return r.store.GetPack(id)
}

// Delete removes a pack with everything it carries. The builtin pack cannot
// be deleted.
func (r *Registry) Delete(id string) error {
	p, err := r.store.GetPack(id)
	if err != nil {
		return err
	}
	if p.Builtin {
		return ErrBuiltin
	}
	return r.store.DeletePack(id)
}
