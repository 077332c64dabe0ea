// Package campaign manages per-campaign configuration, most importantly the
// ordered content-pack priority list consulted by override resolution.
package campaign

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// Campaign is the structured form of a campaign configuration row.
type Campaign struct {
	ID           string
	Name         string
	Description  string
	PackPriority []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SaveCampaign(c storage.Campaign) error
	GetCampaign(id string) (storage.Campaign, error)
	ListCampaigns() ([]storage.Campaign, error)
	DeleteCampaign(id string) error
}

// PackLister supplies the installed packs for priority-list validation.
// Implemented by packs.Registry.
type PackLister interface {
	List() ([]storage.Pack, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, validated access to campaign configuration.
// Priority lists are validated against the registry on save and again on
// load: a list that names a removed pack makes the campaign unusable until
// fixed, it is never silently reinterpreted.
type Manager struct {
	store    Store
	registry PackLister
	clock    Clock
	ttl      time.Duration

	mu     sync.RWMutex
	cached map[string]cacheEntry
}

type cacheEntry struct {
	campaign Campaign
	at       time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store, registry PackLister) *Manager {
	return NewManagerWithClock(store, registry, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, registry PackLister, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		clock:    clock,
		ttl:      ttl,
		cached:   make(map[string]cacheEntry),
	}
}

// Create registers a new campaign after validating its priority list.
func (m *Manager) Create(name, description string, packPriority []string) (Campaign, error) {
	if name == "" {
		return Campaign{}, fmt.Errorf("campaign name is required")
	}
	if err := m.validateList(packPriority); err != nil {
		return Campaign{}, err
	}

	c := Campaign{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  description,
		PackPriority: packPriority,
	}
	row, err := encodeCampaign(c)
	if err != nil {
		return Campaign{}, err
	}
	if err := m.store.SaveCampaign(row); err != nil {
		return Campaign{}, fmt.Errorf("saving campaign: %w", err)
	}
	return m.Get(c.ID)
}

// Get returns a campaign by id, served from cache within the TTL.
func (m *Manager) Get(id string) (Campaign, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cached[id]; ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		c := deepCopy(e.campaign)
		m.mu.RUnlock()
		return c, nil
	}
	m.mu.RUnlock()

	// Slow path: write lock for cache miss.
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cached[id]; ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		return deepCopy(e.campaign), nil
	}

	row, err := m.store.GetCampaign(id)
	if err != nil {
		return Campaign{}, err
	}
	c, err := decodeCampaign(row)
	if err != nil {
		return Campaign{}, err
	}
	if err := m.validateList(c.PackPriority); err != nil {
		return Campaign{}, fmt.Errorf("campaign %s: %w", id, err)
	}

	m.cached[id] = cacheEntry{campaign: c, at: m.clock.Now()}
	return deepCopy(c), nil
}

// List returns every campaign. Reads from storage directly; listing is an
// administrative operation, not a per-query path.
func (m *Manager) List() ([]Campaign, error) {
	rows, err := m.store.ListCampaigns()
	if err != nil {
		return nil, err
	}
	campaigns := make([]Campaign, 0, len(rows))
	for _, row := range rows {
		c, err := decodeCampaign(row)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

// SetPackPriority replaces a campaign's priority list and invalidates its
// cache entry.
func (m *Manager) SetPackPriority(id string, packPriority []string) (Campaign, error) {
	if err := m.validateList(packPriority); err != nil {
		return Campaign{}, err
	}

	row, err := m.store.GetCampaign(id)
	if err != nil {
		return Campaign{}, err
	}
	c, err := decodeCampaign(row)
	if err != nil {
		return Campaign{}, err
	}
	c.PackPriority = packPriority

	updated, err := encodeCampaign(c)
	if err != nil {
		return Campaign{}, err
	}
	updated.CreatedAt = row.CreatedAt
	if err := m.store.SaveCampaign(updated); err != nil {
		return Campaign{}, fmt.Errorf("saving campaign: %w", err)
	}

	m.mu.Lock()
	delete(m.cached, id)
	m.mu.Unlock()

	return m.Get(id)
}

// Delete removes a campaign and its cache entry.
func (m *Manager) Delete(id string) error {
	if err := m.store.DeleteCampaign(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cached, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) validateList(packPriority []string) error {
	installed, err := m.registry.List()
	if err != nil {
		return fmt.Errorf("listing packs: %w", err)
	}
	return packs.ValidatePriorityList(packPriority, installed)
}

func encodeCampaign(c Campaign) (storage.Campaign, error) {
	list := c.PackPriority
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return storage.Campaign{}, fmt.Errorf("encoding priority list: %w", err)
	}
	return storage.Campaign{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		PackPriority: string(b),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}, nil
}

func decodeCampaign(row storage.Campaign) (Campaign, error) {
	var list []string
	if row.PackPriority != "" {
		if err := json.Unmarshal([]byte(row.PackPriority), &list); err != nil {
			return Campaign{}, fmt.Errorf("decoding priority list for campaign %s: %w", row.ID, err)
		}
	}
	return Campaign{
		ID:           row.ID,
		Name:         row.Name,
		Description:  row.Description,
		PackPriority: list,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func deepCopy(c Campaign) Campaign {
	cp := c
	if c.PackPriority != nil {
		cp.PackPriority = make([]string, len(c.PackPriority))
		copy(cp.PackPriority, c.PackPriority)
	}
	return cp
}
