package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Record is a catalog row: the last known sandbox state plus bookkeeping
// the provider does not track.
type Record struct {
	Sandbox
	CreatedBy string
	Deleted   bool
}

// Catalog persists sandbox records. The provider stays authoritative for
// status; the catalog remembers soft deletes and who created what.
type Catalog interface {
	// Upsert inserts or refreshes a record. CreatedBy is only written on insert.
	Upsert(ctx context.Context, rec Record) error
	// Get returns a record, including soft-deleted ones. Missing ids yield ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns live (not soft-deleted) records ordered by creation time.
	List(ctx context.Context) ([]Record, error)
	// MarkDeleted soft-deletes a record. Missing ids yield ErrNotFound.
	MarkDeleted(ctx context.Context, id string) error
	// DeletedIDs returns the ids of all soft-deleted records.
	DeletedIDs(ctx context.Context) (map[string]bool, error)
}

// MemoryCatalog is a thread-safe in-memory Catalog.
type MemoryCatalog struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{records: make(map[string]*Record)}
}

func (c *MemoryCatalog) Upsert(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.records[rec.ID]; ok {
		rec.CreatedBy = existing.CreatedBy
		rec.Deleted = existing.Deleted
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	}
	rec.Ports = append([]int(nil), rec.Ports...)
	c.records[rec.ID] = &rec
	return nil
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (c *MemoryCatalog) List(_ context.Context) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		if !rec.Deleted {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *MemoryCatalog) MarkDeleted(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	rec.Deleted = true
	return nil
}

func (c *MemoryCatalog) DeletedIDs(_ context.Context) (map[string]bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]bool)
	for id, rec := range c.records {
		if rec.Deleted {
			out[id] = true
		}
	}
	return out, nil
}
