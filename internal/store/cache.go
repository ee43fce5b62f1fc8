package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/harvest/api-go/internal/model"
)

// Cached keeps recently read bundle records in memory in front of SQLite.
// Writes go to the database first and then drop the cached entry, so a read
// that follows a write in this process always sees the written row.
type Cached struct {
	*SQLite
	records *lru.Cache[model.BundleKey, model.BundleRecord]

	// mu orders cache fills against invalidations; version changes on every
	// write so a fill that read the database before a write is discarded.
	mu      sync.Mutex
	version uint64
}

func NewCached(db *SQLite, size int) (*Cached, error) {
	if size <= 0 {
		size = 512
	}
	records, err := lru.New[model.BundleKey, model.BundleRecord](size)
	if err != nil {
		return nil, err
	}
	return &Cached{SQLite: db, records: records}, nil
}

func (c *Cached) Get(ctx context.Context, key model.BundleKey) (model.BundleRecord, error) {
	if rec, ok := c.records.Get(key); ok {
		return rec, nil
	}
	c.mu.Lock()
	version := c.version
	c.mu.Unlock()

	rec, err := c.SQLite.Get(ctx, key)
	if err != nil {
		return model.BundleRecord{}, err
	}
	c.fill(version, rec)
	return rec, nil
}

func (c *Cached) Upsert(ctx context.Context, rec model.BundleRecord) error {
	err := c.SQLite.Upsert(ctx, rec)
	c.invalidate(rec.Key)
	return err
}

func (c *Cached) Register(ctx context.Context, key model.BundleKey) (model.BundleRecord, bool, error) {
	rec, created, err := c.SQLite.Register(ctx, key)
	c.invalidate(key)
	return rec, created, err
}

func (c *Cached) fill(version uint64, rec model.BundleRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version == version {
		c.records.Add(rec.Key, rec)
	}
}

func (c *Cached) invalidate(key model.BundleKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.records.Remove(key)
}

func (c *Cached) cached() int { return c.records.Len() }
