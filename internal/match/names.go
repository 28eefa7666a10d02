package match

import (
	"context"
	"fmt"
	"sync"
)

// NameSource lists the distinct normalized names of the corpus.
type NameSource interface {
	DistinctNormalizedNames(ctx context.Context) ([]string, error)
}

// StaticNames is a NameSource over a fixed list.
type StaticNames []string

func (s StaticNames) DistinctNormalizedNames(ctx context.Context) ([]string, error) {
	return s, nil
}

// NameCache holds the NameIndex built from a NameSource until Clear is
// called. It must be cleared after every corpus refresh.
type NameCache struct {
	src      NameSource
	memoSize int

	mu  sync.Mutex
	idx *NameIndex
}

func NewNameCache(src NameSource, memoSize int) *NameCache {
	return &NameCache{src: src, memoSize: memoSize}
}

// Load returns the cached index, building it from the source on first use.
func (c *NameCache) Load(ctx context.Context) (*NameIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx != nil {
		return c.idx, nil
	}
	names, err := c.src.DistinctNormalizedNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load street names: %w", err)
	}
	c.idx = NewNameIndex(names, c.memoSize)
	return c.idx, nil
}

// Clear drops the cached index; the next Load rereads the source.
func (c *NameCache) Clear() {
	c.mu.Lock()
	c.idx = nil
	c.mu.Unlock()
}
