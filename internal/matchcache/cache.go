// Package matchcache decides whether a disruption's stored match can be
// reused. The only freshness signal is a hash of the disruption's text.
package matchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/segmatch/internal/match"
	"github.com/segmatch/internal/store"
)

// ContentHash is the hex SHA-256 of title and description joined by a NUL
// byte, so moving text between the two fields changes the hash.
func ContentHash(title, description string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

// Backend is the subset of store.DisruptionStore the cache needs.
type Backend interface {
	GetMatchCache(ctx context.Context, id string) (*store.MatchCacheEntry, error)
	UpdateMatchCache(ctx context.Context, id string, entry store.MatchCacheEntry) error
}

// Cache reads and writes the cache columns on disruption records.
type Cache struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

func New(backend Backend, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{backend: backend, logger: logger, now: time.Now}
}

// Get returns the stored entry, or nil when there is none.
func (c *Cache) Get(ctx context.Context, disruptionID string) (*store.MatchCacheEntry, error) {
	return c.backend.GetMatchCache(ctx, disruptionID)
}

// IsReusable reports whether entry was computed from exactly this text.
func (c *Cache) IsReusable(entry *store.MatchCacheEntry, title, description string) bool {
	if entry == nil || entry.ContentHash == "" {
		return false
	}
	return entry.ContentHash == ContentHash(title, description)
}

// Update stores the hash of the current text with result, or with an
// explicit no-match when result is nil. Failures are logged and swallowed.
func (c *Cache) Update(ctx context.Context, disruptionID, title, description string, result *match.Result) {
	now := c.now().UTC()
	entry := store.MatchCacheEntry{
		MatchType:     store.MatchNone,
		ContentHash:   ContentHash(title, description),
		LastMatchedAt: &now,
	}
	if result != nil && result.Matched() {
		name := result.Name
		entry.MatchedStreet = &name
		entry.MatchConfidence = result.Confidence
		entry.MatchType = result.Type
	}

	if err := c.backend.UpdateMatchCache(ctx, disruptionID, entry); err != nil {
		c.logger.Warn("failed to update match cache",
			zap.String("disruption_id", disruptionID),
			zap.Error(err))
	}
}
