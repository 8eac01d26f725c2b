// Package cache holds the last full snapshot seen per channel, with a
// bounded lifetime. It is a convenience for delta computation only; live
// channel state never depends on it, so a missing entry just degrades the
// next delta to a full sync.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/oddslive/relay/internal/game"
)

// SnapshotCache maps channel name to the last published snapshot. Entries
// expire a fixed TTL after their last write; reads do not refresh them.
type SnapshotCache struct {
	entries *gocache.Cache
}

// New creates a cache whose entries live for ttl after each write.
func New(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		entries: gocache.New(ttl, 2*ttl),
	}
}

// Get returns the cached snapshot for a channel, if present and unexpired.
func (c *SnapshotCache) Get(channel string) (game.Snapshot, bool) {
	v, ok := c.entries.Get(channel)
	if !ok {
		return game.Snapshot{}, false
	}
	snap, ok := v.(game.Snapshot)
	if !ok {
		// Foreign value under our key; treat as a miss so the channel
		// falls back to full-sync deltas.
		c.entries.Delete(channel)
		return game.Snapshot{}, false
	}
	return snap, true
}

// Put stores the snapshot for a channel, resetting its TTL.
func (c *SnapshotCache) Put(channel string, snap game.Snapshot) {
	c.entries.SetDefault(channel, snap)
}

// Len returns the number of unexpired entries.
func (c *SnapshotCache) Len() int {
	return c.entries.ItemCount()
}
