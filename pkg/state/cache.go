package state

import (
	"context"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// cacheEntry holds one cached snapshot. A nil snapshot is a negative entry:
// the id is known to be absent, so repeated lookups skip storage.
type cacheEntry struct {
	snapshot  *snapshot.Snapshot
	expiresAt time.Time
}

// CachingStateSync is a read-through cache over a StateSync. Snapshot reads
// are served from memory within the TTL; every interval-mutating or
// deleting call invalidates the affected entries immediately rather than
// writing through, so a subsequent read observes the store's authoritative
// replayed state.
type CachingStateSync struct {
	*StateSync

	mu      sync.RWMutex
	entries map[snapshot.ID]cacheEntry
	ttl     time.Duration
}

// NewCaching wraps a StateSync with a snapshot read cache.
func NewCaching(inner *StateSync, ttl time.Duration) *CachingStateSync {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachingStateSync{
		StateSync: inner,
		entries:   make(map[snapshot.ID]cacheEntry),
		ttl:       ttl,
	}
}

// GetSnapshots serves cached entries (including cached misses) and fetches
// only the remainder from the store.
func (c *CachingStateSync) GetSnapshots(ctx context.Context, ids []snapshot.ID) (map[snapshot.ID]*snapshot.Snapshot, error) {
	out := make(map[snapshot.ID]*snapshot.Snapshot, len(ids))
	var missing []snapshot.ID

	now := time.Now()
	c.mu.RLock()
	for _, id := range ids {
		entry, ok := c.entries[id]
		if !ok || now.After(entry.expiresAt) {
			missing = append(missing, id)
			continue
		}
		if entry.snapshot != nil {
			out[id] = entry.snapshot
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.StateSync.GetSnapshots(ctx, missing)
	if err != nil {
		return nil, err
	}

	expires := time.Now().Add(c.ttl)
	c.mu.Lock()
	for _, id := range missing {
		snap := fetched[id]
		c.entries[id] = cacheEntry{snapshot: snap, expiresAt: expires}
		if snap != nil {
			out[id] = snap
		}
	}
	c.mu.Unlock()

	return out, nil
}

// PushSnapshots invalidates any cached misses for the pushed identities.
func (c *CachingStateSync) PushSnapshots(ctx context.Context, snapshots []*snapshot.Snapshot) error {
	if err := c.StateSync.PushSnapshots(ctx, snapshots); err != nil {
		return err
	}
	c.invalidate(idsOf(snapshots))
	return nil
}

// AddInterval writes through to the store and drops the cached entry.
func (c *CachingStateSync) AddInterval(ctx context.Context, snap *snapshot.Snapshot, start, end int64, isDev bool) error {
	if err := c.StateSync.AddInterval(ctx, snap, start, end, isDev); err != nil {
		return err
	}
	c.invalidate([]snapshot.ID{snap.ID()})
	return nil
}

// RemoveInterval writes through to the store. A shared-version removal may
// touch identities this cache never saw, so the whole cache is dropped.
func (c *CachingStateSync) RemoveInterval(ctx context.Context, snap *snapshot.Snapshot, start, end int64, removeSharedVersions bool) error {
	if err := c.StateSync.RemoveInterval(ctx, snap, start, end, removeSharedVersions); err != nil {
		return err
	}
	if removeSharedVersions {
		c.invalidateAll()
	} else {
		c.invalidate([]snapshot.ID{snap.ID()})
	}
	return nil
}

// DeleteSnapshots removes the rows and the cached entries.
func (c *CachingStateSync) DeleteSnapshots(ctx context.Context, ids []snapshot.ID) error {
	if err := c.StateSync.DeleteSnapshots(ctx, ids); err != nil {
		return err
	}
	c.invalidate(ids)
	return nil
}

// UnpauseSnapshots touches arbitrary revisions of the affected models, so
// the whole cache is dropped.
func (c *CachingStateSync) UnpauseSnapshots(ctx context.Context, target []*snapshot.Snapshot, unpausedTS int64) error {
	if err := c.StateSync.UnpauseSnapshots(ctx, target, unpausedTS); err != nil {
		return err
	}
	c.invalidateAll()
	return nil
}

func (c *CachingStateSync) invalidate(ids []snapshot.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}

func (c *CachingStateSync) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[snapshot.ID]cacheEntry)
}
