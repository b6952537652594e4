package state

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// DefaultSnapshotTTL applies to snapshots whose node declared no ttl.
const DefaultSnapshotTTL = 7 * 24 * time.Hour

// SnapshotCleanupTask tells the caller which physical objects to drop for
// an expired snapshot. With DevTableOnly, the version's production table is
// still owned by a live snapshot and only the dev table may go.
type SnapshotCleanupTask struct {
	TableInfo    snapshot.TableInfo
	DevTableOnly bool
}

// DeleteExpiredEnvironments removes environments whose expiration has
// passed and returns them so the caller can drop their views.
func (s *StateSync) DeleteExpiredEnvironments(ctx context.Context, now time.Time) ([]*environment.Environment, error) {
	ts := now.UnixMilli()

	var records []EnvironmentRecord
	if err := s.db.WithContext(ctx).
		Where("expiration_ts IS NOT NULL AND expiration_ts <= ?", ts).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("find expired environments: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	var out []*environment.Environment
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Name)
		if rec.Payload.Environment != nil {
			out = append(out, rec.Payload.Environment)
		}
	}

	if err := s.db.WithContext(ctx).
		Where("name IN ? AND expiration_ts IS NOT NULL AND expiration_ts <= ?", names, ts).
		Delete(&EnvironmentRecord{}).Error; err != nil {
		return nil, fmt.Errorf("delete expired environments: %w", err)
	}
	s.logger.Info("deleted expired environments", "count", len(names))
	return out, nil
}

// DeleteExpiredSnapshots removes snapshots whose ttl elapsed and that no
// live environment references, and returns the physical cleanup work. A
// snapshot sharing its version with a surviving snapshot yields a
// dev-table-only task, since the production table is still in use.
func (s *StateSync) DeleteExpiredSnapshots(ctx context.Context, now time.Time) ([]SnapshotCleanupTask, error) {
	ts := now.UnixMilli()

	environments, err := s.GetEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	referenced := make(map[snapshot.ID]struct{})
	for _, env := range environments {
		for _, info := range env.Snapshots {
			referenced[info.ID()] = struct{}{}
		}
	}

	var records []SnapshotRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	var expired []*snapshot.Snapshot
	surviving := make(map[snapshot.NameVersion]struct{})
	for i := range records {
		snap := records[i].Payload.Snapshot
		if snap == nil {
			continue
		}
		id := snap.ID()
		_, live := referenced[id]
		if !live && expiresAt(&records[i]) <= ts {
			expired = append(expired, snap)
			continue
		}
		surviving[snap.NameVersion()] = struct{}{}
	}
	if len(expired) == 0 {
		return nil, nil
	}

	var tasks []SnapshotCleanupTask
	cleaned := make(map[snapshot.NameVersion]struct{})
	ids := make([]snapshot.ID, 0, len(expired))
	for _, snap := range expired {
		ids = append(ids, snap.ID())
		nv := snap.NameVersion()
		_, shared := surviving[nv]
		if _, done := cleaned[nv]; done {
			// One drop per physical table is enough.
			continue
		}
		cleaned[nv] = struct{}{}
		tasks = append(tasks, SnapshotCleanupTask{
			TableInfo:    snap.TableInfo(),
			DevTableOnly: shared,
		})
	}

	if err := s.DeleteSnapshots(ctx, ids); err != nil {
		return nil, err
	}
	s.logger.Info("deleted expired snapshots", "count", len(ids))
	return tasks, nil
}

func expiresAt(rec *SnapshotRecord) int64 {
	ttl := DefaultSnapshotTTL
	if rec.TTL != "" {
		if parsed, err := time.ParseDuration(rec.TTL); err == nil {
			ttl = parsed
		}
	}
	return rec.UpdatedTS + ttl.Milliseconds()
}

// touchSnapshots rewrites the stored payloads of the given snapshots,
// keeping denormalized columns in sync.
func touchSnapshots(tx *gorm.DB, snapshots []*snapshot.Snapshot, now int64) error {
	for _, snap := range snapshots {
		snap.UpdatedTS = now
		id := snap.ID()
		result := tx.Model(&SnapshotRecord{}).
			Where("name = ? AND identifier = ?", id.Name, id.Identifier).
			Updates(map[string]any{
				"snapshot":   SnapshotPayload{Snapshot: snap},
				"version":    snap.Version,
				"updated_ts": now,
			})
		if result.Error != nil {
			return fmt.Errorf("update snapshot %s: %w", id, result.Error)
		}
	}
	return nil
}
