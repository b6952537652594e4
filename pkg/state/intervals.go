package state

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/pkg/interval"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// Interval history is append-only: adds and removes are events replayed in
// insertion order. Production coverage is keyed by name+version, because
// snapshots sharing a version share the physical table; dev coverage is
// keyed by the exact snapshot identity. A remove row with an empty
// identifier applies to every snapshot sharing the version.

// AddInterval records [start, end) as materialized for the snapshot and
// updates the in-memory copy. The range is trimmed to complete buckets;
// a range smaller than one bucket is a no-op.
func (s *StateSync) AddInterval(ctx context.Context, snap *snapshot.Snapshot, start, end int64, isDev bool) error {
	start, end, ok := alignToBuckets(snap, start, end)
	if !ok {
		return nil
	}
	id := snap.ID()
	row := IntervalRecord{
		CreatedTS:  time.Now().UnixMilli(),
		Name:       id.Name,
		Identifier: id.Identifier,
		Version:    snap.Version,
		StartTS:    start,
		EndTS:      end,
		IsDev:      isDev,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("add interval %s: %w", id, err)
	}
	snap.AddInterval(start, end, isDev)
	return nil
}

// RemoveInterval wipes [start, end) from the snapshot's recorded coverage,
// used by restatement. With removeSharedVersions, the removal applies to
// every stored snapshot sharing the same name and version, since they all
// read the same physical table.
func (s *StateSync) RemoveInterval(ctx context.Context, snap *snapshot.Snapshot, start, end int64, removeSharedVersions bool) error {
	id := snap.ID()
	now := time.Now().UnixMilli()

	rows := []IntervalRecord{{
		CreatedTS:  now,
		Name:       id.Name,
		Identifier: id.Identifier,
		Version:    snap.Version,
		StartTS:    start,
		EndTS:      end,
		IsRemoved:  true,
	}}
	if removeSharedVersions {
		rows[0].Identifier = ""
	}

	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("remove interval %s: %w", id, err)
	}
	snap.RemoveInterval(start, end)
	return nil
}

// RefreshSnapshotIntervals re-hydrates the interval fields of in-memory
// snapshots from the store, discarding local state that concurrent writers
// may have outdated.
func (s *StateSync) RefreshSnapshotIntervals(ctx context.Context, snapshots []*snapshot.Snapshot) error {
	byID := make(map[snapshot.ID]*snapshot.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		byID[snap.ID()] = snap
	}
	return s.hydrateIntervals(ctx, byID)
}

// CompactIntervals rewrites the interval history into its minimal merged
// form: per key, the replayed net coverage becomes a single generation of
// compacted add rows. Repeated invocation produces no further change.
func (s *StateSync) CompactIntervals(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []IntervalRecord
		if err := tx.Order("id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("load intervals: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		prod, dev := replay(rows)

		// Delete only the rows that were folded in: a concurrent writer may
		// have appended rows after the read, and those must survive.
		readIDs := make([]int64, 0, len(rows))
		for _, row := range rows {
			readIDs = append(readIDs, row.ID)
		}
		for _, chunk := range chunkInt64(readIDs, intervalBatchSize) {
			if err := tx.Where("id IN ?", chunk).Delete(&IntervalRecord{}).Error; err != nil {
				return fmt.Errorf("clear intervals: %w", err)
			}
		}

		now := time.Now().UnixMilli()
		var compacted []IntervalRecord
		for nv, ivs := range prod {
			for _, iv := range ivs {
				compacted = append(compacted, IntervalRecord{
					CreatedTS:   now,
					Name:        nv.Name,
					Version:     nv.Version,
					StartTS:     iv.Start,
					EndTS:       iv.End,
					IsCompacted: true,
				})
			}
		}
		for key, ivs := range dev {
			for _, iv := range ivs {
				compacted = append(compacted, IntervalRecord{
					CreatedTS:   now,
					Name:        key.id.Name,
					Identifier:  key.id.Identifier,
					Version:     key.version,
					StartTS:     iv.Start,
					EndTS:       iv.End,
					IsDev:       true,
					IsCompacted: true,
				})
			}
		}
		if len(compacted) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&compacted, intervalBatchSize).Error; err != nil {
			return fmt.Errorf("write compacted intervals: %w", err)
		}
		return nil
	})
}

// hydrateIntervals replays the stored history onto the given snapshots.
func (s *StateSync) hydrateIntervals(ctx context.Context, snapshots map[snapshot.ID]*snapshot.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	names := make([]string, 0, len(snapshots))
	seen := make(map[string]struct{}, len(snapshots))
	for id := range snapshots {
		if _, ok := seen[id.Name]; ok {
			continue
		}
		seen[id.Name] = struct{}{}
		names = append(names, id.Name)
	}

	var rows []IntervalRecord
	if err := s.db.WithContext(ctx).
		Where("name IN ?", names).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return fmt.Errorf("load intervals: %w", err)
	}

	prod, dev := replay(rows)
	for id, snap := range snapshots {
		snap.Intervals = prod[snap.NameVersion()]
		snap.DevIntervals = dev[devKey{id: id, version: snap.Version}]
	}
	return nil
}

type devKey struct {
	id      snapshot.ID
	version string
}

// replay folds the event rows into net coverage per production key and per
// dev identity.
func replay(rows []IntervalRecord) (map[snapshot.NameVersion]interval.Intervals, map[devKey]interval.Intervals) {
	prod := make(map[snapshot.NameVersion]interval.Intervals)
	dev := make(map[devKey]interval.Intervals)

	for _, row := range rows {
		nv := snapshot.NameVersion{Name: row.Name, Version: row.Version}
		iv := interval.Interval{Start: row.StartTS, End: row.EndTS}

		switch {
		case row.IsRemoved:
			prod[nv] = interval.Remove(prod[nv], iv)
			for key := range dev {
				if key.id.Name != row.Name || key.version != row.Version {
					continue
				}
				if row.Identifier == "" || row.Identifier == key.id.Identifier {
					dev[key] = interval.Remove(dev[key], iv)
				}
			}
		case row.IsDev:
			key := devKey{id: snapshot.ID{Name: row.Name, Identifier: row.Identifier}, version: row.Version}
			dev[key] = interval.Merge(append(dev[key], iv))
		default:
			prod[nv] = interval.Merge(append(prod[nv], iv))
		}
	}
	return prod, dev
}

// alignToBuckets trims a raw range to the snapshot's complete cadence
// buckets.
func alignToBuckets(snap *snapshot.Snapshot, start, end int64) (int64, int64, bool) {
	if snap.Node == nil {
		return start, end, end > start
	}
	unit := snap.Node.IntervalUnit()
	if floored := unit.Floor(start); floored != start {
		start = unit.Next(floored)
	}
	end = unit.Floor(end)
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}
