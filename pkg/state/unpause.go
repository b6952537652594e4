package state

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// UnpauseSnapshots makes the given snapshots live for scheduling as of
// unpausedTS and pauses every other stored snapshot sharing a name with
// them, so exactly one revision per model is live.
//
// When an unpausing snapshot is forward-only and has an effective-from
// cutover, the already-unpaused predecessors sharing its version have their
// recorded coverage trimmed back to before the cutover, since the in-place
// mutation invalidates the data from that point on; those predecessors are
// marked unrestorable.
func (s *StateSync) UnpauseSnapshots(ctx context.Context, target []*snapshot.Snapshot, unpausedTS int64) error {
	names := make([]string, 0, len(target))
	targetIDs := make(map[snapshot.ID]struct{}, len(target))
	for _, snap := range target {
		names = append(names, snap.Name)
		targetIDs[snap.ID()] = struct{}{}
	}

	var records []SnapshotRecord
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Find(&records).Error; err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	stored := make(map[snapshot.ID]*snapshot.Snapshot, len(records))
	for i := range records {
		if snap := records[i].Payload.Snapshot; snap != nil {
			stored[snap.ID()] = snap
		}
	}
	// Coverage is needed to know how far a forward-only trim must reach.
	if err := s.hydrateIntervals(ctx, stored); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var updated []*snapshot.Snapshot

		for _, snap := range target {
			current, ok := stored[snap.ID()]
			if !ok {
				return fmt.Errorf("unpause: snapshot %s is not stored", snap.ID())
			}
			if current.Paused() {
				ts := unpausedTS
				current.UnpausedTS = &ts
				snap.UnpausedTS = &ts
				updated = append(updated, current)
			}

			if current.IsForwardOnly() && current.EffectiveFrom != nil {
				trimmed, err := trimPredecessors(tx, current, stored, targetIDs)
				if err != nil {
					return err
				}
				updated = append(updated, trimmed...)
			}
		}

		// Pause every other revision of the affected models.
		for id, current := range stored {
			if _, isTarget := targetIDs[id]; isTarget || current.Paused() {
				continue
			}
			current.UnpausedTS = nil
			updated = append(updated, current)
		}

		return touchSnapshots(tx, updated, unpausedTS)
	})
}

// trimPredecessors cuts the coverage of unpaused same-version predecessors
// back to before the forward-only cutover and marks them unrestorable.
func trimPredecessors(tx *gorm.DB, snap *snapshot.Snapshot, stored map[snapshot.ID]*snapshot.Snapshot, targetIDs map[snapshot.ID]struct{}) ([]*snapshot.Snapshot, error) {
	effective := *snap.EffectiveFrom
	var updated []*snapshot.Snapshot

	for id, prior := range stored {
		if _, isTarget := targetIDs[id]; isTarget {
			continue
		}
		if prior.NameVersion() != snap.NameVersion() || prior.Paused() {
			continue
		}
		trimEnd := trimBoundary(prior)
		if trimEnd > effective {
			row := IntervalRecord{
				CreatedTS:  time.Now().UnixMilli(),
				Name:       id.Name,
				Identifier: id.Identifier,
				Version:    prior.Version,
				StartTS:    effective,
				EndTS:      trimEnd,
				IsRemoved:  true,
			}
			if err := tx.Create(&row).Error; err != nil {
				return nil, fmt.Errorf("trim intervals %s: %w", id, err)
			}
			prior.RemoveInterval(effective, trimEnd)
		}
		if !prior.Unrestorable {
			prior.Unrestorable = true
			updated = append(updated, prior)
		}
	}
	return updated, nil
}

func trimBoundary(snap *snapshot.Snapshot) int64 {
	var end int64
	for _, iv := range snap.Intervals {
		if iv.End > end {
			end = iv.End
		}
	}
	for _, iv := range snap.DevIntervals {
		if iv.End > end {
			end = iv.End
		}
	}
	return end
}
