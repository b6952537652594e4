package state

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/interval"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// PromotionResult describes what a promotion changed: the table infos that
// gained views, the ones whose views must be dropped, and, when the naming
// scheme changed, the previous scheme needed to drop the orphaned objects.
type PromotionResult struct {
	Added   []snapshot.TableInfo
	Removed []snapshot.TableInfo

	// PreviousNamingInfo is non-nil when the suffix target or catalog
	// override changed between promotions.
	PreviousNamingInfo *environment.NamingInfo
}

// Promote points the environment at the snapshots in env. The write is
// fenced: it only succeeds while the stored plan id still matches
// env.PreviousPlanID (or env.PlanID itself, so retrying a promotion is
// safe). For every name in noGapNames whose snapshot is representative, the
// new version's coverage is compared against the currently promoted one and
// any regression fails the promotion.
func (s *StateSync) Promote(ctx context.Context, env *environment.Environment, noGapNames mapset.Set[string], deployability *snapshot.DeployabilityIndex) (*PromotionResult, error) {
	name := environment.Normalize(env.Name)

	stored, err := s.GetEnvironment(ctx, name)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.PlanID != env.PreviousPlanID && stored.PlanID != env.PlanID {
		return nil, fmt.Errorf("%w: expected plan %q for environment %q, found %q",
			ErrStaleEnvironment, env.PreviousPlanID, name, stored.PlanID)
	}

	if noGapNames != nil && noGapNames.Cardinality() > 0 && stored != nil {
		if err := s.checkNoGaps(ctx, env, stored, noGapNames, deployability); err != nil {
			return nil, err
		}
	}

	record := EnvironmentRecord{
		Name:         name,
		Payload:      EnvironmentPayload{Environment: env},
		PlanID:       env.PlanID,
		ExpirationTS: env.ExpirationTS,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if stored == nil {
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("create environment %q: %w", name, err)
			}
			return nil
		}
		// Compare-and-swap on the fencing column: a concurrent promotion
		// that advanced the plan id makes this one stale.
		result := tx.Model(&EnvironmentRecord{}).
			Where("name = ? AND plan_id IN ?", name, []string{env.PreviousPlanID, env.PlanID}).
			Updates(map[string]any{
				"environment":   record.Payload,
				"plan_id":       record.PlanID,
				"expiration_ts": record.ExpirationTS,
				"finalized_ts":  nil,
			})
		if result.Error != nil {
			return fmt.Errorf("promote environment %q: %w", name, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: environment %q was updated concurrently", ErrStaleEnvironment, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return promotionResult(env, stored), nil
}

// Finalize marks the environment's promotion complete. It fails if the
// stored plan id no longer belongs to env.
func (s *StateSync) Finalize(ctx context.Context, env *environment.Environment) error {
	name := environment.Normalize(env.Name)
	now := time.Now().UnixMilli()
	env.FinalizedTS = &now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&EnvironmentRecord{}).
			Where("name = ? AND plan_id = ?", name, env.PlanID).
			Updates(map[string]any{
				"environment":  EnvironmentPayload{Environment: env},
				"finalized_ts": now,
			})
		if result.Error != nil {
			return fmt.Errorf("finalize environment %q: %w", name, result.Error)
		}
		if result.RowsAffected == 0 {
			env.FinalizedTS = nil
			return fmt.Errorf("%w: environment %q was updated concurrently", ErrStaleEnvironment, name)
		}
		return nil
	})
}

// checkNoGaps fails when, for any checked representative snapshot, the
// version being promoted covers less than the currently promoted one.
func (s *StateSync) checkNoGaps(ctx context.Context, env, stored *environment.Environment, noGapNames mapset.Set[string], deployability *snapshot.DeployabilityIndex) error {
	if deployability == nil {
		deployability = snapshot.AllDeployable()
	}

	var ids []snapshot.ID
	type pair struct{ newID, oldID snapshot.ID }
	var pairs []pair
	for _, info := range env.Snapshots {
		if !noGapNames.Contains(info.Name) || !deployability.IsRepresentative(info.ID()) {
			continue
		}
		old, ok := stored.FindSnapshot(info.Name)
		if !ok || old.Version == info.Version {
			continue
		}
		pairs = append(pairs, pair{newID: info.ID(), oldID: old.ID()})
		ids = append(ids, info.ID(), old.ID())
	}
	if len(pairs) == 0 {
		return nil
	}

	hydrated, err := s.GetSnapshots(ctx, ids)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		oldSnap, ok := hydrated[p.oldID]
		if !ok {
			continue
		}
		var covered interval.Intervals
		if newSnap, ok := hydrated[p.newID]; ok {
			covered = newSnap.Intervals
		}
		if gaps := interval.Subtract(oldSnap.Intervals, covered); len(gaps) > 0 {
			return fmt.Errorf("%w %q: %v not covered by the promoted version", ErrDetectedGaps, p.newID.Name, gaps)
		}
	}
	return nil
}

func promotionResult(env, stored *environment.Environment) *PromotionResult {
	result := &PromotionResult{Added: env.PromotedSnapshots()}
	if stored == nil {
		return result
	}

	current := make(map[string]struct{}, len(env.Snapshots))
	for _, info := range env.Snapshots {
		current[info.Name] = struct{}{}
	}
	for _, info := range stored.Snapshots {
		if _, ok := current[info.Name]; !ok {
			result.Removed = append(result.Removed, info)
		}
	}

	if prev := stored.NamingInfo(); prev != env.NamingInfo() {
		result.PreviousNamingInfo = &prev
	}
	return result
}
