package state

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// Batch sizes bound statement size against the backing store. Batched calls
// must produce the same end state as a single unbounded call.
const (
	snapshotBatchSize = 1000
	intervalBatchSize = 1000
)

// StateSync is the gorm-backed state store.
type StateSync struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New creates a StateSync on an already-opened gorm handle. The schema must
// have been created via Migrator.Migrate before use.
func New(db *gorm.DB, logger *slog.Logger) *StateSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateSync{db: db, logger: logger}
}

// PushSnapshots stores new snapshots. Every snapshot must already be
// versioned, and none of the identities may exist yet; retried pushes go
// through the conflict-resolving internal path instead.
func (s *StateSync) PushSnapshots(ctx context.Context, snapshots []*snapshot.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	ids := make([]snapshot.ID, 0, len(snapshots))
	for _, snap := range snapshots {
		if !snap.Versioned() {
			return fmt.Errorf("%w: %q", ErrNotVersioned, snap.Name)
		}
		ids = append(ids, snap.ID())
	}

	existing, err := s.SnapshotsExist(ctx, ids)
	if err != nil {
		return err
	}
	if existing.Cardinality() > 0 {
		id, _ := existing.Pop()
		return fmt.Errorf("%w: %s", ErrSnapshotExists, id)
	}
	return s.pushSnapshots(s.db.WithContext(ctx), snapshots)
}

// pushSnapshots is the internal force path: duplicates are resolved by
// keeping the copy with the highest updated_ts, not by call order, so
// replaying a push is safe.
func (s *StateSync) pushSnapshots(db *gorm.DB, snapshots []*snapshot.Snapshot) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, batch := range chunkSnapshots(snapshots, snapshotBatchSize) {
			existing, err := fetchRecords(tx, idsOf(batch))
			if err != nil {
				return err
			}

			var records []SnapshotRecord
			for _, snap := range batch {
				id := snap.ID()
				if prior, ok := existing[id]; ok {
					if prior.UpdatedTS > snap.UpdatedTS {
						continue
					}
					if err := tx.Where("name = ? AND identifier = ?", id.Name, id.Identifier).
						Delete(&SnapshotRecord{}).Error; err != nil {
						return fmt.Errorf("replace snapshot %s: %w", id, err)
					}
				}
				records = append(records, SnapshotRecord{
					Name:       id.Name,
					Identifier: id.Identifier,
					Version:    snap.Version,
					Payload:    SnapshotPayload{Snapshot: snap},
					UpdatedTS:  snap.UpdatedTS,
					TTL:        snap.TTL,
				})
			}
			if len(records) == 0 {
				continue
			}
			if err := tx.Create(&records).Error; err != nil {
				return fmt.Errorf("push snapshots: %w", err)
			}
		}
		return nil
	})
}

// GetSnapshots fetches stored snapshots and hydrates their interval sets by
// replaying the interval history. Missing ids are simply absent from the
// result. Name+identifier is the primary key, so an identity resolves to at
// most one row; concurrent double-pushes are settled at write time by
// pushSnapshots.
func (s *StateSync) GetSnapshots(ctx context.Context, ids []snapshot.ID) (map[snapshot.ID]*snapshot.Snapshot, error) {
	out := make(map[snapshot.ID]*snapshot.Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	for _, batch := range chunkIDs(ids, snapshotBatchSize) {
		var records []SnapshotRecord
		if err := s.db.WithContext(ctx).
			Where("name IN ?", namesOf(batch)).
			Find(&records).Error; err != nil {
			return nil, fmt.Errorf("get snapshots: %w", err)
		}
		wanted := idSet(batch)
		for i := range records {
			rec := &records[i]
			id := snapshot.ID{Name: rec.Name, Identifier: rec.Identifier}
			if !wanted.Contains(id) || rec.Payload.Snapshot == nil {
				continue
			}
			snap := rec.Payload.Snapshot
			snap.UpdatedTS = rec.UpdatedTS
			out[id] = snap
		}
	}

	if err := s.hydrateIntervals(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotsExist returns the subset of ids that are stored.
func (s *StateSync) SnapshotsExist(ctx context.Context, ids []snapshot.ID) (mapset.Set[snapshot.ID], error) {
	out := mapset.NewThreadUnsafeSet[snapshot.ID]()
	for _, batch := range chunkIDs(ids, snapshotBatchSize) {
		var records []SnapshotRecord
		if err := s.db.WithContext(ctx).
			Select("name", "identifier").
			Where("name IN ?", namesOf(batch)).
			Find(&records).Error; err != nil {
			return nil, fmt.Errorf("check snapshots: %w", err)
		}
		wanted := idSet(batch)
		for _, rec := range records {
			id := snapshot.ID{Name: rec.Name, Identifier: rec.Identifier}
			if wanted.Contains(id) {
				out.Add(id)
			}
		}
	}
	return out, nil
}

// DeleteSnapshots removes stored snapshots and their interval history.
func (s *StateSync) DeleteSnapshots(ctx context.Context, ids []snapshot.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, batch := range chunkIDs(ids, snapshotBatchSize) {
			for _, id := range batch {
				if err := tx.Where("name = ? AND identifier = ?", id.Name, id.Identifier).
					Delete(&SnapshotRecord{}).Error; err != nil {
					return fmt.Errorf("delete snapshot %s: %w", id, err)
				}
				if err := tx.Where("name = ? AND identifier = ?", id.Name, id.Identifier).
					Delete(&IntervalRecord{}).Error; err != nil {
					return fmt.Errorf("delete snapshot intervals %s: %w", id, err)
				}
			}
		}
		return nil
	})
}

// GetEnvironment returns the named environment, or nil if absent.
func (s *StateSync) GetEnvironment(ctx context.Context, name string) (*environment.Environment, error) {
	var record EnvironmentRecord
	err := s.db.WithContext(ctx).Where("name = ?", environment.Normalize(name)).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return record.Payload.Environment, nil
}

// GetEnvironments returns every stored environment, ordered by name.
func (s *StateSync) GetEnvironments(ctx context.Context) ([]*environment.Environment, error) {
	var records []EnvironmentRecord
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	out := make([]*environment.Environment, 0, len(records))
	for _, rec := range records {
		if rec.Payload.Environment != nil {
			out = append(out, rec.Payload.Environment)
		}
	}
	return out, nil
}

// GetVersions returns the stored version marker, or nil before the first
// migration.
func (s *StateSync) GetVersions(ctx context.Context) (*Versions, error) {
	return readVersions(s.db.WithContext(ctx))
}

func readVersions(db *gorm.DB) (*Versions, error) {
	var record VersionRecord
	err := db.First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get versions: %w", err)
	}
	return &Versions{SchemaVersion: record.SchemaVersion, CoreVersion: record.CoreVersion}, nil
}

func fetchRecords(tx *gorm.DB, ids []snapshot.ID) (map[snapshot.ID]*SnapshotRecord, error) {
	var records []SnapshotRecord
	if err := tx.Where("name IN ?", namesOf(ids)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}
	wanted := idSet(ids)
	out := make(map[snapshot.ID]*SnapshotRecord, len(records))
	for i := range records {
		id := snapshot.ID{Name: records[i].Name, Identifier: records[i].Identifier}
		if wanted.Contains(id) {
			out[id] = &records[i]
		}
	}
	return out, nil
}

func idsOf(snapshots []*snapshot.Snapshot) []snapshot.ID {
	out := make([]snapshot.ID, len(snapshots))
	for i, s := range snapshots {
		out[i] = s.ID()
	}
	return out
}

func namesOf(ids []snapshot.ID) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if _, ok := seen[id.Name]; ok {
			continue
		}
		seen[id.Name] = struct{}{}
		out = append(out, id.Name)
	}
	return out
}

func idSet(ids []snapshot.ID) mapset.Set[snapshot.ID] {
	return mapset.NewThreadUnsafeSet(ids...)
}

func chunkIDs(ids []snapshot.ID, size int) [][]snapshot.ID {
	var out [][]snapshot.ID
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func chunkInt64(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func chunkSnapshots(snapshots []*snapshot.Snapshot, size int) [][]*snapshot.Snapshot {
	var out [][]*snapshot.Snapshot
	for len(snapshots) > size {
		out = append(out, snapshots[:size])
		snapshots = snapshots[size:]
	}
	if len(snapshots) > 0 {
		out = append(out, snapshots)
	}
	return out
}
