package state

import (
	"context"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/interval"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

func ts(s string) int64 {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

// newTestDB creates an in-memory SQLite DB with the state schema migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewMigrator(db, nil).Migrate(context.Background(), false))
	return db
}

func newTestSync(t *testing.T) *StateSync {
	t.Helper()
	return New(newTestDB(t), nil)
}

// makeSnapshot builds a versioned daily snapshot for a single-node graph.
func makeSnapshot(name, query string) *snapshot.Snapshot {
	node := &snapshot.Node{
		Name:    name,
		Query:   query,
		Kind:    snapshot.KindIncrementalByTime,
		Unit:    interval.Day,
		Start:   ts("2022-01-01"),
		Columns: map[string]string{"id": "int"},
	}
	s := snapshot.New(node, map[string]*snapshot.Node{name: node})
	s.CategorizeAs(snapshot.CategoryBreaking)
	s.UpdatedTS = ts("2022-01-01")
	return s
}

// forwardOnlySuccessor builds a snapshot of the same model sharing prior's
// physical version.
func forwardOnlySuccessor(prior *snapshot.Snapshot, query string) *snapshot.Snapshot {
	node := &snapshot.Node{
		Name:    prior.Name,
		Query:   query,
		Kind:    snapshot.KindIncrementalByTime,
		Unit:    interval.Day,
		Start:   ts("2022-01-01"),
		Columns: map[string]string{"id": "int"},
	}
	s := snapshot.New(node, map[string]*snapshot.Node{prior.Name: node})
	s.PreviousVersions = prior.AllVersions()
	s.CategorizeAs(snapshot.CategoryForwardOnly)
	s.UpdatedTS = ts("2022-01-02")
	return s
}

func TestPushSnapshots(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	t.Run("unversioned snapshot is rejected", func(t *testing.T) {
		node := &snapshot.Node{
			Name:  "db.raw",
			Query: "SELECT 1 AS id",
			Kind:  snapshot.KindIncrementalByTime,
			Unit:  interval.Day,
		}
		s := snapshot.New(node, map[string]*snapshot.Node{node.Name: node})
		err := sync.PushSnapshots(ctx, []*snapshot.Snapshot{s})
		require.ErrorIs(t, err, ErrNotVersioned)
	})

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	t.Run("duplicate push is rejected", func(t *testing.T) {
		err := sync.PushSnapshots(ctx, []*snapshot.Snapshot{s})
		require.ErrorIs(t, err, ErrSnapshotExists)
	})

	t.Run("exists and get round-trip", func(t *testing.T) {
		missing := makeSnapshot("db.other", "SELECT 2 AS id")
		existing, err := sync.SnapshotsExist(ctx, []snapshot.ID{s.ID(), missing.ID()})
		require.NoError(t, err)
		assert.True(t, existing.Contains(s.ID()))
		assert.False(t, existing.Contains(missing.ID()))

		got, err := sync.GetSnapshots(ctx, []snapshot.ID{s.ID(), missing.ID()})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, s.Version, got[s.ID()].Version)
	})
}

func TestInternalPushResolvesByUpdatedTS(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	s.UpdatedTS = 100
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	// An older copy of the same identity loses regardless of call order.
	older := makeSnapshot("db.orders", "SELECT 1 AS id")
	older.UpdatedTS = 50
	older.TTL = "1h"
	require.NoError(t, sync.pushSnapshots(sync.db, []*snapshot.Snapshot{older}))

	got, err := sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
	require.NoError(t, err)
	assert.Equal(t, int64(100), got[s.ID()].UpdatedTS)

	// A newer copy wins.
	newer := makeSnapshot("db.orders", "SELECT 1 AS id")
	newer.UpdatedTS = 200
	require.NoError(t, sync.pushSnapshots(sync.db, []*snapshot.Snapshot{newer}))

	got, err = sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
	require.NoError(t, err)
	assert.Equal(t, int64(200), got[s.ID()].UpdatedTS)
}

func TestDeleteSnapshots(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))
	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-01"), ts("2022-01-03"), false))

	require.NoError(t, sync.DeleteSnapshots(ctx, []snapshot.ID{s.ID()}))

	got, err := sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
	require.NoError(t, err)
	assert.Empty(t, got)

	var count int64
	require.NoError(t, sync.db.Model(&IntervalRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIntervalLifecycle(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	t.Run("partial buckets are skipped", func(t *testing.T) {
		sixAM := ts("2022-01-01") + 6*time.Hour.Milliseconds()
		require.NoError(t, sync.AddInterval(ctx, s, sixAM, ts("2022-01-02"), false))
		assert.Empty(t, s.Intervals)
	})

	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-01"), ts("2022-01-05"), false))
	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-05"), ts("2022-01-07"), false))
	assert.Equal(t, interval.Intervals{{Start: ts("2022-01-01"), End: ts("2022-01-07")}}, s.Intervals)

	t.Run("hydration replays history", func(t *testing.T) {
		got, err := sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
		require.NoError(t, err)
		assert.Equal(t, s.Intervals, got[s.ID()].Intervals)
	})

	t.Run("removal splits coverage", func(t *testing.T) {
		require.NoError(t, sync.RemoveInterval(ctx, s, ts("2022-01-03"), ts("2022-01-04"), false))
		got, err := sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
		require.NoError(t, err)
		assert.Equal(t, interval.Intervals{
			{Start: ts("2022-01-01"), End: ts("2022-01-03")},
			{Start: ts("2022-01-04"), End: ts("2022-01-07")},
		}, got[s.ID()].Intervals)
	})

	t.Run("refresh discards stale local state", func(t *testing.T) {
		s.AddInterval(ts("2022-03-01"), ts("2022-03-05"), false)
		require.NoError(t, sync.RefreshSnapshotIntervals(ctx, []*snapshot.Snapshot{s}))
		assert.Equal(t, interval.Intervals{
			{Start: ts("2022-01-01"), End: ts("2022-01-03")},
			{Start: ts("2022-01-04"), End: ts("2022-01-07")},
		}, s.Intervals)
	})
}

func TestSharedVersionIntervals(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	v1 := makeSnapshot("db.orders", "SELECT 1 AS id")
	v2 := forwardOnlySuccessor(v1, "SELECT 1 AS id, 2 AS b")
	require.Equal(t, v1.Version, v2.Version)
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{v1, v2}))

	// Production coverage is shared through the physical table.
	require.NoError(t, sync.AddInterval(ctx, v1, ts("2022-01-01"), ts("2022-01-05"), false))
	got, err := sync.GetSnapshots(ctx, []snapshot.ID{v1.ID(), v2.ID()})
	require.NoError(t, err)
	assert.Equal(t, got[v1.ID()].Intervals, got[v2.ID()].Intervals)

	// Dev coverage is per revision.
	require.NoError(t, sync.AddInterval(ctx, v2, ts("2022-01-05"), ts("2022-01-07"), true))
	got, err = sync.GetSnapshots(ctx, []snapshot.ID{v1.ID(), v2.ID()})
	require.NoError(t, err)
	assert.Empty(t, got[v1.ID()].DevIntervals)
	assert.Equal(t, interval.Intervals{{Start: ts("2022-01-05"), End: ts("2022-01-07")}}, got[v2.ID()].DevIntervals)

	// Shared removal wipes every revision of the version.
	require.NoError(t, sync.RemoveInterval(ctx, v1, ts("2022-01-01"), ts("2022-01-07"), true))
	got, err = sync.GetSnapshots(ctx, []snapshot.ID{v1.ID(), v2.ID()})
	require.NoError(t, err)
	assert.Empty(t, got[v1.ID()].Intervals)
	assert.Empty(t, got[v2.ID()].Intervals)
	assert.Empty(t, got[v2.ID()].DevIntervals)
}

func TestCompactIntervalsIdempotent(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))
	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-01"), ts("2022-01-05"), false))
	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-05"), ts("2022-01-10"), false))
	require.NoError(t, sync.RemoveInterval(ctx, s, ts("2022-01-02"), ts("2022-01-03"), false))

	var before int64
	require.NoError(t, sync.db.Model(&IntervalRecord{}).Count(&before).Error)
	require.Equal(t, int64(3), before)

	require.NoError(t, sync.CompactIntervals(ctx))

	var after int64
	require.NoError(t, sync.db.Model(&IntervalRecord{}).Count(&after).Error)
	assert.Equal(t, int64(2), after)

	want := interval.Intervals{
		{Start: ts("2022-01-01"), End: ts("2022-01-02")},
		{Start: ts("2022-01-03"), End: ts("2022-01-10")},
	}
	got, err := sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
	require.NoError(t, err)
	assert.Equal(t, want, got[s.ID()].Intervals)

	// A second pass changes nothing.
	require.NoError(t, sync.CompactIntervals(ctx))
	require.NoError(t, sync.db.Model(&IntervalRecord{}).Count(&after).Error)
	assert.Equal(t, int64(2), after)

	got, err = sync.GetSnapshots(ctx, []snapshot.ID{s.ID()})
	require.NoError(t, err)
	assert.Equal(t, want, got[s.ID()].Intervals)
}

func TestIntervalEventsReplayInWriteOrder(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	// A burst of alternating adds and removes lands within the same
	// millisecond; replay must still apply them in write order, so each
	// removal tombstones the add that preceded it.
	for i := 0; i < 10; i++ {
		require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-01"), ts("2022-01-05"), false))
		require.NoError(t, sync.RemoveInterval(ctx, s, ts("2022-01-01"), ts("2022-01-03"), true))
	}

	want := interval.Intervals{{Start: ts("2022-01-03"), End: ts("2022-01-05")}}
	require.NoError(t, sync.RefreshSnapshotIntervals(ctx, []*snapshot.Snapshot{s}))
	assert.Equal(t, want, s.Intervals)

	require.NoError(t, sync.CompactIntervals(ctx))
	require.NoError(t, sync.RefreshSnapshotIntervals(ctx, []*snapshot.Snapshot{s}))
	assert.Equal(t, want, s.Intervals)
}

func TestCompactIntervalsManyRows(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	// More event rows than one delete batch holds; every-other-day buckets
	// so nothing merges away.
	rows := make([]IntervalRecord, 0, intervalBatchSize+200)
	day := time.UnixMilli(ts("2022-01-01")).UTC()
	for i := 0; i < intervalBatchSize+200; i++ {
		rows = append(rows, IntervalRecord{
			CreatedTS:  ts("2022-01-01"),
			Name:       s.Name,
			Identifier: s.ID().Identifier,
			Version:    s.Version,
			StartTS:    day.UnixMilli(),
			EndTS:      day.AddDate(0, 0, 1).UnixMilli(),
		})
		day = day.AddDate(0, 0, 2)
	}
	require.NoError(t, sync.db.CreateInBatches(&rows, intervalBatchSize).Error)

	require.NoError(t, sync.CompactIntervals(ctx))

	var count int64
	require.NoError(t, sync.db.Model(&IntervalRecord{}).Count(&count).Error)
	assert.Equal(t, int64(intervalBatchSize+200), count)

	require.NoError(t, sync.RefreshSnapshotIntervals(ctx, []*snapshot.Snapshot{s}))
	assert.Len(t, s.Intervals, intervalBatchSize+200)
	assert.Equal(t, ts("2022-01-01"), s.Intervals[0].Start)
}

func testEnvironment(name, planID, prevPlanID string, snapshots ...*snapshot.Snapshot) *environment.Environment {
	var infos []snapshot.TableInfo
	for _, s := range snapshots {
		infos = append(infos, s.TableInfo())
	}
	return &environment.Environment{
		Name:           name,
		Snapshots:      infos,
		StartAt:        ts("2022-01-01"),
		PlanID:         planID,
		PreviousPlanID: prevPlanID,
	}
}

func TestPromoteFencing(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	env := testEnvironment("dev", "plan-1", "", s)
	result, err := sync.Promote(ctx, env, nil, nil)
	require.NoError(t, err)
	assert.Len(t, result.Added, 1)
	assert.Empty(t, result.Removed)

	t.Run("stale fencing token is rejected and leaves state intact", func(t *testing.T) {
		stale := testEnvironment("dev", "plan-3", "some-other-plan", s)
		_, err := sync.Promote(ctx, stale, nil, nil)
		require.ErrorIs(t, err, ErrStaleEnvironment)

		stored, err := sync.GetEnvironment(ctx, "dev")
		require.NoError(t, err)
		assert.Equal(t, "plan-1", stored.PlanID)
	})

	t.Run("retrying the same plan succeeds", func(t *testing.T) {
		_, err := sync.Promote(ctx, testEnvironment("dev", "plan-1", "", s), nil, nil)
		require.NoError(t, err)
	})

	t.Run("successor plan advances the pointer", func(t *testing.T) {
		_, err := sync.Promote(ctx, testEnvironment("dev", "plan-2", "plan-1", s), nil, nil)
		require.NoError(t, err)
		stored, err := sync.GetEnvironment(ctx, "dev")
		require.NoError(t, err)
		assert.Equal(t, "plan-2", stored.PlanID)
	})
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	env := testEnvironment("dev", "plan-1", "", s)
	_, err := sync.Promote(ctx, env, nil, nil)
	require.NoError(t, err)

	stale := testEnvironment("dev", "plan-0", "", s)
	err = sync.Finalize(ctx, stale)
	require.ErrorIs(t, err, ErrStaleEnvironment)
	assert.Nil(t, stale.FinalizedTS)

	require.NoError(t, sync.Finalize(ctx, env))
	stored, err := sync.GetEnvironment(ctx, "dev")
	require.NoError(t, err)
	assert.True(t, stored.IsFinalized())
}

func TestPromoteNoGaps(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	v1 := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{v1}))
	require.NoError(t, sync.AddInterval(ctx, v1, ts("2022-01-01"), ts("2022-01-10"), false))

	_, err := sync.Promote(ctx, testEnvironment("prod", "plan-1", "", v1), nil, nil)
	require.NoError(t, err)

	// A breaking successor with less coverage than the promoted version.
	v2 := makeSnapshot("db.orders", "SELECT 2 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{v2}))
	require.NoError(t, sync.AddInterval(ctx, v2, ts("2022-01-05"), ts("2022-01-10"), false))

	names := mapset.NewThreadUnsafeSet("db.orders")
	_, err = sync.Promote(ctx, testEnvironment("prod", "plan-2", "plan-1", v2), names, nil)
	require.ErrorIs(t, err, ErrDetectedGaps)

	// Filling the hole lets the promotion through.
	require.NoError(t, sync.AddInterval(ctx, v2, ts("2022-01-01"), ts("2022-01-05"), false))
	_, err = sync.Promote(ctx, testEnvironment("prod", "plan-2", "plan-1", v2), names, nil)
	require.NoError(t, err)
}

func TestPromoteReportsRemovedAndNamingChange(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	a := makeSnapshot("db.a", "SELECT 1 AS id")
	b := makeSnapshot("db.b", "SELECT 2 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{a, b}))

	_, err := sync.Promote(ctx, testEnvironment("dev", "plan-1", "", a, b), nil, nil)
	require.NoError(t, err)

	next := testEnvironment("dev", "plan-2", "plan-1", a)
	next.SuffixTarget = environment.SuffixTable
	result, err := sync.Promote(ctx, next, nil, nil)
	require.NoError(t, err)

	require.Len(t, result.Removed, 1)
	assert.Equal(t, "db.b", result.Removed[0].Name)
	require.NotNil(t, result.PreviousNamingInfo)
	assert.Equal(t, environment.SuffixSchema, result.PreviousNamingInfo.SuffixTarget)
}

func TestDeleteExpiredEnvironments(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	expired := testEnvironment("feature", "plan-1", "", s)
	expiration := ts("2022-01-10")
	expired.ExpirationTS = &expiration
	_, err := sync.Promote(ctx, expired, nil, nil)
	require.NoError(t, err)

	prod := testEnvironment("prod", "plan-2", "", s)
	_, err = sync.Promote(ctx, prod, nil, nil)
	require.NoError(t, err)

	removed, err := sync.DeleteExpiredEnvironments(ctx, time.UnixMilli(ts("2022-02-01")))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "feature", removed[0].Name)

	stored, err := sync.GetEnvironment(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, stored)
	got, err := sync.GetEnvironment(ctx, "feature")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteExpiredSnapshots(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	live := makeSnapshot("db.orders", "SELECT 1 AS id")
	live.TTL = "1h"
	sharing := forwardOnlySuccessor(live, "SELECT 1 AS id, 2 AS b")
	sharing.TTL = "1h"
	sharing.UpdatedTS = ts("2022-01-01")
	lone := makeSnapshot("db.events", "SELECT 3 AS id")
	lone.TTL = "1h"
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{live, sharing, lone}))

	// Only `live` is referenced by an environment.
	_, err := sync.Promote(ctx, testEnvironment("prod", "plan-1", "", live), nil, nil)
	require.NoError(t, err)

	tasks, err := sync.DeleteExpiredSnapshots(ctx, time.UnixMilli(ts("2022-02-01")))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byName := make(map[string]SnapshotCleanupTask)
	for _, task := range tasks {
		byName[task.TableInfo.Name] = task
	}
	// `sharing` shares its version with the still-referenced `live`, so
	// only its dev table may be dropped.
	assert.True(t, byName["db.orders"].DevTableOnly)
	assert.False(t, byName["db.events"].DevTableOnly)

	existing, err := sync.SnapshotsExist(ctx, []snapshot.ID{live.ID(), sharing.ID(), lone.ID()})
	require.NoError(t, err)
	assert.True(t, existing.Contains(live.ID()))
	assert.False(t, existing.Contains(sharing.ID()))
	assert.False(t, existing.Contains(lone.ID()))
}

func TestUnpauseSnapshots(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	prior := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{prior}))
	require.NoError(t, sync.UnpauseSnapshots(ctx, []*snapshot.Snapshot{prior}, ts("2022-01-01")))
	require.NoError(t, sync.AddInterval(ctx, prior, ts("2022-01-01"), ts("2022-01-10"), false))

	successor := forwardOnlySuccessor(prior, "SELECT 1 AS id, 2 AS b")
	cutover := ts("2022-01-05")
	successor.EffectiveFrom = &cutover
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{successor}))

	require.NoError(t, sync.UnpauseSnapshots(ctx, []*snapshot.Snapshot{successor}, ts("2022-01-12")))

	got, err := sync.GetSnapshots(ctx, []snapshot.ID{prior.ID(), successor.ID()})
	require.NoError(t, err)

	// The predecessor is paused, unrestorable, and its coverage past the
	// cutover is gone.
	p := got[prior.ID()]
	assert.True(t, p.Paused())
	assert.True(t, p.Unrestorable)
	assert.Equal(t, interval.Intervals{{Start: ts("2022-01-01"), End: ts("2022-01-05")}}, p.Intervals)

	n := got[successor.ID()]
	assert.False(t, n.Paused())
	assert.Equal(t, interval.Intervals{{Start: ts("2022-01-01"), End: ts("2022-01-05")}}, n.Intervals)
}

func TestGetVersions(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	versions, err := sync.GetVersions(ctx)
	require.NoError(t, err)
	require.NotNil(t, versions)
	assert.Equal(t, SchemaVersion, versions.SchemaVersion)
	assert.Equal(t, CoreVersion, versions.CoreVersion)
}

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	sync := newTestSync(t)

	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	s.TTL = "1h"
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))
	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-01"), ts("2022-01-03"), false))
	require.NoError(t, sync.AddInterval(ctx, s, ts("2022-01-03"), ts("2022-01-05"), false))

	expired := testEnvironment("feature", "plan-1", "", s)
	expiration := ts("2022-01-10")
	expired.ExpirationTS = &expiration
	_, err := sync.Promote(ctx, expired, nil, nil)
	require.NoError(t, err)

	var cleaned []SnapshotCleanupTask
	janitor := NewJanitor(sync, time.Hour, nil)
	janitor.CleanupFn = func(_ context.Context, tasks []SnapshotCleanupTask) error {
		cleaned = append(cleaned, tasks...)
		return nil
	}
	require.NoError(t, janitor.Sweep(ctx))

	// Environment expired, which orphaned the snapshot, which the same
	// sweep then collected.
	envs, err := sync.GetEnvironments(ctx)
	require.NoError(t, err)
	assert.Empty(t, envs)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "db.orders", cleaned[0].TableInfo.Name)
}
