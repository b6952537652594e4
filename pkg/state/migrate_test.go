package state

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

func openBare(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestMigrateFreshStore(t *testing.T) {
	ctx := context.Background()
	db := openBare(t)
	m := NewMigrator(db, nil)

	require.NoError(t, m.Migrate(ctx, false))
	assert.Equal(t, MigrationMigrated, m.State())

	for _, name := range stateTableNames() {
		assert.True(t, db.Migrator().HasTable(name), name)
	}

	versions, err := readVersions(db)
	require.NoError(t, err)
	require.NotNil(t, versions)
	assert.Equal(t, SchemaVersion, versions.SchemaVersion)

	// Re-running is a no-op.
	require.NoError(t, m.Migrate(ctx, false))
	assert.Equal(t, MigrationMigrated, m.State())
}

func TestMigrateValidateUncreatedStore(t *testing.T) {
	m := NewMigrator(openBare(t), nil)
	err := m.Migrate(context.Background(), true)
	require.ErrorIs(t, err, ErrStateAhead)
}

func TestMigrateRefusesNewerStore(t *testing.T) {
	ctx := context.Background()
	db := openBare(t)
	m := NewMigrator(db, nil)
	require.NoError(t, m.Migrate(ctx, false))

	// Simulate a store written by a newer library.
	require.NoError(t, db.Model(&VersionRecord{}).
		Where("id = ?", 1).
		Update("schema_version", SchemaVersion+1).Error)

	err := m.Migrate(ctx, false)
	require.ErrorIs(t, err, ErrMigrationRequired)
}

func TestMigrateUpgradeAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openBare(t)
	m := NewMigrator(db, nil)
	require.NoError(t, m.Migrate(ctx, false))

	sync := New(db, nil)
	s := makeSnapshot("db.orders", "SELECT 1 AS id")
	require.NoError(t, sync.PushSnapshots(ctx, []*snapshot.Snapshot{s}))

	// Mark the store as one version behind to force a real migration with
	// a backup.
	require.NoError(t, db.Model(&VersionRecord{}).
		Where("id = ?", 1).
		Update("schema_version", SchemaVersion-1).Error)

	t.Run("validate reports behind without migrating", func(t *testing.T) {
		err := m.Migrate(ctx, true)
		require.ErrorIs(t, err, ErrStateAhead)
	})

	require.NoError(t, m.Migrate(ctx, false))
	assert.Equal(t, MigrationMigrated, m.State())
	for _, name := range stateTableNames() {
		assert.True(t, db.Migrator().HasTable(name+backupSuffix), name)
	}
	versions, err := readVersions(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, versions.SchemaVersion)

	t.Run("rollback restores the backed-up state", func(t *testing.T) {
		require.NoError(t, m.Rollback(ctx))
		assert.Equal(t, MigrationClean, m.State())

		versions, err := readVersions(db)
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion-1, versions.SchemaVersion)

		// The data survived the round trip.
		existing, err := sync.SnapshotsExist(ctx, []snapshot.ID{s.ID()})
		require.NoError(t, err)
		assert.True(t, existing.Contains(s.ID()))
	})

	t.Run("second rollback has nothing to restore", func(t *testing.T) {
		err := m.Rollback(ctx)
		require.ErrorIs(t, err, ErrNoMigrations)
	})
}

func TestRollbackWithoutMigrations(t *testing.T) {
	db := openBare(t)
	m := NewMigrator(db, nil)
	require.NoError(t, m.Migrate(context.Background(), false))

	err := m.Rollback(context.Background())
	require.ErrorIs(t, err, ErrNoMigrations)
}

func TestMigrateInterruptedCreationLeavesNoTables(t *testing.T) {
	ctx := context.Background()
	db := openBare(t)

	// A view squatting on a state table's name makes CreateTable fail
	// partway through the first-run creation.
	require.NoError(t, db.Exec("CREATE VIEW tidemark_environments AS SELECT 1 AS name").Error)

	m := NewMigrator(db, nil)
	err := m.Migrate(ctx, false)
	require.Error(t, err)
	assert.Equal(t, MigrationFailed, m.State())

	assert.False(t, db.Migrator().HasTable(SnapshotRecord{}.TableName()))
	assert.False(t, db.Migrator().HasTable(IntervalRecord{}.TableName()))
	assert.False(t, db.Migrator().HasTable(VersionRecord{}.TableName()))
}

func TestStorageErrorsPropagate(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))

	sync := New(db, nil)
	_, err = sync.GetEnvironment(context.Background(), "prod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
