package state

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// MigrationState tracks where a migration got to, so failures are
// attributable to a concrete phase.
type MigrationState string

const (
	MigrationClean     MigrationState = "clean"
	MigrationBackedUp  MigrationState = "backed_up"
	MigrationMigrating MigrationState = "migrating"
	MigrationMigrated  MigrationState = "migrated"
	MigrationFailed    MigrationState = "failed"
)

const backupSuffix = "_backup"

// rowMigrations holds the per-schema-version row rewrites, keyed by the
// version they migrate TO. Schema version 1 is the initial layout.
var rowMigrations = map[int]func(tx *gorm.DB) error{}

// Migrator creates and upgrades the state schema. All entry points are
// serialized through the migration locker.
type Migrator struct {
	db     *gorm.DB
	locker MigrationLocker
	logger *slog.Logger
	state  MigrationState
}

// NewMigrator builds a Migrator on an opened gorm handle.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		db:     db,
		locker: NewMigrationLocker(db),
		logger: logger,
		state:  MigrationClean,
	}
}

// State returns the phase the last Migrate or Rollback call reached.
func (m *Migrator) State() MigrationState { return m.state }

// Migrate brings the state schema up to the current version.
//
// Version gating: a store written by a NEWER library always refuses to
// migrate, since downgrading would lose information this library cannot
// interpret. A store that is merely BEHIND is migrated in place; with
// validate set, being behind is reported as an error instead, for read-only
// callers that must not mutate state.
//
// The first-ever run creates all tables; a failure there drops whatever was
// already created so no partial schema survives. Upgrades of an existing
// store first copy every state table to a _backup twin, which Rollback
// restores.
func (m *Migrator) Migrate(ctx context.Context, validate bool) error {
	return m.locker.WithLock(ctx, func() error {
		return m.migrate(ctx, validate)
	})
}

func (m *Migrator) migrate(ctx context.Context, validate bool) error {
	db := m.db.WithContext(ctx)
	m.state = MigrationClean

	if !db.Migrator().HasTable(&VersionRecord{}) {
		if validate {
			return fmt.Errorf("%w: state schema has not been created yet", ErrStateAhead)
		}
		return m.createAllTables(db)
	}

	versions, err := readVersions(db)
	if err != nil {
		return err
	}
	stored := 0
	if versions != nil {
		stored = versions.SchemaVersion
	}

	switch {
	case stored > SchemaVersion:
		return fmt.Errorf("%w: stored schema version %d, library supports %d",
			ErrMigrationRequired, stored, SchemaVersion)
	case stored == SchemaVersion:
		m.state = MigrationMigrated
		return nil
	case validate:
		return fmt.Errorf("%w: stored schema version %d, library expects %d",
			ErrStateAhead, stored, SchemaVersion)
	}

	m.logger.Info("migrating state schema", "from", stored, "to", SchemaVersion)

	if err := m.backupState(db); err != nil {
		m.state = MigrationFailed
		return err
	}
	m.state = MigrationBackedUp

	m.state = MigrationMigrating
	if err := m.migrateRows(db, stored); err != nil {
		m.state = MigrationFailed
		return err
	}

	if err := writeVersions(db); err != nil {
		m.state = MigrationFailed
		return err
	}
	m.state = MigrationMigrated
	m.logger.Info("state schema migrated", "schema_version", SchemaVersion)
	return nil
}

// createAllTables performs the first-ever schema creation. All or nothing:
// on any failure, the tables created so far are dropped.
func (m *Migrator) createAllTables(db *gorm.DB) error {
	var created []any
	for _, model := range stateTables() {
		if err := db.Migrator().CreateTable(model); err != nil {
			for _, done := range created {
				_ = db.Migrator().DropTable(done)
			}
			m.state = MigrationFailed
			return fmt.Errorf("create state tables: %w", err)
		}
		created = append(created, model)
	}
	if err := writeVersions(db); err != nil {
		for _, done := range created {
			_ = db.Migrator().DropTable(done)
		}
		m.state = MigrationFailed
		return err
	}
	m.state = MigrationMigrated
	m.logger.Info("state schema created", "schema_version", SchemaVersion)
	return nil
}

// backupState copies every state table to its _backup twin, replacing any
// backup left over from an earlier migration.
func (m *Migrator) backupState(db *gorm.DB) error {
	for _, name := range stateTableNames() {
		backup := name + backupSuffix
		if db.Migrator().HasTable(backup) {
			if err := db.Migrator().DropTable(backup); err != nil {
				return fmt.Errorf("drop stale backup %s: %w", backup, err)
			}
		}
		if err := db.Exec(fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", backup, name)).Error; err != nil {
			return fmt.Errorf("back up %s: %w", name, err)
		}
	}
	return nil
}

// migrateRows evolves the table layout and replays the per-version row
// migrations from the stored version forward.
func (m *Migrator) migrateRows(db *gorm.DB, from int) error {
	if err := db.AutoMigrate(stateTables()...); err != nil {
		return fmt.Errorf("evolve state schema: %w", err)
	}
	for v := from + 1; v <= SchemaVersion; v++ {
		step, ok := rowMigrations[v]
		if !ok {
			continue
		}
		if err := db.Transaction(step); err != nil {
			return fmt.Errorf("row migration to version %d: %w", v, err)
		}
	}
	return nil
}

// Rollback restores the state tables from the backups taken by the last
// Migrate. It fails when no backup exists.
func (m *Migrator) Rollback(ctx context.Context) error {
	return m.locker.WithLock(ctx, func() error {
		db := m.db.WithContext(ctx)

		for _, name := range stateTableNames() {
			if !db.Migrator().HasTable(name + backupSuffix) {
				return ErrNoMigrations
			}
		}
		for _, name := range stateTableNames() {
			if db.Migrator().HasTable(name) {
				if err := db.Migrator().DropTable(name); err != nil {
					return fmt.Errorf("drop %s: %w", name, err)
				}
			}
			if err := db.Migrator().RenameTable(name+backupSuffix, name); err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
		}
		m.state = MigrationClean
		m.logger.Info("state schema rolled back")
		return nil
	})
}

func writeVersions(db *gorm.DB) error {
	record := VersionRecord{ID: 1, SchemaVersion: SchemaVersion, CoreVersion: CoreVersion}
	if err := db.Save(&record).Error; err != nil {
		return fmt.Errorf("write versions: %w", err)
	}
	return nil
}

func stateTableNames() []string {
	return []string{
		SnapshotRecord{}.TableName(),
		IntervalRecord{}.TableName(),
		EnvironmentRecord{}.TableName(),
		VersionRecord{}.TableName(),
	}
}
