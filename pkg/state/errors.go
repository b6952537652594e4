package state

import "errors"

var (
	// ErrNotVersioned rejects a push of a snapshot that was never
	// categorized.
	ErrNotVersioned = errors.New("snapshot has not been versioned")

	// ErrSnapshotExists rejects a duplicate external push of an identity
	// already stored.
	ErrSnapshotExists = errors.New("snapshot already exists")

	// ErrStaleEnvironment rejects a promotion or finalize whose fencing
	// token no longer matches the stored environment.
	ErrStaleEnvironment = errors.New("environment is no longer valid")

	// ErrDetectedGaps rejects a no-gap promotion whose new version covers
	// less than the currently promoted one.
	ErrDetectedGaps = errors.New("detected gaps in snapshot")

	// ErrNoMigrations rejects a rollback without a prior backup.
	ErrNoMigrations = errors.New("there are no prior migrations to roll back to")

	// ErrMigrationRequired signals the stored schema is newer than this
	// library; the caller must upgrade before touching state.
	ErrMigrationRequired = errors.New("stored state requires a newer library version")

	// ErrStateAhead signals, under validation, that this library is newer
	// than the stored schema and a migration has not been run yet.
	ErrStateAhead = errors.New("stored state is behind the current library version")
)
