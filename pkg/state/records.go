// Package state persists snapshots, intervals, and environments through
// gorm and implements the synchronization contract the planner and
// scheduler rely on: fenced promotion, append-only interval history, and
// versioned schema migration.
package state

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// SchemaVersion is bumped whenever the table layout changes in a way that
// requires row migration.
const SchemaVersion = 1

// CoreVersion is the library version recorded in the versions table.
const CoreVersion = "0.4.0"

// SnapshotPayload stores the full snapshot body as a JSON text column.
type SnapshotPayload struct {
	Snapshot *snapshot.Snapshot
}

// Scan implements the sql.Scanner interface for SnapshotPayload.
func (p *SnapshotPayload) Scan(value any) error {
	if value == nil {
		p.Snapshot = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for SnapshotPayload: %T", value)
	}
	p.Snapshot = &snapshot.Snapshot{}
	return json.Unmarshal(bytes, p.Snapshot)
}

// Value implements the driver.Valuer interface for SnapshotPayload.
func (p SnapshotPayload) Value() (driver.Value, error) {
	if p.Snapshot == nil {
		return nil, nil
	}
	b, err := json.Marshal(p.Snapshot)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// EnvironmentPayload stores the full environment body as a JSON text column.
type EnvironmentPayload struct {
	Environment *environment.Environment
}

// Scan implements the sql.Scanner interface for EnvironmentPayload.
func (p *EnvironmentPayload) Scan(value any) error {
	if value == nil {
		p.Environment = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for EnvironmentPayload: %T", value)
	}
	p.Environment = &environment.Environment{}
	return json.Unmarshal(bytes, p.Environment)
}

// Value implements the driver.Valuer interface for EnvironmentPayload.
func (p EnvironmentPayload) Value() (driver.Value, error) {
	if p.Environment == nil {
		return nil, nil
	}
	b, err := json.Marshal(p.Environment)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// SnapshotRecord is one stored snapshot, keyed by name plus content
// identifier. The queryable columns are denormalized out of the payload.
type SnapshotRecord struct {
	Name       string          `gorm:"primaryKey;column:name;index:idx_snapshots_name_version,priority:1"`
	Identifier string          `gorm:"primaryKey;column:identifier"`
	Version    string          `gorm:"column:version;index:idx_snapshots_name_version,priority:2;not null"`
	Payload    SnapshotPayload `gorm:"column:snapshot;type:text;not null"`
	UpdatedTS  int64           `gorm:"column:updated_ts;not null"`
	TTL        string          `gorm:"column:ttl"`
}

// TableName returns the GORM table name.
func (SnapshotRecord) TableName() string { return "tidemark_snapshots" }

// IntervalRecord is one append-only interval event. Rows are never updated
// in place: removal and compaction write tombstones, and readers replay the
// history in insertion order. The autoincrement id is the replay key: two
// events written in the same millisecond still replay in write order.
type IntervalRecord struct {
	ID        int64 `gorm:"primaryKey;column:id;autoIncrement"`
	CreatedTS int64 `gorm:"column:created_ts;index;not null"`

	Name       string `gorm:"column:name;index:idx_intervals_name_version,priority:1;not null"`
	Identifier string `gorm:"column:identifier;index;not null"`
	Version    string `gorm:"column:version;index:idx_intervals_name_version,priority:2;not null"`

	StartTS int64 `gorm:"column:start_ts;not null"`
	EndTS   int64 `gorm:"column:end_ts;not null"`

	IsDev       bool `gorm:"column:is_dev;not null"`
	IsRemoved   bool `gorm:"column:is_removed;not null"`
	IsCompacted bool `gorm:"column:is_compacted;not null"`
}

// TableName returns the GORM table name.
func (IntervalRecord) TableName() string { return "tidemark_intervals" }

// EnvironmentRecord is one named environment pointer. PlanID is the fencing
// column promotions compare-and-swap on.
type EnvironmentRecord struct {
	Name         string             `gorm:"primaryKey;column:name"`
	Payload      EnvironmentPayload `gorm:"column:environment;type:text;not null"`
	PlanID       string             `gorm:"column:plan_id;not null"`
	ExpirationTS *int64             `gorm:"column:expiration_ts"`
	FinalizedTS  *int64             `gorm:"column:finalized_ts"`
}

// TableName returns the GORM table name.
func (EnvironmentRecord) TableName() string { return "tidemark_environments" }

// VersionRecord is the single-row version marker used to gate migrations.
type VersionRecord struct {
	ID            int    `gorm:"primaryKey;column:id"`
	SchemaVersion int    `gorm:"column:schema_version;not null"`
	CoreVersion   string `gorm:"column:core_version;not null"`
}

// TableName returns the GORM table name.
func (VersionRecord) TableName() string { return "tidemark_versions" }

// Versions is the read-side view of the version marker.
type Versions struct {
	SchemaVersion int
	CoreVersion   string
}

// stateTables lists every managed table's model, in creation order.
func stateTables() []any {
	return []any{
		&SnapshotRecord{},
		&IntervalRecord{},
		&EnvironmentRecord{},
		&VersionRecord{},
	}
}
