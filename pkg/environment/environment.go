// Package environment models the named pointers ("prod", dev branches) that
// reference consistent sets of promoted snapshots.
package environment

import (
	"fmt"
	"strings"

	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// Prod is the reserved production environment name.
const Prod = "prod"

// SuffixTarget controls where the environment suffix lands when naming
// views: on the schema or on the table itself.
type SuffixTarget string

const (
	SuffixSchema SuffixTarget = "schema"
	SuffixTable  SuffixTarget = "table"
)

// NamingInfo carries the parameters of an environment's view-naming scheme.
// When the scheme changes between promotions, the previous info is needed to
// drop the now-orphaned objects.
type NamingInfo struct {
	Name                string       `json:"name"`
	SuffixTarget        SuffixTarget `json:"suffix_target"`
	CatalogNameOverride string       `json:"catalog_name_override,omitempty"`
}

// SchemaName renders the schema portion of a view name for this scheme.
func (n NamingInfo) SchemaName(schema string) string {
	if n.Name == Prod || n.SuffixTarget != SuffixSchema {
		return schema
	}
	return fmt.Sprintf("%s__%s", schema, n.Name)
}

// ViewName renders the table portion of a view name for this scheme.
func (n NamingInfo) ViewName(table string) string {
	if n.Name == Prod || n.SuffixTarget != SuffixTable {
		return table
	}
	return fmt.Sprintf("%s__%s", table, n.Name)
}

// Environment is a named, versioned pointer to a set of promoted snapshots.
type Environment struct {
	Name      string               `json:"name"`
	Snapshots []snapshot.TableInfo `json:"snapshots"`

	StartAt int64 `json:"start_at"`
	EndAt   int64 `json:"end_at,omitempty"`

	// PlanID and PreviousPlanID are the fencing tokens: a promotion is only
	// valid while PreviousPlanID matches the currently stored PlanID.
	PlanID         string `json:"plan_id"`
	PreviousPlanID string `json:"previous_plan_id,omitempty"`

	// ExpirationTS is when the environment may be garbage collected. Nil
	// means it never expires; prod never carries one.
	ExpirationTS *int64 `json:"expiration_ts,omitempty"`

	// FinalizedTS is set once a promotion completed successfully.
	FinalizedTS *int64 `json:"finalized_ts,omitempty"`

	// PromotedSnapshotIDs restricts which snapshots get views in this
	// environment. Nil promotes every snapshot in Snapshots.
	PromotedSnapshotIDs []snapshot.ID `json:"promoted_snapshot_ids,omitempty"`

	SuffixTarget        SuffixTarget `json:"suffix_target,omitempty"`
	CatalogNameOverride string       `json:"catalog_name_override,omitempty"`
}

// Normalize lowercases the environment name, which is how names are keyed
// in the store.
func Normalize(name string) string { return strings.ToLower(name) }

// IsProd reports whether this is the production environment.
func (e *Environment) IsProd() bool { return Normalize(e.Name) == Prod }

// IsFinalized reports whether the last promotion of this environment
// completed.
func (e *Environment) IsFinalized() bool { return e.FinalizedTS != nil }

// NamingInfo extracts the naming-scheme parameters.
func (e *Environment) NamingInfo() NamingInfo {
	target := e.SuffixTarget
	if target == "" {
		target = SuffixSchema
	}
	return NamingInfo{
		Name:                Normalize(e.Name),
		SuffixTarget:        target,
		CatalogNameOverride: e.CatalogNameOverride,
	}
}

// PromotedSnapshots returns the table infos that actually receive views,
// honoring the PromotedSnapshotIDs restriction.
func (e *Environment) PromotedSnapshots() []snapshot.TableInfo {
	if e.PromotedSnapshotIDs == nil {
		return e.Snapshots
	}
	allowed := make(map[snapshot.ID]struct{}, len(e.PromotedSnapshotIDs))
	for _, id := range e.PromotedSnapshotIDs {
		allowed[id] = struct{}{}
	}
	var out []snapshot.TableInfo
	for _, info := range e.Snapshots {
		if _, ok := allowed[info.ID()]; ok {
			out = append(out, info)
		}
	}
	return out
}

// FindSnapshot returns the table info for a name, if present.
func (e *Environment) FindSnapshot(name string) (snapshot.TableInfo, bool) {
	for _, info := range e.Snapshots {
		if info.Name == name {
			return info, true
		}
	}
	return snapshot.TableInfo{}, false
}
