// Package snapshot defines the versioned unit of work: a content-addressed
// instance of a model definition together with its materialization state.
package snapshot

import (
	"fmt"
	"strings"

	"github.com/tidemark-io/tidemark/pkg/interval"
)

// ID uniquely identifies a snapshot: the fully-qualified node name plus the
// identifier derived from its fingerprint. It is comparable and used as the
// primary key everywhere.
type ID struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

func (id ID) String() string { return fmt.Sprintf("%s:%s", id.Name, id.Identifier) }

// NameVersion keys the physical table a snapshot writes to. Snapshots with
// equal name and version share storage.
type NameVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Category classifies how a change affects compatibility with previously
// materialized data. The zero value means the snapshot has not been
// categorized yet.
type Category string

const (
	CategoryUnset               Category = ""
	CategoryBreaking            Category = "breaking"
	CategoryNonBreaking         Category = "non_breaking"
	CategoryForwardOnly         Category = "forward_only"
	CategoryIndirectBreaking    Category = "indirect_breaking"
	CategoryIndirectNonBreaking Category = "indirect_non_breaking"
	CategoryMetadata            Category = "metadata"
)

// RequiresNewVersion reports whether the category implies a new logical
// dataset, and therefore a fresh version derived from the fingerprint.
func (c Category) RequiresNewVersion() bool {
	return c == CategoryBreaking || c == CategoryIndirectBreaking
}

// IsIndirect reports whether the category was assigned through downstream
// propagation rather than a direct edit.
func (c Category) IsIndirect() bool {
	return c == CategoryIndirectBreaking || c == CategoryIndirectNonBreaking
}

// PreviousVersion records one entry of a snapshot's version history,
// retained for rollback and revert detection.
type PreviousVersion struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Version     string      `json:"version"`
	Category    Category    `json:"change_category"`
}

// Snapshot is a versioned, content-addressed instance of a model definition
// plus its materialization state. Interval fields are mutated in place and
// must be explicitly persisted through the state sync to take effect
// remotely.
type Snapshot struct {
	Name        string      `json:"name"`
	Node        *Node       `json:"node"`
	Fingerprint Fingerprint `json:"fingerprint"`

	// Version is assigned by categorization. Empty until then.
	Version  string   `json:"version,omitempty"`
	Category Category `json:"change_category,omitempty"`

	PreviousVersions []PreviousVersion `json:"previous_versions,omitempty"`

	// Intervals cover data materialized in the production table;
	// DevIntervals cover data that exists only in a dev-only table. Both
	// are stored separately from the snapshot body and hydrated on read.
	Intervals    interval.Intervals `json:"-"`
	DevIntervals interval.Intervals `json:"-"`

	// UnpausedTS is the timestamp after which the snapshot is live for
	// scheduling. Nil means paused.
	UnpausedTS *int64 `json:"unpaused_ts,omitempty"`

	// EffectiveFrom is the cutover date for forward-only changes: new logic
	// applies only to buckets at or after it.
	EffectiveFrom *int64 `json:"effective_from,omitempty"`

	// Unrestorable is set once a forward-only successor has advanced
	// unpaused data past this snapshot, making a revert to it unsafe.
	Unrestorable bool `json:"unrestorable,omitempty"`

	Parents []ID `json:"parents,omitempty"`

	// UpdatedTS resolves duplicate pushes of the same identity: the copy
	// with the highest write timestamp wins.
	UpdatedTS int64  `json:"updated_ts"`
	TTL       string `json:"ttl,omitempty"`
	Migrated  bool   `json:"migrated,omitempty"`
}

// New builds an uncategorized snapshot for a node within its resolved graph.
func New(node *Node, nodes map[string]*Node) *Snapshot {
	fp := FingerprintNode(node, nodes)
	parents := make([]ID, 0, len(node.References))
	for _, ref := range node.References {
		if ref == node.Name {
			continue
		}
		parent, ok := nodes[ref]
		if !ok {
			continue
		}
		parents = append(parents, ID{
			Name:       parent.Name,
			Identifier: FingerprintNode(parent, nodes).ToIdentifier(),
		})
	}
	return &Snapshot{
		Name:        node.Name,
		Node:        node,
		Fingerprint: fp,
		Parents:     parents,
	}
}

// ID returns the snapshot's primary key.
func (s *Snapshot) ID() ID {
	return ID{Name: s.Name, Identifier: s.Fingerprint.ToIdentifier()}
}

// NameVersion returns the physical-storage key. Valid only once versioned.
func (s *Snapshot) NameVersion() NameVersion {
	return NameVersion{Name: s.Name, Version: s.Version}
}

// Versioned reports whether categorization has assigned a version.
func (s *Snapshot) Versioned() bool { return s.Version != "" }

// Paused reports whether the snapshot is not yet live for scheduling.
func (s *Snapshot) Paused() bool { return s.UnpausedTS == nil }

// IsForwardOnly reports whether this snapshot mutates its predecessor's
// physical table in place.
func (s *Snapshot) IsForwardOnly() bool { return s.Category == CategoryForwardOnly }

// DependsOnPast reports whether backfill for this snapshot must run
// sequentially from the node's declared start.
func (s *Snapshot) DependsOnPast() bool { return s.Node != nil && s.Node.DependsOnPast() }

// CategorizeAs assigns the change category and derives the version. A
// breaking category mints a new version from the fingerprint; compatible
// categories reuse the most recent prior version so existing data keeps
// being read.
func (s *Snapshot) CategorizeAs(category Category) {
	s.Category = category
	if category.RequiresNewVersion() {
		s.Version = s.Fingerprint.ToVersion()
		return
	}
	if prev := s.LatestPreviousVersion(); prev != nil {
		s.Version = prev.Version
		return
	}
	// Nothing to stay compatible with.
	s.Version = s.Fingerprint.ToVersion()
}

// LatestPreviousVersion returns the most recent version-history entry, or
// nil for a brand-new snapshot.
func (s *Snapshot) LatestPreviousVersion() *PreviousVersion {
	if len(s.PreviousVersions) == 0 {
		return nil
	}
	return &s.PreviousVersions[len(s.PreviousVersions)-1]
}

// AllVersions returns the version history including the snapshot's own
// current version, for carrying forward into a successor.
func (s *Snapshot) AllVersions() []PreviousVersion {
	if !s.Versioned() {
		return append([]PreviousVersion(nil), s.PreviousVersions...)
	}
	return append(append([]PreviousVersion(nil), s.PreviousVersions...), PreviousVersion{
		Fingerprint: s.Fingerprint,
		Version:     s.Version,
		Category:    s.Category,
	})
}

// RevertsForwardOnly reports whether this snapshot's content matches a
// historical version that was mutated in place by a forward-only change.
// Such a revert cannot resurrect the old data once unpaused state has
// advanced past it.
func (s *Snapshot) RevertsForwardOnly() bool {
	for i := range s.PreviousVersions {
		prev := &s.PreviousVersions[i]
		if prev.Fingerprint == s.Fingerprint && prev.Category == CategoryForwardOnly {
			return true
		}
	}
	return false
}

// AddInterval records [start, end) as materialized, keeping the set merged.
func (s *Snapshot) AddInterval(start, end int64, isDev bool) {
	iv := interval.Interval{Start: start, End: end}
	if iv.IsEmpty() {
		return
	}
	if isDev {
		s.DevIntervals = interval.Merge(append(s.DevIntervals, iv))
	} else {
		s.Intervals = interval.Merge(append(s.Intervals, iv))
	}
}

// RemoveInterval wipes [start, end) from both the production and dev sets.
func (s *Snapshot) RemoveInterval(start, end int64) {
	iv := interval.Interval{Start: start, End: end}
	s.Intervals = interval.Remove(s.Intervals, iv)
	s.DevIntervals = interval.Remove(s.DevIntervals, iv)
}

// TableInfo is the lightweight identity stored in an environment: enough to
// locate the physical table without the full snapshot body.
type TableInfo struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
	Kind       Kind   `json:"kind"`
	// Parents are retained so environment-only readers can still walk the
	// promoted DAG.
	Parents []ID `json:"parents,omitempty"`
}

// TableInfo derives the environment entry for this snapshot.
func (s *Snapshot) TableInfo() TableInfo {
	return TableInfo{
		Name:       s.Name,
		Identifier: s.Fingerprint.ToIdentifier(),
		Version:    s.Version,
		Kind:       s.nodeKind(),
		Parents:    append([]ID(nil), s.Parents...),
	}
}

func (s *Snapshot) nodeKind() Kind {
	if s.Node == nil {
		return KindExternal
	}
	return s.Node.Kind
}

// ID returns the snapshot identity of a table-info entry.
func (t TableInfo) ID() ID { return ID{Name: t.Name, Identifier: t.Identifier} }

// NameVersion returns the physical-storage key of a table-info entry.
func (t TableInfo) NameVersion() NameVersion {
	return NameVersion{Name: t.Name, Version: t.Version}
}

// PhysicalTableName is the backing table for this snapshot version.
func (t TableInfo) PhysicalTableName() string {
	return fmt.Sprintf("%s__%s", sanitizeName(t.Name), t.Version)
}

// DevTableName is the dev-only table a not-yet-promoted forward-only change
// writes to.
func (t TableInfo) DevTableName() string {
	return t.PhysicalTableName() + "__dev"
}

func sanitizeName(name string) string {
	return strings.NewReplacer(".", "__", `"`, "").Replace(name)
}
