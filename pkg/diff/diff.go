// Package diff computes the difference between a target model graph and the
// state an environment currently points at: which snapshots are added,
// removed, or modified, and which exist only locally.
package diff

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tidemark-io/tidemark/pkg/dag"
	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// StateReader is the subset of the state sync the diff needs: environment
// lookup and snapshot hydration.
type StateReader interface {
	GetEnvironment(ctx context.Context, name string) (*environment.Environment, error)
	GetSnapshots(ctx context.Context, ids []snapshot.ID) (map[snapshot.ID]*snapshot.Snapshot, error)
}

// ModifiedPair holds the two sides of a modified model.
type ModifiedPair struct {
	New *snapshot.Snapshot
	Old *snapshot.Snapshot
}

// ContextDiff is the full comparison between the target graph and an
// environment's current state. It owns the target snapshot set; consumers
// mutate those snapshots (categorize, set intervals) in place.
type ContextDiff struct {
	Environment string

	// IsNewEnvironment is set when no environment with this name exists.
	IsNewEnvironment bool
	// IsUnfinalizedEnvironment is set when the environment exists but its
	// last promotion never completed.
	IsUnfinalizedEnvironment bool

	PreviousPlanID string

	// Snapshots is the complete target state, keyed by snapshot id.
	Snapshots map[snapshot.ID]*snapshot.Snapshot

	// Added holds ids of models absent from the environment.
	Added mapset.Set[snapshot.ID]

	// RemovedSnapshots holds the table infos of models the environment has
	// but the target graph no longer defines.
	RemovedSnapshots map[snapshot.ID]snapshot.TableInfo

	// Modified maps model name to its new/old snapshot pair.
	Modified map[string]ModifiedPair

	// NewSnapshots are target snapshots not yet present in the state
	// store; these are the ones a plan must categorize and push.
	NewSnapshots map[snapshot.ID]*snapshot.Snapshot

	// Graph is the validated-acyclic dependency graph of the target state.
	Graph *dag.Graph
}

// Build resolves the target nodes into snapshots and diffs them against the
// named environment.
func Build(ctx context.Context, envName string, nodes map[string]*snapshot.Node, reader StateReader) (*ContextDiff, error) {
	deps := make(map[string][]string, len(nodes))
	for name, node := range nodes {
		if err := node.Validate(); err != nil {
			return nil, err
		}
		deps[name] = node.References
	}
	graph, err := dag.New(deps)
	if err != nil {
		return nil, err
	}

	target := make(map[string]*snapshot.Snapshot, len(nodes))
	targetIDs := make([]snapshot.ID, 0, len(nodes))
	for name, node := range nodes {
		s := snapshot.New(node, nodes)
		target[name] = s
		targetIDs = append(targetIDs, s.ID())
	}

	env, err := reader.GetEnvironment(ctx, environment.Normalize(envName))
	if err != nil {
		return nil, fmt.Errorf("fetch environment %q: %w", envName, err)
	}

	var envInfos map[string]snapshot.TableInfo
	var previousPlanID string
	if env != nil {
		previousPlanID = env.PlanID
		envInfos = make(map[string]snapshot.TableInfo, len(env.Snapshots))
		for _, info := range env.Snapshots {
			envInfos[info.Name] = info
		}
	}

	// Hydrate everything relevant from the store in one round trip: the
	// target ids (to find which already exist) and the environment's old
	// ids (to diff against).
	lookupIDs := append([]snapshot.ID(nil), targetIDs...)
	for _, info := range envInfos {
		lookupIDs = append(lookupIDs, info.ID())
	}
	stored, err := reader.GetSnapshots(ctx, lookupIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}

	d := &ContextDiff{
		Environment:              environment.Normalize(envName),
		IsNewEnvironment:         env == nil,
		IsUnfinalizedEnvironment: env != nil && !env.IsFinalized(),
		PreviousPlanID:           previousPlanID,
		Snapshots:                make(map[snapshot.ID]*snapshot.Snapshot, len(target)),
		Added:                    mapset.NewThreadUnsafeSet[snapshot.ID](),
		RemovedSnapshots:         make(map[snapshot.ID]snapshot.TableInfo),
		Modified:                 make(map[string]ModifiedPair),
		NewSnapshots:             make(map[snapshot.ID]*snapshot.Snapshot),
		Graph:                    graph,
	}

	for name, local := range target {
		id := local.ID()
		// Prefer the stored copy: it carries the assigned version, interval
		// state, and lifecycle flags.
		s := local
		if remote, ok := stored[id]; ok {
			s = remote
		} else {
			d.NewSnapshots[id] = local
		}
		d.Snapshots[id] = s

		envInfo, inEnv := envInfos[name]
		switch {
		case !inEnv:
			d.Added.Add(id)
		case envInfo.ID() != id:
			old := stored[envInfo.ID()]
			if old != nil && s == local {
				// Brand-new revision of a known model: inherit the version
				// history so categorization can reuse or supersede it.
				s.PreviousVersions = old.AllVersions()
			}
			d.Modified[name] = ModifiedPair{New: s, Old: old}
		}
	}

	for name, info := range envInfos {
		if _, ok := target[name]; !ok {
			d.RemovedSnapshots[info.ID()] = info
		}
	}

	return d, nil
}

// HasChanges reports whether the diff contains any added, removed, or
// modified snapshots.
func (d *ContextDiff) HasChanges() bool {
	return d.Added.Cardinality() > 0 || len(d.RemovedSnapshots) > 0 || len(d.Modified) > 0
}

// DirectlyModified reports whether the named model itself changed, as
// opposed to being impacted through an upstream change.
func (d *ContextDiff) DirectlyModified(name string) bool {
	pair, ok := d.Modified[name]
	if !ok {
		return false
	}
	if pair.Old == nil {
		return true
	}
	if pair.New.Fingerprint.DataHash != pair.Old.Fingerprint.DataHash {
		// Data content changed; it is direct only if the node's own text
		// or schema changed rather than an upstream hash.
		return localChange(pair.New.Node, pair.Old.Node) || !d.anyParentModified(name)
	}
	return pair.New.Fingerprint.MetadataHash != pair.Old.Fingerprint.MetadataHash
}

func (d *ContextDiff) anyParentModified(name string) bool {
	for _, parent := range d.Graph.Upstream(name) {
		if _, ok := d.Modified[parent]; ok {
			return true
		}
	}
	return false
}

// localChange compares the node-local content of two revisions, ignoring
// upstream-propagated fingerprint changes.
func localChange(a, b *snapshot.Node) bool {
	if a == nil || b == nil {
		return true
	}
	if a.Query != b.Query || a.Kind != b.Kind || a.Start != b.Start {
		return true
	}
	if len(a.Columns) != len(b.Columns) {
		return true
	}
	for name, typ := range a.Columns {
		if other, ok := b.Columns[name]; !ok || other != typ {
			return true
		}
	}
	return false
}

// DirectlyModifiedIDs returns the ids of all directly modified snapshots.
func (d *ContextDiff) DirectlyModifiedIDs() mapset.Set[snapshot.ID] {
	out := mapset.NewThreadUnsafeSet[snapshot.ID]()
	for name, pair := range d.Modified {
		if d.DirectlyModified(name) {
			out.Add(pair.New.ID())
		}
	}
	return out
}

// IndirectlyModifiedIDs returns the ids of modified snapshots whose change
// arrived only through upstream propagation.
func (d *ContextDiff) IndirectlyModifiedIDs() mapset.Set[snapshot.ID] {
	out := mapset.NewThreadUnsafeSet[snapshot.ID]()
	for name, pair := range d.Modified {
		if !d.DirectlyModified(name) {
			out.Add(pair.New.ID())
		}
	}
	return out
}

// PromotableIDs returns every id eligible for promotion: the full target
// set, since removed snapshots are expressed by absence.
func (d *ContextDiff) PromotableIDs() mapset.Set[snapshot.ID] {
	out := mapset.NewThreadUnsafeSet[snapshot.ID]()
	for id := range d.Snapshots {
		out.Add(id)
	}
	return out
}

// ModifiedIDs returns the ids of the new side of every modified pair plus
// all added snapshots.
func (d *ContextDiff) ModifiedIDs() mapset.Set[snapshot.ID] {
	out := d.Added.Clone()
	for _, pair := range d.Modified {
		out.Add(pair.New.ID())
	}
	return out
}

// SnapshotByName returns the target snapshot for a model name.
func (d *ContextDiff) SnapshotByName(name string) (*snapshot.Snapshot, bool) {
	for _, s := range d.Snapshots {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// AutoCategory implements the conservative schema comparison: additive-only
// column changes with a known schema are non-breaking, anything else is
// breaking. A change that leaves the data hash untouched is metadata-only.
func AutoCategory(pair ModifiedPair) snapshot.Category {
	if pair.Old == nil {
		return snapshot.CategoryBreaking
	}
	if pair.New.Fingerprint.DataHash == pair.Old.Fingerprint.DataHash {
		return snapshot.CategoryMetadata
	}

	newCols := pair.New.Node.Columns
	oldCols := pair.Old.Node.Columns
	// Unknown schema on either side cannot be proven compatible.
	if newCols == nil || oldCols == nil {
		return snapshot.CategoryBreaking
	}
	for name, typ := range oldCols {
		if newTyp, ok := newCols[name]; !ok || newTyp != typ {
			return snapshot.CategoryBreaking
		}
	}
	if len(newCols) > len(oldCols) && pair.New.Node.Query == pair.Old.Node.Query {
		return snapshot.CategoryNonBreaking
	}
	if len(newCols) > len(oldCols) {
		// Columns were added and the query changed to produce them; still
		// additive from the consumer's point of view.
		return snapshot.CategoryNonBreaking
	}
	// Same column set but different data-affecting content.
	return snapshot.CategoryBreaking
}
