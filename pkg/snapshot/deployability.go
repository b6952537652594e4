package snapshot

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// DeployabilityIndex marks which snapshots are representative of production
// state. A paused forward-only snapshot only exists in dev storage, and so
// does everything reachable exclusively through it; interval gaps on such
// snapshots do not matter for no-gap validation.
type DeployabilityIndex struct {
	nonDeployable mapset.Set[ID]
	snapshots     map[ID]*Snapshot
}

// NewDeployabilityIndex computes deployability over a closed snapshot set.
// Non-deployable roots are paused forward-only snapshots; the property
// propagates to every downstream dependent.
func NewDeployabilityIndex(snapshots map[ID]*Snapshot) *DeployabilityIndex {
	nonDeployable := mapset.NewThreadUnsafeSet[ID]()

	children := make(map[ID][]ID, len(snapshots))
	for id, s := range snapshots {
		for _, parent := range s.Parents {
			children[parent] = append(children[parent], id)
		}
	}

	var taint func(id ID)
	taint = func(id ID) {
		if !nonDeployable.Add(id) {
			return
		}
		for _, child := range children[id] {
			taint(child)
		}
	}

	for id, s := range snapshots {
		if s.IsForwardOnly() && s.Paused() {
			taint(id)
		}
	}

	return &DeployabilityIndex{nonDeployable: nonDeployable, snapshots: snapshots}
}

// AllDeployable returns an index that treats every snapshot as deployable,
// used for production plans with no forward-only overlay.
func AllDeployable() *DeployabilityIndex {
	return &DeployabilityIndex{nonDeployable: mapset.NewThreadUnsafeSet[ID]()}
}

// IsDeployable reports whether the snapshot's output lands in its
// production table.
func (d *DeployabilityIndex) IsDeployable(id ID) bool {
	return !d.nonDeployable.Contains(id)
}

// IsRepresentative reports whether the snapshot's interval coverage is
// authoritative for gap checking: either it is deployable, or it has
// already been unpaused in production.
func (d *DeployabilityIndex) IsRepresentative(id ID) bool {
	if d.IsDeployable(id) {
		return true
	}
	if s, ok := d.snapshots[id]; ok {
		return !s.Paused()
	}
	return false
}
