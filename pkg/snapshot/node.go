package snapshot

import (
	"fmt"
	"slices"

	"github.com/tidemark-io/tidemark/pkg/interval"
)

// Node is the resolved definition of a single model as supplied by the
// dependency-graph provider: its content, cadence, and upstream references.
// The core never parses SQL; the query text only feeds the fingerprint, and
// References are assumed to already be resolved fully-qualified names.
type Node struct {
	Name  string `json:"name"`
	Query string `json:"query"`

	// Columns is the node's output schema. A nil map means the schema could
	// not be statically determined (e.g. a select-star against an
	// unresolvable upstream), which categorization treats conservatively.
	Columns map[string]string `json:"columns,omitempty"`

	// References are the fully-qualified upstream names the query reads.
	// A reference to the node's own name marks it as depending on its past
	// output.
	References []string `json:"references,omitempty"`

	Kind Kind `json:"kind"`

	// Unit is the bucket cadence; Cron is the scheduling cadence, which may
	// be coarser (an hourly-bucketed node evaluated once a day).
	Unit interval.Unit `json:"unit,omitempty"`
	Cron interval.Unit `json:"cron,omitempty"`

	// Start is the earliest bucket start this node can produce, epoch ms.
	Start int64 `json:"start"`

	Description string `json:"description,omitempty"`

	// TTL is how long an unreferenced snapshot of this node is retained,
	// in time.ParseDuration form. Empty means the store default applies.
	TTL string `json:"ttl,omitempty"`

	// DisableRestatement forbids restating this node even when its kind
	// would otherwise allow it.
	DisableRestatement bool `json:"disable_restatement,omitempty"`
}

// Validate checks structural invariants the graph provider must uphold.
func (n *Node) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("node has no name")
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("node %q has unknown kind %q", n.Name, n.Kind)
	}
	if n.DependsOnPast() && !n.Kind.AllowsDependsOnPast() {
		return fmt.Errorf("node %q of kind %q cannot reference its own output", n.Name, n.Kind)
	}
	if n.Cron != "" && n.Unit != "" && n.IntervalUnit().Coarser(n.CronUnit()) {
		return fmt.Errorf("node %q has a cron cadence finer than its bucket unit", n.Name)
	}
	return nil
}

// DependsOnPast reports whether this node's output at time T reads its own
// output before T, which forces sequential backfill from the node's
// declared start.
func (n *Node) DependsOnPast() bool {
	return slices.Contains(n.References, n.Name)
}

// IntervalUnit returns the bucket cadence, defaulting to daily.
func (n *Node) IntervalUnit() interval.Unit { return unitOrDefault(n.Unit) }

// CronUnit returns the scheduling cadence, defaulting to the bucket unit.
func (n *Node) CronUnit() interval.Unit {
	if n.Cron == "" {
		return n.IntervalUnit()
	}
	return n.Cron
}

// RestatementDisabled reports whether the node may never be restated,
// combining the kind capability with the per-node override.
func (n *Node) RestatementDisabled() bool {
	return n.DisableRestatement || n.Kind.DisablesRestatement()
}
