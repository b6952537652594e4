package snapshot

import "fmt"

// Kind classifies how a node materializes. It is a closed set: every kind
// has an entry in the capability table below, and behavior differences are
// driven off that table rather than type probing.
type Kind string

const (
	KindIncrementalByTime Kind = "incremental_by_time"
	KindFull              Kind = "full"
	KindView              Kind = "view"
	KindEmbedded          Kind = "embedded"
	KindSeed              Kind = "seed"
	KindExternal          Kind = "external"
)

type kindCapabilities struct {
	// Materialized kinds own physical storage and participate in backfill
	// and restatement. Embedded and external nodes do not.
	Materialized bool
	// SupportsForwardOnly allows in-place, version-preserving changes.
	SupportsForwardOnly bool
	// DisablesRestatement forbids wiping previously computed ranges.
	DisablesRestatement bool
	// AllowsDependsOnPast permits self-referential queries.
	AllowsDependsOnPast bool
}

var kindCaps = map[Kind]kindCapabilities{
	KindIncrementalByTime: {Materialized: true, SupportsForwardOnly: true, AllowsDependsOnPast: true},
	KindFull:              {Materialized: true, SupportsForwardOnly: true},
	KindView:              {Materialized: true, SupportsForwardOnly: false},
	KindSeed:              {Materialized: true, DisablesRestatement: true},
	KindEmbedded:          {},
	KindExternal:          {DisablesRestatement: true},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindCaps[k]
	return ok
}

func (k Kind) caps() kindCapabilities {
	caps, ok := kindCaps[k]
	if !ok {
		panic(fmt.Sprintf("unknown model kind %q", k))
	}
	return caps
}

// IsMaterialized reports whether nodes of this kind own physical storage.
func (k Kind) IsMaterialized() bool { return k.caps().Materialized }

// SupportsForwardOnly reports whether a forward-only plan may force this
// kind into a version-preserving change.
func (k Kind) SupportsForwardOnly() bool { return k.caps().SupportsForwardOnly }

// DisablesRestatement reports whether restating this kind is forbidden.
func (k Kind) DisablesRestatement() bool { return k.caps().DisablesRestatement }

// AllowsDependsOnPast reports whether a node of this kind may reference its
// own prior output.
func (k Kind) AllowsDependsOnPast() bool { return k.caps().AllowsDependsOnPast }
