// Package plan turns a context diff plus user intent into an executable
// plan: categorized snapshots, the intervals that still need backfilling,
// the intervals to restate, and the target environment to promote.
package plan

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/tidemark-io/tidemark/pkg/diff"
	"github.com/tidemark-io/tidemark/pkg/environment"
	"github.com/tidemark-io/tidemark/pkg/interval"
	"github.com/tidemark-io/tidemark/pkg/snapshot"
)

// Options is the user intent carried into plan construction.
type Options struct {
	// Start and End bound the backfill window, epoch ms. Zero leaves the
	// bound to each node's declared start / the execution time.
	Start int64
	End   int64

	// ExecutionTime defaults to time.Now().
	ExecutionTime int64

	IsDev       bool
	ForwardOnly bool

	// NoGaps requests the promotion-time gap check for every promoted
	// snapshot.
	NoGaps bool

	// SkipBackfill plans promotion only; missing intervals come back empty.
	SkipBackfill bool

	// IncludeUnmodified promotes unmodified models into a dev environment
	// instead of only the changed ones.
	IncludeUnmodified bool

	// AllowNoChanges suppresses the no-changes guard, used when re-deriving
	// state for an existing environment non-interactively.
	AllowNoChanges bool

	// EffectiveFrom is the forward-only cutover date, epoch ms.
	EffectiveFrom int64

	// EnvironmentTTL is a time.ParseDuration string; dev environments get
	// an absolute expiration derived from it. Ignored for prod.
	EnvironmentTTL string

	// RestateModels are model names whose already-materialized data should
	// be wiped and recomputed, together with everything downstream.
	RestateModels []string

	// BackfillModels restricts backfill to the named models. Dev only.
	BackfillModels []string
}

// Plan is a mostly-immutable view over a context diff. The derived fields
// (missing intervals, restatements, target environment) are computed lazily
// and memoized; reassigning start, end, or effective-from drops the memo.
type Plan struct {
	ID   string
	Diff *diff.ContextDiff

	opts          Options
	start         int64
	end           int64
	effectiveFrom int64
	executionTime int64

	byName        map[string]*snapshot.Snapshot
	restateRoots  []*snapshot.Snapshot
	ignored       mapset.Set[snapshot.ID]
	backfillNames mapset.Set[string]
	deployability *snapshot.DeployabilityIndex

	memo struct {
		missing      map[snapshot.ID]interval.Intervals
		restatements map[snapshot.ID]interval.Interval
		env          *environment.Environment
	}
}

// New validates the options against the diff, runs categorization, and
// returns the plan. The diff's snapshots are categorized in place.
func New(d *diff.ContextDiff, opts Options) (*Plan, error) {
	if opts.ExecutionTime == 0 {
		opts.ExecutionTime = time.Now().UnixMilli()
	}

	p := &Plan{
		ID:            uuid.NewString(),
		Diff:          d,
		opts:          opts,
		start:         opts.Start,
		end:           opts.End,
		executionTime: opts.ExecutionTime,
		byName:        make(map[string]*snapshot.Snapshot, len(d.Snapshots)),
		ignored:       mapset.NewThreadUnsafeSet[snapshot.ID](),
	}
	for _, s := range d.Snapshots {
		p.byName[s.Name] = s
	}
	if len(opts.BackfillModels) > 0 {
		if !opts.IsDev {
			return nil, ErrBackfillOutsideDev
		}
		p.backfillNames = mapset.NewThreadUnsafeSet(opts.BackfillModels...)
	}

	restating := len(opts.RestateModels) > 0
	if restating && d.HasChanges() {
		return nil, ErrChangesAndRestatements
	}
	if !opts.IsDev && (opts.Start != 0 || opts.End != 0) && !restating {
		return nil, ErrProdDateWindow
	}
	if !restating && !d.HasChanges() && !d.IsNewEnvironment && !d.IsUnfinalizedEnvironment && !opts.AllowNoChanges {
		return nil, ErrNoChanges
	}

	if err := p.resolveRestatements(); err != nil {
		return nil, err
	}
	p.computeIgnored()
	if err := p.categorize(); err != nil {
		return nil, err
	}
	p.deployability = snapshot.NewDeployabilityIndex(d.Snapshots)

	if opts.EffectiveFrom != 0 {
		if err := p.SetEffectiveFrom(opts.EffectiveFrom); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plan) resolveRestatements() error {
	for _, name := range p.opts.RestateModels {
		s, ok := p.byName[name]
		if !ok {
			return fmt.Errorf("%w: cannot restate from %q, the model was not found", ErrInvalidRestatement, name)
		}
		if s.Node == nil || !s.Node.Kind.IsMaterialized() {
			return fmt.Errorf("%w: cannot restate from %q, the model is not materialized", ErrInvalidRestatement, name)
		}
		if s.Node.RestatementDisabled() {
			return fmt.Errorf("%w: cannot restate from %q, restatement is disabled for the model", ErrInvalidRestatement, name)
		}
		p.restateRoots = append(p.restateRoots, s)
	}
	return nil
}

// computeIgnored excludes, on dev plans, any new self-referential snapshot
// whose required backfill start precedes the requested window, plus
// everything downstream of it. Running it anyway would silently produce an
// incomplete self-referential chain.
func (p *Plan) computeIgnored() {
	if !p.opts.IsDev || p.start == 0 {
		return
	}
	for id, s := range p.Diff.NewSnapshots {
		if !s.DependsOnPast() || s.Node.Start >= p.start {
			continue
		}
		p.ignored.Add(id)
		for _, name := range p.Diff.Graph.Downstream(s.Name) {
			if child, ok := p.byName[name]; ok {
				p.ignored.Add(child.ID())
			}
		}
	}
}

func (p *Plan) categorize() error {
	for _, name := range p.Diff.Graph.Sorted() {
		s, ok := p.byName[name]
		if !ok {
			continue
		}
		id := s.ID()
		if p.ignored.Contains(id) {
			continue
		}
		if s.Unrestorable {
			return fmt.Errorf("%w: %q was mutated in place by a forward-only change and its data cannot be restored", ErrUnrevertableVersion, name)
		}
		if _, isNew := p.Diff.NewSnapshots[id]; !isNew {
			// Already stored and versioned; its category is settled.
			continue
		}

		pair, modified := p.Diff.Modified[name]
		switch {
		case modified && p.Diff.DirectlyModified(name):
			if s.RevertsForwardOnly() && pair.Old != nil && !pair.Old.Paused() {
				return fmt.Errorf("%w: %q reverts to a version that was overwritten by a forward-only change", ErrUnrevertableVersion, name)
			}
			s.CategorizeAs(p.directCategory(pair))
		case modified:
			s.CategorizeAs(p.indirectCategory(s))
		default:
			// Newly added model: nothing to stay compatible with.
			s.CategorizeAs(snapshot.CategoryBreaking)
		}
	}
	return nil
}

func (p *Plan) directCategory(pair diff.ModifiedPair) snapshot.Category {
	// The forward-only overlay preserves the predecessor's physical table,
	// so it only applies when a predecessor exists; brand-new models are
	// categorized normally.
	if p.opts.ForwardOnly && pair.Old != nil && pair.New.Node.Kind.SupportsForwardOnly() {
		return snapshot.CategoryForwardOnly
	}
	return diff.AutoCategory(pair)
}

func (p *Plan) indirectCategory(s *snapshot.Snapshot) snapshot.Category {
	for _, parentID := range s.Parents {
		parent, ok := p.Diff.Snapshots[parentID]
		if !ok {
			continue
		}
		switch parent.Category {
		case snapshot.CategoryBreaking, snapshot.CategoryIndirectBreaking, snapshot.CategoryForwardOnly:
			return snapshot.CategoryIndirectBreaking
		}
	}
	return snapshot.CategoryIndirectNonBreaking
}

func (p *Plan) invalidate() {
	p.memo.missing = nil
	p.memo.restatements = nil
	p.memo.env = nil
}

// SetStart reassigns the backfill window start and drops memoized results.
func (p *Plan) SetStart(start int64) {
	p.start = start
	p.invalidate()
}

// SetEnd reassigns the backfill window end and drops memoized results.
func (p *Plan) SetEnd(end int64) {
	p.end = end
	p.invalidate()
}

// Start returns the current backfill window start.
func (p *Plan) Start() int64 { return p.start }

// End returns the current backfill window end.
func (p *Plan) End() int64 { return p.end }

// SetEffectiveFrom sets the forward-only cutover date. It is rejected on
// non-forward-only plans and for dates in the future. The date propagates
// onto every new forward-only snapshot.
func (p *Plan) SetEffectiveFrom(ts int64) error {
	if !p.opts.ForwardOnly {
		return fmt.Errorf("%w: effective-from can only be set on a forward-only plan", ErrEffectiveFrom)
	}
	if ts > p.executionTime {
		return fmt.Errorf("%w: effective-from cannot be in the future", ErrEffectiveFrom)
	}
	p.effectiveFrom = ts
	for _, s := range p.Diff.NewSnapshots {
		if s.IsForwardOnly() {
			if ts == 0 {
				s.EffectiveFrom = nil
			} else {
				v := ts
				s.EffectiveFrom = &v
			}
		}
	}
	p.invalidate()
	return nil
}

// SetChoice overrides the category of a directly modified snapshot and
// re-propagates the indirect categories downstream of it.
func (p *Plan) SetChoice(s *snapshot.Snapshot, category snapshot.Category) error {
	if p.opts.ForwardOnly {
		return ErrForwardOnlyChoice
	}
	if !p.Diff.DirectlyModified(s.Name) {
		return fmt.Errorf("cannot set a choice for %q: the model was not directly modified", s.Name)
	}
	s.CategorizeAs(category)
	for _, name := range p.Diff.Graph.Downstream(s.Name) {
		child, ok := p.byName[name]
		if !ok || p.Diff.DirectlyModified(name) || p.ignored.Contains(child.ID()) {
			continue
		}
		if _, isNew := p.Diff.NewSnapshots[child.ID()]; !isNew {
			continue
		}
		child.CategorizeAs(p.indirectCategory(child))
	}
	p.deployability = snapshot.NewDeployabilityIndex(p.Diff.Snapshots)
	p.invalidate()
	return nil
}

// IgnoredSnapshotIDs returns the snapshots excluded from this plan.
func (p *Plan) IgnoredSnapshotIDs() mapset.Set[snapshot.ID] { return p.ignored.Clone() }

// NewSnapshots returns the snapshots this plan will push, in dependency
// order, excluding ignored ones.
func (p *Plan) NewSnapshots() []*snapshot.Snapshot {
	var out []*snapshot.Snapshot
	for _, name := range p.Diff.Graph.Sorted() {
		s, ok := p.byName[name]
		if !ok {
			continue
		}
		id := s.ID()
		if p.ignored.Contains(id) {
			continue
		}
		if _, isNew := p.Diff.NewSnapshots[id]; isNew {
			out = append(out, s)
		}
	}
	return out
}

// Deployability returns the plan's deployability index.
func (p *Plan) Deployability() *snapshot.DeployabilityIndex { return p.deployability }

// Restatements returns, per affected snapshot, the interval to wipe and
// recompute. Memoized until a window setter runs.
func (p *Plan) Restatements() map[snapshot.ID]interval.Interval {
	if p.memo.restatements != nil {
		return p.memo.restatements
	}
	out := make(map[snapshot.ID]interval.Interval)
	for _, root := range p.restateRoots {
		names := append([]string{root.Name}, p.Diff.Graph.Downstream(root.Name)...)
		for _, name := range names {
			s, ok := p.byName[name]
			if !ok || s.Node == nil {
				continue
			}
			if !s.Node.Kind.IsMaterialized() || s.Node.RestatementDisabled() {
				continue
			}
			iv, ok := p.restatementWindow(s)
			if !ok {
				continue
			}
			if existing, dup := out[s.ID()]; dup {
				// Overlapping requests widen to the union.
				if existing.Start < iv.Start {
					iv.Start = existing.Start
				}
				if existing.End > iv.End {
					iv.End = existing.End
				}
			}
			out[s.ID()] = iv
		}
	}
	p.memo.restatements = out
	return out
}

func (p *Plan) restatementWindow(s *snapshot.Snapshot) (interval.Interval, bool) {
	start := p.start
	if start == 0 {
		start = s.Node.Start
	}
	// A self-referential chain must be recomputed from its beginning or the
	// restated buckets would read stale prior output.
	if s.DependsOnPast() && s.Node.Start < start {
		start = s.Node.Start
	}

	end := p.end
	if end == 0 || end > p.executionTime {
		end = p.executionTime
	}
	end = s.Node.IntervalUnit().Floor(end)
	if end <= start {
		return interval.Interval{}, false
	}
	return interval.Interval{Start: start, End: end}, true
}

// MissingIntervals returns the buckets each plan snapshot still has to
// backfill. Memoized until a window setter runs.
func (p *Plan) MissingIntervals() map[snapshot.ID]interval.Intervals {
	if p.memo.missing != nil {
		return p.memo.missing
	}
	if p.opts.SkipBackfill {
		p.memo.missing = map[snapshot.ID]interval.Intervals{}
		return p.memo.missing
	}

	var candidates []*snapshot.Snapshot
	for id, s := range p.Diff.Snapshots {
		if p.ignored.Contains(id) {
			continue
		}
		if p.backfillNames != nil && !p.backfillNames.Contains(s.Name) {
			continue
		}
		candidates = append(candidates, s)
	}

	p.memo.missing = snapshot.MissingIntervals(candidates, snapshot.MissingIntervalsOptions{
		Start:         p.start,
		End:           p.end,
		ExecutionTime: p.executionTime,
		Restatements:  p.Restatements(),
		Deployability: p.deployability,
		// The plan previews everything runnable up to the execution time;
		// the cron cadence only gates actual scheduling runs.
		IgnoreCron: true,
	})
	return p.memo.missing
}

// HasChanges reports whether applying this plan would alter the target
// environment at all.
func (p *Plan) HasChanges() bool {
	return p.Diff.IsNewEnvironment || p.Diff.IsUnfinalizedEnvironment || p.Diff.HasChanges()
}

// RequiresBackfill reports whether any interval work remains.
func (p *Plan) RequiresBackfill() bool {
	if p.opts.SkipBackfill {
		return false
	}
	return len(p.Restatements()) > 0 || len(p.MissingIntervals()) > 0
}

// ForwardOnly reports whether this plan carries the forward-only overlay.
func (p *Plan) ForwardOnly() bool { return p.opts.ForwardOnly }

// NoGaps reports whether promotion should run the gap check.
func (p *Plan) NoGaps() bool { return p.opts.NoGaps }

// Environment builds the target environment this plan promotes. Memoized
// until a window setter runs.
func (p *Plan) Environment() (*environment.Environment, error) {
	if p.memo.env != nil {
		return p.memo.env, nil
	}

	var infos []snapshot.TableInfo
	var all []*snapshot.Snapshot
	for _, name := range p.Diff.Graph.Sorted() {
		s, ok := p.byName[name]
		if !ok || p.ignored.Contains(s.ID()) {
			continue
		}
		infos = append(infos, s.TableInfo())
		all = append(all, s)
	}

	startAt := p.start
	if startAt == 0 {
		startAt = snapshot.EarliestStart(all)
	}

	env := &environment.Environment{
		Name:           p.Diff.Environment,
		Snapshots:      infos,
		StartAt:        startAt,
		EndAt:          p.end,
		PlanID:         p.ID,
		PreviousPlanID: p.Diff.PreviousPlanID,
	}

	if p.opts.IsDev {
		if !p.opts.IncludeUnmodified {
			promoted := p.Diff.ModifiedIDs()
			ids := make([]snapshot.ID, 0, promoted.Cardinality())
			for _, info := range infos {
				if promoted.Contains(info.ID()) {
					ids = append(ids, info.ID())
				}
			}
			env.PromotedSnapshotIDs = ids
		}
		if p.opts.EnvironmentTTL != "" {
			ttl, err := time.ParseDuration(p.opts.EnvironmentTTL)
			if err != nil {
				return nil, fmt.Errorf("parse environment ttl %q: %w", p.opts.EnvironmentTTL, err)
			}
			expiration := p.executionTime + ttl.Milliseconds()
			env.ExpirationTS = &expiration
		}
	}

	p.memo.env = env
	return env, nil
}
