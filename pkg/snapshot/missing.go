package snapshot

import (
	"github.com/tidemark-io/tidemark/pkg/interval"
)

// MissingIntervalsOptions bounds a missing-interval computation. Start and
// End are epoch ms; a zero Start falls back to each node's declared start,
// and a zero End falls back to ExecutionTime.
type MissingIntervalsOptions struct {
	Start         int64
	End           int64
	ExecutionTime int64

	// Restatements forces the given sub-range of a snapshot to be treated
	// as missing regardless of existing coverage.
	Restatements map[ID]interval.Interval

	// Deployability decides whether dev-only intervals count as coverage.
	// Nil treats every snapshot as deployable.
	Deployability *DeployabilityIndex

	// IgnoreCron bypasses the scheduling-cadence gate, used for planning
	// previews as opposed to actual scheduling runs.
	IgnoreCron bool
}

// MissingIntervals returns, per snapshot, the cadence-aligned buckets
// between the effective bounds that are not yet covered by materialized
// intervals. Snapshots with nothing missing are omitted.
func MissingIntervals(snapshots []*Snapshot, opts MissingIntervalsOptions) map[ID]interval.Intervals {
	deployability := opts.Deployability
	if deployability == nil {
		deployability = AllDeployable()
	}

	out := make(map[ID]interval.Intervals)
	for _, s := range snapshots {
		if s.Node == nil || !s.Node.Kind.IsMaterialized() {
			continue
		}
		missing := missingForSnapshot(s, opts, deployability)
		if len(missing) > 0 {
			out[s.ID()] = missing
		}
	}
	return out
}

func missingForSnapshot(s *Snapshot, opts MissingIntervalsOptions, deployability *DeployabilityIndex) interval.Intervals {
	unit := s.Node.IntervalUnit()

	start := s.Node.Start
	if opts.Start > start {
		start = opts.Start
	}
	// A self-referential node cannot skip ahead: each bucket may read the
	// output of prior buckets, so the window always begins at the node's
	// declared start.
	if s.DependsOnPast() {
		start = s.Node.Start
	}

	end := opts.End
	if end == 0 || end > opts.ExecutionTime {
		end = opts.ExecutionTime
	}
	// The bucket containing the execution time is incomplete by definition
	// and never scheduled.
	end = unit.Floor(end)
	if !opts.IgnoreCron {
		if cron := s.Node.CronUnit(); cron.Coarser(unit) {
			end = cron.Floor(end)
		}
	}
	if end <= start {
		return nil
	}

	covered := s.Intervals
	if !deployability.IsDeployable(s.ID()) {
		covered = interval.Merge(append(append(interval.Intervals{}, covered...), s.DevIntervals...))
	}
	if restated, ok := opts.Restatements[s.ID()]; ok {
		covered = interval.Remove(covered, restated)
	}

	return interval.Gaps(covered, interval.Interval{Start: start, End: end}, unit)
}

// EarliestStart returns the minimum declared start over the given
// snapshots, or 0 when the set is empty.
func EarliestStart(snapshots []*Snapshot) int64 {
	var earliest int64
	for _, s := range snapshots {
		if s.Node == nil {
			continue
		}
		if earliest == 0 || s.Node.Start < earliest {
			earliest = s.Node.Start
		}
	}
	return earliest
}
