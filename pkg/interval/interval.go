// Package interval implements the half-open time-range algebra used to
// track which buckets of data a snapshot has materialized. All ranges are
// epoch milliseconds, [Start, End), and aligned to a cadence unit upstream.
package interval

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a half-open range [Start, End) in epoch milliseconds.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// IsEmpty reports whether the interval covers no time at all.
func (i Interval) IsEmpty() bool { return i.End <= i.Start }

// Contains reports whether ts falls inside the interval.
func (i Interval) Contains(ts int64) bool { return ts >= i.Start && ts < i.End }

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", formatTs(i.Start), formatTs(i.End))
}

func formatTs(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02 15:04:05")
}

// Intervals is an ordered, merged, non-overlapping sequence of intervals.
// Ranges that touch at a boundary are coalesced into one.
type Intervals []Interval

// Merge sorts the given ranges and coalesces every overlapping or touching
// pair. Empty ranges are dropped. The input is not modified.
func Merge(ranges Intervals) Intervals {
	sorted := make(Intervals, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsEmpty() {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Start != sorted[b].Start {
			return sorted[a].Start < sorted[b].Start
		}
		return sorted[a].End < sorted[b].End
	})

	var merged Intervals
	for _, r := range sorted {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Remove subtracts the given range from a merged interval set, splitting
// any range that straddles the removed region.
func Remove(intervals Intervals, toRemove Interval) Intervals {
	if toRemove.IsEmpty() {
		return intervals
	}
	var out Intervals
	for _, r := range intervals {
		if r.End <= toRemove.Start || r.Start >= toRemove.End {
			out = append(out, r)
			continue
		}
		if r.Start < toRemove.Start {
			out = append(out, Interval{Start: r.Start, End: toRemove.Start})
		}
		if r.End > toRemove.End {
			out = append(out, Interval{Start: toRemove.End, End: r.End})
		}
	}
	return out
}

// Covers reports whether every point of r is covered by the set. The set
// must be in merged form.
func (is Intervals) Covers(r Interval) bool {
	for _, have := range is {
		if have.Start <= r.Start && have.End >= r.End {
			return true
		}
	}
	return false
}

// Subtract returns the parts of is not covered by other. Both sets must be
// in merged form.
func Subtract(is, other Intervals) Intervals {
	out := is
	for _, r := range other {
		out = Remove(out, r)
	}
	return out
}

// Equal reports whether two merged interval sets cover exactly the same
// points.
func Equal(a, b Intervals) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
