package interval

import (
	"fmt"
	"time"
)

// Unit is the cadence a node's data buckets are aligned to. Month-sized
// buckets follow real calendar boundaries in UTC, so they are handled with
// calendar arithmetic rather than a fixed duration.
type Unit string

const (
	Hour  Unit = "hour"
	Day   Unit = "day"
	Week  Unit = "week"
	Month Unit = "month"
)

// ParseUnit converts a stored cadence name back into a Unit.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case Hour, Day, Week, Month:
		return Unit(s), nil
	}
	return "", fmt.Errorf("unknown cadence unit: %q", s)
}

// Floor aligns ts down to the start of its bucket.
func (u Unit) Floor(ts int64) int64 {
	t := time.UnixMilli(ts).UTC()
	switch u {
	case Hour:
		t = t.Truncate(time.Hour)
	case Day:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Week:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// ISO weeks start on Monday.
		offset := (int(t.Weekday()) + 6) % 7
		t = t.AddDate(0, 0, -offset)
	case Month:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UnixMilli()
}

// Next returns the start of the bucket following the one containing ts.
func (u Unit) Next(ts int64) int64 {
	t := time.UnixMilli(u.Floor(ts)).UTC()
	switch u {
	case Hour:
		t = t.Add(time.Hour)
	case Day:
		t = t.AddDate(0, 0, 1)
	case Week:
		t = t.AddDate(0, 0, 7)
	case Month:
		t = t.AddDate(0, 1, 0)
	}
	return t.UnixMilli()
}

// Buckets enumerates every complete bucket [t, next) with start >= from and
// end <= to. Both bounds are aligned down before iterating.
func (u Unit) Buckets(from, to int64) Intervals {
	var out Intervals
	for start := u.Floor(from); ; {
		end := u.Next(start)
		if end > to {
			break
		}
		if start >= from {
			out = append(out, Interval{Start: start, End: end})
		}
		start = end
	}
	return out
}

// Gaps returns the complete buckets inside window that covered does not
// fully contain.
func Gaps(covered Intervals, window Interval, u Unit) Intervals {
	var missing Intervals
	for _, bucket := range u.Buckets(window.Start, window.End) {
		if !covered.Covers(bucket) {
			missing = append(missing, bucket)
		}
	}
	return Merge(missing)
}

// Coarser reports whether u represents a longer cadence than other. Used to
// gate scheduling when a node's cron runs less often than its bucket unit.
func (u Unit) Coarser(other Unit) bool {
	return unitRank(u) > unitRank(other)
}

func unitRank(u Unit) int {
	switch u {
	case Hour:
		return 0
	case Day:
		return 1
	case Week:
		return 2
	case Month:
		return 3
	}
	return -1
}
