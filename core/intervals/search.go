package intervals

import "errors"

// ErrNotFound is returned when no index of the search window lies before the
// requested boundary.
var ErrNotFound = errors.New("intervals: not found")

func clampWindow(n, lower, upper int) (int, int) {
	if lower < 0 {
		lower = 0
	}
	if upper > n {
		upper = n
	}
	if lower > upper {
		lower = upper
	}
	return lower, upper
}

// SearchPartition returns the smallest index i in [lower, upper) such that
// ts[i] >= target, or upper when every timestamp of the window precedes the
// target. ts must be sorted non-decreasing. Equal timestamps resolve to the
// leftmost index.
func SearchPartition(ts []uint64, lower, upper int, target uint64) int {
	lo, hi := clampWindow(len(ts), lower, upper)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if ts[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindInterval locates the last index of the window [lower, upper) whose
// timestamp is strictly before target: everything up to and including the
// returned index closed before the boundary, everything after it closed at or
// after the boundary.
func FindInterval(ts []uint64, lower, upper int, target uint64) (int, error) {
	lo, hi := clampWindow(len(ts), lower, upper)
	if lo == hi {
		return 0, ErrNotFound
	}
	idx := SearchPartition(ts, lo, hi, target)
	if idx == lo {
		return 0, ErrNotFound
	}
	return idx - 1, nil
}

// CountBetween returns how many timestamps of ts fall into [start, end).
func CountBetween(ts []uint64, start, end uint64) int {
	if end <= start {
		return 0
	}
	first := 0
	if idx, err := FindInterval(ts, 0, len(ts), start); err == nil {
		first = idx + 1
	}
	last := 0
	if idx, err := FindInterval(ts, first, len(ts), end); err == nil {
		last = idx + 1
	} else {
		last = first
	}
	return last - first
}
