package core

import "math"

// ReleaseVersion computes the version to advance GlobalVersionNumber to
// once a batch has been successfully processed: the second-highest
// SYS_CHANGE_VERSION in the batch, or the only one if the batch has a
// single element.
//
// A higher version may still have unseen siblings acquired by another
// worker; the second-highest is the largest value for which every strictly
// lower version in this batch is unambiguously covered. This leaves the
// last unique maximum to be retired by a later batch -- by design, not a
// bug.
//
// ReleaseVersion panics if batch is empty; callers must not invoke the
// release protocol for an empty batch.
func ReleaseVersion(batch Batch) int64 {
	if len(batch) == 0 {
		panic("core: ReleaseVersion called with empty batch")
	}
	if len(batch) == 1 {
		return batch[0].Version
	}

	highest := batch[0].Version
	secondHighest := batch[0].Version
	for _, row := range batch[1:] {
		switch {
		case row.Version > highest:
			secondHighest = highest
			highest = row.Version
		case row.Version > secondHighest:
			secondHighest = row.Version
		}
	}
	return secondHighest
}

// WrapDelta computes `current - last` for a monotonically increasing
// counter that silently wraps at math.MaxInt64 back to zero, as
// RowsProcessed does, and as the Scale Monitor must correct for when
// sampling it.
//
// If the counter did not wrap, this is simply current - last. If it did
// (last was non-zero and naive subtraction would be negative), the true
// delta is the distance from last to the wrap point, plus current's
// distance past zero.
func WrapDelta(current, last int64) int64 {
	delta := current - last
	if delta < 0 && last != 0 {
		return (math.MaxInt64 - last) + current
	}
	return delta
}

// AddWrapping increments a RowsProcessed-style counter by delta, wrapping
// back to the excess past math.MaxInt64 rather than overflowing into a
// negative number.
func AddWrapping(value, delta int64) int64 {
	if delta < 0 {
		panic("core: AddWrapping called with negative delta")
	}
	if value > math.MaxInt64-delta {
		return delta - (math.MaxInt64 - value)
	}
	return value + delta
}
