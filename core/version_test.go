package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseVersionSingleElement(t *testing.T) {
	batch := Batch{{Version: 12}}
	assert.EqualValues(t, 12, ReleaseVersion(batch))
}

func TestReleaseVersionSecondHighest(t *testing.T) {
	// versions 10, 11, 12 -> advance to 11.
	batch := Batch{{Version: 10}, {Version: 11}, {Version: 12}}
	assert.EqualValues(t, 11, ReleaseVersion(batch))
}

func TestReleaseVersionUnordered(t *testing.T) {
	batch := Batch{{Version: 30}, {Version: 10}, {Version: 20}}
	assert.EqualValues(t, 20, ReleaseVersion(batch))
}

func TestReleaseVersionDuplicateHighest(t *testing.T) {
	// Two rows share the highest version (e.g. a composite PK table):
	// the second-highest is still the largest value with everything below
	// it fully accounted for.
	batch := Batch{{Version: 5}, {Version: 12}, {Version: 12}}
	assert.EqualValues(t, 12, ReleaseVersion(batch))
}

func TestReleaseVersionEmptyPanics(t *testing.T) {
	assert.Panics(t, func() { ReleaseVersion(nil) })
}

func TestWrapDeltaNoWrap(t *testing.T) {
	assert.EqualValues(t, 10, WrapDelta(110, 100))
}

func TestWrapDeltaWraps(t *testing.T) {
	// RowsProcessed wrapped from MaxInt64-5 to 5 after processing 10 rows;
	// the monitor should see a delta of 10.
	last := int64(math.MaxInt64 - 5)
	current := int64(5)
	assert.EqualValues(t, 10, WrapDelta(current, last))
}

func TestWrapDeltaFromZero(t *testing.T) {
	// last == 0 is never treated as a wrap: the delta is simply
	// current - last.
	assert.EqualValues(t, 7, WrapDelta(7, 0))
}

func TestAddWrappingNoWrap(t *testing.T) {
	require.EqualValues(t, 110, AddWrapping(100, 10))
}

func TestAddWrappingWraps(t *testing.T) {
	value := int64(math.MaxInt64 - 5)
	require.EqualValues(t, 5, AddWrapping(value, 10))
}

func TestAddWrappingExactBoundary(t *testing.T) {
	value := int64(math.MaxInt64 - 5)
	require.EqualValues(t, math.MaxInt64, AddWrapping(value, 5))
}
