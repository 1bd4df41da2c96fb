package cycletime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleRecurrenceUnbounded(t *testing.T) {
	r := ParseSimple(NewInteger(1), NewIntegerDuration(1), 0, Point{}, false)
	pts, err := Take(r, NewInteger(1), 3)
	require.NoError(t, err)
	assert.Equal(t, []Point{NewInteger(1), NewInteger(2), NewInteger(3)}, pts)
}

func TestSimpleRecurrenceCountBounded(t *testing.T) {
	r := ParseSimple(NewInteger(1), NewIntegerDuration(1), 3, Point{}, false)
	pts, err := Take(r, NewInteger(1), 10)
	require.NoError(t, err)
	assert.Len(t, pts, 3)
}

func TestSimpleRecurrenceFirstOnOrAfterMidSequence(t *testing.T) {
	r := ParseSimple(NewInteger(1), NewIntegerDuration(2), 0, Point{}, false)
	p, ok := r.FirstOnOrAfter(NewInteger(4))
	require.True(t, ok)
	assert.Equal(t, NewInteger(5), p)
}

func TestIntersectionKeepsCommonPoints(t *testing.T) {
	a := ParseSimple(NewInteger(0), NewIntegerDuration(2), 0, Point{}, false) // 0,2,4,6,8
	b := ParseSimple(NewInteger(0), NewIntegerDuration(3), 0, Point{}, false) // 0,3,6,9
	ix := Intersect(a, b)
	pts, err := Take(ix, NewInteger(0), 3)
	require.NoError(t, err)
	assert.Equal(t, []Point{NewInteger(0), NewInteger(6), NewInteger(12)}, pts)
}

func TestExcludeSubtractsPoints(t *testing.T) {
	base := ParseSimple(NewInteger(1), NewIntegerDuration(1), 0, Point{}, false)
	excl := ParseSimple(NewInteger(2), NewIntegerDuration(2), 0, Point{}, false) // 2,4,6
	e := Exclude(base, excl)
	pts, err := Take(e, NewInteger(1), 4)
	require.NoError(t, err)
	assert.Equal(t, []Point{NewInteger(1), NewInteger(3), NewInteger(5), NewInteger(7)}, pts)
}

func TestPeriodEndRecurrence(t *testing.T) {
	r := ParsePeriodEnd(NewIntegerDuration(2), NewInteger(10))
	p, ok := r.FirstOnOrAfter(NewInteger(3))
	require.True(t, ok)
	assert.Equal(t, int64(0), (p.Int()-10)%2)
}
