package cycletime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegerPointRoundTrip(t *testing.T) {
	p := NewInteger(42)
	parsed, err := ParsePoint(p.String())
	require.NoError(t, err)
	assert.True(t, p.Equal(parsed))
}

func TestDateTimePointRoundTrip(t *testing.T) {
	tm := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	p := NewDateTime(tm)
	parsed, err := ParsePoint(p.String())
	require.NoError(t, err)
	assert.True(t, p.Equal(parsed))
}

func TestIntegerCompare(t *testing.T) {
	a, b := NewInteger(1), NewInteger(2)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.Equal(b))
}

func TestAddIntegerDuration(t *testing.T) {
	p := NewInteger(1)
	got := Add(p, NewIntegerDuration(2))
	assert.Equal(t, int64(3), got.Int())
}

func TestAddCalendarMonthClamp(t *testing.T) {
	jan31 := NewDateTime(time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
	d, err := ParseDuration("P1M")
	require.NoError(t, err)
	got := Add(jan31, d)
	assert.Equal(t, time.Month(2), got.Time().Month())
	assert.Equal(t, 28, got.Time().Day())
}

func TestParseDurationClockOnly(t *testing.T) {
	d, err := ParseDuration("PT2H30M")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour+30*time.Minute, d.AsClockDuration())
}

func TestParseDurationNegative(t *testing.T) {
	d, err := ParseDuration("-P1D")
	require.NoError(t, err)
	start := NewDateTime(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	got := Add(start, d)
	assert.Equal(t, 1, got.Time().Day())
}

func TestDiffInteger(t *testing.T) {
	d := Diff(NewInteger(1), NewInteger(4))
	assert.Equal(t, NewInteger(4), Add(NewInteger(1), d))
}
