// Package cycletime implements cycle-point algebra and the recurrence engine:
// ISO-8601 date-time points and durations, integer points, and the
// recurrence expressions that enumerate them.
package cycletime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes the two point representations a workflow may cycle on.
type Kind int

const (
	// Gregorian points are ISO-8601 date-times at a fixed UTC offset.
	Gregorian Kind = iota
	// Integer points are plain non-negative integers.
	Integer
)

// Point is a tagged cycle point: either an integer or a date-time.
// The zero value is not a valid point; always construct via NewInteger or
// NewDateTime.
type Point struct {
	kind Kind
	i    int64
	t    time.Time
}

// NewInteger builds an integer cycle point.
func NewInteger(n int64) Point {
	return Point{kind: Integer, i: n}
}

// NewDateTime builds a Gregorian cycle point from t as given: its location
// is kept, not converted to UTC. Callers that need a particular cycle-point
// time zone pass t.In(loc).
func NewDateTime(t time.Time) Point {
	return Point{kind: Gregorian, t: t}
}

// Kind reports whether p is an integer or date-time point.
func (p Point) Kind() Kind { return p.kind }

// Int returns the integer value of an Integer point. Calling it on a
// Gregorian point panics; callers must check Kind first.
func (p Point) Int() int64 {
	if p.kind != Integer {
		panic("cycletime: Int() called on a Gregorian point")
	}
	return p.i
}

// Time returns the time.Time value of a Gregorian point.
func (p Point) Time() time.Time {
	if p.kind != Gregorian {
		panic("cycletime: Time() called on an Integer point")
	}
	return p.t
}

// Compare returns -1, 0 or 1 as p is less than, equal to, or greater than q.
// Comparing points of different kinds panics: the graph model never mixes
// cycling modes within one workflow.
func (p Point) Compare(q Point) int {
	if p.kind != q.kind {
		panic("cycletime: cannot compare points of different kinds")
	}
	switch p.kind {
	case Integer:
		switch {
		case p.i < q.i:
			return -1
		case p.i > q.i:
			return 1
		default:
			return 0
		}
	default:
		switch {
		case p.t.Before(q.t):
			return -1
		case p.t.After(q.t):
			return 1
		default:
			return 0
		}
	}
}

// Before reports whether p sorts strictly before q.
func (p Point) Before(q Point) bool { return p.Compare(q) < 0 }

// After reports whether p sorts strictly after q.
func (p Point) After(q Point) bool { return p.Compare(q) > 0 }

// Equal reports whether p and q denote the same point.
func (p Point) Equal(q Point) bool { return p.Compare(q) == 0 }

// String renders the canonical form: the bare integer, or RFC3339 for
// date-times. Point.String round-trips through ParsePoint.
func (p Point) String() string {
	switch p.kind {
	case Integer:
		return strconv.FormatInt(p.i, 10)
	default:
		return p.t.Format("2006-01-02T15:04:05Z07:00")
	}
}

// ParsePoint parses a point previously produced by Point.String, inferring
// the kind from the lexical form: a bare (optionally signed) integer parses
// as Integer, anything else is parsed as RFC3339.
func ParsePoint(s string) (Point, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NewInteger(n), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05Z07:00", s)
	if err != nil {
		return Point{}, fmt.Errorf("cycletime: invalid cycle point %q: %w", s, err)
	}
	return NewDateTime(t), nil
}

// Duration is a tagged offset: an ISO-8601 calendar period for Gregorian
// points, or a bare step count for Integer points.
type Duration struct {
	kind  Kind
	steps int64 // Integer points

	// Gregorian points: ISO-8601 period components, kept separate from
	// time.Duration because months/years are calendar, not fixed-length,
	// quantities.
	years, months, weeks, days int
	h, m, s                    int
	negative                   bool
}

// NewIntegerDuration builds a step offset for integer cycling.
func NewIntegerDuration(steps int64) Duration {
	return Duration{kind: Integer, steps: steps}
}

// ParseDuration parses an ISO-8601 period/duration such as "P1D", "PT2H30M",
// "P1Y2M3D", or "-P1D". It does not accept the Integer "Pn" step form; use
// ParseAnyDuration for that when the cycling mode is not known statically.
func ParseDuration(s string) (Duration, error) {
	orig := s
	d := Duration{kind: Gregorian}
	if strings.HasPrefix(s, "-") {
		d.negative = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return Duration{}, fmt.Errorf("cycletime: invalid duration %q", orig)
	}
	s = s[1:]
	datePart, timePart, hasTime := strings.Cut(s, "T")
	if err := scanDateComponents(datePart, &d); err != nil {
		return Duration{}, fmt.Errorf("cycletime: invalid duration %q: %w", orig, err)
	}
	if hasTime {
		if err := scanTimeComponents(timePart, &d); err != nil {
			return Duration{}, fmt.Errorf("cycletime: invalid duration %q: %w", orig, err)
		}
	}
	return d, nil
}

// ParseAnyDuration parses either an integer step ("P3", or "-P3" for a
// negative step) or an ISO-8601 calendar/clock duration, matching the kind
// of the cycling mode it will be applied within.
func ParseAnyDuration(s string, kind Kind) (Duration, error) {
	if kind == Integer {
		neg := strings.HasPrefix(s, "-")
		trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "P")
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return Duration{}, fmt.Errorf("cycletime: invalid integer duration %q: %w", s, err)
		}
		if neg {
			n = -n
		}
		return NewIntegerDuration(n), nil
	}
	return ParseDuration(s)
}

func scanDateComponents(s string, d *Duration) error {
	for s != "" {
		n, rest, unit, err := scanOne(s)
		if err != nil {
			return err
		}
		switch unit {
		case 'Y':
			d.years = n
		case 'M':
			d.months = n
		case 'W':
			d.weeks = n
		case 'D':
			d.days = n
		default:
			return fmt.Errorf("unexpected date unit %q", unit)
		}
		s = rest
	}
	return nil
}

func scanTimeComponents(s string, d *Duration) error {
	for s != "" {
		n, rest, unit, err := scanOne(s)
		if err != nil {
			return err
		}
		switch unit {
		case 'H':
			d.h = n
		case 'M':
			d.m = n
		case 'S':
			d.s = n
		default:
			return fmt.Errorf("unexpected time unit %q", unit)
		}
		s = rest
	}
	return nil
}

func scanOne(s string) (n int, rest string, unit byte, err error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, "", 0, fmt.Errorf("expected digits in %q", s)
	}
	v, convErr := strconv.Atoi(s[:i])
	if convErr != nil {
		return 0, "", 0, convErr
	}
	if i >= len(s) {
		return 0, "", 0, fmt.Errorf("missing unit in %q", s)
	}
	return v, s[i+1:], s[i], nil
}

// Add returns p offset by d. Calendar add-with-clamp applies for
// months/years: if the target month has fewer days than p's day-of-month,
// the result clamps to the last day of the target month.
func Add(p Point, d Duration) Point {
	switch p.kind {
	case Integer:
		if d.kind != Integer {
			panic("cycletime: integer point offset by non-integer duration")
		}
		return NewInteger(p.i + d.steps)
	default:
		if d.kind != Gregorian {
			panic("cycletime: date-time point offset by integer-step duration")
		}
		sign := 1
		if d.negative {
			sign = -1
		}
		t := p.t
		t = addClampedMonths(t, sign*(d.years*12+d.months))
		t = t.AddDate(0, 0, sign*(d.weeks*7+d.days))
		t = t.Add(time.Duration(sign) * (time.Duration(d.h)*time.Hour + time.Duration(d.m)*time.Minute + time.Duration(d.s)*time.Second))
		return NewDateTime(t)
	}
}

func addClampedMonths(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	day := t.Day()
	added := t.AddDate(0, months, 0)
	if added.Day() != day {
		// Overflowed into the next month because the target month is
		// shorter; clamp to its last day.
		added = time.Date(added.Year(), added.Month(), 0, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	}
	return added
}

// Diff returns the duration from p1 to p2 (p2 - p1). For Gregorian points
// this is a fixed-length clock duration, not a calendar period; callers
// that need a calendar-aware diff should compare via Add in a loop.
func Diff(p1, p2 Point) Duration {
	if p1.kind != p2.kind {
		panic("cycletime: cannot diff points of different kinds")
	}
	if p1.kind == Integer {
		return NewIntegerDuration(p2.i - p1.i)
	}
	delta := p2.t.Sub(p1.t)
	neg := delta < 0
	if neg {
		delta = -delta
	}
	total := int(delta.Seconds())
	return Duration{kind: Gregorian, negative: neg, h: total / 3600, m: (total % 3600) / 60, s: total % 60}
}

// AsCount returns the step count of an Integer duration, for runahead-limit
// comparisons expressed as a point count rather than a calendar span.
func (d Duration) AsCount() int64 {
	if d.kind != Integer {
		panic("cycletime: AsCount() called on a Gregorian duration")
	}
	return d.steps
}

// Negate flips the sign of d in place, turning an offset into its inverse.
func (d *Duration) Negate() {
	if d.kind == Integer {
		d.steps = -d.steps
		return
	}
	d.negative = !d.negative
}

// AsClockDuration converts a Gregorian Duration with no calendar components
// (years/months/weeks/days all zero) to a plain time.Duration, for use in
// timers. It panics if calendar components are present.
func (d Duration) AsClockDuration() time.Duration {
	if d.years != 0 || d.months != 0 || d.weeks != 0 || d.days != 0 {
		panic("cycletime: duration has calendar components, cannot convert to a fixed clock duration")
	}
	v := time.Duration(d.h)*time.Hour + time.Duration(d.m)*time.Minute + time.Duration(d.s)*time.Second
	if d.negative {
		v = -v
	}
	return v
}
