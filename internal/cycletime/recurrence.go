package cycletime

import "fmt"

// Recurrence is a lazy, totally ordered sequence of cycle points. Concrete
// forms are built by ParseRecurrence; Intersect and Exclude combine them.
type Recurrence interface {
	// FirstOnOrAfter returns the least point in the sequence that is >= from,
	// and whether one exists.
	FirstOnOrAfter(from Point) (Point, bool)
	// Next returns the least point in the sequence strictly greater than
	// after, and whether one exists.
	Next(after Point) (Point, bool)
}

// simple implements `R[count]/start/period` and `R[count]/start/end`: a
// count-bounded or unbounded arithmetic sequence from start by period, cut
// off at end (if set) or count (if set).
type simple struct {
	start    Point
	period   Duration
	hasCount bool
	count    int64
	hasEnd   bool
	end      Point
}

// ParseSimple builds an `R[count]/start/period` or `R[count]/start/end`
// recurrence. count <= 0 means unbounded ("R").
func ParseSimple(start Point, period Duration, count int64, end Point, hasEnd bool) Recurrence {
	return &simple{start: start, period: period, hasCount: count > 0, count: count, hasEnd: hasEnd, end: end}
}

func (s *simple) FirstOnOrAfter(from Point) (Point, bool) {
	p := s.start
	n := int64(0)
	for {
		if s.hasCount && n >= s.count {
			return Point{}, false
		}
		if s.hasEnd && p.After(s.end) {
			return Point{}, false
		}
		if !p.Before(from) {
			return p, true
		}
		p = Add(p, s.period)
		n++
	}
}

func (s *simple) Next(after Point) (Point, bool) {
	p := s.start
	n := int64(0)
	for {
		if s.hasCount && n >= s.count {
			return Point{}, false
		}
		if s.hasEnd && p.After(s.end) {
			return Point{}, false
		}
		if p.After(after) {
			return p, true
		}
		p = Add(p, s.period)
		n++
	}
}

// rperiodEnd implements `R/period/end`: an unbounded-count sequence walking
// backwards from end by period, used when a recurrence is anchored at its
// final point rather than its first.
type rperiodEnd struct {
	period Duration
	end    Point
}

// ParsePeriodEnd builds an `R/period/end` recurrence.
func ParsePeriodEnd(period Duration, end Point) Recurrence {
	return &rperiodEnd{period: period, end: end}
}

func (r *rperiodEnd) FirstOnOrAfter(from Point) (Point, bool) {
	if from.After(r.end) {
		return Point{}, false
	}
	// Walk backward from end until we find the first point <= itself that
	// lands on-or-after from; since the sequence is arithmetic this is
	// equivalent to walking forward from the earliest point >= from that
	// aligns with end's phase.
	p := r.end
	for p.After(from) {
		candidate := Add(p, negate(r.period))
		if !candidate.Before(from) {
			p = candidate
			continue
		}
		break
	}
	if p.Before(from) {
		p = Add(p, r.period)
	}
	return p, true
}

func (r *rperiodEnd) Next(after Point) (Point, bool) {
	p, ok := r.FirstOnOrAfter(after)
	if !ok {
		return Point{}, false
	}
	if p.Equal(after) {
		next := Add(p, r.period)
		if next.After(r.end) {
			return Point{}, false
		}
		return next, true
	}
	return p, true
}

func negate(d Duration) Duration {
	d.negative = !d.negative
	d.steps = -d.steps
	return d
}

// intersection merges several recurrences, keeping only points common to
// all of them: the spec.md "intersections" combinator.
type intersection struct {
	members []Recurrence
}

// Intersect builds the recurrence containing exactly the points present in
// every member.
func Intersect(members ...Recurrence) Recurrence {
	return &intersection{members: members}
}

func (ix *intersection) FirstOnOrAfter(from Point) (Point, bool) {
	cur := from
	for {
		allEqual := true
		next := cur
		for _, m := range ix.members {
			p, ok := m.FirstOnOrAfter(cur)
			if !ok {
				return Point{}, false
			}
			if p.After(next) {
				next = p
				allEqual = false
			} else if p.Before(next) {
				allEqual = false
			}
		}
		if allEqual {
			return next, true
		}
		cur = next
	}
}

func (ix *intersection) Next(after Point) (Point, bool) {
	p, ok := ix.FirstOnOrAfter(after)
	if !ok {
		return Point{}, false
	}
	if !p.After(after) {
		return ix.FirstOnOrAfter(Add(after, ix.minStep(after)))
	}
	return p, true
}

func (ix *intersection) minStep(from Point) Duration {
	// Any positive nudge suffices since FirstOnOrAfter re-aligns to the
	// next common point; integer recurrences nudge by 1, date-time ones by
	// the smallest representable clock unit used in this package.
	if from.Kind() == Integer {
		return NewIntegerDuration(1)
	}
	d, _ := ParseDuration("PT1S")
	return d
}

// excluded subtracts an exclusion recurrence from a base recurrence.
type excluded struct {
	base    Recurrence
	exclude Recurrence
}

// Exclude builds the recurrence containing base's points minus exclude's.
func Exclude(base, exclude Recurrence) Recurrence {
	return &excluded{base: base, exclude: exclude}
}

func (e *excluded) isExcluded(p Point) bool {
	q, ok := e.exclude.FirstOnOrAfter(p)
	return ok && q.Equal(p)
}

func (e *excluded) FirstOnOrAfter(from Point) (Point, bool) {
	p, ok := e.base.FirstOnOrAfter(from)
	for ok && e.isExcluded(p) {
		p, ok = e.base.Next(p)
	}
	return p, ok
}

func (e *excluded) Next(after Point) (Point, bool) {
	p, ok := e.base.Next(after)
	for ok && e.isExcluded(p) {
		p, ok = e.base.Next(p)
	}
	return p, ok
}

// Take collects up to n points from r starting at or after from; it stops
// early if the recurrence is exhausted. Intended for tests and for bounded
// diagnostic dumps (`cylc show`-equivalent), never for pool materialisation,
// which must stay within the runahead window.
func Take(r Recurrence, from Point, n int) ([]Point, error) {
	if n < 0 {
		return nil, fmt.Errorf("cycletime: Take requires n >= 0, got %d", n)
	}
	out := make([]Point, 0, n)
	p, ok := r.FirstOnOrAfter(from)
	for ok && len(out) < n {
		out = append(out, p)
		p, ok = r.Next(p)
	}
	return out, nil
}
