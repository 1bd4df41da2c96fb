// Package graph implements the per-recurrence dependency graph: edges from
// trigger expressions over upstream outputs to downstream task instances,
// with family expansion.
package graph

import (
	"fmt"

	"github.com/swarmguard/flowcore/internal/cycletime"
)

// Output names predefined by the task instance lifecycle; user-declared
// custom outputs are arbitrary strings disjoint from this set by convention.
const (
	OutputSubmitted    = "submitted"
	OutputStarted      = "started"
	OutputSucceeded    = "succeeded"
	OutputFailed       = "failed"
	OutputSubmitFailed = "submit-failed"
	OutputExpired      = "expired"
)

// Ref is a reference to an upstream task's output, optionally offset by a
// cycle-point delta (e.g. `b[-P1D]:succeeded`).
type Ref struct {
	TaskName string
	Offset   cycletime.Duration
	HasOffset bool
	Output   string
}

// Expr is a boolean trigger expression over upstream output refs.
type Expr interface {
	// Eval reports whether the expression is satisfied given a predicate
	// that answers whether a given ref's output has been observed.
	Eval(satisfied func(Ref) bool) bool
	// Refs returns every leaf reference appearing in the expression.
	Refs() []Ref
}

// Leaf is a single upstream-output reference.
type Leaf struct{ Ref Ref }

func (l Leaf) Eval(satisfied func(Ref) bool) bool { return satisfied(l.Ref) }
func (l Leaf) Refs() []Ref                        { return []Ref{l.Ref} }

// And is a conjunction of sub-expressions (`&`).
type And struct{ Terms []Expr }

func (a And) Eval(satisfied func(Ref) bool) bool {
	for _, t := range a.Terms {
		if !t.Eval(satisfied) {
			return false
		}
	}
	return true
}

func (a And) Refs() []Ref { return termRefs(a.Terms) }

// Or is a disjunction of sub-expressions (`|`).
type Or struct{ Terms []Expr }

func (o Or) Eval(satisfied func(Ref) bool) bool {
	for _, t := range o.Terms {
		if t.Eval(satisfied) {
			return true
		}
	}
	return false
}

func (o Or) Refs() []Ref { return termRefs(o.Terms) }

func termRefs(terms []Expr) []Ref {
	var out []Ref
	for _, t := range terms {
		out = append(out, t.Refs()...)
	}
	return out
}

// Edge is a directed dependency from a trigger expression to a downstream
// task at the points matched by Recurrence.
type Edge struct {
	Recurrence  cycletime.Recurrence
	Downstream  string
	Trigger     Expr
}

// Family groups member task names for `FAM:succeed-all` style expansion.
type Family struct {
	Name    string
	Members []string
}

// Model is the full per-workflow graph: all edges plus family membership,
// used by the resolver to derive an instance's prerequisites on demand.
type Model struct {
	Edges    []Edge
	Families map[string]Family
}

// NewModel builds an empty graph model.
func NewModel() *Model {
	return &Model{Families: make(map[string]Family)}
}

// AddFamily registers a family and its members.
func (m *Model) AddFamily(name string, members []string) {
	m.Families[name] = Family{Name: name, Members: members}
}

// AddEdge appends an edge to the model.
func (m *Model) AddEdge(e Edge) {
	m.Edges = append(m.Edges, e)
}

// FamilyExpr expands `FAM:succeed-all`, `:succeed-any`, `:fail-all`,
// `:fail-any` into the corresponding boolean over the family's members at
// the given offset.
func (m *Model) FamilyExpr(famName, qualifier string, offset cycletime.Duration, hasOffset bool) (Expr, error) {
	fam, ok := m.Families[famName]
	if !ok {
		return nil, fmt.Errorf("graph: unknown family %q", famName)
	}
	var output string
	var all bool
	switch qualifier {
	case "succeed-all":
		output, all = OutputSucceeded, true
	case "succeed-any":
		output, all = OutputSucceeded, false
	case "fail-all":
		output, all = OutputFailed, true
	case "fail-any":
		output, all = OutputFailed, false
	default:
		return nil, fmt.Errorf("graph: unknown family qualifier %q", qualifier)
	}
	leaves := make([]Expr, 0, len(fam.Members))
	for _, member := range fam.Members {
		leaves = append(leaves, Leaf{Ref: Ref{TaskName: member, Offset: offset, HasOffset: hasOffset, Output: output}})
	}
	if all {
		return And{Terms: leaves}, nil
	}
	return Or{Terms: leaves}, nil
}

// EdgesForDownstream returns every edge whose downstream is task on a
// recurrence that includes point, substituting point into each upstream
// reference per the offset carried on the edge's leaves (the leaves
// themselves are relative; callers resolve an absolute upstream point via
// cycletime.Add(point, -offset)).
func (m *Model) EdgesForDownstream(task string, point cycletime.Point) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.Downstream != task {
			continue
		}
		q, ok := e.Recurrence.FirstOnOrAfter(point)
		if ok && q.Equal(point) {
			out = append(out, e)
		}
	}
	return out
}

// UpstreamPoint resolves the absolute cycle point a ref refers to, given the
// downstream instance's own point.
func UpstreamPoint(downstream cycletime.Point, ref Ref) cycletime.Point {
	if !ref.HasOffset {
		return downstream
	}
	neg := ref.Offset
	neg.Negate()
	return cycletime.Add(downstream, neg)
}
