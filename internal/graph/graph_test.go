package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/cycletime"
)

func TestAndExprRequiresAll(t *testing.T) {
	expr := And{Terms: []Expr{
		Leaf{Ref: Ref{TaskName: "a", Output: OutputSucceeded}},
		Leaf{Ref: Ref{TaskName: "b", Output: OutputSucceeded}},
	}}
	satisfied := map[string]bool{"a": true, "b": false}
	ok := expr.Eval(func(r Ref) bool { return satisfied[r.TaskName] })
	assert.False(t, ok)
	satisfied["b"] = true
	assert.True(t, expr.Eval(func(r Ref) bool { return satisfied[r.TaskName] }))
}

func TestOrExprRequiresAny(t *testing.T) {
	expr := Or{Terms: []Expr{
		Leaf{Ref: Ref{TaskName: "a", Output: OutputFailed}},
		Leaf{Ref: Ref{TaskName: "b", Output: OutputFailed}},
	}}
	ok := expr.Eval(func(r Ref) bool { return r.TaskName == "b" })
	assert.True(t, ok)
}

func TestFamilyExprSucceedAll(t *testing.T) {
	m := NewModel()
	m.AddFamily("FAM", []string{"x", "y"})
	expr, err := m.FamilyExpr("FAM", "succeed-all", cycletime.Duration{}, false)
	require.NoError(t, err)
	assert.Len(t, expr.Refs(), 2)
	assert.True(t, expr.Eval(func(Ref) bool { return true }))
	assert.False(t, expr.Eval(func(Ref) bool { return false }))
}

func TestFamilyExprSucceedAny(t *testing.T) {
	m := NewModel()
	m.AddFamily("FAM", []string{"x", "y"})
	expr, err := m.FamilyExpr("FAM", "succeed-any", cycletime.Duration{}, false)
	require.NoError(t, err)

	calls := 0
	ok := expr.Eval(func(r Ref) bool {
		calls++
		return r.TaskName == "y"
	})
	assert.True(t, ok)
}

func TestEdgesForDownstreamMatchesRecurrence(t *testing.T) {
	m := NewModel()
	rec := cycletime.ParseSimple(cycletime.NewInteger(1), cycletime.NewIntegerDuration(1), 0, cycletime.Point{}, false)
	m.AddEdge(Edge{Recurrence: rec, Downstream: "b", Trigger: Leaf{Ref: Ref{TaskName: "a", Output: OutputSucceeded}}})

	edges := m.EdgesForDownstream("b", cycletime.NewInteger(3))
	assert.Len(t, edges, 1)

	edges = m.EdgesForDownstream("c", cycletime.NewInteger(3))
	assert.Empty(t, edges)
}

func TestUpstreamPointAppliesOffset(t *testing.T) {
	down := cycletime.NewInteger(5)
	ref := Ref{TaskName: "b", Offset: cycletime.NewIntegerDuration(1), HasOffset: true}
	up := UpstreamPoint(down, ref)
	assert.Equal(t, cycletime.NewInteger(4), up)
}
