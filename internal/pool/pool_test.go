package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/resolver"
	"github.com/swarmguard/flowcore/internal/taskdef"
	"github.com/swarmguard/flowcore/internal/taskinstance"
)

func newTestPool() (*Pool, *graph.Model) {
	reg := taskdef.NewRegistry()
	reg.Add(taskdef.Def{Name: "a", Script: "true"})
	reg.Add(taskdef.Def{Name: "b", Script: "true"})

	m := graph.NewModel()
	rec := cycletime.ParseSimple(cycletime.NewInteger(1), cycletime.NewIntegerDuration(1), 0, cycletime.Point{}, false)
	m.AddEdge(graph.Edge{Recurrence: rec, Downstream: "b", Trigger: graph.Leaf{Ref: graph.Ref{TaskName: "a", Output: graph.OutputSucceeded}}})

	p := New(reg, m, nil, RunaheadLimit{HasCount: true, Count: 2}, []string{"a"})
	r := resolver.New(m, p)
	p.resolve = r
	return p, m
}

func TestSpawnCreatesWaitingInstance(t *testing.T) {
	p, _ := newTestPool()
	in, ok := p.Spawn("a", cycletime.NewInteger(1))
	require.True(t, ok)
	assert.Equal(t, taskinstance.Waiting, in.State)
	assert.True(t, in.AllPrerequisitesSatisfied())
}

func TestSpawnIsIdempotent(t *testing.T) {
	p, _ := newTestPool()
	first, _ := p.Spawn("a", cycletime.NewInteger(1))
	second, _ := p.Spawn("a", cycletime.NewInteger(1))
	assert.Same(t, first, second)
}

func TestEligibleRequiresSatisfiedPrerequisites(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("a", cycletime.NewInteger(1))
	p.Spawn("b", cycletime.NewInteger(1))

	elig := p.Eligible()
	names := map[string]bool{}
	for _, in := range elig {
		names[in.ID.TaskName] = true
	}
	assert.True(t, names["a"])
	assert.False(t, names["b"], "b depends on a:succeeded and must not be eligible yet")
}

func TestApplyOutputUnblocksDownstream(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("a", cycletime.NewInteger(1))
	p.Spawn("b", cycletime.NewInteger(1))

	aID := taskinstance.ID{TaskName: "a", Point: cycletime.NewInteger(1), SubmitNumber: 1}
	now := time.Now()
	p.MarkPreparing(aID, now)
	p.Apply(aID, taskinstance.Submitted, "submitted", now)
	p.Apply(aID, taskinstance.Running, "started", now)
	p.Apply(aID, taskinstance.Succeeded, "succeeded", now)

	elig := p.Eligible()
	require.Len(t, elig, 1)
	assert.Equal(t, "b", elig[0].ID.TaskName)
}

func TestHasActiveAndActiveInstances(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("a", cycletime.NewInteger(1))
	assert.False(t, p.HasActive())
	assert.Empty(t, p.ActiveInstances())

	aID := taskinstance.ID{TaskName: "a", Point: cycletime.NewInteger(1), SubmitNumber: 1}
	now := time.Now()
	p.MarkPreparing(aID, now)
	assert.True(t, p.HasActive())
	require.Len(t, p.ActiveInstances(), 1)
	assert.Equal(t, aID, p.ActiveInstances()[0].ID)

	p.Apply(aID, taskinstance.Submitted, "", now)
	assert.True(t, p.HasActive())

	p.Apply(aID, taskinstance.Running, "", now)
	assert.True(t, p.HasActive())

	p.Apply(aID, taskinstance.Succeeded, "succeeded", now)
	assert.False(t, p.HasActive())
	assert.Empty(t, p.ActiveInstances())
}

func TestHoldPreventsEligibility(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("a", cycletime.NewInteger(1))
	p.Hold()
	assert.Empty(t, p.Eligible())
	p.Release()
	assert.NotEmpty(t, p.Eligible())
}

func TestTriggerForcesEligibility(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("b", cycletime.NewInteger(1))
	id := taskinstance.ID{TaskName: "b", Point: cycletime.NewInteger(1), SubmitNumber: 1}
	require.True(t, p.Trigger(id))
	elig := p.Eligible()
	require.Len(t, elig, 1)
	assert.True(t, elig[0].Forced)
}

func TestHousekeepRemovesAllTerminalPoints(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("a", cycletime.NewInteger(1))
	id := taskinstance.ID{TaskName: "a", Point: cycletime.NewInteger(1), SubmitNumber: 1}
	now := time.Now()
	p.MarkPreparing(id, now)
	p.Apply(id, taskinstance.Submitted, "submitted", now)
	p.Apply(id, taskinstance.Running, "started", now)
	p.Apply(id, taskinstance.Succeeded, "succeeded", now)

	removed := p.Housekeep()
	assert.Len(t, removed, 1)
	assert.Equal(t, 0, p.Size())
}

func TestStalledWhenNothingCanProgress(t *testing.T) {
	p, _ := newTestPool()
	p.Spawn("b", cycletime.NewInteger(1)) // waiting on a, never spawned
	assert.True(t, p.Stalled(false))
	assert.False(t, p.Stalled(true), "an outstanding xtrigger must prevent a stall declaration")
}

func TestWithinRunaheadByCount(t *testing.T) {
	p, _ := newTestPool()
	assert.True(t, p.WithinRunahead(cycletime.NewInteger(1), cycletime.NewInteger(3)))
	assert.False(t, p.WithinRunahead(cycletime.NewInteger(1), cycletime.NewInteger(4)))
}

func TestSpawnRejectsBeyondFinalPoint(t *testing.T) {
	p, _ := newTestPool()
	p.SetFinalPoint(cycletime.NewInteger(3))
	_, ok := p.Spawn("a", cycletime.NewInteger(4))
	assert.False(t, ok)
}
