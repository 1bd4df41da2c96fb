package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/broadcast"
	"github.com/swarmguard/flowcore/internal/command"
	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/eventhandler"
	"github.com/swarmguard/flowcore/internal/eventstream"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/obs"
	"github.com/swarmguard/flowcore/internal/pool"
	"github.com/swarmguard/flowcore/internal/resolver"
	"github.com/swarmguard/flowcore/internal/rundir"
	"github.com/swarmguard/flowcore/internal/runner"
	"github.com/swarmguard/flowcore/internal/store"
	"github.com/swarmguard/flowcore/internal/taskdef"
)

type fakeAdapter struct {
	submitted atomic.Int64
	killed    atomic.Int64
}

func (f *fakeAdapter) Kind() taskdef.RunnerKind { return taskdef.RunnerBackground }
func (f *fakeAdapter) Submit(ctx context.Context, host string, reqs []runner.SubmitRequest) []runner.SubmitResult {
	out := make([]runner.SubmitResult, len(reqs))
	for i, r := range reqs {
		f.submitted.Add(1)
		out[i] = runner.SubmitResult{InstanceKey: r.InstanceKey, OK: true, RunnerJobID: "job-" + r.InstanceKey}
	}
	return out
}
func (f *fakeAdapter) Poll(ctx context.Context, host string, ids []string) []runner.PollResult {
	return nil
}
func (f *fakeAdapter) Kill(ctx context.Context, host string, ids []string) error {
	f.killed.Add(int64(len(ids)))
	return nil
}
func (f *fakeAdapter) ParseDirectives(d map[string]string) (string, error)       { return "", nil }

func buildScheduler(t *testing.T) (*Scheduler, *fakeAdapter) {
	t.Helper()

	reg := taskdef.NewRegistry()
	reg.Add(taskdef.Def{Name: "a", Runner: taskdef.RunnerBackground})

	model := graph.NewModel()
	initial := cycletime.NewInteger(1)
	final := cycletime.NewInteger(1)

	st, err := store.Open(t.TempDir() + "/wf.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir, err := rundir.Open(t.TempDir(), "test-flow")
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	batcher := &runner.Batcher{Registry: runner.NewRegistry(adapter), BatchSize: 10}

	p := pool.New(reg, model, nil, pool.RunaheadLimit{HasCount: true, Count: 5}, []string{"a"})
	resolve := resolver.New(model, p)
	resolve.SetInitialPoint(initial)
	p.SetResolver(resolve)

	sched := New(Deps{
		Registry:     reg,
		TaskNames:    []string{"a"},
		Model:        model,
		Resolve:      resolve,
		Pool:         p,
		Batcher:      batcher,
		Store:        st,
		Broadcast:    broadcast.New(),
		Handlers:     eventhandler.New(slog.Default(), 2, 2, 0),
		Metrics:      obs.NewMetrics("test-flow"),
		Hub:          eventstream.NewHub(nil),
		Dir:          dir,
		Log:          slog.Default(),
		InitialPoint: initial,
		FinalPoint:   final,
		HasFinal:     true,
		TickInterval: 5 * time.Millisecond,
	})
	return sched, adapter
}

func TestDispatchHoldAndRelease(t *testing.T) {
	sched, _ := buildScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	resp := sched.Dispatch(ctx, command.Request{Command: command.CmdHold})
	assert.True(t, resp.OK)
	assert.True(t, sched.held.Load())

	resp = sched.Dispatch(ctx, command.Request{Command: command.CmdRelease})
	assert.True(t, resp.OK)
	assert.False(t, sched.held.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestUnknownCommandIsUserError(t *testing.T) {
	sched, _ := buildScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	resp := sched.Dispatch(ctx, command.Request{Command: "bogus"})
	assert.False(t, resp.OK)
	assert.Equal(t, command.ErrUser, resp.Kind)

	cancel()
	<-done
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	sched, adapter := buildScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return adapter.submitted.Load() > 0 }, time.Second, 5*time.Millisecond)

	resp := sched.Dispatch(ctx, command.Request{Command: command.CmdStatus, Args: map[string]any{
		"task": "a", "point": "1", "state": "running",
	}})
	require.True(t, resp.OK)

	resp = sched.Dispatch(ctx, command.Request{Command: command.CmdStatus, Args: map[string]any{
		"task": "a", "point": "1", "state": "succeeded", "output": "succeeded",
	}})
	require.True(t, resp.OK)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not reach completion")
	}
}

func TestApplyReloadRebindsResolverToPool(t *testing.T) {
	sched, _ := buildScheduler(t)

	newReg := taskdef.NewRegistry()
	newReg.Add(taskdef.Def{Name: "a", Runner: taskdef.RunnerBackground})
	newReg.Add(taskdef.Def{Name: "b", Runner: taskdef.RunnerBackground})
	newModel := graph.NewModel()

	sched.ApplyReload(newReg, []string{"a", "b"}, newModel)

	assert.Equal(t, []string{"a", "b"}, sched.d.TaskNames)
	assert.Same(t, newModel, sched.d.Model)
	require.NotNil(t, sched.d.Resolve)
}

// TestStopCommandEndsTheLoop exercises a clean stop: it suppresses new
// submissions right away but waits for the already-active instance to
// drain before Run actually returns, per spec.md §4.11.
func TestStopCommandEndsTheLoop(t *testing.T) {
	sched, adapter := buildScheduler(t)
	sched.d.HasFinal = false // keep the workflow alive until `stop` is issued
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return adapter.submitted.Load() > 0 }, time.Second, 5*time.Millisecond)

	resp := sched.Dispatch(ctx, command.Request{Command: command.CmdStop, Args: map[string]any{"mode": command.StopClean}})
	assert.True(t, resp.OK)

	select {
	case <-done:
		t.Fatal("clean stop ended the loop before its active instance drained")
	case <-time.After(50 * time.Millisecond):
	}

	resp = sched.Dispatch(ctx, command.Request{Command: command.CmdStatus, Args: map[string]any{
		"task": "a", "point": "1", "state": "succeeded", "output": "succeeded",
	}})
	require.True(t, resp.OK)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop once its active instance drained")
	}
}

// TestStopNowEndsImmediately exercises the now mode: it ends Run on the same
// command round-trip without waiting for the active instance to finish.
func TestStopNowEndsImmediately(t *testing.T) {
	sched, adapter := buildScheduler(t)
	sched.d.HasFinal = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return adapter.submitted.Load() > 0 }, time.Second, 5*time.Millisecond)

	resp := sched.Dispatch(ctx, command.Request{Command: command.CmdStop, Args: map[string]any{"mode": command.StopNow}})
	assert.True(t, resp.OK)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("now stop did not end the loop immediately")
	}
}

// TestStopNowNowKillsActiveInstances exercises now-now: it kills every
// mid-flight job before Run returns, rather than leaving it running.
func TestStopNowNowKillsActiveInstances(t *testing.T) {
	sched, adapter := buildScheduler(t)
	sched.d.HasFinal = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return adapter.submitted.Load() > 0 }, time.Second, 5*time.Millisecond)

	resp := sched.Dispatch(ctx, command.Request{Command: command.CmdStop, Args: map[string]any{"mode": command.StopNowNow}})
	assert.True(t, resp.OK)
	assert.Equal(t, int64(1), adapter.killed.Load())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("now-now stop did not end the loop immediately")
	}
}

func TestStopRejectsMalformedDeadlines(t *testing.T) {
	sched, _ := buildScheduler(t)
	ctx := context.Background()

	resp := sched.handleStop(ctx, map[string]any{"mode": command.StopAtClockTime, "time": "not-a-time"})
	assert.False(t, resp.OK)
	assert.Equal(t, command.ErrUser, resp.Kind)

	resp = sched.handleStop(ctx, map[string]any{"mode": command.StopAtCyclePoint})
	assert.False(t, resp.OK)
	assert.Equal(t, command.ErrUser, resp.Kind)

	resp = sched.handleStop(ctx, map[string]any{"mode": "bogus"})
	assert.False(t, resp.OK)
	assert.Equal(t, command.ErrUser, resp.Kind)
}
