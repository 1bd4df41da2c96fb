package eventhandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	c := Context{TaskName: "a", Point: "1", Event: "succeeded"}
	got := c.Render("notify %(name)s %(point)s %(event)s")
	assert.Equal(t, "notify a 1 succeeded", got)
}

func TestFireDispatchesAndWaits(t *testing.T) {
	e := New(nil, 2, 0, 0)
	var mu sync.Mutex
	var calls []string
	e.runCommand = func(ctx context.Context, command string) error {
		mu.Lock()
		calls = append(calls, command)
		mu.Unlock()
		return nil
	}
	e.Fire(context.Background(), []Handler{
		{Event: TaskSucceeded, CommandTemplate: "echo %(name)s"},
		{Event: TaskSucceeded, CommandTemplate: "echo2 %(name)s"},
	}, Context{TaskName: "a"})
	e.Wait()
	assert.Len(t, calls, 2)
}

func TestFireRetriesOnFailure(t *testing.T) {
	e := New(nil, 1, 0, 0)
	var attempts int
	var mu sync.Mutex
	e.runCommand = func(ctx context.Context, command string) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("boom")
		}
		return nil
	}
	e.Fire(context.Background(), []Handler{
		{Event: TaskFailed, CommandTemplate: "cmd", RetryDelays: []time.Duration{time.Millisecond, time.Millisecond}},
	}, Context{TaskName: "a"})
	e.Wait()
	assert.Equal(t, 3, attempts)
}

func TestFireEscalatesOnPersistentFailure(t *testing.T) {
	e := New(nil, 1, 0, 0)
	e.runCommand = func(ctx context.Context, command string) error { return errors.New("boom") }

	escalated := make(chan Handler, 1)
	e.OnPersistentFailure = func(h Handler, ctx Context) { escalated <- h }

	e.Fire(context.Background(), []Handler{
		{Event: WorkflowStall, CommandTemplate: "cmd", AbortOnFail: true},
	}, Context{})
	e.Wait()

	select {
	case h := <-escalated:
		assert.Equal(t, WorkflowStall, h.Event)
	case <-time.After(time.Second):
		t.Fatal("expected escalation")
	}
}

func TestRunningTracksInFlight(t *testing.T) {
	e := New(nil, 1, 0, 0)
	block := make(chan struct{})
	e.runCommand = func(ctx context.Context, command string) error {
		<-block
		return nil
	}
	e.Fire(context.Background(), []Handler{{Event: TaskStarted, CommandTemplate: "cmd"}}, Context{})
	require.Eventually(t, func() bool { return e.Running() == 1 }, time.Second, time.Millisecond)
	close(block)
	e.Wait()
	assert.Equal(t, int64(0), e.Running())
}
