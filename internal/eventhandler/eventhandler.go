// Package eventhandler implements the event handler engine: user-defined
// handlers fired on task/workflow events, dispatched through a bounded
// concurrency pool separate from job submission.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event names recognised at task and workflow scope, per spec.md §4.10.
const (
	TaskSubmitted        = "submitted"
	TaskStarted           = "started"
	TaskSucceeded         = "succeeded"
	TaskFailed            = "failed"
	TaskRetry             = "retry"
	TaskWarning           = "warning"
	TaskSubmissionFailed  = "submission failed"
	TaskSubmissionRetry   = "submission retry"
	TaskSubmissionTimeout = "submission timeout"
	TaskExecutionTimeout  = "execution timeout"

	WorkflowStartup   = "startup"
	WorkflowShutdown  = "shutdown"
	WorkflowStall     = "stall"
	WorkflowTimeout   = "timeout"
	WorkflowInactivity = "inactivity"
)

// Handler is one configured command template bound to an event, with its
// own retry schedule and abort-escalation flag.
type Handler struct {
	Event         string
	CommandTemplate string // e.g. "notify.sh %(name)s %(point)s"
	RetryDelays   []time.Duration
	AbortOnFail   bool
}

// Context supplies the substitution values for a handler's command
// template; fields are rendered via %(name)s-style placeholders, the
// convention the external config parser uses.
type Context struct {
	TaskName string
	Point    string
	Event    string
	Message  string
}

// Render substitutes Context fields into tmpl.
func (c Context) Render(tmpl string) string {
	replacer := strings.NewReplacer(
		"%(name)s", c.TaskName,
		"%(point)s", c.Point,
		"%(event)s", c.Event,
		"%(message)s", c.Message,
	)
	return replacer.Replace(tmpl)
}

// Engine dispatches handler invocations through a bounded worker pool,
// retrying failed invocations per their own schedule, and reports
// persistent failures so the scheduler can escalate to shutdown when
// configured.
type Engine struct {
	log         *slog.Logger
	sem         chan struct{}
	batchSize   int
	delay       time.Duration
	running     int64
	wg          sync.WaitGroup

	// runCommand is overridable in tests to avoid invoking a real shell.
	runCommand func(ctx context.Context, command string) error

	OnPersistentFailure func(h Handler, ctx Context)
}

// New builds an engine bounded to concurrency workers, batching handler
// dispatch the same way job submission batches (batchSize per round, delay
// between rounds).
func New(log *slog.Logger, concurrency, batchSize int, delay time.Duration) *Engine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		log:        log,
		sem:        make(chan struct{}, concurrency),
		batchSize:  batchSize,
		delay:      delay,
		runCommand: runShell,
	}
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	return cmd.Run()
}

// Fire dispatches handlers in batches of Engine's batchSize, sleeping delay
// between batches, each handler invocation bounded by the concurrency
// semaphore and retried per its own RetryDelays on non-zero exit.
func (e *Engine) Fire(ctx context.Context, handlers []Handler, hctx Context) {
	size := e.batchSize
	if size <= 0 {
		size = len(handlers)
	}
	for start := 0; start < len(handlers); start += size {
		end := start + size
		if end > len(handlers) {
			end = len(handlers)
		}
		for _, h := range handlers[start:end] {
			e.wg.Add(1)
			go e.dispatch(ctx, h, hctx)
		}
		if end < len(handlers) && e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Wait blocks until every in-flight dispatch started by Fire has finished,
// used by `stop --now` to let in-flight handlers complete before the
// scheduler exits.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) dispatch(ctx context.Context, h Handler, hctx Context) {
	defer e.wg.Done()
	e.sem <- struct{}{}
	atomic.AddInt64(&e.running, 1)
	defer func() {
		<-e.sem
		atomic.AddInt64(&e.running, -1)
	}()

	command := hctx.Render(h.CommandTemplate)
	attempts := append([]time.Duration{0}, h.RetryDelays...)
	var lastErr error
	for i, delay := range attempts {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		lastErr = e.runCommand(ctx, command)
		if lastErr == nil {
			return
		}
		if e.log != nil {
			e.log.Warn("eventhandler: invocation failed", "event", h.Event, "task", hctx.TaskName, "attempt", i+1, "error", lastErr)
		}
	}
	if lastErr != nil {
		if e.log != nil {
			e.log.Error("eventhandler: handler exhausted retries", "event", h.Event, "task", hctx.TaskName, "error", lastErr)
		}
		if h.AbortOnFail && e.OnPersistentFailure != nil {
			e.OnPersistentFailure(h, hctx)
		}
	}
}

// Running reports the number of handler invocations currently in flight.
func (e *Engine) Running() int64 { return atomic.LoadInt64(&e.running) }

// ErrNoHandlers reports that nothing is configured for an event. No
// function in this module returns it.
var ErrNoHandlers = fmt.Errorf("eventhandler: no handlers configured for event")
