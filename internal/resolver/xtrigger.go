package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// XtriggerKind distinguishes the three predicate families named in the
// graph model's design notes.
type XtriggerKind string

const (
	XtriggerWallClock XtriggerKind = "wall_clock"
	XtriggerExternal  XtriggerKind = "external"
	XtriggerPeer      XtriggerKind = "peer_workflow"
)

// XtriggerFunc evaluates an xtrigger once, returning whether it fired and
// any output values it publishes as environment-variable settings on
// success.
type XtriggerFunc func(ctx context.Context) (satisfied bool, outputs map[string]string, err error)

// XtriggerSpec binds a predicate to its evaluation cadence.
type XtriggerSpec struct {
	Label    string
	Kind     XtriggerKind
	Eval     XtriggerFunc
	Schedule string // standard 5-field cron expression governing poll cadence
}

// XtriggerManager polls a set of registered xtriggers on their own cron
// cadences and reports completions independently of the main loop's tick,
// mirroring the teacher's use of robfig/cron for periodic background work.
type XtriggerManager struct {
	mu       sync.Mutex
	cron     *cron.Cron
	results  map[string]xtriggerResult
	onSatisfied func(label string, outputs map[string]string)
}

type xtriggerResult struct {
	satisfied bool
	outputs   map[string]string
}

// NewXtriggerManager builds a manager; onSatisfied is invoked (off the
// scheduler's main loop, so callers must hand the event back through a
// channel) the first time a registered xtrigger succeeds.
func NewXtriggerManager(onSatisfied func(label string, outputs map[string]string)) *XtriggerManager {
	return &XtriggerManager{
		cron:        cron.New(),
		results:     make(map[string]xtriggerResult),
		onSatisfied: onSatisfied,
	}
}

// Register adds an xtrigger to the manager's cron schedule. Once satisfied,
// an xtrigger is not re-evaluated (xtriggers are one-shot per label in
// this design, matching spec.md's "their outputs are broadcast to
// subscribing instances").
func (m *XtriggerManager) Register(spec XtriggerSpec) error {
	_, err := m.cron.AddFunc(spec.Schedule, func() {
		m.mu.Lock()
		if m.results[spec.Label].satisfied {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ok, outputs, err := spec.Eval(ctx)
		if err != nil || !ok {
			return
		}

		m.mu.Lock()
		m.results[spec.Label] = xtriggerResult{satisfied: true, outputs: outputs}
		m.mu.Unlock()

		if m.onSatisfied != nil {
			m.onSatisfied(spec.Label, outputs)
		}
	})
	if err != nil {
		return fmt.Errorf("resolver: invalid xtrigger schedule %q for %q: %w", spec.Schedule, spec.Label, err)
	}
	return nil
}

// Satisfied reports whether the named xtrigger has fired, and its published
// outputs if so.
func (m *XtriggerManager) Satisfied(label string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[label]
	if !ok || !r.satisfied {
		return nil, false
	}
	return r.outputs, true
}

// Start begins background polling.
func (m *XtriggerManager) Start() { m.cron.Start() }

// Stop halts background polling and waits for any in-flight evaluation to
// finish.
func (m *XtriggerManager) Stop() { <-m.cron.Stop().Done() }
