// Package pool implements the task pool: the active set of live task
// instances, the runahead window, spawning, suicide, and housekeeping.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/resolver"
	"github.com/swarmguard/flowcore/internal/taskdef"
	"github.com/swarmguard/flowcore/internal/taskinstance"
)

// RunaheadLimit caps how far the leading edge of active cycle points may
// run ahead of the oldest incomplete point: either a duration (date-time
// cycling) or a count of points (integer cycling).
type RunaheadLimit struct {
	Duration    cycletime.Duration
	HasDuration bool
	Count       int
	HasCount    bool
}

// Pool is the exclusive owner of all live task instances. It is driven by
// the scheduler's main loop; every mutating method must be called from that
// single goroutine (see internal/scheduler), matching the cooperative
// single-threaded concurrency model.
type Pool struct {
	mu sync.RWMutex

	registry *taskdef.Registry
	model    *graph.Model
	resolve  *resolver.Resolver

	runahead    RunaheadLimit
	finalPoint  cycletime.Point
	hasFinal    bool
	parentless  map[string]bool // task names with no non-xtrigger prerequisites

	instances map[taskinstance.ID]*taskinstance.Instance
	// byPoint indexes live instances by point for housekeeping scans.
	byPoint map[string][]*taskinstance.Instance

	held bool

	// stallSince is non-zero while the pool is stalled, for timeout
	// tracking by the scheduler.
	stallSince time.Time
}

// New builds an empty pool bound to the given registry, graph and resolver.
func New(registry *taskdef.Registry, model *graph.Model, resolve *resolver.Resolver, runahead RunaheadLimit, parentless []string) *Pool {
	p := &Pool{
		registry:   registry,
		model:      model,
		resolve:    resolve,
		runahead:   runahead,
		parentless: make(map[string]bool, len(parentless)),
		instances:  make(map[taskinstance.ID]*taskinstance.Instance),
		byPoint:    make(map[string][]*taskinstance.Instance),
	}
	for _, n := range parentless {
		p.parentless[n] = true
	}
	return p
}

// SetResolver wires the pool to a resolver after construction, for the
// common case where the resolver itself is built with the pool as its
// OutputStore and so cannot be passed to New before the pool exists.
func (p *Pool) SetResolver(r *resolver.Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolve = r
}

// SetFinalPoint configures the final cycle point; spawn requests beyond it
// are rejected.
func (p *Pool) SetFinalPoint(point cycletime.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalPoint = point
	p.hasFinal = true
}

// HasOutput implements resolver.OutputStore by scanning live instances at
// point. An instance that is not in the pool (never spawned, or already
// housekept) reports no outputs, so HasOutput returns false for it.
func (p *Pool) HasOutput(task string, point cycletime.Point, output string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, in := range p.byPoint[point.String()] {
		if in.ID.TaskName == task {
			return in.CompletedOutputs[output]
		}
	}
	return false
}

// Spawn creates a Waiting instance for (name, point) if one does not already
// exist, deriving its prerequisites from the graph. It refuses to spawn
// beyond the final cycle point when one is configured.
func (p *Pool) Spawn(name string, point cycletime.Point) (*taskinstance.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasFinal && point.After(p.finalPoint) {
		return nil, false
	}
	id := taskinstance.ID{TaskName: name, Point: point, SubmitNumber: 1}
	if existing, ok := p.instances[id]; ok {
		return existing, true
	}
	in := taskinstance.New(name, point)
	prereqs, _ := p.resolve.BuildPrerequisites(name, point)
	in.Prerequisites = prereqs
	if def, err := p.registry.Merge(name); err == nil {
		in.RuntimeSettings = def
	}
	p.addLocked(in)
	return in, true
}

func (p *Pool) addLocked(in *taskinstance.Instance) {
	p.instances[in.ID] = in
	key := in.ID.Point.String()
	p.byPoint[key] = append(p.byPoint[key], in)
}

// Get returns the live instance for id, if any.
func (p *Pool) Get(id taskinstance.ID) (*taskinstance.Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	in, ok := p.instances[id]
	return in, ok
}

// Eligible returns every Waiting instance whose prerequisites are satisfied
// and which is not held, ready for the submission subsystem to pick up in
// its next round. Force-triggered instances are included regardless of
// prerequisite state.
func (p *Pool) Eligible() []*taskinstance.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.held {
		return nil
	}
	var out []*taskinstance.Instance
	for _, in := range p.instances {
		if in.State != taskinstance.Waiting {
			continue
		}
		if in.Forced || in.AllPrerequisitesSatisfied() {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// MarkPreparing transitions an eligible instance into Preparing, called by
// the submission subsystem immediately before handing it to a runner
// adapter.
func (p *Pool) MarkPreparing(id taskinstance.ID, now time.Time) (taskinstance.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.instances[id]
	if !ok {
		return taskinstance.Event{}, false
	}
	return in.Transition(taskinstance.Preparing, "", now)
}

// Apply records a state transition for id (from a message or a poll
// result), returning the event to journal and whether it applied. When the
// transition carries an output, every waiting instance's prerequisites are
// re-evaluated.
func (p *Pool) Apply(id taskinstance.ID, to taskinstance.State, output string, now time.Time) (taskinstance.Event, bool) {
	p.mu.Lock()
	in, ok := p.instances[id]
	if !ok {
		p.mu.Unlock()
		return taskinstance.Event{}, false
	}
	ev, applied := in.Transition(to, output, now)
	p.mu.Unlock()
	if !applied {
		return ev, false
	}
	if output != "" {
		p.reevaluateDependents(id.TaskName, id.Point)
	}
	return ev, true
}

// reevaluateDependents re-checks prerequisites on every waiting instance in
// the pool, not only those that depend on (task, point);
// the resolver's EdgesForDownstream call inside Reevaluate is cheap enough
// per tick that a full scan is acceptable at pool sizes bounded by the
// runahead window.
func (p *Pool) reevaluateDependents(task string, point cycletime.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, in := range p.instances {
		if in.State != taskinstance.Waiting {
			continue
		}
		p.resolve.Reevaluate(in)
		p.checkSuicideLocked(in)
	}
	_ = task
	_ = point
}

func (p *Pool) checkSuicideLocked(in *taskinstance.Instance) {
	if in.SuicideSatisfied() {
		in.State = taskinstance.Removed
		delete(p.instances, in.ID)
	}
}

// Hold sets the pool's hold flag; no instance becomes eligible while held.
func (p *Pool) Hold()    { p.mu.Lock(); p.held = true; p.mu.Unlock() }
func (p *Pool) Release() { p.mu.Lock(); p.held = false; p.mu.Unlock() }

// Remove force-removes an instance from the pool (the `remove` command),
// setting its state to Removed directly rather than through a state-machine
// transition; no event is returned or recorded.
func (p *Pool) Remove(id taskinstance.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.instances[id]
	if !ok {
		return false
	}
	in.State = taskinstance.Removed
	delete(p.instances, id)
	key := id.Point.String()
	p.byPoint[key] = removeInstance(p.byPoint[key], in)
	return true
}

func removeInstance(list []*taskinstance.Instance, target *taskinstance.Instance) []*taskinstance.Instance {
	out := list[:0]
	for _, in := range list {
		if in != target {
			out = append(out, in)
		}
	}
	return out
}

// Trigger force-marks a waiting instance eligible regardless of
// prerequisites by setting Forced; the bypass is not logged.
func (p *Pool) Trigger(id taskinstance.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.instances[id]
	if !ok || in.State != taskinstance.Waiting {
		return false
	}
	in.Forced = true
	return true
}

// SetOutput marks an arbitrary output as completed on id, propagating as if
// the job itself had produced it (the `set` command).
func (p *Pool) SetOutput(id taskinstance.ID, output string, now time.Time) bool {
	p.mu.RLock()
	_, ok := p.instances[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	in := p.instances[id]
	in.CompletedOutputs[output] = true
	p.mu.Unlock()
	p.reevaluateDependents(id.TaskName, id.Point)
	return true
}

// RunaheadEdge returns the furthest point any live instance currently
// occupies.
func (p *Pool) RunaheadEdge() (cycletime.Point, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best cycletime.Point
	found := false
	for _, in := range p.instances {
		if !found || in.ID.Point.After(best) {
			best = in.ID.Point
			found = true
		}
	}
	return best, found
}

// OldestIncomplete returns the least point with any non-terminal instance.
func (p *Pool) OldestIncomplete() (cycletime.Point, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best cycletime.Point
	found := false
	for _, in := range p.instances {
		if in.State.IsTerminal() {
			continue
		}
		if !found || in.ID.Point.Before(best) {
			best = in.ID.Point
			found = true
		}
	}
	return best, found
}

// WithinRunahead reports whether candidate is within the runahead limit of
// the oldest incomplete point (or is itself the oldest point, when the pool
// is empty).
func (p *Pool) WithinRunahead(oldest, candidate cycletime.Point) bool {
	if p.runahead.HasCount {
		return cycletime.Diff(oldest, candidate).AsCount() <= int64(p.runahead.Count)
	}
	if p.runahead.HasDuration {
		limit := cycletime.Add(oldest, p.runahead.Duration)
		return !candidate.After(limit)
	}
	return true
}

// IsParentless reports whether name has no non-xtrigger prerequisites, and
// so is eligible to spawn one point ahead of the runahead edge.
func (p *Pool) IsParentless(name string) bool { return p.parentless[name] }

// Housekeep removes every point whose instances are all terminal, and is
// called once per main-loop tick. It does not check whether a live
// instance elsewhere in the pool still has a prerequisite referencing the
// point; once removed, its instances report no outputs through HasOutput.
func (p *Pool) Housekeep() []taskinstance.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []taskinstance.ID
	for key, list := range p.byPoint {
		allTerminal := true
		for _, in := range list {
			if !in.State.IsTerminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal || len(list) == 0 {
			continue
		}
		for _, in := range list {
			delete(p.instances, in.ID)
			removed = append(removed, in.ID)
		}
		delete(p.byPoint, key)
	}
	return removed
}

// Stalled reports whether the pool is non-empty but no instance can make
// progress: none eligible, none submitted/running, no xtrigger outstanding
// (xtriggerPending is supplied by the caller, which owns the xtrigger
// manager).
func (p *Pool) Stalled(xtriggerPending bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.instances) == 0 || xtriggerPending {
		return false
	}
	for _, in := range p.instances {
		switch in.State {
		case taskinstance.Preparing, taskinstance.Submitted, taskinstance.Running:
			return false
		case taskinstance.Waiting:
			if in.Forced || in.AllPrerequisitesSatisfied() {
				return false
			}
		}
	}
	return true
}

// HasActive reports whether any instance is mid-flight (preparing,
// submitted, or running), the condition a clean stop waits to clear before
// the scheduler shuts down.
func (p *Pool) HasActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, in := range p.instances {
		switch in.State {
		case taskinstance.Preparing, taskinstance.Submitted, taskinstance.Running:
			return true
		}
	}
	return false
}

// ActiveInstances returns every mid-flight instance, used by a now-now stop
// to kill jobs still running on their runner before the process exits.
func (p *Pool) ActiveInstances() []*taskinstance.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*taskinstance.Instance
	for _, in := range p.instances {
		switch in.State {
		case taskinstance.Preparing, taskinstance.Submitted, taskinstance.Running:
			out = append(out, in)
		}
	}
	return out
}

// Size returns the number of live instances, used for the pool-size metric
// and the completion check.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// All returns a snapshot of every live instance, ordered by ID string, for
// checkpoint writes and diagnostics.
func (p *Pool) All() []*taskinstance.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*taskinstance.Instance, 0, len(p.instances))
	for _, in := range p.instances {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Restore re-inserts an instance loaded from the persistent store, used on
// restart before reconciliation polling begins.
func (p *Pool) Restore(in *taskinstance.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(in)
}
