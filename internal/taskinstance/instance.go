// Package taskinstance implements the per-(name, cycle-point, submit-number)
// task instance and its lifecycle state machine.
package taskinstance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/taskdef"
)

// State is a task instance's lifecycle state.
type State string

const (
	Waiting       State = "waiting"
	Preparing     State = "preparing"
	Submitted     State = "submitted"
	Running       State = "running"
	Succeeded     State = "succeeded"
	Failed        State = "failed"
	SubmitFailed  State = "submit-failed"
	Expired       State = "expired"
	Removed       State = "removed"
)

// IsTerminal reports whether s is a terminal state: no further transition is
// ever recorded for the submit-number once reached.
func (s State) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, SubmitFailed, Expired, Removed:
		return true
	default:
		return false
	}
}

// ID identifies a task instance by its (task-name, cycle-point,
// submit-number) tuple.
type ID struct {
	TaskName     string
	Point        cycletime.Point
	SubmitNumber int
}

// String renders "name.point/submitnum", used in logs and event payloads.
func (id ID) String() string {
	return fmt.Sprintf("%s.%s/%02d", id.TaskName, id.Point, id.SubmitNumber)
}

// Instance is a concrete execution attempt.
type Instance struct {
	ID ID

	State State

	// Prerequisites outstanding, keyed by an opaque label assigned by the
	// resolver; true once satisfied.
	Prerequisites map[string]bool
	// SuicidePrerequisites mirrors Prerequisites but for suicide triggers:
	// once all are true the instance is removed without dispatch.
	SuicidePrerequisites map[string]bool

	CompletedOutputs map[string]bool

	RunnerJobID string // identifier assigned by the job runner once submitted

	Attempt         int
	NextRetryDelay  time.Duration
	hasRetryDelay   bool
	PollSchedule    []time.Duration // consumed one entry per poll

	SubmissionDeadline time.Time
	ExecutionDeadline  time.Time

	// RuntimeSettings is the merged definition captured at submission time;
	// instances at or beyond Preparing keep this fixed across reload.
	RuntimeSettings taskdef.Def

	// Token is the per-instance correlation id used on the command channel
	// for inbound job status messages.
	Token string

	Forced bool // true if submitted via a `trigger` command bypassing prerequisites
}

// New creates a fresh Waiting instance for (name, point) at submit-number 1.
func New(name string, point cycletime.Point) *Instance {
	return &Instance{
		ID:                   ID{TaskName: name, Point: point, SubmitNumber: 1},
		State:                Waiting,
		Prerequisites:        make(map[string]bool),
		SuicidePrerequisites: make(map[string]bool),
		CompletedOutputs:     make(map[string]bool),
		Token:                uuid.NewString(),
	}
}

// AllPrerequisitesSatisfied reports whether every prerequisite (including an
// empty set, for parentless tasks) is satisfied.
func (in *Instance) AllPrerequisitesSatisfied() bool {
	for _, ok := range in.Prerequisites {
		if !ok {
			return false
		}
	}
	return true
}

// SuicideSatisfied reports whether every suicide prerequisite registered on
// the instance is satisfied (and at least one exists).
func (in *Instance) SuicideSatisfied() bool {
	if len(in.SuicidePrerequisites) == 0 {
		return false
	}
	for _, ok := range in.SuicidePrerequisites {
		if !ok {
			return false
		}
	}
	return true
}

// Event is a recorded state transition, written to task_events before any
// outbound effect per the persistence ordering guarantee.
type Event struct {
	ID        ID
	From      State
	To        State
	Output    string // the output, if any, that triggered or resulted from the transition
	Timestamp time.Time
}

// Transition applies a state-machine edge, honouring the terminal-state
// tie-break rule: a terminal state is never replaced by a non-terminal one.
// It returns the Event to journal, or ok=false if the transition was a
// no-op (late message after terminal, logged and ignored by the caller).
func (in *Instance) Transition(to State, output string, now time.Time) (Event, bool) {
	if in.State.IsTerminal() {
		return Event{}, false
	}
	if !validTransition(in.State, to) {
		return Event{}, false
	}
	ev := Event{ID: in.ID, From: in.State, To: to, Output: output, Timestamp: now}
	in.State = to
	if output != "" {
		in.CompletedOutputs[output] = true
	}
	return ev, true
}

// validTransition encodes the state diagram in spec.md §4.5.
// Failed/SubmitFailed -> Waiting is not listed: NextAttempt builds a new
// Instance at submitNumber+1 instead, but nothing in the pool or scheduler
// calls it, so a failed or submit-failed instance is not resubmitted.
func validTransition(from, to State) bool {
	switch from {
	case Waiting:
		return to == Preparing || to == Expired || to == Removed
	case Preparing:
		return to == Submitted || to == SubmitFailed
	case Submitted:
		return to == Running || to == SubmitFailed
	case Running:
		return to == Succeeded || to == Failed
	default:
		return false
	}
}

// NextAttempt produces the instance for a retry: a fresh Instance sharing
// the identity tuple's name and point but with SubmitNumber incremented and
// state reset to Waiting, carrying forward the runtime settings (settings
// are captured once at first submission per the reload rule in §4.3... but
// a retry is not a reload, so the same settings apply across attempts).
func (in *Instance) NextAttempt() *Instance {
	next := New(in.ID.TaskName, in.ID.Point)
	next.ID.SubmitNumber = in.ID.SubmitNumber + 1
	next.Attempt = in.Attempt + 1
	next.RuntimeSettings = in.RuntimeSettings
	return next
}
