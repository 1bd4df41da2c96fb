// Package resolver matches completed outputs against outstanding
// prerequisites, and evaluates xtrigger predicates.
package resolver

import (
	"fmt"

	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/taskinstance"
)

// OutputStore answers whether an upstream (task, point) instance has
// completed a given output. The pool implements this; the resolver treats
// it as a read-only oracle so the two packages don't import each other.
type OutputStore interface {
	HasOutput(task string, point cycletime.Point, output string) bool
}

// Resolver tracks, for each waiting instance, the outstanding prerequisite
// expressions derived from the graph, and evaluates them as outputs arrive.
type Resolver struct {
	model *graph.Model
	store OutputStore

	// initialPoint bounds inter-cycle edges: a prerequisite referencing a
	// point before this is synthesised as already satisfied, per the
	// design note on "cyclic references in graph".
	initialPoint cycletime.Point
	hasInitial   bool
}

// New builds a resolver over model, backed by store for output lookups.
func New(model *graph.Model, store OutputStore) *Resolver {
	return &Resolver{model: model, store: store}
}

// SetInitialPoint records the workflow's initial cycle point so inter-cycle
// edges referencing an out-of-range upstream point resolve as satisfied
// rather than blocking forever.
func (r *Resolver) SetInitialPoint(p cycletime.Point) {
	r.initialPoint = p
	r.hasInitial = true
}

// BuildPrerequisites derives the prerequisite map for a freshly-spawned
// instance of task at point, one label per matching edge in the graph, and
// returns each label's upstream refs alongside it. Every matching edge
// becomes a regular prerequisite; no suicide prerequisites are derived.
func (r *Resolver) BuildPrerequisites(task string, point cycletime.Point) (prereqs map[string]bool, refs map[string][]graph.Ref) {
	prereqs = make(map[string]bool)
	refs = make(map[string][]graph.Ref)
	for i, e := range r.model.EdgesForDownstream(task, point) {
		label := fmt.Sprintf("edge-%d", i)
		leaves := e.Trigger.Refs()
		resolved := make([]graph.Ref, 0, len(leaves))
		for _, ref := range leaves {
			resolved = append(resolved, graph.Ref{TaskName: ref.TaskName, Output: ref.Output})
		}
		refs[label] = resolved
		prereqs[label] = r.evalEdge(e, point)
	}
	return prereqs, refs
}

// evalEdge evaluates a single edge's trigger expression against the current
// output store, synthesising "satisfied" for any leaf whose resolved
// upstream point precedes the workflow's initial cycle point.
func (r *Resolver) evalEdge(e graph.Edge, downstream cycletime.Point) bool {
	return e.Trigger.Eval(func(ref graph.Ref) bool {
		up := graph.UpstreamPoint(downstream, ref)
		if r.hasInitial && up.Before(r.initialPoint) {
			return true
		}
		return r.store.HasOutput(ref.TaskName, up, ref.Output)
	})
}

// Reevaluate recomputes every outstanding prerequisite label on in against
// the current output store, updating in.Prerequisites in place. Call this
// whenever any upstream instance completes a new output; the pool calls it
// on every waiting instance, not only on those the output could affect.
func (r *Resolver) Reevaluate(in *taskinstance.Instance) {
	for i, e := range r.model.EdgesForDownstream(in.ID.TaskName, in.ID.Point) {
		label := fmt.Sprintf("edge-%d", i)
		if _, tracked := in.Prerequisites[label]; tracked {
			in.Prerequisites[label] = r.evalEdge(e, in.ID.Point)
		}
	}
}
