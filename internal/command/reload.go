package command

import (
	"fmt"
	"sort"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

// ReloadDiff summarises what changed between two registry snapshots, so the
// main loop can log a config-reload entry and decide whether in-flight
// instances need their RuntimeSettings refreshed.
type ReloadDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d ReloadDiff) String() string {
	return fmt.Sprintf("reload: +%d -%d ~%d", len(d.Added), len(d.Removed), len(d.Changed))
}

// Reloader holds the currently active registry and the task/family names
// present at the last successful load.
type Reloader struct {
	current *taskdef.Registry
	names   []string // task/family names present at last successful load
}

// NewReloader starts tracking reg as the active registry.
func NewReloader(reg *taskdef.Registry, names []string) *Reloader {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &Reloader{current: reg, names: sorted}
}

// Apply re-merges every name against the freshly parsed raw defs in next,
// diffs the result against the previously active set, and — only if every
// name still merges cleanly — swaps in next as the active registry. A
// reload that fails to merge leaves the running scheduler on its current
// registry, per spec.md §7's "configuration errors are rejected before any
// state mutation" posture carried over to reload.
func (r *Reloader) Apply(next *taskdef.Registry, nextNames []string) (ReloadDiff, error) {
	sorted := append([]string(nil), nextNames...)
	sort.Strings(sorted)

	for _, n := range sorted {
		if _, err := next.Merge(n); err != nil {
			return ReloadDiff{}, fmt.Errorf("command: reload rejected, %q does not merge: %w", n, err)
		}
	}

	diff := diffNames(r.names, sorted)
	oldSet := toSet(r.names)
	newSet := toSet(sorted)
	for _, n := range sorted {
		if !oldSet[n] || !newSet[n] {
			continue
		}
		oldDef, errOld := r.current.Merge(n)
		newDef, errNew := next.Merge(n)
		if errOld == nil && errNew == nil && !sameDef(oldDef, newDef) {
			diff.Changed = append(diff.Changed, n)
		}
	}

	r.current = next
	r.names = sorted
	return diff, nil
}

// Current returns the active registry.
func (r *Reloader) Current() *taskdef.Registry { return r.current }

func diffNames(oldNames, newNames []string) ReloadDiff {
	oldSet := toSet(oldNames)
	newSet := toSet(newNames)
	var d ReloadDiff
	for _, n := range newNames {
		if !oldSet[n] {
			d.Added = append(d.Added, n)
		}
	}
	for _, n := range oldNames {
		if !newSet[n] {
			d.Removed = append(d.Removed, n)
		}
	}
	return d
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func sameDef(a, b taskdef.Def) bool {
	return fmt.Sprintf("%+v", a) == fmt.Sprintf("%+v", b)
}
