// Package taskdef implements the task definition registry: inheritance
// merge via C3 linearisation, and parameter expansion into concrete task
// names.
package taskdef

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RunnerKind names a job-runner variant understood by internal/runner.
type RunnerKind string

const (
	RunnerBackground  RunnerKind = "background"
	RunnerAt          RunnerKind = "at"
	RunnerPBS         RunnerKind = "pbs"
	RunnerSlurm       RunnerKind = "slurm"
	RunnerLSF         RunnerKind = "lsf"
	RunnerLoadLeveler RunnerKind = "loadleveler"
)

// Def is a task definition's normalised runtime settings, before broadcast
// overrides. It may describe a family (a definition other tasks inherit
// from and that is never itself instantiated) or a leaf task.
type Def struct {
	Name    string
	Inherit []string // immediate parents, in MRO-input order

	Script      string
	EnvScript   string
	PreScript   string
	PostScript  string
	InitScript  string
	ErrScript   string

	Platform   string
	Runner     RunnerKind
	Host       string
	Directives map[string]string

	Environment map[string]string
	Outputs     map[string]string // label -> message

	ExecutionRetryDelays  []string // ISO-8601 durations, consumed in order
	SubmissionRetryDelays []string
	ExecutionTimeLimit    string
	SubmissionTimeLimit   string

	PollingIntervals []string

	EventHandlers map[string][]string // event name -> command templates

	// Xtriggers lists "label = kind: cron-schedule" declarations, e.g.
	// "clock_5m = wall_clock: */5 * * * *", registered with the resolver's
	// XtriggerManager at play time.
	Xtriggers []string

	IsFamily bool
}

// clone returns a deep-enough copy of d for merge purposes.
func (d Def) clone() Def {
	c := d
	c.Inherit = append([]string(nil), d.Inherit...)
	c.Directives = copyMap(d.Directives)
	c.Environment = copyMap(d.Environment)
	c.Outputs = copyMap(d.Outputs)
	c.ExecutionRetryDelays = append([]string(nil), d.ExecutionRetryDelays...)
	c.SubmissionRetryDelays = append([]string(nil), d.SubmissionRetryDelays...)
	c.PollingIntervals = append([]string(nil), d.PollingIntervals...)
	c.Xtriggers = append([]string(nil), d.Xtriggers...)
	c.EventHandlers = make(map[string][]string, len(d.EventHandlers))
	for k, v := range d.EventHandlers {
		c.EventHandlers[k] = append([]string(nil), v...)
	}
	return c
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Registry holds raw (pre-merge) definitions and produces merged leaf
// definitions on demand. It is rebuilt wholesale on load and on reload;
// instances that have passed `preparing` keep whatever *Def they were
// handed at submission time, since the registry they came from may no
// longer exist.
type Registry struct {
	raw   map[string]Def
	roots map[string]bool // names with no parents: source of C3 merge order
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{raw: make(map[string]Def), roots: make(map[string]bool)}
}

// Add inserts or replaces a raw (unmerged) definition.
func (r *Registry) Add(d Def) {
	r.raw[d.Name] = d
}

// Merge computes the C3-linearised, fully merged definition for name. Root
// settings are weakest, most-derived settings win on conflict, matching the
// "inherit" list's precedence (later ancestors yield to the child, and
// among ancestors the C3 MRO order decides ties for diamond inheritance).
func (r *Registry) Merge(name string) (Def, error) {
	mro, err := r.linearise(name)
	if err != nil {
		return Def{}, err
	}
	// mro[0] is name itself; mro is most-specific-first. Apply from
	// least-specific to most-specific so later (more specific) entries win.
	merged := Def{Name: name, Directives: map[string]string{}, Environment: map[string]string{}, Outputs: map[string]string{}, EventHandlers: map[string][]string{}}
	for i := len(mro) - 1; i >= 0; i-- {
		applyOnto(&merged, r.raw[mro[i]])
	}
	merged.Name = name
	merged.IsFamily = r.raw[name].IsFamily
	return merged, nil
}

func applyOnto(dst *Def, src Def) {
	if src.Script != "" {
		dst.Script = src.Script
	}
	if src.EnvScript != "" {
		dst.EnvScript = src.EnvScript
	}
	if src.PreScript != "" {
		dst.PreScript = src.PreScript
	}
	if src.PostScript != "" {
		dst.PostScript = src.PostScript
	}
	if src.InitScript != "" {
		dst.InitScript = src.InitScript
	}
	if src.ErrScript != "" {
		dst.ErrScript = src.ErrScript
	}
	if src.Platform != "" {
		dst.Platform = src.Platform
	}
	if src.Runner != "" {
		dst.Runner = src.Runner
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	for k, v := range src.Directives {
		dst.Directives[k] = v
	}
	for k, v := range src.Environment {
		dst.Environment[k] = v
	}
	for k, v := range src.Outputs {
		dst.Outputs[k] = v
	}
	if len(src.ExecutionRetryDelays) > 0 {
		dst.ExecutionRetryDelays = append([]string(nil), src.ExecutionRetryDelays...)
	}
	if len(src.SubmissionRetryDelays) > 0 {
		dst.SubmissionRetryDelays = append([]string(nil), src.SubmissionRetryDelays...)
	}
	if src.ExecutionTimeLimit != "" {
		dst.ExecutionTimeLimit = src.ExecutionTimeLimit
	}
	if src.SubmissionTimeLimit != "" {
		dst.SubmissionTimeLimit = src.SubmissionTimeLimit
	}
	if len(src.PollingIntervals) > 0 {
		dst.PollingIntervals = append([]string(nil), src.PollingIntervals...)
	}
	if len(src.Xtriggers) > 0 {
		dst.Xtriggers = append([]string(nil), src.Xtriggers...)
	}
	for k, v := range src.EventHandlers {
		dst.EventHandlers[k] = v
	}
}

// linearise computes the C3 linearisation (most-specific first) for name.
func (r *Registry) linearise(name string) ([]string, error) {
	def, ok := r.raw[name]
	if !ok {
		return nil, fmt.Errorf("taskdef: unknown task or family %q", name)
	}
	if len(def.Inherit) == 0 {
		return []string{name}, nil
	}
	var parentLines [][]string
	for _, p := range def.Inherit {
		line, err := r.linearise(p)
		if err != nil {
			return nil, err
		}
		parentLines = append(parentLines, line)
	}
	parentLines = append(parentLines, append([]string(nil), def.Inherit...))
	merged, err := c3Merge(parentLines)
	if err != nil {
		return nil, fmt.Errorf("taskdef: inheritance conflict for %q: %w", name, err)
	}
	return append([]string{name}, merged...), nil
}

// c3Merge implements the standard C3 linearisation merge algorithm over a
// set of already-linearised parent sequences plus the direct-parents list.
func c3Merge(lines [][]string) ([]string, error) {
	var result []string
	lines = cloneLines(lines)
	for {
		lines = dropEmpty(lines)
		if len(lines) == 0 {
			return result, nil
		}
		var head string
		found := false
		for _, line := range lines {
			candidate := line[0]
			if !appearsInTail(lines, candidate) {
				head = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("inconsistent hierarchy")
		}
		result = append(result, head)
		for i := range lines {
			lines[i] = removeFirstOccurrence(lines[i], head)
		}
	}
}

func cloneLines(lines [][]string) [][]string {
	out := make([][]string, len(lines))
	for i, l := range lines {
		out[i] = append([]string(nil), l...)
	}
	return out
}

func dropEmpty(lines [][]string) [][]string {
	var out [][]string
	for _, l := range lines {
		if len(l) > 0 {
			out = append(out, l)
		}
	}
	return out
}

func appearsInTail(lines [][]string, name string) bool {
	for _, line := range lines {
		for _, n := range line[1:] {
			if n == name {
				return true
			}
		}
	}
	return false
}

func removeFirstOccurrence(line []string, name string) []string {
	if len(line) > 0 && line[0] == name {
		return line[1:]
	}
	return line
}

// ParamSet declares the value domain for one `task parameters` entry, e.g.
// `task parameters.i = 1..3`.
type ParamSet struct {
	Name   string
	Values []string
}

// ExpandParameterised substitutes each parameter's value set into a
// template task name such as `model<i>`, producing concrete names, e.g.
// `model<i>` with i = 1..3 -> `model_1`, `model_2`, `model_3`.
func ExpandParameterised(template string, sets map[string]ParamSet) ([]string, error) {
	params := extractParamTokens(template)
	if len(params) == 0 {
		return []string{template}, nil
	}
	combos := [][]string{{}}
	var names []string
	for _, p := range params {
		set, ok := sets[p]
		if !ok {
			return nil, fmt.Errorf("taskdef: unknown parameter %q in template %q", p, template)
		}
		names = append(names, p)
		var next [][]string
		for _, combo := range combos {
			for _, v := range set.Values {
				nc := append(append([]string(nil), combo...), v)
				next = append(next, nc)
			}
		}
		combos = next
	}
	sort.Strings(names)
	out := make([]string, 0, len(combos))
	for _, combo := range combos {
		s := template
		for i, p := range params {
			s = strings.ReplaceAll(s, "<"+p+">", "_"+combo[i])
		}
		out = append(out, s)
	}
	return out, nil
}

func extractParamTokens(template string) []string {
	var out []string
	for {
		start := strings.Index(template, "<")
		if start < 0 {
			break
		}
		end := strings.Index(template[start:], ">")
		if end < 0 {
			break
		}
		out = append(out, template[start+1:start+end])
		template = template[start+end+1:]
	}
	return out
}

// Range expands an `a..b` or `a..b..step` range literal into string values,
// the form used on the right of `task parameters.i = 1..3`.
func Range(spec string) ([]string, error) {
	parts := strings.Split(spec, "..")
	if len(parts) < 2 {
		return strings.Split(spec, ","), nil
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("taskdef: invalid range start %q", parts[0])
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("taskdef: invalid range end %q", parts[1])
	}
	step := 1
	if len(parts) == 3 {
		step, err = strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("taskdef: invalid range step %q", parts[2])
		}
	}
	if step == 0 {
		return nil, fmt.Errorf("taskdef: range step must be non-zero")
	}
	var out []string
	if step > 0 {
		for v := lo; v <= hi; v += step {
			out = append(out, strconv.Itoa(v))
		}
	} else {
		for v := lo; v >= hi; v += step {
			out = append(out, strconv.Itoa(v))
		}
	}
	return out, nil
}
