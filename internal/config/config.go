// Package config loads the flow.cylc-equivalent configuration contract
// (spec.md §6): a nested mapping with scheduler, scheduling, runtime, and
// task-parameters sections, parsed with yaml.v3 the way the demo
// controller loads its config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/pool"
	"github.com/swarmguard/flowcore/internal/taskdef"
)

// SchedulerEvents holds the inactivity/stall/timeout event settings under
// scheduler.events.
type SchedulerEvents struct {
	InactivityTimeout    string   `yaml:"inactivity timeout"`
	StallTimeout         string   `yaml:"stall timeout"`
	Timeout              string   `yaml:"timeout"`
	AbortOnInactivity    bool     `yaml:"abort on inactivity timeout"`
	AbortOnStall         bool     `yaml:"abort on stall timeout"`
	AbortOnTimeout       bool     `yaml:"abort on timeout"`
	StallHandlers        []string `yaml:"stall handlers"`
	TimeoutHandlers      []string `yaml:"timeout handlers"`
	InactivityHandlers   []string `yaml:"inactivity handlers"`
}

// Scheduler is the top-level scheduler.* section.
type Scheduler struct {
	UTCMode             bool            `yaml:"UTC mode"`
	CyclePointFormat    string          `yaml:"cycle point format"`
	CyclePointTimeZone  string          `yaml:"cycle point time zone"`
	AllowImplicitTasks  bool            `yaml:"allow implicit tasks"`
	Events              SchedulerEvents `yaml:"events"`
}

// SpecialTasks is the scheduling.special tasks.* section.
type SpecialTasks struct {
	ClockTrigger    []string `yaml:"clock-trigger"`
	ExternalTrigger []string `yaml:"external-trigger"`
	ClockExpire     []string `yaml:"clock-expire"`
}

// Scheduling is the top-level scheduling.* section.
type Scheduling struct {
	InitialCyclePoint string            `yaml:"initial cycle point"`
	FinalCyclePoint   string            `yaml:"final cycle point"`
	CyclingMode       string            `yaml:"cycling mode"` // "integer" | "gregorian"
	RunaheadLimit     string            `yaml:"runahead limit"`
	Graph             map[string]string `yaml:"graph"`
	SpecialTasks      SpecialTasks      `yaml:"special tasks"`
}

// RuntimeSection is one runtime.<name> entry: everything taskdef.Def needs,
// spelled with the config contract's on-disk key names.
type RuntimeSection struct {
	Script     string `yaml:"script"`
	EnvScript  string `yaml:"env-script"`
	PreScript  string `yaml:"pre-script"`
	PostScript string `yaml:"post-script"`
	InitScript string `yaml:"init-script"`
	ErrScript  string `yaml:"err-script"`

	Platform   string            `yaml:"platform"`
	JobRunner  string            `yaml:"job runner"`
	Host       string            `yaml:"host"`
	Directives map[string]string `yaml:"directives"`

	Environment map[string]string `yaml:"environment"`
	Outputs     map[string]string `yaml:"outputs"`

	ExecutionRetryDelays  []string `yaml:"execution retry delays"`
	SubmissionRetryDelays []string `yaml:"submission retry delays"`
	ExecutionTimeLimit    string   `yaml:"execution time limit"`
	SubmissionTimeLimit   string   `yaml:"submission time limit"`

	PollingIntervals []string            `yaml:"polling intervals"`
	Events           map[string][]string `yaml:"events"` // event -> handler command templates

	// Xtriggers is a list of "label = kind: cron-schedule" declarations,
	// e.g. "clock_5m = wall_clock: */5 * * * *". Only wall_clock is
	// evaluated locally; external/peer_workflow labels are accepted and
	// registered but never fire without an endpoint this config format
	// has no field for yet.
	Xtriggers []string `yaml:"xtriggers"`

	Inherit []string `yaml:"inherit"`
}

// ParamSpec is one task-parameters entry, either an explicit list or a
// range literal understood by taskdef.Range.
type ParamSpec struct {
	Values []string `yaml:"values"`
	Range  string   `yaml:"range"`
}

// Config is the fully decoded configuration contract.
type Config struct {
	Scheduler      Scheduler                 `yaml:"scheduler"`
	Scheduling     Scheduling                `yaml:"scheduling"`
	Runtime        map[string]RuntimeSection `yaml:"runtime"`
	TaskParameters map[string]ParamSpec      `yaml:"task parameters"`
}

// Load reads and parses a configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a configuration missing the mandatory scheduling keys
// before anything downstream tries to build a registry or graph from it,
// matching the "configuration errors are rejected before any state
// mutation" posture in spec.md §7.
func (c *Config) Validate() error {
	if c.Scheduling.InitialCyclePoint == "" {
		return fmt.Errorf("config: scheduling.initial cycle point is required")
	}
	switch c.Scheduling.CyclingMode {
	case "", "integer", "gregorian":
	default:
		return fmt.Errorf("config: scheduling.cycling mode must be integer or gregorian, got %q", c.Scheduling.CyclingMode)
	}
	if len(c.Scheduling.Graph) == 0 {
		return fmt.Errorf("config: scheduling.graph must define at least one recurrence")
	}
	for name, rt := range c.Runtime {
		for _, parent := range rt.Inherit {
			if parent == name {
				return fmt.Errorf("config: runtime %q cannot inherit from itself", name)
			}
		}
	}
	return nil
}

// BuildRegistry converts every runtime.<name> section into a taskdef.Def
// and returns the populated registry plus the set of defined names, in the
// shape command.Reloader expects.
func (c *Config) BuildRegistry() (*taskdef.Registry, []string) {
	reg := taskdef.NewRegistry()
	names := make([]string, 0, len(c.Runtime))
	for name, rt := range c.Runtime {
		names = append(names, name)
		reg.Add(taskdef.Def{
			Name:                  name,
			Inherit:               rt.Inherit,
			Script:                rt.Script,
			EnvScript:             rt.EnvScript,
			PreScript:             rt.PreScript,
			PostScript:            rt.PostScript,
			InitScript:            rt.InitScript,
			ErrScript:             rt.ErrScript,
			Platform:              rt.Platform,
			Runner:                taskdef.RunnerKind(rt.JobRunner),
			Host:                  rt.Host,
			Directives:            rt.Directives,
			Environment:           rt.Environment,
			Outputs:               rt.Outputs,
			ExecutionRetryDelays:  rt.ExecutionRetryDelays,
			SubmissionRetryDelays: rt.SubmissionRetryDelays,
			ExecutionTimeLimit:    rt.ExecutionTimeLimit,
			SubmissionTimeLimit:   rt.SubmissionTimeLimit,
			PollingIntervals:      rt.PollingIntervals,
			EventHandlers:         rt.Events,
			Xtriggers:             rt.Xtriggers,
			IsFamily:              len(rt.Inherit) == 0 && hasDependents(c.Runtime, name),
		})
	}
	return reg, names
}

// hasDependents reports whether any other runtime section inherits name,
// the config-layer signal that name is a family rather than a leaf task.
func hasDependents(all map[string]RuntimeSection, name string) bool {
	for other, rt := range all {
		if other == name {
			continue
		}
		for _, parent := range rt.Inherit {
			if parent == name {
				return true
			}
		}
	}
	return false
}

// BuildGraph parses every scheduling.graph.<recurrence> expression into
// graph.Edge entries. Trigger-expression parsing is intentionally small:
// it understands "A => B", "A & B => C", "A | B => C", and
// "FAM:succeed-all => B" forms, which cover the expressions spec.md's
// seed scenarios exercise; richer algebra is future work for the graph
// expression parser.
func (c *Config) BuildGraph() (*graph.Model, error) {
	model := graph.NewModel()
	for famName, members := range c.familyMembers() {
		model.AddFamily(famName, members)
	}

	initial, final, hasFinal, err := c.cyclePoints()
	if err != nil {
		return nil, err
	}

	for recurrenceExpr, body := range c.Scheduling.Graph {
		recurrence, err := cycletime.ParseRecurrence(recurrenceExpr, initial, final, hasFinal)
		if err != nil {
			return nil, fmt.Errorf("config: graph[%s]: %w", recurrenceExpr, err)
		}
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			edges, err := parseGraphLine(recurrenceExpr, line, model, c.Scheduling.CyclingMode)
			if err != nil {
				return nil, fmt.Errorf("config: graph[%s]: %w", recurrenceExpr, err)
			}
			for _, edge := range edges {
				edge.Recurrence = recurrence
				model.AddEdge(edge)
			}
		}
	}
	return model, nil
}

// familyMembers computes, for every runtime section that nothing inherits
// and that itself has no inheritors feeding it (a leaf), the reverse map
// from family name to member task names, by walking each leaf's immediate
// parent list.
func (c *Config) familyMembers() map[string][]string {
	families := make(map[string][]string)
	for name, rt := range c.Runtime {
		if hasDependents(c.Runtime, name) {
			continue // name is itself a family, not a member
		}
		for _, parent := range rt.Inherit {
			families[parent] = append(families[parent], name)
		}
	}
	return families
}

// CyclePoints resolves the workflow's initial/final cycle points in the
// configured cycling mode, for callers (cmd/flowcore) that need them outside
// of BuildGraph to seed the scheduler.
func (c *Config) CyclePoints() (initial, final cycletime.Point, hasFinal bool, err error) {
	return c.cyclePoints()
}

// cyclePoints resolves the initial/final cycle points from the scheduling
// section, in the configured cycling mode.
func (c *Config) cyclePoints() (initial, final cycletime.Point, hasFinal bool, err error) {
	kind := cycletime.Gregorian
	if c.Scheduling.CyclingMode == "integer" {
		kind = cycletime.Integer
	}
	initial, err = parsePointAs(c.Scheduling.InitialCyclePoint, kind)
	if err != nil {
		return cycletime.Point{}, cycletime.Point{}, false, fmt.Errorf("config: scheduling.initial cycle point: %w", err)
	}
	if c.Scheduling.FinalCyclePoint == "" {
		return initial, cycletime.Point{}, false, nil
	}
	final, err = parsePointAs(c.Scheduling.FinalCyclePoint, kind)
	if err != nil {
		return cycletime.Point{}, cycletime.Point{}, false, fmt.Errorf("config: scheduling.final cycle point: %w", err)
	}
	return initial, final, true, nil
}

func parsePointAs(s string, kind cycletime.Kind) (cycletime.Point, error) {
	if kind == cycletime.Integer {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return cycletime.Point{}, err
		}
		return cycletime.NewInteger(n), nil
	}
	return cycletime.ParsePoint(s)
}

// parseGraphLine parses one "<trigger-expr> => <downstream>" line, possibly
// chained ("a => b => c"), into one graph.Edge per consecutive link: `a =>
// b => c` yields `a => b` and (the literal) `b => c`, the second link's
// trigger being a plain `b` leaf (succeeded) since a chain implies each
// task triggers the next on success. The trigger grammar supports leaf refs
// of the forms `task`, `task:output`, `task[-P1D]:output`, and
// `FAM:succeed-all` family qualifiers, combined with `&`/`|`
// (left-associative, `&` binding tighter), matching the operators spec.md
// §4.2 names.
func parseGraphLine(recurrenceExpr, line string, model *graph.Model, cycling string) ([]graph.Edge, error) {
	links := strings.Split(line, "=>")
	if len(links) < 2 {
		return nil, fmt.Errorf("missing '=>' in graph line %q", line)
	}
	for i, l := range links {
		links[i] = strings.TrimSpace(l)
		if links[i] == "" {
			return nil, fmt.Errorf("missing task between '=>' in graph line %q", line)
		}
	}

	edges := make([]graph.Edge, 0, len(links)-1)
	for i := 0; i < len(links)-1; i++ {
		expr, err := parseTriggerExpr(links[i], model, cycling)
		if err != nil {
			return nil, err
		}
		edges = append(edges, graph.Edge{Downstream: links[i+1], Trigger: expr})
	}
	return edges, nil
}

// parseTriggerExpr parses the boolean trigger expression on an edge's
// left-hand side.
func parseTriggerExpr(s string, model *graph.Model, cycling string) (graph.Expr, error) {
	orTerms := strings.Split(s, "|")
	var ors []graph.Expr
	for _, orTerm := range orTerms {
		andTerms := strings.Split(orTerm, "&")
		var ands []graph.Expr
		for _, leaf := range andTerms {
			e, err := parseLeaf(strings.TrimSpace(leaf), model, cycling)
			if err != nil {
				return nil, err
			}
			ands = append(ands, e)
		}
		if len(ands) == 1 {
			ors = append(ors, ands[0])
		} else {
			ors = append(ors, graph.And{Terms: ands})
		}
	}
	if len(ors) == 1 {
		return ors[0], nil
	}
	return graph.Or{Terms: ors}, nil
}

// parseLeaf parses a single reference: `task`, `task:output`,
// `task[-P1D]:output`, or `FAM:qualifier`.
func parseLeaf(s string, model *graph.Model, cycling string) (graph.Expr, error) {
	name := s
	offsetLit := ""
	hasOffset := false
	if i := strings.Index(s, "["); i >= 0 {
		j := strings.Index(s, "]")
		if j < i {
			return nil, fmt.Errorf("unbalanced '[' in trigger ref %q", s)
		}
		name = s[:i] + s[j+1:]
		offsetLit = s[i+1 : j]
		hasOffset = true
	}

	taskName := name
	output := graph.OutputSucceeded
	if i := strings.Index(name, ":"); i >= 0 {
		taskName = name[:i]
		output = name[i+1:]
	}

	if _, ok := model.Families[taskName]; ok {
		var offset cycletime.Duration
		var err error
		if hasOffset {
			offset, err = parseOffsetLiteral(offsetLit, cycling)
			if err != nil {
				return nil, err
			}
		}
		return model.FamilyExpr(taskName, output, offset, hasOffset)
	}

	ref := graph.Ref{TaskName: taskName, Output: output, HasOffset: hasOffset}
	if hasOffset {
		offset, err := parseOffsetLiteral(offsetLit, cycling)
		if err != nil {
			return nil, err
		}
		ref.Offset = offset
	}
	return graph.Leaf{Ref: ref}, nil
}

// parseOffsetLiteral parses a `[-P1D]`-style offset body into a
// cycletime.Duration of the right kind for the configured cycling mode.
// graph.Ref.Offset is the distance back from the downstream point
// (graph.UpstreamPoint subtracts it), so the literal's sign is flipped:
// `[-P1D]` is stored as P1D and `[P1D]` as -P1D.
func parseOffsetLiteral(lit, cycling string) (cycletime.Duration, error) {
	kind := cycletime.Gregorian
	if cycling == "integer" {
		kind = cycletime.Integer
	}
	if strings.HasPrefix(lit, "-") {
		lit = lit[1:]
	} else {
		lit = "-" + strings.TrimPrefix(lit, "+")
	}
	return cycletime.ParseAnyDuration(lit, kind)
}

// ParseRunaheadLimit converts the "runahead limit" string (an ISO-8601
// duration like "PT6H", or a bare integer count like "4") into a
// pool.RunaheadLimit, in the cycle point kind implied by cycling mode.
func ParseRunaheadLimit(s string, cycling string) (pool.RunaheadLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pool.RunaheadLimit{HasCount: true, Count: 1}, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return pool.RunaheadLimit{HasCount: true, Count: n}, nil
	}
	kind := cycletime.Gregorian
	if cycling == "integer" {
		kind = cycletime.Integer
	}
	dur, err := cycletime.ParseAnyDuration(s, kind)
	if err != nil {
		return pool.RunaheadLimit{}, fmt.Errorf("config: invalid runahead limit %q: %w", s, err)
	}
	return pool.RunaheadLimit{HasDuration: true, Duration: dur}, nil
}
