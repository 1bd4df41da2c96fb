package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/graph"
)

const sampleYAML = `
scheduler:
  UTC mode: true
  allow implicit tasks: false

scheduling:
  initial cycle point: "1"
  cycling mode: integer
  runahead limit: "2"
  graph:
    R1: |
      a => b
    P1: |
      b[-P1] => b
      FAM:succeed-all => c

runtime:
  FAM:
    script: true
  a:
    script: "echo a"
    inherit: []
  b:
    script: "echo b"
    inherit: [FAM]
  c:
    script: "echo c"
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.UTCMode)
	assert.Equal(t, "integer", cfg.Scheduling.CyclingMode)
	assert.Len(t, cfg.Runtime, 4)
}

func TestValidateRejectsMissingInitialPoint(t *testing.T) {
	cfg := &Config{Scheduling: Scheduling{Graph: map[string]string{"R1": "a => b"}}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsSelfInheritance(t *testing.T) {
	cfg := &Config{
		Scheduling: Scheduling{InitialCyclePoint: "1", Graph: map[string]string{"R1": "a => b"}},
		Runtime:    map[string]RuntimeSection{"a": {Inherit: []string{"a"}}},
	}
	assert.Error(t, cfg.Validate())
}

func TestBuildRegistryDetectsFamilies(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)
	reg, names := cfg.BuildRegistry()
	assert.Contains(t, names, "FAM")

	def, err := reg.Merge("b")
	require.NoError(t, err)
	assert.Equal(t, "echo b", def.Script)
}

func TestBuildGraphResolvesFamilyAndOffsetEdges(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	model, err := cfg.BuildGraph()
	require.NoError(t, err)
	require.Len(t, model.Edges, 3)

	var sawOffset, sawFamilyExpansion bool
	for _, e := range model.Edges {
		if e.Downstream == "b" {
			if leaf, ok := e.Trigger.(graph.Leaf); ok && leaf.Ref.HasOffset {
				sawOffset = true
			}
		}
		if e.Downstream == "c" {
			if and, ok := e.Trigger.(graph.And); ok && len(and.Terms) == 1 {
				sawFamilyExpansion = true
			}
		}
	}
	assert.True(t, sawOffset, "expected an offset-bearing edge into b")
	assert.True(t, sawFamilyExpansion, "expected FAM:succeed-all to expand to its members")
}

func TestBuildGraphSplitsChainedArrows(t *testing.T) {
	cfg := &Config{
		Scheduling: Scheduling{
			InitialCyclePoint: "1",
			CyclingMode:       "integer",
			Graph:             map[string]string{"R1": "a => b => c"},
		},
	}
	model, err := cfg.BuildGraph()
	require.NoError(t, err)
	require.Len(t, model.Edges, 2)

	byDownstream := make(map[string]graph.Edge, len(model.Edges))
	for _, e := range model.Edges {
		byDownstream[e.Downstream] = e
	}

	ab, ok := byDownstream["b"]
	require.True(t, ok, "expected an edge into b")
	leaf, ok := ab.Trigger.(graph.Leaf)
	require.True(t, ok)
	assert.Equal(t, "a", leaf.Ref.TaskName)

	bc, ok := byDownstream["c"]
	require.True(t, ok, "expected an edge into c")
	leaf, ok = bc.Trigger.(graph.Leaf)
	require.True(t, ok)
	assert.Equal(t, "b", leaf.Ref.TaskName)
}

func TestParseRunaheadLimitCount(t *testing.T) {
	lim, err := ParseRunaheadLimit("4", "integer")
	require.NoError(t, err)
	assert.True(t, lim.HasCount)
	assert.Equal(t, 4, lim.Count)
}

func TestParseRunaheadLimitDuration(t *testing.T) {
	lim, err := ParseRunaheadLimit("PT6H", "gregorian")
	require.NoError(t, err)
	assert.True(t, lim.HasDuration)
}

func TestParseRunaheadLimitDefault(t *testing.T) {
	lim, err := ParseRunaheadLimit("", "integer")
	require.NoError(t, err)
	assert.Equal(t, 1, lim.Count)
}
