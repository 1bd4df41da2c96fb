package taskdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSimpleInheritance(t *testing.T) {
	r := NewRegistry()
	r.Add(Def{Name: "root", Script: "true", IsFamily: true})
	r.Add(Def{Name: "child", Inherit: []string{"root"}, Environment: map[string]string{"X": "1"}})

	merged, err := r.Merge("child")
	require.NoError(t, err)
	assert.Equal(t, "true", merged.Script)
	assert.Equal(t, "1", merged.Environment["X"])
}

func TestMergeChildOverridesParent(t *testing.T) {
	r := NewRegistry()
	r.Add(Def{Name: "root", Script: "false"})
	r.Add(Def{Name: "child", Inherit: []string{"root"}, Script: "true"})

	merged, err := r.Merge("child")
	require.NoError(t, err)
	assert.Equal(t, "true", merged.Script)
}

func TestMergeDiamondInheritance(t *testing.T) {
	r := NewRegistry()
	r.Add(Def{Name: "root", Environment: map[string]string{"A": "root"}})
	r.Add(Def{Name: "left", Inherit: []string{"root"}, Environment: map[string]string{"A": "left"}})
	r.Add(Def{Name: "right", Inherit: []string{"root"}})
	r.Add(Def{Name: "child", Inherit: []string{"left", "right"}})

	merged, err := r.Merge("child")
	require.NoError(t, err)
	assert.Equal(t, "left", merged.Environment["A"])
}

func TestMergeUnknownTask(t *testing.T) {
	r := NewRegistry()
	_, err := r.Merge("nope")
	assert.Error(t, err)
}

func TestExpandParameterised(t *testing.T) {
	values, err := Range("1..3")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, values)

	names, err := ExpandParameterised("model<i>", map[string]ParamSet{
		"i": {Name: "i", Values: values},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"model_1", "model_2", "model_3"}, names)
}

func TestExpandParameterisedNoTemplate(t *testing.T) {
	names, err := ExpandParameterised("plain", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"plain"}, names)
}

func TestExpandParameterisedUnknownParam(t *testing.T) {
	_, err := ExpandParameterised("model<j>", map[string]ParamSet{})
	assert.Error(t, err)
}
