package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swarmguard/flowcore/internal/cycletime"
)

func TestSetAndEffective(t *testing.T) {
	e := New()
	e.Set("*", "t", "environment.HELLO", "world", time.Now())

	v, ok := e.Effective("1", []string{"t", "root"}, "environment.HELLO")
	assert.True(t, ok)
	assert.Equal(t, "world", v)
}

func TestCancelRemovesBroadcast(t *testing.T) {
	e := New()
	e.Set("*", "t", "environment.HELLO", "world", time.Now())
	e.Cancel("*", "t", "environment.HELLO", time.Now())

	_, ok := e.Effective("1", []string{"t", "root"}, "environment.HELLO")
	assert.False(t, ok)
}

func TestPrecedenceExactPointBeatsWildcard(t *testing.T) {
	e := New()
	e.Set("*", "t", "environment.X", "wildcard", time.Now())
	e.Set("1", "t", "environment.X", "exact", time.Now())

	v, ok := e.Effective("1", []string{"t", "root"}, "environment.X")
	assert.True(t, ok)
	assert.Equal(t, "exact", v)
}

func TestPrecedenceExactTaskBeatsFamily(t *testing.T) {
	e := New()
	e.Set("*", "root", "environment.X", "family", time.Now())
	e.Set("*", "t", "environment.X", "task", time.Now())

	v, ok := e.Effective("1", []string{"t", "root"}, "environment.X")
	assert.True(t, ok)
	assert.Equal(t, "task", v)
}

func TestExpireClearsPastPointsOnly(t *testing.T) {
	e := New()
	e.Set("1", "t", "environment.X", "old", time.Now())
	e.Set("5", "t", "environment.X", "future", time.Now())

	e.Expire(cycletime.NewInteger(3), time.Now())

	_, ok := e.Effective("1", []string{"t", "root"}, "environment.X")
	assert.False(t, ok)

	v, ok := e.Effective("5", []string{"t", "root"}, "environment.X")
	assert.True(t, ok)
	assert.Equal(t, "future", v)
}

func TestRestoreReplacesRecords(t *testing.T) {
	e := New()
	e.Set("*", "t", "environment.X", "before", time.Now())
	e.Restore([]Record{{Change: ChangeSet, Point: "*", Namespace: "t", Key: "environment.X", Value: "after"}})

	v, ok := e.Effective("1", []string{"t", "root"}, "environment.X")
	assert.True(t, ok)
	assert.Equal(t, "after", v)
}
