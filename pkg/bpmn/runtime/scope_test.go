package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeLookupResolvesOutward(t *testing.T) {
	// given
	root := NewScope(map[string]any{"a": 1, "b": 2})
	local := root.Child(map[string]any{"b": 20})

	// when
	a, aOk := local.Get("a")
	b, bOk := local.Get("b")
	_, missingOk := local.Get("c")

	// then
	assert.True(t, aOk)
	assert.Equal(t, 1, a)
	assert.True(t, bOk)
	assert.Equal(t, 20, b)
	assert.False(t, missingOk)
}

func TestScopeSetTargetsDeclaringScope(t *testing.T) {
	// given
	root := NewScope(map[string]any{"counter": 1})
	local := root.Child(map[string]any{"tmp": "x"})

	// when
	local.Set("counter", 2)
	local.Set("tmp", "y")
	local.Set("fresh", true)

	// then
	assert.Equal(t, 2, root.Local()["counter"])
	assert.Equal(t, "y", local.Local()["tmp"])
	assert.NotContains(t, root.Local(), "tmp")
	assert.Equal(t, true, root.Local()["fresh"])
}

func TestForkedBranchWritesAreInvisibleToSiblingsUntilMerge(t *testing.T) {
	// given
	root := NewScope(map[string]any{"shared": "initial"})
	left := root.Fork()
	right := root.Fork()

	// when
	left.Set("shared", "left")
	left.Set("onlyLeft", 1)

	// then
	v, _ := right.Get("shared")
	assert.Equal(t, "initial", v)
	_, ok := right.Get("onlyLeft")
	assert.False(t, ok)
	v, _ = root.Get("shared")
	assert.Equal(t, "initial", v)

	// when
	root.Merge(left)

	// then
	v, _ = root.Get("shared")
	assert.Equal(t, "left", v)
	v, _ = root.Get("onlyLeft")
	assert.Equal(t, 1, v)
}

func TestMergeIsLastWriterWinsInMergeOrder(t *testing.T) {
	// given
	root := NewScope(nil)
	first := root.Fork()
	second := root.Fork()
	first.Set("result", "first")
	second.Set("result", "second")

	// when
	root.Merge(first)
	root.Merge(second)

	// then
	v, _ := root.Get("result")
	assert.Equal(t, "second", v)
}

func TestForkDoesNotCopyParent(t *testing.T) {
	// given
	root := NewScope(map[string]any{"a": 1})

	// when
	child := root.Fork()
	root.Set("a", 5)

	// then
	assert.Empty(t, child.Local())
	v, _ := child.Get("a")
	assert.Equal(t, 5, v)
}

func TestFlattenPrefersInnerDeclarations(t *testing.T) {
	// given
	root := NewScope(map[string]any{"a": 1, "b": 1})
	branch := root.Fork()
	branch.Set("b", 2)

	// when
	flat := branch.Flatten()

	// then
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, flat)
}

func TestScopeTreeRebuildsNestedBranches(t *testing.T) {
	// given
	state := InstanceState{
		Instance: ProcessInstance{Key: 1, Variables: map[string]any{"a": 1}},
		Scopes: []BranchScope{
			{Key: 20, ParentKey: 10, ForkKey: 2, Siblings: 2, Variables: map[string]any{"inner": true}},
			{Key: 10, ParentKey: 0, ForkKey: 1, Siblings: 2, Variables: map[string]any{"outer": true}},
		},
	}

	// when
	tree := NewScopeTree(&state)
	inner := tree.Scope(20)

	// then
	v, ok := inner.Get("outer")
	assert.True(t, ok)
	assert.Equal(t, true, v)
	v, _ = inner.Get("a")
	assert.Equal(t, 1, v)
	assert.Same(t, tree.Root(), tree.Scope(0))
	assert.Equal(t, []int64{20}, tree.Children(10))

	// when
	inner.Set("written", "x")
	tree.Scope(10).Merge(inner)
	tree.Remove(20)

	// then
	assert.Equal(t, "x", state.Scopes[1].Variables["written"])
	assert.Len(t, tree.Records(), 1)
}
