package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func childIDs(h *EntityHolder) []string {
	var ids []string
	for _, c := range h.Children() {
		ids = append(ids, c.ID())
	}
	return ids
}

func jobTree() *EntityHolder {
	return NewEntityHolder("job-1", "job").
		WithChild(NewEntityHolder("task-1", "t1")).
		WithChild(NewEntityHolder("task-2", "t2")).
		WithChild(NewEntityHolder("task-3", "t3"))
}

func TestModifiersLeaveOriginalUntouched(t *testing.T) {
	root := jobTree()
	before := root.Version()

	updated := root.
		WithEntity("job-v2").
		AddAttribute("k", "v")
	updated, _ = updated.RemoveChild("task-2")

	assert.Equal(t, "job", root.Entity())
	assert.Equal(t, []string{"task-1", "task-2", "task-3"}, childIDs(root))
	assert.Equal(t, "none", root.Attribute("k", "none"))
	assert.Equal(t, before, root.Version())

	assert.Equal(t, "job-v2", updated.Entity())
	assert.Equal(t, []string{"task-1", "task-3"}, childIDs(updated))
	assert.Equal(t, "v", updated.Attribute("k", "none"))
	assert.Equal(t, before+3, updated.Version())
}

func TestWithChildReplacesInPlace(t *testing.T) {
	root := jobTree()
	replaced := root.WithChild(NewEntityHolder("task-2", "t2-v2"))

	assert.Equal(t, []string{"task-1", "task-2", "task-3"}, childIDs(replaced))
	child, ok := replaced.Child("task-2")
	require.True(t, ok)
	assert.Equal(t, "t2-v2", child.Entity())

	original, _ := root.Child("task-2")
	assert.Equal(t, "t2", original.Entity())
	assert.Equal(t, 3, replaced.ChildCount())
}

func TestRemoveAbsentReturnsSameInstance(t *testing.T) {
	root := jobTree()

	same, removed := root.RemoveChild("missing")
	assert.Same(t, root, same)
	assert.Nil(t, removed)

	assert.Same(t, root, root.RemoveAttribute("missing"))

	same, removed = root.RemoveByID("missing")
	assert.Same(t, root, same)
	assert.Nil(t, removed)

	same, ok := root.ReplaceByID(NewEntityHolder("missing", nil))
	assert.Same(t, root, same)
	assert.False(t, ok)
}

func TestAttributeDefault(t *testing.T) {
	h := NewEntityHolder("job-1", nil)
	assert.Equal(t, 42, h.Attribute("counter", 42))

	h = h.AddAttribute("counter", 7)
	assert.Equal(t, 7, h.Attribute("counter", 42))
	assert.Equal(t, map[string]any{"counter": 7}, h.Attributes())

	h = h.RemoveAttribute("counter")
	assert.Equal(t, 42, h.Attribute("counter", 42))
}

func TestFindByIDSearchesDepthFirst(t *testing.T) {
	root := NewEntityHolder("root", nil).
		WithChild(jobTree()).
		WithChild(NewEntityHolder("job-2", nil).WithChild(NewEntityHolder("task-9", "t9")))

	found, ok := root.FindByID("task-9")
	require.True(t, ok)
	assert.Equal(t, "t9", found.Entity())

	found, ok = root.FindByID("root")
	require.True(t, ok)
	assert.Same(t, root, found)

	found, ok = root.FindByID("nope")
	assert.False(t, ok)
	assert.Nil(t, found)
}

func TestReplaceAndRemoveDeepCopyOnlyThePath(t *testing.T) {
	root := NewEntityHolder("root", nil).
		WithChild(jobTree()).
		WithChild(NewEntityHolder("job-2", nil))

	task, _ := root.FindByID("task-3")
	newRoot, ok := root.ReplaceByID(task.WithEntity("t3-v2"))
	require.True(t, ok)

	updated, _ := newRoot.FindByID("task-3")
	assert.Equal(t, "t3-v2", updated.Entity())
	untouched, _ := root.FindByID("task-3")
	assert.Equal(t, "t3", untouched.Entity())

	oldJob2, _ := root.Child("job-2")
	newJob2, _ := newRoot.Child("job-2")
	assert.Same(t, oldJob2, newJob2)

	afterRemove, removed := newRoot.RemoveByID("task-1")
	require.NotNil(t, removed)
	assert.Equal(t, "task-1", removed.ID())
	job, _ := afterRemove.Child("job-1")
	assert.Equal(t, []string{"task-2", "task-3"}, childIDs(job))
}

func TestWalkAndSize(t *testing.T) {
	root := jobTree()
	var visited []string
	root.Walk(func(h *EntityHolder, depth int) bool {
		visited = append(visited, h.ID())
		return true
	})
	assert.Equal(t, []string{"job-1", "task-1", "task-2", "task-3"}, visited)
	assert.Equal(t, 4, root.Size())

	count := 0
	root.Walk(func(h *EntityHolder, depth int) bool {
		count++
		return depth == 0
	})
	assert.Equal(t, 2, count)
}

func TestRestore(t *testing.T) {
	children := []*EntityHolder{NewEntityHolder("a", 1), NewEntityHolder("b", 2)}
	h, err := Restore("root", 9, "entity", map[string]any{"x": "y"}, children)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), h.Version())
	assert.Equal(t, []string{"a", "b"}, childIDs(h))
	assert.Equal(t, "y", h.Attribute("x", nil))

	_, err = Restore("root", 1, nil, nil, []*EntityHolder{NewEntityHolder("a", 1), NewEntityHolder("a", 2)})
	assert.Error(t, err)
}
