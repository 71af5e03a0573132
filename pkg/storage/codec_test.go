package storage

import (
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/tokenbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c := NewCodec()
	require.NoError(t, c.Register("widget", widget{}))
	require.NoError(t, c.Register("tokenbucket", tokenbucket.Bucket{}))
	return c
}

func TestRegisterConflicts(t *testing.T) {
	c := NewCodec()
	require.NoError(t, c.Register("widget", widget{}))
	assert.NoError(t, c.Register("widget", widget{}))
	assert.Error(t, c.Register("widget", 0.5))
	assert.Error(t, c.Register("gadget", widget{}))
	assert.Error(t, c.Register("", widget{}))
	assert.Error(t, c.Register("nothing", nil))
}

func TestEncodeDecodeValue(t *testing.T) {
	c := newTestCodec(t)

	v, err := c.Encode(widget{Name: "a", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, "widget", v.Kind)

	decoded, err := c.Decode(v)
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "a", Count: 2}, decoded)

	kind, ok := c.KindOf(widget{})
	assert.True(t, ok)
	assert.Equal(t, "widget", kind)
	_, ok = c.KindOf(struct{}{})
	assert.False(t, ok)

	empty, err := c.Encode(nil)
	require.NoError(t, err)
	decoded, err = c.Decode(empty)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestUnknownKind(t *testing.T) {
	c := NewCodec()

	_, err := c.Encode(widget{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.Decode(Value{Kind: "widget", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func buildTree(t *testing.T) *model.EntityHolder {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	bucket := tokenbucket.MustNew(5, 3, tokenbucket.Refill{Tokens: 1, Interval: time.Minute}, clk)

	task1 := model.NewEntityHolder("task-1", widget{Name: "task", Count: 1}).AddAttribute("note", "first")
	task2 := model.NewEntityHolder("task-2", widget{Name: "task", Count: 2})
	return model.NewEntityHolder("job-1", widget{Name: "job"}).
		WithChild(task1).
		WithChild(task2).
		AddAttribute("interceptor.rateLimiter.default", bucket).
		AddAttribute("retries", int64(2))
}

func TestTreeRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	root := buildTree(t)

	data, err := c.Marshal(root)
	require.NoError(t, err)

	restored, err := c.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, root.ID(), restored.ID())
	assert.Equal(t, root.Version(), restored.Version())
	assert.Equal(t, root.Entity(), restored.Entity())
	assert.Equal(t, int64(2), restored.Attribute("retries", nil))

	children := restored.Children()
	require.Len(t, children, 2)
	assert.Equal(t, "task-1", children[0].ID())
	assert.Equal(t, "task-2", children[1].ID())
	assert.Equal(t, "first", children[0].Attribute("note", nil))
	assert.Equal(t, root.Children()[0].Version(), children[0].Version())

	b, ok := restored.Attribute("interceptor.rateLimiter.default", nil).(tokenbucket.Bucket)
	require.True(t, ok)
	original := root.Attribute("interceptor.rateLimiter.default", nil).(tokenbucket.Bucket)
	assert.Equal(t, original.Capacity(), b.Capacity())
	assert.Equal(t, original.Refill(), b.Refill())
	assert.True(t, original.LastRefill().Equal(b.LastRefill()))
}

func TestEncodeTreeRejectsUnregisteredAttribute(t *testing.T) {
	c := newTestCodec(t)
	root := model.NewEntityHolder("job-1", nil).AddAttribute("bad", struct{ X int }{1})

	_, err := c.EncodeTree(root)
	assert.ErrorIs(t, err, ErrUnknownKind)
}
