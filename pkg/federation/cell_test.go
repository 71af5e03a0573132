package federation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// fakeConn is a grpc.ClientConnInterface that never hits the network
type fakeConn struct {
	cell Cell
}

func (c *fakeConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return errors.New("not implemented")
}

func (c *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not implemented")
}

func fakeDial(ctx context.Context, cell Cell) (grpc.ClientConnInterface, error) {
	if cell.Address == "" {
		return nil, errors.New("no address")
	}
	return &fakeConn{cell: cell}, nil
}

var cells = []Cell{
	{Name: "cell-1", Address: "cell-1:7777"},
	{Name: "cell-2", Address: "cell-2:7777"},
	{Name: "cell-3", Address: ""},
	{Name: "cell-4", Address: "cell-4:7777"},
}

func TestCollectKeepsSuccessfulResponses(t *testing.T) {
	errBoom := errors.New("boom")
	call := func(ctx context.Context, client grpc.ClientConnInterface) (int, error) {
		conn := client.(*fakeConn)
		if conn.cell.Name == "cell-2" {
			return 0, errBoom
		}
		return len(conn.cell.Name), nil
	}

	responses, err := Collect(context.Background(), cells, fakeDial, call)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "cell cell-3: dial: no address")

	require.Len(t, responses, 2)
	assert.Equal(t, "cell-1", responses[0].Cell.Name)
	assert.Equal(t, "cell-4", responses[1].Cell.Name)
	assert.Equal(t, 6, responses[1].Result)
	assert.Equal(t, cells[0], responses[0].Client.(*fakeConn).cell)
}

func TestCollectAllSucceed(t *testing.T) {
	call := func(ctx context.Context, client grpc.ClientConnInterface) (string, error) {
		return client.(*fakeConn).cell.Address, nil
	}

	responses, err := Collect(context.Background(), cells[:2], fakeDial, call)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "cell-2:7777", responses[1].Result)
	assert.Contains(t, responses[0].String(), "Cell{name=cell-1, address=cell-1:7777}")
	assert.Contains(t, responses[0].String(), "result=cell-1:7777")
}

func TestCollectNoCells(t *testing.T) {
	responses, err := Collect(context.Background(), nil, fakeDial, func(context.Context, grpc.ClientConnInterface) (int, error) {
		return 1, nil
	})
	assert.NoError(t, err)
	assert.Empty(t, responses)
}

func TestConnPoolReusesConnections(t *testing.T) {
	pool := NewConnPool()
	ctx := context.Background()
	cell := Cell{Name: "cell-1", Address: "passthrough:///127.0.0.1:1"}

	first, err := pool.Dial(ctx, cell)
	require.NoError(t, err)
	second, err := pool.Dial(ctx, cell)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{"cell-1"}, pool.Cells())

	require.NoError(t, pool.Close())
	assert.Empty(t, pool.Cells())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.Dial(cancelled, cell)
	assert.ErrorIs(t, err, context.Canceled)
}
