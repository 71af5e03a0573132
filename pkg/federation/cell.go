package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/keel/pkg/log"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Cell is one job manager cluster of a federation
type Cell struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

func (c Cell) String() string {
	return fmt.Sprintf("Cell{name=%s, address=%s}", c.Name, c.Address)
}

// CellResponse associates a successful per-cell result with the cell and the
// client connection that produced it
type CellResponse[T any] struct {
	Cell   Cell
	Client grpc.ClientConnInterface
	Result T
}

func (r CellResponse[T]) String() string {
	return fmt.Sprintf("CellResponse{cell=%s, client=%v, result=%v}", r.Cell, r.Client, r.Result)
}

// DialFunc returns a client connection for a cell
type DialFunc func(ctx context.Context, cell Cell) (grpc.ClientConnInterface, error)

// CallFunc performs one request against a cell
type CallFunc[T any] func(ctx context.Context, client grpc.ClientConnInterface) (T, error)

// Collect calls every cell concurrently and returns the successful responses
// in cell order. Failed cells are reported in the combined error; a failure
// of one cell never drops the responses of the others.
func Collect[T any](ctx context.Context, cells []Cell, dial DialFunc, call CallFunc[T]) ([]CellResponse[T], error) {
	type outcome struct {
		response CellResponse[T]
		err      error
	}

	outcomes := make([]outcome, len(cells))
	var wg sync.WaitGroup
	for i, cell := range cells {
		wg.Add(1)
		go func(i int, cell Cell) {
			defer wg.Done()

			client, err := dial(ctx, cell)
			if err != nil {
				outcomes[i].err = fmt.Errorf("cell %s: dial: %w", cell.Name, err)
				return
			}
			result, err := call(ctx, client)
			if err != nil {
				outcomes[i].err = fmt.Errorf("cell %s: %w", cell.Name, err)
				return
			}
			outcomes[i].response = CellResponse[T]{Cell: cell, Client: client, Result: result}
		}(i, cell)
	}
	wg.Wait()

	var responses []CellResponse[T]
	var errs *multierror.Error
	for _, o := range outcomes {
		if o.err != nil {
			errs = multierror.Append(errs, o.err)
			continue
		}
		responses = append(responses, o.response)
	}
	return responses, errs.ErrorOrNil()
}

// ConnPool keeps one gRPC client connection per cell
type ConnPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewConnPool creates a pool. Without options connections use insecure
// transport credentials.
func NewConnPool(opts ...grpc.DialOption) *ConnPool {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &ConnPool{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

// Dial implements DialFunc. Connections are created lazily and reused.
func (p *ConnPool) Dial(ctx context.Context, cell Cell) (grpc.ClientConnInterface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[cell.Name]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(cell.Address, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cell.Address, err)
	}
	p.conns[cell.Name] = conn
	return conn, nil
}

// Cells returns the names of the cells with an open connection
func (p *ConnPool) Cells() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every connection
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs *multierror.Error
	for name, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cell %s: %w", name, err))
		}
		delete(p.conns, name)
	}
	if err := errs.ErrorOrNil(); err != nil {
		logger := log.WithComponent("federation")
		logger.Warn().Err(err).Msg("Failed to close cell connections")
		return err
	}
	return nil
}
