// Package engine adapts the row store and the columnar store to a single query
// interface returning the same normalized result.
package engine

import (
	"context"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"golang.org/x/sync/semaphore"
)

// Cost is an engine's estimate for one query.
type Cost struct {
	// Rows is the number of order rows the engine expects to read.
	Rows int64
	// Units is the value compared across engines. Lower is cheaper.
	Units int64
}

// Engine answers queries over one backing store.
type Engine interface {
	Name() entity.EngineName
	EstimateCost(ctx context.Context, q *entity.Query) (Cost, error)
	// TotalCost estimates a query over every stored order.
	TotalCost(ctx context.Context) (Cost, error)
	Execute(ctx context.Context, q *entity.Query) (*entity.Result, error)
}

// pool bounds concurrent executions. Callers beyond the size wait for a slot or
// for their context.
type pool struct {
	sem *semaphore.Weighted
}

func newPool(size int) *pool {
	if size <= 0 {
		size = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(size))}
}

func (p *pool) run(ctx context.Context, f func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return f()
}

// wrap turns a store failure into an EngineUnavailableError. Cancellation and
// deadlines are reported as such.
func wrap(name entity.EngineName, err error) error {
	if err == nil {
		return nil
	}
	if gerr.IsContext(err) {
		return gerr.FromContext(err)
	}
	return &gerr.EngineUnavailableError{Engine: string(name), Err: err}
}
