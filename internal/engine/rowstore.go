package engine

import (
	"context"

	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
)

// RowStoreEngine answers queries with SQL aggregation over the row store. Its cost
// grows with the rows a query reads.
type RowStoreEngine struct {
	rs      dependency.RowStore
	policy  entity.ChannelPolicy
	formula string
	pool    *pool
}

func NewRowStoreEngine(rs dependency.RowStore, policy entity.ChannelPolicy, formula string, poolSize int) *RowStoreEngine {
	return &RowStoreEngine{
		rs:      rs,
		policy:  policy,
		formula: formula,
		pool:    newPool(poolSize),
	}
}

func (e *RowStoreEngine) Name() entity.EngineName {
	return entity.EngineOLTP
}

func (e *RowStoreEngine) EstimateCost(ctx context.Context, q *entity.Query) (Cost, error) {
	rows, err := e.rs.EstimateRows(ctx, q)
	if err != nil {
		return Cost{}, wrap(e.Name(), err)
	}
	return Cost{Rows: rows, Units: rows}, nil
}

func (e *RowStoreEngine) TotalCost(ctx context.Context) (Cost, error) {
	rows, err := e.rs.TotalRows(ctx)
	if err != nil {
		return Cost{}, wrap(e.Name(), err)
	}
	return Cost{Rows: rows, Units: rows}, nil
}

func (e *RowStoreEngine) Execute(ctx context.Context, q *entity.Query) (*entity.Result, error) {
	var res *entity.Result
	err := e.pool.run(ctx, func() error {
		buckets, err := e.rs.QueryBuckets(ctx, q, e.policy)
		if err != nil {
			return err
		}
		res = preagg.ResultFromBuckets(q, buckets, e.formula)
		if q.Kind != entity.QueryOrders {
			return nil
		}
		orders, err := e.rs.QueryOrders(ctx, q, e.policy)
		if err != nil {
			return err
		}
		asOrders(res, orders, res.Totals.OrderCount)
		return nil
	})
	if err != nil {
		return nil, wrap(e.Name(), err)
	}
	return res, nil
}

// asOrders turns a bucket result into an order listing with the same totals.
func asOrders(res *entity.Result, page []entity.Order, total int64) {
	res.Kind = entity.QueryOrders
	res.Buckets = nil
	res.Orders = page
	if res.Orders == nil {
		res.Orders = []entity.Order{}
	}
	res.TotalCount = total
}
