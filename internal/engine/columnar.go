package engine

import (
	"context"
	"sort"

	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
)

// ColumnarEngine answers queries by scanning date partitions of the column store
// and aggregating in memory. Its cost is flat: the scan setup dominates until a
// query reads more than threshold rows.
type ColumnarEngine struct {
	cs        dependency.ColumnStore
	policy    entity.ChannelPolicy
	formula   string
	threshold int64
	pool      *pool
}

func NewColumnarEngine(cs dependency.ColumnStore, policy entity.ChannelPolicy, formula string, threshold int64, poolSize int) *ColumnarEngine {
	return &ColumnarEngine{
		cs:        cs,
		policy:    policy,
		formula:   formula,
		threshold: threshold,
		pool:      newPool(poolSize),
	}
}

func (e *ColumnarEngine) Name() entity.EngineName {
	return entity.EngineOLAP
}

func (e *ColumnarEngine) EstimateCost(ctx context.Context, q *entity.Query) (Cost, error) {
	rows, err := e.cs.EstimateRows(ctx, q)
	if err != nil {
		return Cost{}, wrap(e.Name(), err)
	}
	return Cost{Rows: rows, Units: e.threshold}, nil
}

func (e *ColumnarEngine) TotalCost(ctx context.Context) (Cost, error) {
	rows, err := e.cs.TotalRows(ctx)
	if err != nil {
		return Cost{}, wrap(e.Name(), err)
	}
	return Cost{Rows: rows, Units: e.threshold}, nil
}

func (e *ColumnarEngine) Execute(ctx context.Context, q *entity.Query) (*entity.Result, error) {
	var res *entity.Result
	err := e.pool.run(ctx, func() error {
		orders, err := e.cs.ScanOrders(ctx, q)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		valid, removed := aggregate.Filter(aggregate.DeriveAll(orders, q.Mode), e.policy)
		buckets := preagg.MergeExclusions(preagg.Rebuild(valid, q.Granularity), removed, q.Granularity)
		res = preagg.ResultFromBuckets(q, buckets, e.formula)
		if q.Kind == entity.QueryOrders {
			asOrders(res, page(valid, q.Offset, q.PageLimit()), int64(len(valid)))
		}
		return nil
	})
	if err != nil {
		return nil, wrap(e.Name(), err)
	}
	return res, nil
}

// page sorts orders by date and id and cuts one page out of them.
func page(orders []entity.Order, offset, limit int) []entity.Order {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Date.Equal(orders[j].Date) {
			return orders[i].Date.Before(orders[j].Date)
		}
		return orders[i].OrderID < orders[j].OrderID
	})
	if offset >= len(orders) {
		return nil
	}
	end := offset + limit
	if end > len(orders) {
		end = len(orders)
	}
	return orders[offset:end]
}
