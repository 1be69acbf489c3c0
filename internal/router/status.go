package router

import (
	"context"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
)

// EngineStatus is one engine's view of the full data range.
type EngineStatus struct {
	Name  entity.EngineName `json:"name"`
	Rows  int64             `json:"rows"`
	Units int64             `json:"cost_units"`
	Err   string            `json:"error,omitempty"`
}

// Status describes the routing state.
type Status struct {
	TotalRows       int64                 `json:"total_rows"`
	SwitchThreshold int64                 `json:"switch_threshold"`
	ActiveEngine    entity.EngineName     `json:"active_engine"`
	Engines         []EngineStatus        `json:"engines"`
	Windows         []preagg.WindowStatus `json:"windows"`
}

// Status reports the engine a query over all stored data would use and the
// freshness of every cached window. TotalRows comes from the first engine able
// to count.
func (r *Router) Status(ctx context.Context) (*Status, error) {
	st := &Status{SwitchThreshold: r.c.SwitchThreshold}
	var best *EngineStatus
	for _, e := range r.engines {
		c, err := e.TotalCost(ctx)
		if gerr.IsContext(err) {
			return nil, gerr.FromContext(err)
		}
		es := EngineStatus{Name: e.Name(), Rows: c.Rows, Units: c.Units}
		if err != nil {
			es.Err = err.Error()
		}
		st.Engines = append(st.Engines, es)
	}
	for i := range st.Engines {
		es := &st.Engines[i]
		if es.Err != "" {
			continue
		}
		if best == nil {
			st.TotalRows = es.Rows
		}
		if best == nil || es.Units < best.Units {
			best = es
		}
	}
	if best != nil {
		st.ActiveEngine = best.Name
	}
	if r.cache != nil {
		st.Windows = r.cache.Status()
	}
	return st, nil
}
