package httpapi

import (
	"fmt"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/ingest"
)

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From string `json:"from" valid:"required"`
	To   string `json:"to" valid:"required"`
}

// Window converts the inclusive range into a half-open window.
func (d DateRange) Window() (entity.Window, error) {
	from, err := entity.ParseDay(d.From)
	if err != nil {
		return entity.Window{}, fmt.Errorf("bad from date %q", d.From)
	}
	to, err := entity.ParseDay(d.To)
	if err != nil {
		return entity.Window{}, fmt.Errorf("bad to date %q", d.To)
	}
	if to.Before(from) {
		return entity.Window{}, fmt.Errorf("to %s is before from %s", d.To, d.From)
	}
	return entity.NewWindow(from, to.AddDate(0, 0, 1)), nil
}

type QueryRequest struct {
	StoreID      string    `json:"store_id"`
	Channel      string    `json:"channel"`
	DateRange    DateRange `json:"date_range"`
	Granularity  string    `json:"granularity" valid:"required,in(day|week|month)"`
	FallbackMode string    `json:"fallback_mode" valid:"required,in(with_fallback|strict)"`
	Kind         string    `json:"kind" valid:"in(buckets|orders)"`
	RequireFresh bool      `json:"require_fresh"`
	Engine       string    `json:"engine" valid:"in(oltp|olap|cache)"`
	Limit        int       `json:"limit"`
	Offset       int       `json:"offset"`
}

// Query validates the request and builds the query.
func (r *QueryRequest) Query() (*entity.Query, error) {
	if _, err := govalidator.ValidateStruct(r); err != nil {
		return nil, fmt.Errorf("%w: %w", gerr.ErrInvalidQuery, err)
	}
	w, err := r.DateRange.Window()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gerr.ErrInvalidQuery, err)
	}
	g, err := entity.ParseGranularity(r.Granularity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gerr.ErrInvalidQuery, err)
	}
	kind := entity.QueryBuckets
	if r.Kind != "" {
		kind = entity.QueryKind(r.Kind)
	}
	return &entity.Query{
		StoreID:      r.StoreID,
		Channel:      r.Channel,
		Window:       w,
		Granularity:  g,
		Mode:         entity.FallbackMode(r.FallbackMode),
		Kind:         kind,
		RequireFresh: r.RequireFresh,
		ForceEngine:  entity.EngineName(r.Engine),
		Limit:        r.Limit,
		Offset:       r.Offset,
	}, nil
}

type RoutingInfo struct {
	QueryID       string            `json:"query_id"`
	Engine        entity.EngineName `json:"engine"`
	CacheHit      bool              `json:"cache_hit"`
	CacheStale    bool              `json:"cache_stale"`
	Rebuilt       int               `json:"rebuilt_windows,omitempty"`
	EstimatedRows int64             `json:"estimated_rows"`
	QueryTimeMs   float64           `json:"query_time_ms"`
	Retried       bool              `json:"retried"`
	FailedEngine  entity.EngineName `json:"failed_engine,omitempty"`
}

func routingInfo(d *entity.RoutingDecision) RoutingInfo {
	return RoutingInfo{
		QueryID:       d.QueryID,
		Engine:        d.Engine,
		CacheHit:      d.CacheHit,
		CacheStale:    d.CacheStale,
		Rebuilt:       d.RebuiltWindows,
		EstimatedRows: d.EstimatedRows,
		QueryTimeMs:   float64(d.Latency) / float64(time.Millisecond),
		Retried:       d.Retried,
		FailedEngine:  d.FailedEngine,
	}
}

type QueryResponse struct {
	*entity.Result
	Routing RoutingInfo `json:"routing"`
}

// IngestRequest carries either normalized lines or raw records keyed by export
// header names.
type IngestRequest struct {
	Lines   []entity.OrderLine  `json:"lines"`
	Records []map[string]string `json:"records"`
}

func (r *IngestRequest) validate() error {
	if len(r.Lines) > 0 && len(r.Records) > 0 {
		return fmt.Errorf("%w: send lines or records, not both", gerr.ErrInvalidRecord)
	}
	for i := range r.Lines {
		if _, err := govalidator.ValidateStruct(&r.Lines[i]); err != nil {
			return fmt.Errorf("%w: line %d: %w", gerr.ErrInvalidRecord, i, err)
		}
		if r.Lines[i].Timestamp.IsZero() {
			return fmt.Errorf("%w: line %d: timestamp is required", gerr.ErrInvalidRecord, i)
		}
	}
	return nil
}

type RebuildRequest struct {
	DateRange DateRange `json:"date_range"`
}

// Window validates the request and returns the window to rebuild.
func (r *RebuildRequest) Window() (entity.Window, error) {
	w, err := r.DateRange.Window()
	if err != nil {
		return entity.Window{}, fmt.Errorf("%w: %w", gerr.ErrInvalidQuery, err)
	}
	if n := w.Len(); n > entity.MaxRebuildDays {
		return entity.Window{}, fmt.Errorf("%w: rebuild covers %d days, at most %d allowed", gerr.ErrInvalidQuery, n, entity.MaxRebuildDays)
	}
	return w, nil
}

type RebuildResponse struct {
	Window    string `json:"window"`
	Published int    `json:"published"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Engine string `json:"engine,omitempty"`
	// Ingest is what an ingest call stored before it failed.
	Ingest *ingest.Result `json:"ingest,omitempty"`
}

// OrderResponse is one stored order with the lines it was built from.
type OrderResponse struct {
	Order *entity.Order      `json:"order"`
	Lines []entity.OrderLine `json:"lines"`
}
