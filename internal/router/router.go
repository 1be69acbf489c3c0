// Package router answers queries from the pre-aggregation cache when it can and
// otherwise picks the cheaper of the registered engines, retrying once on another
// engine when the chosen one is unavailable.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jekabolt/o2o-ledger/internal/engine"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jekabolt/o2o-ledger/internal/router"

// Config holds configuration for routing and the engine pools.
type Config struct {
	// SwitchThreshold is the estimated row count above which the columnar engine
	// is preferred.
	SwitchThreshold int64         `mapstructure:"switch_threshold"`
	OLTPPoolSize    int           `mapstructure:"oltp_pool_size"`
	OLAPPoolSize    int           `mapstructure:"olap_pool_size"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	UseCache        bool          `mapstructure:"use_cache"`
	// RebuildOnMiss rebuilds the days a cache lookup could not answer before
	// falling back to the engines, when a Maintainer is set and at most
	// MaxRebuildDays days are missing.
	RebuildOnMiss  bool `mapstructure:"rebuild_on_miss"`
	MaxRebuildDays int  `mapstructure:"max_rebuild_days"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		SwitchThreshold: 100000,
		OLTPPoolSize:    16,
		OLAPPoolSize:    4,
		QueryTimeout:    30 * time.Second,
		UseCache:        true,
		RebuildOnMiss:   true,
		MaxRebuildDays:  31,
	}
}

// Maintainer keeps cache windows current for the router.
type Maintainer interface {
	// Refresh reconciles the cached days of w with changes made by other
	// processes or before a restart.
	Refresh(ctx context.Context, w entity.Window) error
	// RebuildDays rebuilds and publishes the given days.
	RebuildDays(ctx context.Context, days []time.Time) (int, error)
}

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	formula        string
	maintainer     Maintainer
}

// Option configures a Router.
type Option func(*options)

// WithMeterProvider sets the provider of the router instruments. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the provider of the router spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMarketingFormula sets the formula version reported on cached results.
func WithMarketingFormula(version string) Option {
	return func(o *options) { o.formula = version }
}

// WithMaintainer refreshes the cache before every lookup and, with
// RebuildOnMiss, rebuilds missing days on demand.
func WithMaintainer(m Maintainer) Option {
	return func(o *options) { o.maintainer = m }
}

// Router dispatches queries. It is safe for concurrent use.
type Router struct {
	c       *Config
	cache   *preagg.Cache
	maint   Maintainer
	engines []engine.Engine
	formula string
	now     func() time.Time

	tracer  trace.Tracer
	queries metric.Int64Counter
	retries metric.Int64Counter
	latency metric.Float64Histogram
}

// New returns a router over engines. Ties in cost go to the engine registered
// first. cache may be nil.
func New(c *Config, cache *preagg.Cache, engines []engine.Engine, opts ...Option) (*Router, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("router needs at least one engine")
	}
	o := options{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
		formula:        entity.MarketingCostFormulaV3_1.Version,
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter(instrumentationName)
	queries, err := meter.Int64Counter("router.queries",
		metric.WithDescription("Queries answered, by engine and cache hit"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("can't create router.queries counter: %w", err)
	}
	retries, err := meter.Int64Counter("router.retries",
		metric.WithDescription("Queries retried on another engine"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("can't create router.retries counter: %w", err)
	}
	latency, err := meter.Float64Histogram("router.latency_ms",
		metric.WithDescription("Query latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("can't create router.latency_ms histogram: %w", err)
	}

	return &Router{
		c:       c,
		cache:   cache,
		maint:   o.maintainer,
		engines: engines,
		formula: o.formula,
		now:     time.Now,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
		queries: queries,
		retries: retries,
		latency: latency,
	}, nil
}

// Route validates q and answers it. The returned decision is filled in as far as
// routing got, also on error.
func (r *Router) Route(ctx context.Context, q *entity.Query) (*entity.Result, *entity.RoutingDecision, error) {
	start := r.now()
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	dec := &entity.RoutingDecision{QueryID: q.ID}

	ctx, span := r.tracer.Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("query.id", q.ID),
		attribute.String("query.kind", string(q.Kind)),
		attribute.String("query.mode", string(q.Mode)),
		attribute.String("query.window", q.Window.Key()),
	))
	defer span.End()

	res, err := r.route(ctx, q, dec)
	dec.Latency = r.now().Sub(start)
	r.record(ctx, span, q, dec, err)
	if err != nil {
		return nil, dec, err
	}
	return res, dec, nil
}

func (r *Router) route(ctx context.Context, q *entity.Query, dec *entity.RoutingDecision) (*entity.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", gerr.ErrInvalidQuery, err)
	}
	if r.c.QueryTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.c.QueryTimeout)
			defer cancel()
		}
	}

	switch q.ForceEngine {
	case entity.EngineCache:
		res, ok, err := r.fromCache(ctx, q, dec)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: window %s is not cached", gerr.ErrNoEngine, q.Window.Key())
		}
		return res, nil
	case "":
		if r.cache != nil && r.c.UseCache {
			res, ok, err := r.fromCache(ctx, q, dec)
			if err != nil {
				return nil, err
			}
			if ok {
				return res, nil
			}
		}
	}

	first, err := r.choose(ctx, q, dec)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, q, first, dec)
}

// fromCache answers from published snapshots. A stale hit for a query requiring
// fresh data is not an error: the query falls through to the engines.
func (r *Router) fromCache(ctx context.Context, q *entity.Query, dec *entity.RoutingDecision) (*entity.Result, bool, error) {
	if r.cache == nil {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, gerr.FromContext(err)
	}
	if err := r.maintain(ctx, q, dec); err != nil {
		return nil, false, err
	}
	hit, err := r.cache.Lookup(q)
	var stale *gerr.CacheStaleError
	if errors.As(err, &stale) {
		dec.CacheStale = true
		slog.Default().InfoContext(ctx, "cache stale, answering from engines",
			slog.String("query_id", q.ID),
			slog.Any("windows", stale.Windows),
			slog.Duration("age", stale.Age),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if hit == nil {
		return nil, false, nil
	}
	dec.Engine = entity.EngineCache
	dec.CacheHit = true
	dec.CacheStale = hit.Stale
	dec.EstimatedRows = hit.EstimatedRows
	return preagg.ResultFromBuckets(q, hit.Buckets, r.formula), true, nil
}

// maintain refreshes the days of q and rebuilds the ones the cache cannot
// answer. Failures other than cancellation are logged and leave the lookup to
// the cache as it is.
func (r *Router) maintain(ctx context.Context, q *entity.Query, dec *entity.RoutingDecision) error {
	if r.maint == nil || q.Kind != entity.QueryBuckets {
		return nil
	}
	if err := r.maint.Refresh(ctx, q.Window); err != nil {
		if gerr.IsContext(err) {
			return gerr.FromContext(err)
		}
		slog.Default().WarnContext(ctx, "can't refresh cache windows",
			slog.String("query_id", q.ID),
			slog.String("err", err.Error()),
		)
	}
	if !r.c.RebuildOnMiss {
		return nil
	}
	days := r.cache.Uncovered(q)
	if len(days) == 0 || len(days) > r.c.MaxRebuildDays {
		return nil
	}
	n, err := r.maint.RebuildDays(ctx, days)
	dec.RebuiltWindows = n
	if err != nil {
		if gerr.IsContext(err) {
			return gerr.FromContext(err)
		}
		slog.Default().WarnContext(ctx, "can't rebuild cache windows on demand",
			slog.String("query_id", q.ID),
			slog.Int("days", len(days)),
			slog.Int("rebuilt", n),
			slog.String("err", err.Error()),
		)
		return nil
	}
	slog.Default().InfoContext(ctx, "cache windows rebuilt on demand",
		slog.String("query_id", q.ID),
		slog.Int("rebuilt", n),
	)
	return nil
}

// choose asks every engine for its cost and returns the cheapest. Engines failing
// to estimate are skipped.
func (r *Router) choose(ctx context.Context, q *entity.Query, dec *entity.RoutingDecision) (engine.Engine, error) {
	if q.ForceEngine != "" {
		e := r.engine(q.ForceEngine)
		if e == nil {
			return nil, fmt.Errorf("%w: engine %s is not registered", gerr.ErrNoEngine, q.ForceEngine)
		}
		if c, err := e.EstimateCost(ctx, q); err == nil {
			dec.EstimatedRows = c.Rows
		}
		return e, nil
	}

	var (
		best     engine.Engine
		bestCost engine.Cost
		errs     []error
	)
	for _, e := range r.engines {
		c, err := e.EstimateCost(ctx, q)
		if err != nil {
			if gerr.IsContext(err) {
				return nil, gerr.FromContext(err)
			}
			slog.Default().WarnContext(ctx, "can't estimate query cost",
				slog.String("query_id", q.ID),
				slog.String("engine", string(e.Name())),
				slog.String("err", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if best == nil || c.Units < bestCost.Units {
			best, bestCost = e, c
		}
	}
	if best == nil {
		return nil, errors.Join(append([]error{gerr.ErrNoEngine}, errs...)...)
	}
	dec.EstimatedRows = bestCost.Rows
	return best, nil
}

func (r *Router) engine(name entity.EngineName) engine.Engine {
	for _, e := range r.engines {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// fallback is the first registered engine other than failed.
func (r *Router) fallback(failed engine.Engine) engine.Engine {
	for _, e := range r.engines {
		if e.Name() != failed.Name() {
			return e
		}
	}
	return nil
}

func (r *Router) execute(ctx context.Context, q *entity.Query, e engine.Engine, dec *entity.RoutingDecision) (*entity.Result, error) {
	dec.Engine = e.Name()
	res, err := e.Execute(ctx, q)
	if err == nil {
		return res, nil
	}
	var eu *gerr.EngineUnavailableError
	if !errors.As(err, &eu) || q.ForceEngine != "" {
		return nil, err
	}
	other := r.fallback(e)
	if other == nil {
		return nil, err
	}

	slog.Default().WarnContext(ctx, "engine unavailable, retrying",
		slog.String("query_id", q.ID),
		slog.String("engine", string(e.Name())),
		slog.String("retry_engine", string(other.Name())),
		slog.String("err", err.Error()),
	)
	r.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(e.Name())),
		attribute.String("to", string(other.Name())),
	))
	dec.Retried = true
	dec.FailedEngine = e.Name()
	dec.Engine = other.Name()

	res, retryErr := other.Execute(ctx, q)
	if retryErr != nil {
		if gerr.IsContext(retryErr) {
			return nil, retryErr
		}
		return nil, errors.Join(err, retryErr)
	}
	return res, nil
}

func (r *Router) record(ctx context.Context, span trace.Span, q *entity.Query, dec *entity.RoutingDecision, err error) {
	ms := float64(dec.Latency) / float64(time.Millisecond)
	attrs := metric.WithAttributes(
		attribute.String("engine", string(dec.Engine)),
		attribute.Bool("cache_hit", dec.CacheHit),
	)
	span.SetAttributes(
		attribute.String("route.engine", string(dec.Engine)),
		attribute.Bool("route.cache_hit", dec.CacheHit),
		attribute.Bool("route.retried", dec.Retried),
		attribute.Int("route.rebuilt_windows", dec.RebuiltWindows),
		attribute.Int64("route.estimated_rows", dec.EstimatedRows),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Default().ErrorContext(ctx, "query failed",
			slog.String("query_id", dec.QueryID),
			slog.String("engine", string(dec.Engine)),
			slog.String("code", gerr.Code(err).String()),
			slog.String("err", err.Error()),
		)
		return
	}

	r.queries.Add(ctx, 1, attrs)
	r.latency.Record(ctx, ms, attrs)
	slog.Default().InfoContext(ctx, "query routed",
		slog.String("query_id", dec.QueryID),
		slog.String("kind", string(q.Kind)),
		slog.String("window", q.Window.Key()),
		slog.String("engine", string(dec.Engine)),
		slog.Int64("estimated_rows", dec.EstimatedRows),
		slog.Bool("cache_hit", dec.CacheHit),
		slog.Bool("cache_stale", dec.CacheStale),
		slog.Bool("retried", dec.Retried),
		slog.Float64("latency_ms", ms),
	)
}
