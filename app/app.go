package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jekabolt/o2o-ledger/config"
	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	httpapi "github.com/jekabolt/o2o-ledger/internal/api/http"
	"github.com/jekabolt/o2o-ledger/internal/columnar"
	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jekabolt/o2o-ledger/internal/engine"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/jekabolt/o2o-ledger/internal/ingest"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
	"github.com/jekabolt/o2o-ledger/internal/router"
	"github.com/jekabolt/o2o-ledger/internal/schema"
	"github.com/jekabolt/o2o-ledger/internal/store"
	"github.com/jekabolt/o2o-ledger/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// App is the main application
type App struct {
	c       *config.Config
	version string

	db        *store.Store
	cols      *columnar.Store
	redis     redis.UniversalClient
	builder   *preagg.Builder
	scheduler *preagg.Scheduler
	router    *router.Router
	ingester  *ingest.Ingester
	hs        *httpapi.Server
	telemetry telemetry.Shutdown

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a new instance of App
func New(c *config.Config, version string) *App {
	return &App{
		c:       c,
		version: version,
		done:    make(chan struct{}),
	}
}

// Open connects the stores and builds the query path without starting any
// background work.
func (a *App) Open(ctx context.Context) error {
	var err error

	policy := entity.NewChannelPolicy(a.c.Channels.Commission, a.c.Channels.Free)
	opts, norm, err := a.aggregatorOptions()
	if err != nil {
		return err
	}

	a.db, err = store.New(ctx, a.c.DB)
	if err != nil {
		slog.Default().ErrorContext(ctx, "couldn't connect to database", slog.String("err", err.Error()))
		return err
	}
	a.cols, err = columnar.New(&a.c.Columnar)
	if err != nil {
		return fmt.Errorf("can't open columnar store: %w", err)
	}

	locker, err := a.locker()
	if err != nil {
		return err
	}
	a.builder, err = preagg.NewBuilder(&a.c.Cache, preagg.NewCache(), a.cols, a.cols, locker, policy)
	if err != nil {
		return err
	}
	a.builder.WithSourceVersions(a.cols)
	if a.c.Bucket.Enabled {
		b, err := a.c.Bucket.Init()
		if err != nil {
			return fmt.Errorf("can't init bucket mirror: %w", err)
		}
		a.builder.WithMirror(b)
	}

	engines := []engine.Engine{
		engine.NewRowStoreEngine(a.db, policy, opts.Formula.Version, a.c.Router.OLTPPoolSize),
		engine.NewColumnarEngine(a.cols, policy, opts.Formula.Version, a.c.Router.SwitchThreshold, a.c.Router.OLAPPoolSize),
	}
	a.router, err = router.New(&a.c.Router, a.builder.Cache(), engines,
		router.WithMarketingFormula(opts.Formula.Version),
		router.WithMaintainer(a.builder),
	)
	if err != nil {
		return err
	}
	a.ingester = ingest.New(&a.c.Ingest, opts, norm, a.db, a.cols, a.builder)
	return nil
}

func (a *App) aggregatorOptions() (aggregate.Options, *schema.Normalizer, error) {
	ac := a.c.Aggregator
	reg := schema.Default()
	if ac.FieldsFile != "" {
		b, err := os.ReadFile(ac.FieldsFile)
		if err != nil {
			return aggregate.Options{}, nil, fmt.Errorf("can't read fields file: %w", err)
		}
		if reg, err = schema.LoadRegistry(b); err != nil {
			return aggregate.Options{}, nil, err
		}
	}
	formula, err := entity.MarketingFormulaByVersion(ac.MarketingFormula)
	if err != nil {
		return aggregate.Options{}, nil, err
	}
	eps := decimal.Zero
	if ac.Epsilon != "" {
		if eps, err = decimal.NewFromString(ac.Epsilon); err != nil {
			return aggregate.Options{}, nil, fmt.Errorf("bad aggregator epsilon %q: %w", ac.Epsilon, err)
		}
	}
	loc := time.UTC
	if ac.Timezone != "" {
		if loc, err = time.LoadLocation(ac.Timezone); err != nil {
			return aggregate.Options{}, nil, fmt.Errorf("bad aggregator timezone: %w", err)
		}
	}
	opts := aggregate.Options{
		Fields:   reg.Fields(),
		Validate: ac.Validate,
		Epsilon:  eps,
		Formula:  formula,
	}
	return opts, schema.New(reg, loc), nil
}

func (a *App) locker() (dependency.WindowLocker, error) {
	switch a.c.Cache.LockBackend {
	case "", "memory":
		return preagg.NewMemoryLocker(), nil
	case "redis":
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{a.c.Cache.RedisAddr},
			Password: a.c.Cache.RedisPassword,
			DB:       a.c.Cache.RedisDB,
		})
		return preagg.NewRedisLocker(a.redis, a.c.Cache.RedisPrefix, a.c.Cache.LockTTL, 0), nil
	default:
		return nil, fmt.Errorf("unknown cache lock backend %q", a.c.Cache.LockBackend)
	}
}

// Start starts the app
func (a *App) Start(ctx context.Context) error {
	var err error
	slog.Default().InfoContext(ctx, "starting o2o ledger", slog.String("version", a.version))

	a.telemetry, err = telemetry.Setup(ctx, &a.c.Telemetry, a.version)
	if err != nil {
		return err
	}
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.scheduler = preagg.NewScheduler(&a.c.Cache, a.builder)
	if err := a.scheduler.Start(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "cannot start cache scheduler", slog.String("err", err.Error()))
		return err
	}

	a.hs = httpapi.New(&a.c.HTTP, httpapi.NewHandlers(a.router, a.ingester, a.builder, a.db))
	if err := a.hs.Start(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "cannot start http server", slog.String("err", err.Error()))
		return err
	}
	go func() {
		<-a.hs.Done()
		a.closeDone()
	}()
	return nil
}

// Rebuild recomputes the cache windows of w and persists them.
func (a *App) Rebuild(ctx context.Context, w entity.Window) (int, error) {
	if a.builder == nil {
		return 0, fmt.Errorf("app is not open")
	}
	return a.builder.RebuildRange(ctx, w)
}

// Stop stops the application and waits for all services to exit
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.hs != nil {
		errs = append(errs, a.hs.Stop(ctx))
	}
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry(ctx))
	}
	a.closeDone()
	return errors.Join(errs...)
}

func (a *App) closeDone() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Done returns a channel that is closed after the application has exited
func (a *App) Done() <-chan struct{} {
	return a.done
}
