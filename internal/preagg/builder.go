package preagg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the cache builder and its schedules.
type Config struct {
	// Modes are the fallback modes materialized for every window.
	Modes []string `mapstructure:"modes"`
	// Parallelism bounds how many windows rebuild at once.
	Parallelism int `mapstructure:"parallelism"`
	// ClosedDays is how many days before today the nightly job rebuilds.
	ClosedDays         int    `mapstructure:"closed_days"`
	ClosedDaysSchedule string `mapstructure:"closed_days_schedule"`
	TodaySchedule      string `mapstructure:"today_schedule"`
	// LockBackend is memory or redis.
	LockBackend   string        `mapstructure:"lock_backend"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		Modes:              []string{string(entity.FallbackWithCommission), string(entity.FallbackStrict)},
		Parallelism:        4,
		ClosedDays:         7,
		ClosedDaysSchedule: "0 30 2 * * *",
		TodaySchedule:      "0 5 * * * *",
		LockBackend:        "memory",
		LockTTL:            5 * time.Minute,
		RedisPrefix:        "o2o-ledger:window:",
	}
}

// Builder rebuilds cache windows from the order source and publishes them.
type Builder struct {
	c        *Config
	modes    []entity.FallbackMode
	policy   entity.ChannelPolicy
	cache    *Cache
	source   dependency.OrderSource
	buckets  dependency.BucketStore
	mirror   dependency.GenerationMirror
	versions dependency.SourceVersions
	locker   dependency.WindowLocker
	now      func() time.Time

	// genMu guards generation numbers when no bucket store assigns them.
	genMu sync.Mutex
}

// NewBuilder creates a builder. buckets may be nil to keep generations in memory only.
func NewBuilder(c *Config, cache *Cache, source dependency.OrderSource, buckets dependency.BucketStore, locker dependency.WindowLocker, policy entity.ChannelPolicy) (*Builder, error) {
	if c == nil {
		dc := DefaultConfig()
		c = &dc
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if len(c.Modes) == 0 {
		c.Modes = DefaultConfig().Modes
	}
	modes := make([]entity.FallbackMode, 0, len(c.Modes))
	for _, m := range c.Modes {
		fm, err := entity.ParseFallbackMode(m)
		if err != nil {
			return nil, fmt.Errorf("cache modes: %w", err)
		}
		modes = append(modes, fm)
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Builder{
		c:       c,
		modes:   modes,
		policy:  policy,
		cache:   cache,
		source:  source,
		buckets: buckets,
		locker:  locker,
		now:     time.Now,
	}, nil
}

// WithMirror copies every persisted generation to m after publication.
func (b *Builder) WithMirror(m dependency.GenerationMirror) *Builder {
	b.mirror = m
	return b
}

// WithSourceVersions makes the builder check v for source changes it did not
// see itself: writes made before a restart or by another process.
func (b *Builder) WithSourceVersions(v dependency.SourceVersions) *Builder {
	b.versions = v
	return b
}

// Cache returns the cache the builder publishes into.
func (b *Builder) Cache() *Cache {
	return b.cache
}

// MarkDirty flags the windows of the given dates as stale.
func (b *Builder) MarkDirty(dates []time.Time) {
	b.cache.MarkDirty(dates, b.now())
}

// RebuildWindow recomputes the buckets of one day under every configured mode and
// publishes them as a new generation. On failure the previous generation stays
// current.
func (b *Builder) RebuildWindow(ctx context.Context, day time.Time) (*entity.BucketSnapshot, error) {
	w := entity.DayWindow(day)
	unlock, err := b.locker.Lock(ctx, w.Key())
	if err != nil {
		return nil, fmt.Errorf("can't lock window %s: %w", w.Key(), gerr.FromContext(err))
	}
	defer unlock()

	readAt := b.now()
	orders, err := b.source.ScanOrders(ctx, &entity.Query{
		Window:      w,
		Granularity: entity.GranularityDay,
		Kind:        entity.QueryBuckets,
	})
	if err != nil {
		return nil, fmt.Errorf("can't load orders of %s: %w", w.Key(), gerr.FromContext(err))
	}

	sets := make(map[entity.FallbackMode][]entity.AggregationBucket, len(b.modes))
	for _, m := range b.modes {
		if err := ctx.Err(); err != nil {
			return nil, gerr.FromContext(err)
		}
		sets[m] = Build(orders, m, b.policy, entity.GranularityDay)
	}
	snap := &entity.BucketSnapshot{
		Window:       w,
		SourceReadAt: readAt,
		BuiltAt:      b.now(),
		Sets:         sets,
	}

	var ref *entity.GenerationRef
	if b.buckets != nil {
		ref, err = b.buckets.WriteGeneration(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("can't persist window %s: %w", w.Key(), gerr.FromContext(err))
		}
		snap.Generation = ref.Generation
	} else {
		b.genMu.Lock()
		snap.Generation = 1
		if cur := b.cache.Current(day); cur != nil {
			snap.Generation = cur.Generation + 1
		}
		b.genMu.Unlock()
	}
	b.cache.Publish(snap)

	slog.Default().InfoContext(ctx, "cache window rebuilt",
		slog.String("window", w.Key()),
		slog.Int64("generation", snap.Generation),
		slog.Int("orders", len(orders)),
		slog.Int("buckets", snap.Rows()),
	)

	if b.mirror != nil && ref != nil {
		if err := b.mirror.MirrorGeneration(ctx, ref); err != nil {
			slog.Default().ErrorContext(ctx, "can't mirror generation",
				slog.String("err", err.Error()),
				slog.String("window", w.Key()),
				slog.Int64("generation", ref.Generation),
			)
		}
	}
	return snap, nil
}

// RebuildRange rebuilds every day of w, including days without orders, and
// returns the number of windows published. Windows that fail keep their previous
// generation; the first error is returned.
func (b *Builder) RebuildRange(ctx context.Context, w entity.Window) (int, error) {
	return b.RebuildDays(ctx, w.Days())
}

// RebuildDays rebuilds the given days like RebuildRange.
func (b *Builder) RebuildDays(ctx context.Context, days []time.Time) (int, error) {
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.c.Parallelism)
	for _, d := range days {
		d := d
		g.Go(func() error {
			if _, err := b.RebuildWindow(gctx, d); err != nil {
				return err
			}
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return done, err
	}
	return done, nil
}

// LoadPersisted publishes the current persisted generation of every window and
// marks the ones whose source changed after they were read.
func (b *Builder) LoadPersisted(ctx context.Context) (int, error) {
	if b.buckets == nil {
		return 0, nil
	}
	snaps, err := b.buckets.LoadCurrent(ctx)
	if err != nil {
		return 0, fmt.Errorf("can't load persisted generations: %w", err)
	}
	for _, s := range snaps {
		b.cache.Publish(s)
	}
	for _, s := range snaps {
		if err := b.refreshDay(ctx, s.Window.From); err != nil {
			return 0, err
		}
	}
	return len(snaps), nil
}

// Refresh reconciles the cached days of w with the shared stores. A newer
// persisted generation is published, and a snapshot read before the last source
// change is marked dirty. Without source versions it does nothing.
func (b *Builder) Refresh(ctx context.Context, w entity.Window) error {
	if b.versions == nil {
		return nil
	}
	for _, d := range w.Days() {
		if err := b.refreshDay(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) refreshDay(ctx context.Context, day time.Time) error {
	if b.versions == nil {
		return nil
	}
	key := day.Format(entity.DateLayout)
	changed, err := b.versions.SourceChangedAt(ctx, day)
	if err != nil {
		return fmt.Errorf("can't read source version of %s: %w", key, gerr.FromContext(err))
	}
	cur := b.cache.Current(day)
	if b.buckets != nil && (cur == nil || changed.After(cur.SourceReadAt)) {
		p, err := b.buckets.ReadGeneration(ctx, day)
		if err != nil {
			return fmt.Errorf("can't read generation of %s: %w", key, gerr.FromContext(err))
		}
		if p != nil && (cur == nil || p.Generation > cur.Generation) {
			b.cache.Publish(p)
			cur = b.cache.Current(day)
		}
	}
	if cur != nil && changed.After(cur.SourceReadAt) {
		b.cache.MarkDirty([]time.Time{day}, changed)
	}
	return nil
}
