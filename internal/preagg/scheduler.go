package preagg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic rebuilds: closed days once a night and the current
// day a few minutes past every hour.
type Scheduler struct {
	b    *Builder
	c    *Config
	cron *cron.Cron
	now  func() time.Time
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates a scheduler for b.
func NewScheduler(c *Config, b *Builder) *Scheduler {
	if c == nil {
		c = b.c
	}
	return &Scheduler{
		b:    b,
		c:    c,
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		now:  time.Now,
	}
}

// Start loads persisted generations and registers the rebuild jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.ctx != nil && s.stop != nil {
		return fmt.Errorf("cache scheduler already started")
	}
	n, err := s.b.LoadPersisted(ctx)
	if err != nil {
		return err
	}
	slog.Default().InfoContext(ctx, "loaded persisted cache windows", slog.Int("count", n))

	s.ctx, s.stop = context.WithCancel(ctx)
	if s.c.ClosedDaysSchedule != "" {
		if _, err := s.cron.AddFunc(s.c.ClosedDaysSchedule, func() { s.RebuildClosedDays(s.ctx) }); err != nil {
			s.stop()
			return fmt.Errorf("bad closed days schedule %q: %w", s.c.ClosedDaysSchedule, err)
		}
	}
	if s.c.TodaySchedule != "" {
		if _, err := s.cron.AddFunc(s.c.TodaySchedule, func() { s.RebuildToday(s.ctx) }); err != nil {
			s.stop()
			return fmt.Errorf("bad today schedule %q: %w", s.c.TodaySchedule, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	if s.stop == nil {
		return fmt.Errorf("cache scheduler already stopped or not started")
	}
	s.stop()
	<-s.cron.Stop().Done()
	s.stop = nil
	return nil
}

// ClosedDaysWindow is the range rebuilt by the nightly job.
func (s *Scheduler) ClosedDaysWindow() entity.Window {
	today := entity.Day(s.now())
	return entity.Window{From: today.AddDate(0, 0, -s.c.ClosedDays), To: today}
}

// RebuildClosedDays rebuilds the configured number of days before today.
func (s *Scheduler) RebuildClosedDays(ctx context.Context) {
	s.run(ctx, "closed_days", s.ClosedDaysWindow())
}

// RebuildToday rebuilds the current day.
func (s *Scheduler) RebuildToday(ctx context.Context) {
	s.run(ctx, "today", entity.DayWindow(s.now()))
}

func (s *Scheduler) run(ctx context.Context, job string, w entity.Window) {
	start := time.Now()
	n, err := s.b.RebuildRange(ctx, w)
	if err != nil {
		slog.Default().ErrorContext(ctx, "scheduled cache rebuild failed",
			slog.String("err", err.Error()),
			slog.String("job", job),
			slog.String("window", w.Key()),
			slog.Int("published", n),
		)
		return
	}
	slog.Default().InfoContext(ctx, "scheduled cache rebuild done",
		slog.String("job", job),
		slog.String("window", w.Key()),
		slog.Int("published", n),
		slog.Duration("took", time.Since(start)),
	)
}
