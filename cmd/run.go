package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jekabolt/o2o-ledger/app"
	"github.com/jekabolt/o2o-ledger/config"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/jekabolt/o2o-ledger/internal/store"
	"github.com/jekabolt/o2o-ledger/log"
	"github.com/spf13/cobra"
)

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load a config %v", err.Error())
	}
	logger := log.New(cfg.Logger, os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.New(cfg, version)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("cannot start the application %v", err.Error())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	select {
	case s := <-sigCh:
		logger.With("signal", s.String()).Warn("signal received, exiting")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx); err != nil {
			logger.Error("application stopped with errors", slog.String("err", err.Error()))
		}
		logger.Info("application exited")
	case <-a.Done():
		logger.Error("application exited")
	}

	return nil
}

func migrateDB(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.DB.Automigrate = true
	s, err := store.New(cmd.Context(), cfg.DB)
	if err != nil {
		return err
	}
	s.Close()
	logger.Info("migrations applied")
	return nil
}

func rebuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	from, err := entity.ParseDay(rebuildFrom)
	if err != nil {
		return fmt.Errorf("bad --from: %w", err)
	}
	to, err := entity.ParseDay(rebuildTo)
	if err != nil {
		return fmt.Errorf("bad --to: %w", err)
	}
	if to.Before(from) {
		return fmt.Errorf("--to %s is before --from %s", rebuildTo, rebuildFrom)
	}

	ctx := cmd.Context()
	a := app.New(cfg, version)
	if err := a.Open(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())

	n, err := a.Rebuild(ctx, entity.NewWindow(from, to.AddDate(0, 0, 1)))
	if err != nil {
		return err
	}
	logger.Info("cache rebuilt", slog.Int("windows", n))
	return nil
}
