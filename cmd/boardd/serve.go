package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bborn/boardhooks/internal/config"
	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/metrics"
	"github.com/bborn/boardhooks/internal/pipeline"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/bborn/boardhooks/internal/server"
	"github.com/bborn/boardhooks/internal/worktree"
	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(load func() (*config.Config, error), configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline daemon",
		Long:  "Starts an actor for every task outside the terminal columns and serves the HTTP and websocket API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, *configPath, newLogger(os.Stderr, cfg))
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func applyExecutorOverrides(factory *executor.ExecutorFactory, cfg *config.Config, logger *log.Logger) {
	factory.ResetOverrides()
	for name, ec := range cfg.Executors {
		ok := factory.Override(name, executor.Override{Path: ec.Path, Args: ec.Args, Env: ec.Env, PTY: ec.PTY})
		if !ok {
			logger.Warn("Unknown executor in config", "executor", name)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *log.Logger) error {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	logger.Info("Database opened", "path", cfg.DBPath)

	m, err := metrics.New(metrics.Meter(cfg.MetricsEnabled))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	factory := executor.DefaultFactory()
	applyExecutorOverrides(factory, cfg, logger)

	bus := events.New()
	reg := registry.New()
	agents := executor.NewService(database, bus, reg, factory, executor.Options{
		Metrics: m,
		Logger:  logger.WithPrefix("agent"),
	})
	worktrees := worktree.New(database, cfg.ReposDir, cfg.WorktreesDir, os.Stderr)

	sup := pipeline.New(database, bus, reg, agents, worktrees, pipeline.Options{
		CallTimeout:   cfg.CallTimeout.Std(),
		ScriptTimeout: cfg.ScriptTimeout.Std(),
		Metrics:       m,
		Logger:        logger.WithPrefix("pipeline"),
	})
	defer sup.Shutdown()

	if _, err := sup.StartAll(); err != nil {
		return fmt.Errorf("start task actors: %w", err)
	}

	srv := server.New(server.Config{
		Addr:     cfg.ListenAddr,
		DB:       database,
		Bus:      bus,
		Pipeline: sup,
		Logger:   logger.WithPrefix("http"),
	})

	logger.Info("Starting boardd", "listen", cfg.ListenAddr, "worktrees", cfg.WorktreesDir, "cleanup", cfg.CleanupSchedule)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return runCleanup(ctx, worktrees, cfg, logger.WithPrefix("cleanup"))
	})
	g.Go(func() error {
		if configPath == "" {
			return nil
		}
		err := config.Watch(ctx, configPath, logger.WithPrefix("config"), func(next *config.Config) {
			logger.SetLevel(next.Level())
			applyExecutorOverrides(factory, next, logger)
			logger.Info("Config reloaded", "path", configPath)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Config watcher stopped", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runCleanup removes expired worktrees on the configured cron schedule until
// ctx is done.
func runCleanup(ctx context.Context, worktrees *worktree.Manager, cfg *config.Config, logger *log.Logger) error {
	if cfg.CleanupSchedule == "" || cfg.WorktreeTTL <= 0 {
		logger.Info("Worktree cleanup disabled")
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.CleanupSchedule, func() {
		n, err := worktrees.CleanupExpired(ctx, cfg.WorktreeTTL.Std())
		if err != nil {
			logger.Error("Worktree cleanup failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Removed expired worktrees", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
