package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orchard/internal/api"
	"orchard/internal/certify"
	"orchard/internal/checkpoint"
	"orchard/internal/config"
	"orchard/internal/events"
	"orchard/internal/healing"
	"orchard/internal/logging"
	"orchard/internal/metrics"
	"orchard/internal/plan"
	"orchard/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and plan API",
	Long: `Starts the scheduler, rehydrates non-terminal plans from their latest
checkpoints, and serves the HTTP plan API until interrupted.

Shards run on the built-in demo executor unless the binary is embedded
as a library with a custom one. The config file is watched; healing
budgets and logging settings apply live, everything else needs a restart.`,
	RunE: runServe,
}

var demoShardLatency time.Duration

func init() {
	serveCmd.Flags().DurationVar(&demoShardLatency, "demo-shard-latency", 50*time.Millisecond, "Simulated work per shard for the demo executor")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.Initialize(cfg.DataDir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	healer := healing.NewController(healing.Config{
		RetryLimit:     cfg.Healing.RetryLimit,
		HealDepthLimit: cfg.Healing.HealDepthLimit,
	})
	// Timeouts back off before re-dispatch so a saturated downstream
	// is not hammered at full rate.
	healer.Register(plan.FailureTimeout, &healing.BackoffEngine{Base: 100 * time.Millisecond})

	pipeline := certify.NewPipeline(
		[]certify.Authority{&certify.LocalAuthority{}},
		certify.QuorumRule(cfg.Certify.QuorumRule),
		cfg.FederationTimeout(),
	)

	reg := prometheus.NewRegistry()
	mets := metrics.NewCollector(reg)

	cache := events.NewCache(cfg.Events.CacheCapacity)
	router := events.NewRouter(cache, nil, mets, cfg.Events.RelayQueueSize)
	router.Start()
	defer router.Stop()

	sch := scheduler.New(cfg, store, healer, pipeline, router, mets, demoExecutor(demoShardLatency))
	if err := sch.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sch.Stop()

	srv := api.NewServer(cfg, sch, cache, reg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	watchConfig(ctx, cfg, healer)
	go purgeLoop(ctx, sch)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchard serving",
			zap.String("listen", cfg.API.Listen),
			zap.String("driver", cfg.Checkpoint.Driver),
			zap.String("version", Version))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Driver {
	case "postgres":
		store, err := checkpoint.NewPostgresStore(ctx, cfg.Checkpoint.DSN, cfg.Checkpoint.WriteRetries, cfg.CheckpointBackoff())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres checkpoint store: %w", err)
		}
		return store, nil
	default:
		store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path, cfg.Checkpoint.WriteRetries, cfg.CheckpointBackoff())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite checkpoint store: %w", err)
		}
		return store, nil
	}
}

// watchConfig applies safe tunables from config file changes without a
// restart. Topology-level settings (listen address, store driver,
// shard budgets) only apply on the next boot.
func watchConfig(ctx context.Context, cfg *config.Config, healer *healing.Controller) {
	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
		return
	}

	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-watcher.Updates():
				if !ok {
					return
				}
				healer.SetBudgets(healing.Config{
					RetryLimit:     next.Healing.RetryLimit,
					HealDepthLimit: next.Healing.HealDepthLimit,
				})
				if err := logging.Initialize(cfg.DataDir, logging.Options{
					DebugMode:  next.Logging.DebugMode,
					Level:      next.Logging.Level,
					Categories: next.Logging.Categories,
					JSONFormat: next.Logging.JSONFormat,
				}); err != nil {
					logger.Warn("logging reload failed", zap.Error(err))
				}
				logger.Info("config reloaded",
					zap.Int("retry_limit", next.Healing.RetryLimit),
					zap.Int("heal_depth_limit", next.Healing.HealDepthLimit))
			}
		}
	}()
}

// purgeLoop trims superseded checkpoint versions for terminal plans on
// an hourly cadence.
func purgeLoop(ctx context.Context, sch *scheduler.Scheduler) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sch.Purge(ctx)
			if err != nil {
				logger.Warn("checkpoint purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("checkpoint purge", zap.Int("removed", n))
			}
		}
	}
}

// demoExecutor simulates shard work: it sleeps for the configured
// latency and hashes the shard identity as the result. Useful for
// exercising the full pipeline without a real workload engine.
func demoExecutor(latency time.Duration) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, s *plan.Shard) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(latency):
		}
		return certify.HashResult(fmt.Sprintf("%s@%d", s.ShardID(), s.Attempt)), nil
	})
}
