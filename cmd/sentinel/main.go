// Package main is the entry point for the casparianflow-sentinel binary:
// the control-plane process owning the job queue and the worker fleet.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the job-queue store (runs embedded migrations)
//  4. Build the fleet manager and the worker-facing TCP listener
//  5. Build and run the dispatch loop
//  6. Serve Prometheus metrics on a side HTTP listener
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sl224/casparianflow-sub008/internal/logging"
	"github.com/sl224/casparianflow-sub008/internal/metrics"
	"github.com/sl224/casparianflow-sub008/internal/queue"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/dispatch"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/fleet"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	bindAddr         string
	metricsAddr      string
	dbDriver         string
	dbDSN            string
	logLevel         string
	heartbeatTimeout int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "casparianflow-sentinel",
		Short: "Casparian Flow sentinel — control plane for the worker fleet",
		Long: `The sentinel owns the durable job queue and the set of connected
workers. It claims eligible jobs on behalf of idle workers, tracks lease
expiry, and records job outcomes reported back over the wire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.bindAddr, "bind", envOrDefault("CASPARIAN_BIND", ":7790"), "Worker-facing TCP listen address")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("CASPARIAN_METRICS_ADDR", ":7791"), "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CASPARIAN_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "database", envOrDefault("CASPARIAN_DATABASE", "./sentinel.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASPARIAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.heartbeatTimeout, "heartbeat-timeout", 90, "Seconds of heartbeat silence before a worker is dropped from the fleet")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casparianflow-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting casparianflow sentinel",
		zap.String("version", version),
		zap.String("bind", cfg.bindAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gdb, err := queue.Open(queue.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store := queue.New(gdb)
	fleetMgr := fleet.New(logger)

	listener, err := transport.Listen(cfg.bindAddr, logger)
	if err != nil {
		return fmt.Errorf("failed to start worker listener: %w", err)
	}
	defer listener.Close()

	loop, err := dispatch.New(store, fleetMgr, listener, logger, time.Duration(cfg.heartbeatTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to build dispatch loop: %w", err)
	}

	metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := loop.Run(ctx); err != nil {
			logger.Error("dispatch loop exited with error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down casparianflow sentinel")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("casparianflow sentinel stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
