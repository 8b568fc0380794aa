// Package main is the entry point for the casparianflow-worker binary:
// the stateless executor that connects to a sentinel, advertises the
// plugin environments it can resolve, and runs dispatched jobs.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the environment manager and start its rescan loop
//  4. Build the transport manager (reconnect-with-backoff client)
//  5. Build the executor (job queue + bridge runner)
//  6. Start the executor worker and the transport's connect loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/envmanager"
	"github.com/sl224/casparianflow-sub008/internal/logging"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
	"github.com/sl224/casparianflow-sub008/internal/worker/executor"
	"github.com/sl224/casparianflow-sub008/internal/worker/telemetry"
	"github.com/sl224/casparianflow-sub008/internal/worker/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	sentinelAddr   string
	outputDir      string
	envRoot        string
	stateDir       string
	sourceCacheDir string
	hostname       string
	logLevel       string
	heartbeatSecs  int
	rescanEvery    time.Duration
}

// casparianHome resolves the base directory for all worker-local state:
// CASPARIAN_HOME when set, the platform state directory otherwise.
func casparianHome() string {
	if home := os.Getenv("CASPARIAN_HOME"); home != "" {
		return home
	}
	return transport.DefaultStateDir()
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
		Use:   "casparianflow-worker",
		Short: "Casparian Flow worker — stateless job executor",
		Long: `The worker connects to a sentinel, advertises the plugin
environments it can resolve from its environment root, and executes
jobs dispatched to it by spawning the environment's plugin child and
streaming its output batches to the job's configured sinks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	hostname, _ := os.Hostname()
	home := casparianHome()
	root.PersistentFlags().StringVar(&cfg.sentinelAddr, "connect", envOrDefault("CASPARIAN_CONNECT", "localhost:7790"), "Sentinel TCP address (host:port)")
	root.PersistentFlags().StringVar(&cfg.outputDir, "output", envOrDefault("CASPARIAN_OUTPUT", filepath.Join(home, "output")), "Base directory for sink targets that are relative or unset")
	root.PersistentFlags().StringVar(&cfg.envRoot, "env-root", envOrDefault("CASPARIAN_ENV_ROOT", filepath.Join(home, "environments")), "Root directory of env-hash-named plugin environments")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("CASPARIAN_STATE_DIR", home), "Directory for worker state (worker-id file)")
	root.PersistentFlags().StringVar(&cfg.sourceCacheDir, "source-cache-dir", envOrDefault("CASPARIAN_SOURCE_CACHE_DIR", filepath.Join(home, "source-cache")), "Local content-addressed cache of materialized plugin sources, keyed by source_hash")
	root.PersistentFlags().StringVar(&cfg.hostname, "hostname", envOrDefault("CASPARIAN_HOSTNAME", hostname), "Hostname advertised in IDENTIFY")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASPARIAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.heartbeatSecs, "heartbeat", 0, "Heartbeat cadence in seconds (0 = sentinel-negotiated)")
	root.PersistentFlags().DurationVar(&cfg.rescanEvery, "rescan-interval", 30*time.Second, "How often to rescan the environment root")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casparianflow-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting casparianflow worker",
		zap.String("version", version),
		zap.String("sentinel_addr", cfg.sentinelAddr),
		zap.String("env_root", cfg.envRoot),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.sourceCacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create source cache dir: %w", err)
	}
	if err := os.MkdirAll(cfg.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	envMgr := envmanager.New(cfg.envRoot, logger)
	go envMgr.StartRescanLoop(cfg.rescanEvery, ctx.Done())

	go telemetry.StartLogLoop(ctx, 60*time.Second, logger)

	// The transport manager and executor are mutually referential: the
	// transport hands accepted dispatches to the executor, and the
	// executor reports outcomes back through the transport. execRef closes
	// that loop — it is nil only until the executor is constructed below,
	// and onDispatch is never invoked before the transport's first
	// successful connect, which happens well after that point.
	var execRef *executor.Executor
	mgr := transport.New(
		cfg.sentinelAddr,
		filepath.Join(cfg.stateDir, "worker-id.json"),
		cfg.hostname,
		envMgr.CapabilitySet,
		func(d *protocol.Dispatch) { execRef.Enqueue(d) },
		logger,
	)
	mgr.HeartbeatEvery = time.Duration(cfg.heartbeatSecs) * time.Second

	execRef = executor.New(envMgr, mgr, logger, cfg.sourceCacheDir, cfg.outputDir)
	go execRef.Run(ctx)

	if err := mgr.Run(ctx); err != nil {
		return fmt.Errorf("transport manager exited: %w", err)
	}

	logger.Info("casparianflow worker stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
