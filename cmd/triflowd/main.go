package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triflow/triflow/internal/actions"
	"github.com/triflow/triflow/internal/deploy"
	"github.com/triflow/triflow/internal/engine"
	"github.com/triflow/triflow/internal/logging"
	"github.com/triflow/triflow/internal/metrics"
	"github.com/triflow/triflow/internal/rules"
	"github.com/triflow/triflow/internal/scheduler"
	"github.com/triflow/triflow/internal/secrets"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/internal/streaming"
	"github.com/triflow/triflow/pkg/mcp"
)

func main() {
	mcpMode := false
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			printVersion()
			return
		case "mcp":
			mcpMode = true
		}
	}

	if err := run(mcpMode); err != nil {
		fmt.Fprintln(os.Stderr, "triflowd:", err)
		os.Exit(1)
	}
}

func run(mcpMode bool) error {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(triflowDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	mets := metrics.New()

	// The deployment manager notifies the evaluator when routes change so
	// stale compiled scripts are dropped. The evaluator does not exist yet
	// when the manager is built, hence the indirection.
	var evaluator *rules.Evaluator
	manager := deploy.NewManager(st, logger, deploy.WithObserver(mets), deploy.OnChange(func(rulesetID string) {
		if evaluator != nil {
			evaluator.InvalidateScripts(rulesetID)
		}
	}))
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load deployments: %w", err)
	}
	evaluator = rules.NewEvaluator(st, manager, logger, rules.WithObserver(mets))

	monitorCfg := deploy.DefaultMonitorConfig()
	if cfg.CanaryFailureThreshold > 0 {
		monitorCfg.FailureThreshold = cfg.CanaryFailureThreshold
	}
	monitor := deploy.NewCanaryMonitor(manager, logger, monitorCfg)

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.BuiltinDeps{Logger: logger, Vault: vault}); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	hub := streaming.NewMemoryHub()

	executor, err := engine.NewExecutor(engine.ExecutorDeps{
		Store:     st,
		Registry:  registry,
		Evaluator: evaluator,
		Deploys:   manager,
		Monitor:   monitor,
		Logger:    logger,
	},
		engine.WithTelemetry(mets),
		engine.WithParallelism(cfg.PoolSize),
		engine.WithEventHub(hub),
	)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	sched := scheduler.NewScheduler(st, executor, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	srv := metricsServer(cfg.MetricsAddr, mets)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("triflowd started",
		"version", version,
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"mcp", mcpMode,
	)

	// In MCP mode the process doubles as a tool server for operator
	// agents over stdio; closing stdin shuts the daemon down.
	mcpCh := make(chan error, 1)
	if mcpMode {
		tri := mcp.NewTriflowServer(mcp.ServerDeps{
			Executor:  executor,
			Store:     st,
			Manager:   manager,
			Evaluator: evaluator,
			Logger:    logger,
		})
		executor.SetNotifier(mcp.NewSessionNotifier(tri.MCPServer(), tri.Sessions()))
		go func() { mcpCh <- tri.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-mcpCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		logger.Info("mcp transport closed")
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown incomplete", "error", err)
	}
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func metricsServer(addr string, mets *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(mets.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
