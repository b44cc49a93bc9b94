package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codebox/internal/config"
	"github.com/jkaninda/codebox/internal/gateway/httpapi"
	"github.com/jkaninda/codebox/internal/gateway/ws"
	"github.com/jkaninda/codebox/internal/janitor"
	"github.com/jkaninda/codebox/internal/observability"
	"github.com/jkaninda/codebox/internal/ratelimit"
	"github.com/jkaninda/codebox/internal/sandbox"
	"github.com/jkaninda/codebox/internal/session"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the execution server (HTTP API + WebSocket)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `codebox --config path` and `codebox server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServer starts the Codebox execution server.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("CODEBOX_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting codebox server", slog.String("addr", cfg.Server.Addr()))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Docker provider.
	docker, err := sandbox.NewDockerProvider(sandbox.DockerConfig{
		Host:      cfg.Sandbox.Host,
		Image:     cfg.Sandbox.Image,
		TempDir:   cfg.Sandbox.TempDir,
		MemoryMB:  int(cfg.Sandbox.MaxMemoryMB),
		CPUCores:  cfg.Sandbox.CPUCores,
		PIDsLimit: cfg.Sandbox.PIDsLimit,
		StopGrace: time.Duration(cfg.Sandbox.StopGraceSeconds) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer docker.Close()

	if cfg.Sandbox.PullOnStart {
		logger.Info("ensuring sandbox image", slog.String("image", cfg.Sandbox.Image))
		if err := docker.EnsureImage(ctx); err != nil {
			return err
		}
	}

	// Wrap the provider with tracing and anomaly detection when enabled.
	var provider sandbox.Provider = docker
	if obs != nil && (obs.Tracer != nil || obs.Anomaly != nil) {
		provider = observability.NewInstrumentedProvider(docker, obs.TracerOrNil(), obs.Anomaly)
	}

	// Session registry.
	registry := session.NewRegistry(provider, session.Config{
		Budget:       cfg.Session.Budget(),
		PromptWindow: cfg.Session.PromptWindowBytes,
	}, logger)
	if obs != nil {
		registry.WithMetrics(obs.Metrics)
		if obs.Tracer != nil {
			registry.WithTracer(obs.Tracer.Tracer())
		}
	}

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("docker", docker.Ping)
	}

	// Janitor (optional).
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		jan := janitor.New(docker, registry, cfg.Janitor, logger)
		if obs != nil {
			jan.WithMetrics(obs.Metrics)
		}
		stopJanitor, err := jan.Start()
		if err != nil {
			return err
		}
		defer stopJanitor()
	}

	// WebSocket server.
	wsServer := ws.NewServer(registry, &cfg.Server, logger)
	if obs != nil {
		wsServer.WithMetrics(obs.Metrics)
	}

	// HTTP API gateway with the WebSocket endpoint mounted.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gateway := httpapi.NewGateway(httpCfg, registry, limiter, logger).
		WithHandler(cfg.Server.Path(), wsServer.Handler())

	// Run the gateway until a signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gateway.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown: stop accepting work, then cancel live sessions so
	// every sandbox is destroyed before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	registry.Shutdown()

	return nil
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default config path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == config.DefaultConfigPath() {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}
