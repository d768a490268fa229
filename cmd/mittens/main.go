// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the Mittens Wisp relay with its metrics and health
// endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mittens "github.com/Scaratech/Mittens"
	"github.com/Scaratech/Mittens/pkg/audit"
	"github.com/Scaratech/Mittens/pkg/filter"
	"github.com/Scaratech/Mittens/pkg/guard"
	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/health"
	"github.com/Scaratech/Mittens/pkg/metrics"
	"github.com/Scaratech/Mittens/pkg/proxy"
	"github.com/Scaratech/Mittens/pkg/ratelimit"
	"github.com/Scaratech/Mittens/pkg/upstream"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MITTENS_"

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := mittens.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	file, err := mittens.LoadFile(cfg.PolicyFile)
	if err != nil {
		logger.Error("Failed to load policy file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg.ApplyFile(file)

	if err := run(cfg, file, logger); err != nil {
		logger.Error(fmt.Sprintf("Mittens terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("Mittens stopped")
}

func run(cfg mittens.Config, file *mittens.File, logger *slog.Logger) error {
	policy, err := file.FilterPolicy()
	if err != nil {
		return err
	}
	f, err := filter.New(policy, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	g, err := guard.New(file.GuardPolicy())
	if err != nil {
		return fmt.Errorf("failed to create guard: %w", err)
	}

	hooks := handler.NewHooks()

	auditLogger, closer, err := setupAuditLogger(file.Logging, logger)
	if err != nil {
		return err
	}
	defer closer.Close()
	audit.New(file.AuditConfig(), auditLogger).Register(hooks)

	m := metrics.New(prometheus.DefaultRegisterer, "mittens")
	m.Register(hooks)

	dialer, err := upstream.NewDialer(upstream.Config{
		URL:              cfg.UpstreamURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Breaker: upstream.BreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Monitor circuit breaker state changes
	dialer.Breaker().OnStateChange(func(from, to upstream.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("upstream", dialer.URL()),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.ObserveBreaker(from, to)
	})

	checker := health.NewChecker(5 * time.Second)
	checker.Register("upstream", func(ctx context.Context) error {
		if dialer.Breaker().State() == upstream.StateOpen {
			return fmt.Errorf("circuit open for %s", dialer.URL())
		}
		return nil
	})

	p, err := proxy.New(proxy.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Path:            cfg.Path,
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		TrustProxy:      file.Logging.TrustProxy,
		ProxyHeader:     file.Logging.ProxyHeader,
		UpgradeLimit:    ratelimit.Config{Rate: cfg.UpgradeRate, Burst: cfg.UpgradeBurst},
		StreamLimit:     ratelimit.Config{Rate: cfg.StreamRate, Burst: cfg.StreamBurst},
		MaxPending:      cfg.MaxPending,
		ReadLimit:       cfg.ReadLimit,
		LogRequests:     cfg.LogLevel == "debug",
		Logger:          logger,
	}, proxy.Deps{
		Dialer:  dialer,
		Filter:  f,
		Guard:   g,
		Hooks:   hooks,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting Mittens",
		slog.String("upstream", dialer.URL()),
		slog.Bool("filtering", policy.Enabled),
		slog.Bool("wispguard", file.WispGuard.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return p.Listen(ctx)
	})
	eg.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsPort, logger)
	})
	eg.Go(func() error {
		return serveHealth(ctx, cfg.HealthPort, checker, logger)
	})

	// Signal handler
	eg.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	return eg.Wait()
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupAuditLogger returns the logger audit records are written to. With a
// log directory configured, records go to mittens-YYYY-MM-DD.log (or .json
// when log_type is json) in that directory.
func setupAuditLogger(cfg mittens.Logging, base *slog.Logger) (*slog.Logger, io.Closer, error) {
	if !cfg.Enabled || cfg.LogDir == "" {
		return base, nopCloser{}, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	ext := "log"
	if cfg.LogType == "json" {
		ext = "json"
	}
	name := fmt.Sprintf("mittens-%s.%s", time.Now().Format(time.DateOnly), ext)
	out, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	var h slog.Handler
	if ext == "json" {
		h = slog.NewJSONHandler(out, nil)
	} else {
		h = slog.NewTextHandler(out, nil)
	}
	return slog.New(h), out, nil
}

// serveMetrics runs the Prometheus metrics HTTP server until ctx is done.
func serveMetrics(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serve(ctx, "metrics", port, mux, logger)
}

// serveHealth runs the health check HTTP server until ctx is done.
func serveHealth(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return serve(ctx, "health", port, mux, logger)
}

func serve(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	if port <= 0 {
		logger.Info(fmt.Sprintf("%s server disabled", name))
		return nil
	}

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Starting %s server", name), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}
