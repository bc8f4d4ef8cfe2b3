// Command bonproxy-server runs the BonDriver tuner-sharing proxy: it
// accepts client connections, multiplexes them onto a pool of shared
// tuners, and serves Prometheus metrics and a health endpoint alongside
// the main TCP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/bonproxy/server/internal/alert"
	"github.com/bonproxy/server/internal/auth"
	"github.com/bonproxy/server/internal/config"
	"github.com/bonproxy/server/internal/device"
	"github.com/bonproxy/server/internal/events"
	"github.com/bonproxy/server/internal/listener"
	"github.com/bonproxy/server/internal/logging"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/pool"
	"github.com/bonproxy/server/internal/quality"
	"github.com/bonproxy/server/internal/registry"
	"github.com/bonproxy/server/internal/session"
	"github.com/bonproxy/server/internal/tunerlock"
)

// unimplementedOpener stands in for the real BonDriver platform binding,
// which is out of scope: opening an actual device node is
// platform-specific hardware access this repository never performs. A
// deployment wires its own device.Opener here.
func unimplementedOpener() device.Opener {
	return device.OpenerFunc(func(ctx context.Context, tunerPath string) (device.Device, error) {
		return nil, fmt.Errorf("device: no platform binding configured for %q", tunerPath)
	})
}

// defaultAlertRules is the built-in threshold set evaluated against every
// live session. Rule storage is out of scope (the original SQLite-backed
// rule editor lives with the external dashboard); these cover the
// quantities the core already tracks.
var defaultAlertRules = []alert.Rule{
	{Name: "high-drop-rate", Metric: alert.MetricDropRate, Condition: alert.ConditionGreaterThan, Threshold: 5},
	{Name: "high-error-rate", Metric: alert.MetricErrorRate, Condition: alert.ConditionGreaterThan, Threshold: 1},
	{Name: "high-scramble-rate", Metric: alert.MetricScrambleRate, Condition: alert.ConditionGreaterThan, Threshold: 1},
	{Name: "weak-signal", Metric: alert.MetricSignalLevel, Condition: alert.ConditionLessThan, Threshold: 10},
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		Dir:           cfg.LogDir,
		RetentionDays: int(cfg.LogRetention / (24 * time.Hour)),
	})
	cfg.LogConfig(logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	publisher := events.New(cfg.NatsURL, cfg.EventsTopic, logger)
	publisher.Connect()
	defer publisher.Close()

	tunerPool := pool.New(cfg.MaxTuners, logger, m)
	if _, err := tunerPool.StartPeriodicSweep("@every " + cfg.PoolSweepInterval.String()); err != nil {
		logger.Warn().Err(err).Msg("failed to start periodic pool sweep")
	}

	locks := tunerlock.NewRegistry()
	sessions := registry.New()
	scorer := quality.NewScorer(quality.DefaultTTL)

	var validator *auth.Validator
	if cfg.AuthRequired {
		validator = auth.NewValidator(cfg.JWTSecret, true)
	}

	deps := session.Deps{
		Pool:              tunerPool,
		Locks:             locks,
		Opener:            unimplementedOpener(),
		Auth:              validator,
		Metrics:           m,
		Scorer:            scorer,
		Logger:            logger,
		WaitStreamDefault: cfg.WaitStreamDefault,
		RingCapacity:      cfg.RingBufferCapacity,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alertManager := alert.New(defaultAlertRules, sessions, publisher, logger)
	go alertManager.Run(ctx)

	l := listener.New(listener.Config{
		Addr:               cfg.Addr,
		CPURejectThreshold: cfg.CPURejectThreshold,
	}, deps, sessions, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	adminServer := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin HTTP server exited")
		}
	}()

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- l.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-listenerDone:
		if err != nil {
			logger.Error().Err(err).Msg("listener exited unexpectedly")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin server shutdown error")
	}

	select {
	case <-listenerDone:
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("listener did not stop within shutdown grace period")
	}

	logger.Info().Msg("bonproxy-server stopped")
}
