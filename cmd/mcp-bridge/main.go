// Command mcp-bridge runs a single child MCP process behind an HTTP
// control surface: clients register sessions, submit JSON-RPC messages,
// and stream responses over SSE or WebSocket, with a content-filter
// pipeline between them and the child.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/procstream/mcp-bridge-go/bridge"
	"github.com/procstream/mcp-bridge-go/config"
	"github.com/procstream/mcp-bridge-go/filter"
	"github.com/procstream/mcp-bridge-go/httpapi"
	"github.com/procstream/mcp-bridge-go/internal/logctx"
	"github.com/procstream/mcp-bridge-go/internal/metric"
	"github.com/procstream/mcp-bridge-go/sessions"
	"github.com/procstream/mcp-bridge-go/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bridge.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
	slog.SetDefault(log)

	promRegistry := prometheus.NewRegistry()
	metrics := metric.New()
	if err := metrics.Register(promRegistry); err != nil {
		return err
	}

	// Child process first: nothing else is useful without it.
	sup := supervisor.New(cfg.ChildCommand, cfg.ChildArgs,
		supervisor.WithLogger(log),
		supervisor.WithDir(cfg.ChildDir),
	)
	if err := sup.Start(ctx); err != nil {
		return err
	}
	metrics.ChildUp.Set(1)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Terminate(shutdownCtx)
	}()

	if err := sup.Probe(ctx); err != nil {
		log.Warn("child.probe.fail", slog.String("err", err.Error()))
	}

	registry := sessions.NewRegistry(
		sessions.WithLogger(log),
		sessions.WithQueueCapacity(cfg.QueueCapacity),
		sessions.WithLiveGauge(metrics.SessionsLive),
	)
	go registry.RunSweeper(ctx, cfg.SweepInterval, cfg.SessionMaxIdle)

	policy := filter.DefaultConfig()
	if cfg.PolicyPath != "" {
		policy, err = config.LoadFilterPolicy(cfg.PolicyPath)
		if err != nil {
			return err
		}
	}
	pipeline, err := filter.NewPipeline(policy,
		filter.WithPipelineLogger(log),
		filter.WithMetrics(metrics),
		filter.WithCache(cfg.CacheTTL, cfg.CacheSize),
	)
	if err != nil {
		return err
	}
	if cfg.PolicyPath != "" {
		if err := config.WatchFilterPolicy(ctx, log, cfg.PolicyPath, pipeline); err != nil {
			log.Warn("policy.watch.unavailable", slog.String("err", err.Error()))
		}
	}

	broker := bridge.New(sup, registry, pipeline,
		bridge.WithLogger(log),
		bridge.WithMaxInFlight(cfg.MaxInFlight),
		bridge.WithMetrics(metrics),
	)

	brokerErr := make(chan error, 1)
	go func() { brokerErr <- broker.Run(ctx) }()

	handler, err := httpapi.New(registry, broker, pipeline,
		httpapi.WithLogger(log),
		httpapi.WithAuthToken(cfg.AuthToken),
		httpapi.WithHeartbeat(cfg.Heartbeat),
		httpapi.WithPrometheusGatherer(promRegistry),
	)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		serverErr <- server.ListenAndServe()
	}()

	var cause error
	select {
	case <-ctx.Done():
		log.Info("bridge.shutdown", slog.String("reason", "signal"))
	case err := <-brokerErr:
		// The child stream ending takes the whole bridge down.
		metrics.ChildUp.Set(0)
		if err != nil && !errors.Is(err, context.Canceled) {
			cause = err
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cause = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	return cause
}
