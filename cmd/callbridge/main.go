// Command callbridge bridges telephony μ-law WebSocket streams to a
// conversational-AI agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/gateway"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Gateway ───────────────────────────────────────────────────────────────
	gwOpts := []gateway.Option{gateway.WithMetrics(metrics)}
	if cfg.Server.CallLog != "" {
		gwOpts = append(gwOpts, gateway.WithCallLog(calllog.NewFileStore(cfg.Server.CallLog)))
		slog.Info("call log enabled", "path", cfg.Server.CallLog)
	}
	gw, err := gateway.New(gateway.Config{
		Telephony: cfg.Telephony,
		ConvAI:    cfg.ConvAI,
		Breaker:   cfg.Breaker,
	}, gwOpts...)
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath,
		func(r config.Reload) {
			applyReload(r, &level, gw)
			metrics.RecordConfigReload(ctx, true)
		},
		config.WithRejectHandler(func(error) { metrics.RecordConfigReload(ctx, false) }),
	)
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP routes ───────────────────────────────────────────────────────────
	checks := health.New(health.Checker{Name: "convai", Check: gw.CheckUpstream})
	checks.SetDetails(gw.Details)

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Telephony.Path, observe.Middleware(metrics)(gw))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /debug/sessions", observe.Middleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(gw.Sessions()); err != nil {
			slog.Warn("encode sessions", "err", err)
		}
	})))
	checks.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		serveErr <- err
	}()

	slog.Info("server ready, press Ctrl+C to shut down",
		"telephony_path", cfg.Telephony.Path,
		"tls", cfg.Server.TLS.Enabled(),
	)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…", "active_sessions", gw.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), watcher.Current().Server.ShutdownTimeout)
	defer cancel()

	checks.SetDraining(true)
	code := 0
	// Hijacked WebSocket connections are not tracked by srv.Shutdown, so the
	// gateway closes its calls before the listener goes away.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", "err", err)
		code = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// applyReload pushes the hot-reloadable parts of a config change into the
// running process.
func applyReload(r config.Reload, level *slog.LevelVar, gw *gateway.Gateway) {
	d, cfg := r.Diff, r.New
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "log_level", d.NewLogLevel)
	}
	if d.ConvAIChanged {
		if err := gw.UpdateConvAI(cfg.ConvAI); err != nil {
			slog.Error("convai settings rejected, keeping previous", "err", err)
		} else {
			slog.Info("convai settings applied to new calls", "agent_id", cfg.ConvAI.AgentID)
		}
	}
	if d.BreakerChanged {
		gw.UpdateBreaker(cfg.Breaker)
		slog.Info("breaker thresholds updated",
			"max_failures", cfg.Breaker.MaxFailures,
			"reset_timeout", cfg.Breaker.ResetTimeout,
		)
	}
	for _, key := range d.RestartRequired {
		slog.Warn("config change requires restart", "key", key)
	}
}
