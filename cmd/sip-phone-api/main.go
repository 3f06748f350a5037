package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Shapy-Sees/sip-phone-api/internal/api"
	"github.com/Shapy-Sees/sip-phone-api/internal/config"
	"github.com/Shapy-Sees/sip-phone-api/internal/database"
	"github.com/Shapy-Sees/sip-phone-api/internal/event"
	"github.com/Shapy-Sees/sip-phone-api/internal/media"
	"github.com/Shapy-Sees/sip-phone-api/internal/metrics"
	"github.com/Shapy-Sees/sip-phone-api/internal/phone"
	"github.com/Shapy-Sees/sip-phone-api/internal/webhook"
	"github.com/Shapy-Sees/sip-phone-api/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting sip-phone-api",
		"http_port", cfg.HTTPPort,
		"media_listen", cfg.MediaListen,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	endpoints := database.NewWebhookEndpointRepository(db)
	deliveries := database.NewDeliveryLogRepository(db)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Event dispatcher: the single ordered pipeline every event flows
	// through.
	dispatcher := event.NewDispatcher(cfg.DispatcherQueueSize, logger)
	go dispatcher.Run(appCtx)

	// Phone line with DTMF debouncing.
	line := phone.NewLine(dispatcher, cfg.DTMFMinTone(), cfg.DTMFMinGap(), logger)

	// Audio bridge between the telephony engine and WebSocket sessions.
	bridge := media.NewBridge(cfg.AudioJitterFrames, logger)
	line.SetAudioSink(bridge)

	// UDP media leg facing the telephony engine.
	var remote *net.UDPAddr
	if cfg.MediaRemote != "" {
		remote, err = net.ResolveUDPAddr("udp", cfg.MediaRemote)
		if err != nil {
			slog.Error("invalid media-remote address", "error", err)
			os.Exit(1)
		}
	}
	engineEP, err := media.NewEngineEndpoint(cfg.MediaListen, remote, bridge, line, nil, logger)
	if err != nil {
		slog.Error("failed to bind engine media socket", "error", err)
		os.Exit(1)
	}
	bridge.SetEngineWriter(engineEP)
	line.SetStreamResetter(engineEP)
	engineEP.Start(appCtx)
	defer engineEP.Close()

	// Webhook delivery engine, fed from the dispatcher.
	webhookEngine := webhook.NewEngine(dispatcher, nil, &database.AttemptRecorder{Repo: deliveries}, logger)
	webhookEngine.Start(appCtx)
	dispatcher.Subscribe("webhook-engine", webhookEngine.Handle)
	loadEndpoints(appCtx, endpoints, webhookEngine)

	// WebSocket session hub, fed from the dispatcher.
	hub := ws.NewHub(line, bridge, dispatcher, cfg.WSPingInterval(), cfg.WSMaxMissedPings, logger)
	dispatcher.Subscribe("ws-hub", hub.HandleEvent)
	defer hub.Close()

	// Prometheus registry with the service collector.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(
			&lineAdapter{line: line},
			dispatcher,
			webhookEngine,
			&sessionAdapter{hub: hub},
			bridge,
			time.Now(),
		),
	)

	// Periodic delivery log pruning.
	if cfg.DeliveryLogKeep > 0 {
		go pruneLoop(appCtx, deliveries, cfg.DeliveryLogKeep)
	}

	// HTTP server using the api package.
	handler := api.NewServer(cfg, line, webhookEngine, endpoints, deliveries, hub, dispatcher, hub, jwtSecret, registry)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("sip-phone-api stopped")
}

// loadEndpoints registers all enabled stored endpoints with the delivery
// engine at startup.
func loadEndpoints(ctx context.Context, repo database.WebhookEndpointRepository, engine *webhook.Engine) {
	stored, err := repo.ListEnabled(ctx)
	if err != nil {
		slog.Error("failed to load webhook endpoints", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no webhook endpoints configured")
		return
	}

	for i := range stored {
		ep, err := api.EndpointFromModel(&stored[i])
		if err != nil {
			slog.Error("skipping malformed webhook endpoint",
				"endpoint_id", stored[i].ID,
				"error", err,
			)
			continue
		}
		if err := engine.AddEndpoint(ep); err != nil {
			slog.Error("failed to register webhook endpoint",
				"endpoint_id", ep.ID,
				"error", err,
			)
		}
	}
	slog.Info("webhook endpoints loaded", "count", len(stored))
}

// pruneLoop trims the delivery log on an hourly cadence.
func pruneLoop(ctx context.Context, repo database.DeliveryLogRepository, keep int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := repo.Prune(ctx, keep)
			if err != nil {
				slog.Error("failed to prune delivery log", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("pruned delivery log", "removed", removed, "keep", keep)
			}
		}
	}
}

// lineAdapter bridges the phone line with the metrics collector's
// LineProvider interface.
type lineAdapter struct {
	line *phone.Line
}

func (a *lineAdapter) CurrentState() string {
	return string(a.line.State())
}

func (a *lineAdapter) Counters() metrics.LineCounters {
	stats := a.line.Status().Stats
	return metrics.LineCounters{
		StateChanges: uint64(stats.StateChanges),
		DTMFEvents:   uint64(stats.DTMFEvents),
		Errors:       uint64(stats.Errors),
		TotalCalls:   uint64(stats.TotalCalls),
	}
}

// sessionAdapter bridges the WebSocket hub with the metrics collector's
// SessionProvider interface.
type sessionAdapter struct {
	hub *ws.Hub
}

func (a *sessionAdapter) SessionCounts() map[string]int {
	counts := a.hub.SessionCounts()
	out := make(map[string]int, len(counts))
	for kind, n := range counts {
		out[string(kind)] = n
	}
	return out
}
