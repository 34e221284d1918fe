// Command engined runs the workflow engine daemon: the execution core, the
// durable event store, the REST/webhook/stream HTTP surface and the metrics
// endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxbpm/orchestrator/internal/bus"
	"github.com/fluxbpm/orchestrator/internal/config"
	"github.com/fluxbpm/orchestrator/internal/engine"
	"github.com/fluxbpm/orchestrator/internal/events"
	"github.com/fluxbpm/orchestrator/internal/eventstore"
	"github.com/fluxbpm/orchestrator/internal/httpapi"
	"github.com/fluxbpm/orchestrator/internal/model"
	"github.com/fluxbpm/orchestrator/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (also FLUXBPM_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("initialize tracing", zap.Error(err))
	}

	store, err := eventstore.Open(eventstore.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
	}, logger)
	if err != nil {
		logger.Fatal("open event store", zap.Error(err))
	}
	defer store.Close()

	var mirror *events.Mirror
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer client.Close()
		mirror = events.NewMirror(client, cfg.Redis.StreamMaxLen, cfg.Redis.StreamTTL, logger)
		logger.Info("redis event mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	limits, err := config.NewWatcher(*configPath, cfg, logger)
	if err != nil {
		logger.Fatal("watch config", zap.Error(err))
	}
	defer limits.Close()

	msgBus := bus.New(cfg.Bus.TTL, logger)
	stream := events.NewStream(events.NewManager(1024), store, mirror, logger)

	eng := engine.New(engine.Options{
		Logger:         logger,
		Stream:         stream,
		Bus:            msgBus,
		Replayer:       store,
		Limits:         limits.Limits,
		ReceiveTimeout: cfg.Engine.ReceiveTimeout,
	})

	// Default send simulator: logs the interpolated message instead of
	// delivering it. Hosts override by registering their own "send" handler.
	eng.Services().Register("send", func(ctx context.Context, el *model.Element, vars map[string]interface{}, emit func(events.Event)) (interface{}, error) {
		logger.Info("send task simulated",
			zap.String("element_id", el.ID),
			zap.Any("to", vars["_send_to"]),
			zap.Any("subject", vars["_send_subject"]))
		return nil, nil
	})

	// Expired undelivered messages get collected in the background.
	sweepStop := make(chan struct{})
	if cfg.Bus.TTL > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Bus.TTL / 2)
			defer ticker.Stop()
			for {
				select {
				case <-sweepStop:
					return
				case <-ticker.C:
					msgBus.Sweep()
				}
			}
		}()
	}

	appServer := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.Port),
		Handler: httpapi.NewServer(eng, httpapi.Config{
			AuthEnabled:      cfg.Auth.Enabled,
			JWTSecret:        cfg.Auth.JWTSecret,
			APIKeyHashes:     cfg.Auth.APIKeyHashes,
			WebhookRateLimit: cfg.Server.WebhookRateLimit,
			WebhookBurst:     cfg.Server.WebhookBurst,
		}, logger).Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("api server listening", zap.Int("port", cfg.Server.Port))
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler:     metricsMux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	close(sweepStop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := appServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
