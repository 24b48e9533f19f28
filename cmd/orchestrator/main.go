package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/config"
	"github.com/symposium-labs/symposium/internal/db"
	"github.com/symposium-labs/symposium/internal/gateway"
	"github.com/symposium-labs/symposium/internal/httpapi"
	"github.com/symposium-labs/symposium/internal/panel"
	"github.com/symposium-labs/symposium/internal/server"
	"github.com/symposium-labs/symposium/internal/session"
	"github.com/symposium-labs/symposium/internal/streaming"
	"github.com/symposium-labs/symposium/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without", zap.Error(err))
	}

	// Expert catalogue: fall back to the built-in panel when no file exists.
	registry, err := panel.LoadCatalog(cfg.Panel.CatalogPath, logger)
	if err != nil {
		logger.Warn("Catalogue unavailable, using built-in panel",
			zap.String("path", cfg.Panel.CatalogPath),
			zap.Error(err),
		)
		registry, err = panel.NewRegistry(panel.DefaultCatalog(), logger)
		if err != nil {
			logger.Fatal("Failed to build registry", zap.Error(err))
		}
	}
	if cfg.Panel.WatchCatalog {
		stop, err := registry.Watch(cfg.Panel.CatalogPath)
		if err != nil {
			logger.Warn("Catalogue watch failed", zap.Error(err))
		} else {
			defer stop()
		}
	}

	sessions, err := session.NewStore(cfg.Session.FilePath, cfg.Session.MaxHistory, cfg.Session.CacheSize, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}

	stream := streaming.NewManager(cfg.Streaming.RingCapacity)
	if cfg.Streaming.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Streaming.RedisAddr})
		stream.SetMirror(streaming.NewRedisMirror(client, cfg.Streaming.RedisStream, logger))
		logger.Info("Redis stream mirror enabled", zap.String("addr", cfg.Streaming.RedisAddr))
	}

	var recorder *db.Recorder
	if cfg.Database.URL != "" {
		recorder, err = db.NewRecorder(cfg.Database.URL, logger)
		if err != nil {
			logger.Warn("Turn recorder unavailable", zap.Error(err))
			recorder = nil
		} else {
			defer recorder.Close()
		}
	}

	retrieval := gateway.NewRetrievalClient(gateway.RetrievalConfig{
		BaseURL: cfg.Gateways.Retrieval.BaseURL,
		Timeout: cfg.Gateways.Retrieval.Timeout,
	}, logger)
	completion := gateway.NewCompletionClient(gateway.CompletionConfig{
		BaseURL:     cfg.Gateways.Completion.BaseURL,
		Timeout:     cfg.Gateways.Completion.Timeout,
		MaxRetries:  cfg.Gateways.Completion.MaxRetries,
		BackoffBase: cfg.Gateways.Completion.BackoffBase,
		RateLimit:   cfg.Gateways.Completion.RateLimit,
		RateBurst:   cfg.Gateways.Completion.RateBurst,
	}, logger)

	svc, err := server.New(server.Deps{
		Config:    cfg,
		Registry:  registry,
		Retrieval: retrieval,
		Complete:  completion,
		Sessions:  sessions,
		Stream:    stream,
		Recorder:  recorder,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Failed to create service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	mux := http.NewServeMux()
	httpapi.NewRunHandler(svc, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(stream, logger).RegisterRoutes(mux)
	httpapi.NewSessionHandler(svc, logger).RegisterRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.Server.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown error", zap.Error(err))
	}

	svc.Stop()
	cancel()
	logger.Info("Shutdown complete")
}
