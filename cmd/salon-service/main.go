package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salon/salon-service/internal/config"
	"salon/salon-service/internal/httpapi"
	"salon/salon-service/internal/ledger"
	"salon/salon-service/internal/logging"
	"salon/salon-service/internal/queuestore"
	"salon/salon-service/internal/rotation"
	"salon/salon-service/internal/store"
	"salon/salon-service/internal/store/memory"
	"salon/salon-service/internal/store/postgres"
	"salon/salon-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "salon-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var records store.RecordStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		records = postgres.NewStore(pool)
	} else {
		logger.Warn("DB_DSN not set, service records are kept in memory only")
		records = memory.NewStore()
	}

	var queues queuestore.QueueStore
	if cfg.RedisAddr != "" {
		client := queuestore.NewRedisClient(queuestore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := queuestore.Ping(ctx, client); err != nil {
			logger.Fatal("redis connect", zap.Error(err))
		}
		cancel()
		queues = queuestore.NewRedis(client, cfg.RotationKey)
	}

	book := ledger.New(records, rotation.New(cfg.Technicians), ledger.Options{
		Location:   cfg.Location,
		QueueStore: queues,
		Logger:     logger,
	})
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	if err := book.Load(loadCtx); err != nil {
		logger.Fatal("load ledger", zap.Error(err))
	}
	cancelLoad()

	handler := httpapi.NewHandler(book, httpapi.Options{
		Logger:   logger,
		Location: cfg.Location,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute:      cfg.RateLimitPerMinute,
		Burst:          cfg.RateLimitBurst,
		TrustedProxies: cfg.TrustedProxies,
	})

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())), serviceName)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.Strings("technicians", cfg.Technicians))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	go func() {
		if cfg.SaveRetryInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.SaveRetryInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !book.HasUnsaved() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := book.Flush(ctx)
			cancel()
			if errors.Is(err, store.ErrRejected) {
				logger.Error("records rejected by store, kept in memory only", zap.Strings("unsaved", book.Unsaved()), zap.Error(err))
				continue
			}
			if err != nil {
				logger.Warn("retry save failed", zap.Strings("unsaved", book.Unsaved()), zap.Error(err))
				continue
			}
			logger.Info("retry save succeeded")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := book.Flush(ctx); err != nil {
		logger.Error("final save failed", zap.Strings("unsaved", book.Unsaved()), zap.Error(err))
	}
}
