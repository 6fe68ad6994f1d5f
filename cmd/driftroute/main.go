// Command driftroute starts the semantic conversation routing service: it
// wires the Branch Store, Embedding Client, Classifier, Executor and
// fact-extraction worker into a Routing Pipeline and serves it over HTTP,
// following the single NewXService-then-startWorkers-then-serve shape the
// teacher's unified-rag-service/cognitive-microservice use in main().
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"drift-route-service/internal/classify"
	"drift-route-service/internal/config"
	"drift-route-service/internal/embedclient"
	"drift-route-service/internal/execute"
	"drift-route-service/internal/factextract"
	"drift-route-service/internal/httpapi"
	"drift-route-service/internal/logging"
	"drift-route-service/internal/loki"
	"drift-route-service/internal/metrics"
	"drift-route-service/internal/pipeline"
	"drift-route-service/internal/store"
	"drift-route-service/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg := config.Load()

	// lokiSink stays a nil zapcore.WriteSyncer (not a typed-nil *loki.Sink)
	// when unconfigured, so logging.New's != nil check behaves correctly.
	var lokiSink zapcore.WriteSyncer
	var lokiSinkCloser *loki.Sink
	if cfg.LokiEndpoint != "" {
		lokiClient := loki.New(cfg.LokiEndpoint, map[string]string{"service": cfg.ServiceName})
		lokiSinkCloser = loki.NewSink(lokiClient, map[string]string{"deploy_env": cfg.DeployEnv})
		lokiSink = lokiSinkCloser
	}

	logger, err := logging.New(cfg.DeployEnv, cfg.LogLevel, lokiSink)
	if err != nil {
		log.Fatalf("logging.New: %v", err)
	}
	defer logger.Sync()
	if lokiSinkCloser != nil {
		defer lokiSinkCloser.Close()
		logger.Info("loki sink configured", zap.String("endpoint", cfg.LokiEndpoint))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName)
	if err != nil {
		logger.Warn("tracing.Init failed, continuing without traces", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Fatal("metrics.Register", zap.Error(err))
	}

	dbStore, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("store.New", zap.Error(err))
	}
	defer dbStore.Close()
	if err := dbStore.Init(ctx); err != nil {
		logger.Fatal("store.Init", zap.Error(err))
	}

	embedder := embedclient.New(cfg.EmbeddingURL)
	if _, err := embedder.Health(ctx); err != nil {
		logger.Warn("embedding service readiness check failed, starting anyway", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis readiness check failed, fact-extraction dedupe disabled", zap.Error(err))
			redisClient = nil
		}
	}

	extractor := &factextract.EmbeddingServiceExtractor{Client: embedder}
	facts := factextract.New(extractor, redisClient, logger, 4)

	classifier := classify.New(embedder)
	executor := execute.New(dbStore, facts, logger)

	p := &pipeline.Pipeline{
		Store:      dbStore,
		Embedder:   embedder,
		Classifier: classifier,
		Executor:   executor,
		Policy:     cfg.Policy,
		Logger:     logger,
	}

	if cfg.DeployEnv != "development" && cfg.DeployEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	api := httpapi.New(p, logger)
	api.Register(router)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		logger.Info("server.listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("embedding_service", cfg.EmbeddingURL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server.ListenAndServe", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	logger.Info("shutdown.start")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown.error", zap.Error(err))
	}
	logger.Info("shutdown.complete")
}
