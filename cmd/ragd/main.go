package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/auth"
	"github.com/knoguchi/ragctl/internal/blob"
	"github.com/knoguchi/ragctl/internal/cache"
	"github.com/knoguchi/ragctl/internal/config"
	"github.com/knoguchi/ragctl/internal/embedder"
	"github.com/knoguchi/ragctl/internal/eventbus"
	"github.com/knoguchi/ragctl/internal/gateway"
	"github.com/knoguchi/ragctl/internal/llm"
	"github.com/knoguchi/ragctl/internal/memory"
	"github.com/knoguchi/ragctl/internal/reranker"
	"github.com/knoguchi/ragctl/internal/repository"
	"github.com/knoguchi/ragctl/internal/repository/postgres"
	"github.com/knoguchi/ragctl/internal/server"
	"github.com/knoguchi/ragctl/internal/service"
	"github.com/knoguchi/ragctl/internal/vectorstore"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ragctl",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	tenantRepo := postgres.NewTenantRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	userRepo := postgres.NewUserRepo(db)

	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	slog.Info("connected to Qdrant")

	redisCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisCache.Close()
	slog.Info("connected to Redis")

	blobStore, err := blob.New(ctx, blob.Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to blob storage: %w", err)
	}
	slog.Info("connected to blob storage", "bucket", cfg.S3Bucket)

	chunksCreatedProducer := eventbus.NewProducer(cfg.KafkaBrokers, eventbus.TopicChunksCreated)
	defer chunksCreatedProducer.Close()
	documentCompletedProducer := eventbus.NewProducer(cfg.KafkaBrokers, eventbus.TopicDocumentCompleted)
	defer documentCompletedProducer.Close()
	chunkFailedProducer := eventbus.NewProducer(cfg.KafkaBrokers, eventbus.TopicChunkFailed)
	defer chunkFailedProducer.Close()
	chunksCreatedConsumer := eventbus.NewConsumer(cfg.KafkaBrokers, eventbus.TopicChunksCreated, cfg.KafkaConsumerGroup)
	defer chunksCreatedConsumer.Close()

	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	embedBreaker := gateway.NewBreaker("embedder", cfg.BreakerFailureThreshold, cfg.BreakerOpenDuration)
	llmBreaker := gateway.NewBreaker("llm", cfg.BreakerFailureThreshold, cfg.BreakerOpenDuration)

	jwtManager := auth.NewJWTManager(&auth.JWTConfig{
		Secret:        cfg.JWTSecret,
		AccessExpiry:  cfg.JWTAccessExpiry,
		RefreshExpiry: cfg.JWTRefreshExpiry,
		Issuer:        "ragctl",
	})
	refreshStore := auth.NewRefreshStore(redisCache)
	authMiddleware := auth.NewMiddleware(tenantRepo, jwtManager, refreshStore, cfg.AdminAPIKey)

	rateLimiter := gateway.NewRateLimiter(redisCache.Client(), map[gateway.Scope]gateway.BucketConfig{
		gateway.ScopeGlobal:   {RatePerSecond: float64(cfg.RateLimitGlobalRPS), Capacity: float64(cfg.RateLimitBucketBurst * 10)},
		gateway.ScopeTenant:   {RatePerSecond: float64(cfg.RateLimitTenantRPS), Capacity: float64(cfg.RateLimitBucketBurst)},
		gateway.ScopeUser:     {RatePerSecond: float64(cfg.RateLimitUserRPS), Capacity: float64(cfg.RateLimitBucketBurst)},
		gateway.ScopeEndpoint: {RatePerSecond: float64(cfg.RateLimitEndpointRPS), Capacity: float64(cfg.RateLimitBucketBurst)},
		gateway.ScopeIP:       {RatePerSecond: float64(cfg.RateLimitIPRPS), Capacity: float64(cfg.RateLimitBucketBurst)},
	})
	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)
	rateLimiter.OnFallback(metrics.RateLimitFallback.Inc)
	embedBreaker.OnStateChange(metrics.RecordBreakerState)
	llmBreaker.OnStateChange(metrics.RecordBreakerState)

	memoryStore := memory.NewStore(redisCache, 20, cfg.ConversationTTL)
	llmReranker := reranker.NewLLMReranker(llmClient)

	tenantSvc := service.NewTenantService(tenantRepo, vectorStore, cfg)
	documentSvc := service.NewDocumentService(documentRepo, tenantRepo, vectorStore, blobStore, chunksCreatedProducer)
	identitySvc := service.NewIdentityService(userRepo, tenantRepo, jwtManager, refreshStore)
	ragSvc := service.NewRAGService(
		tenantRepo, documentRepo, embed, vectorStore, llmClient, memoryStore,
		service.WithReranker(llmReranker),
		service.WithResponseCache(redisCache, cfg.RAGResponseCacheTTL),
		service.WithBreakers(embedBreaker, llmBreaker),
	)

	worker := service.NewEmbeddingWorker(
		chunksCreatedConsumer, documentCompletedProducer, chunkFailedProducer,
		documentRepo, tenantRepo, vectorStore, embed, redisCache, embedBreaker,
	)

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.CORSOrigins,
		AuthMiddleware: authMiddleware,
		RateLimiter:    rateLimiter,
		Metrics:        metrics,
		Identity:       identitySvc,
		Tenant:         tenantSvc,
		Document:       documentSvc,
		RAG:            ragSvc,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		slog.Info("starting embedding worker", "group", cfg.KafkaConsumerGroup)
		if err := worker.Run(ctx); err != nil {
			errCh <- fmt.Errorf("embedding worker error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers...")
	cancel() // stop the embedding worker's consumer loop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TenantRepository   = (*postgres.TenantRepo)(nil)
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ repository.UserRepository     = (*postgres.UserRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
	_ reranker.Reranker             = (*reranker.LLMReranker)(nil)
	_ error                         = apperr.InvalidArgument("")
)
