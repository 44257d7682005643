package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/api/handlers"
	rediscache "github.com/carbonlens/backend/internal/cache/redis"
	"github.com/carbonlens/backend/internal/chunker"
	"github.com/carbonlens/backend/internal/embedding"
	"github.com/carbonlens/backend/internal/emissions"
	"github.com/carbonlens/backend/internal/extraction"
	"github.com/carbonlens/backend/internal/extraction/nim"
	"github.com/carbonlens/backend/internal/generation"
	"github.com/carbonlens/backend/internal/ingestion"
	"github.com/carbonlens/backend/internal/middleware/ratelimit"
	"github.com/carbonlens/backend/internal/middleware/security"
	"github.com/carbonlens/backend/internal/middleware/validation"
	"github.com/carbonlens/backend/internal/rerank"
	"github.com/carbonlens/backend/internal/retrieval"
	"github.com/carbonlens/backend/internal/storage/sqlite"
	"github.com/carbonlens/backend/internal/vector/milvus"
	"github.com/carbonlens/backend/pkg/config"
	"github.com/carbonlens/backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		logger.Fatal("Failed to open sqlite storage", zap.Error(err))
	}
	defer store.Close()

	vectors, err := milvus.NewStore(ctx, milvus.Config{
		URI:          cfg.Milvus.URI,
		Token:        cfg.Milvus.Token,
		VectorDim:    cfg.Milvus.VectorDim,
		IndexNList:   cfg.Milvus.IndexNList,
		SearchNProbe: cfg.Milvus.SearchNProbe,
	})
	if err != nil {
		logger.Fatal("Failed to connect to milvus", zap.Error(err))
	}
	defer vectors.Close()

	if err := vectors.EnsureCollection(ctx, cfg.Milvus.DocsCollection); err != nil {
		logger.Fatal("Failed to prepare collection", zap.Error(err))
	}

	var cache *rediscache.Client
	cache, err = rediscache.NewClient(ctx, rediscache.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      time.Duration(cfg.Redis.TTLSec) * time.Second,
	})
	if err != nil {
		// The cache is an accelerator, not a dependency.
		logger.Warn("Redis unavailable, running without cache", zap.Error(err))
		cache = nil
	} else {
		defer cache.Close()
	}

	detector := nim.NewDetector(cfg.Detection.Endpoint, cfg.Detection.APIKey,
		time.Duration(cfg.Detection.TimeoutSec)*time.Second)
	charts := nim.NewChartExtractor(cfg.Chart.Endpoint, cfg.Chart.APIKey,
		time.Duration(cfg.Chart.TimeoutSec)*time.Second)
	ocr := nim.NewOCRClient(cfg.OCR.Endpoint, cfg.OCR.APIKey,
		time.Duration(cfg.OCR.TimeoutSec)*time.Second)

	extractor := extraction.NewExtractor(detector, charts, ocr, extraction.Config{
		MinConfidence: cfg.Pipeline.DetectionConfidence,
		Workers:       cfg.Pipeline.ExtractionWorkers,
	})

	chunks := chunker.New(chunker.Config{
		MinSize:         cfg.Pipeline.ChunkMinSize,
		MaxSize:         cfg.Pipeline.ChunkMaxSize,
		Overlap:         cfg.Pipeline.ChunkOverlap,
		MinSegmentChars: cfg.Pipeline.MinSegmentChars,
	})

	var embedCache embedding.Cache
	if cache != nil {
		embedCache = cache
	}
	embedder := embedding.NewClient(embedding.Config{
		Endpoint:      cfg.Embedding.Endpoint,
		APIKey:        cfg.Embedding.APIKey,
		Model:         cfg.Embedding.Model,
		Dim:           cfg.Embedding.Dim,
		BatchSize:     cfg.Embedding.BatchSize,
		MaxInputChars: cfg.Embedding.MaxInputChars,
		Timeout:       time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	}, embedCache)

	reranker := rerank.NewClient(rerank.Config{
		Endpoint: cfg.Rerank.Endpoint,
		APIKey:   cfg.Rerank.APIKey,
		Model:    cfg.Rerank.Model,
		Timeout:  time.Duration(cfg.Rerank.TimeoutSec) * time.Second,
	})

	generator := generation.NewGenerator(generation.Config{
		Endpoint:      cfg.LLM.Endpoint,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		ContextBudget: cfg.LLM.ContextBudget,
		Timeout:       time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	var invalidator ingestion.AnswerInvalidator
	if cache != nil {
		invalidator = cache
	}
	ingestPipeline := ingestion.NewPipeline(extractor, chunks, embedder, vectors, store, invalidator,
		ingestion.Config{Collection: cfg.Milvus.DocsCollection})

	var answerCache retrieval.AnswerCache
	if cache != nil {
		answerCache = cache
	}
	queryPipeline := retrieval.NewPipeline(embedder, vectors, reranker, generator, store, answerCache,
		retrieval.Config{
			Collection:     cfg.Milvus.DocsCollection,
			TopK:           cfg.Pipeline.TopK,
			RerankK:        cfg.Pipeline.RerankK,
			MaxDistance:    cfg.Pipeline.MaxDistance,
			MinRerankScore: cfg.Pipeline.MinRerankScore,
		})

	factors := emissions.NewFactorClient(cfg.Factors.APIURL,
		time.Duration(cfg.Factors.TimeoutSec)*time.Second)
	engine := emissions.NewEngine(generator, factors, cfg.Pipeline.Epsilon)

	app := buildApp(cfg, ingestPipeline, queryPipeline, engine, store, vectors)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("Server listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func buildApp(cfg *config.Config, ingestPipeline *ingestion.Pipeline, queryPipeline *retrieval.Pipeline, engine *emissions.Engine, store *sqlite.Client, vectors *milvus.Store) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "carbonlens",
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 120})
	app.Use(limiter.Middleware())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	docs := handlers.NewDocumentHandler(ingestPipeline, store)
	queries := handlers.NewQueryHandler(queryPipeline)
	reports := handlers.NewEmissionsHandler(engine, store, store)
	ws := handlers.NewWebSocketHandler(queryPipeline, engine, 0)

	v1 := app.Group("/api/v1")
	v1.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	v1.Get("/ready", func(c *fiber.Ctx) error {
		if err := vectors.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "ready"})
	})

	v1.Post("/documents", docs.Upload)
	v1.Get("/documents", docs.List)
	v1.Get("/documents/:id", docs.Get)

	v1.Post("/query", validation.RequireJSON(), queries.Query)
	v1.Get("/query/history", queries.History)

	v1.Post("/emissions", validation.RequireJSON(), reports.Calculate)
	v1.Get("/emissions/:id", reports.Get)

	v1.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws", websocket.New(ws.Handle))

	return app
}
