package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/vector/milvus"
	"github.com/carbonlens/backend/pkg/config"
	"github.com/carbonlens/backend/pkg/logger"
)

// setup prepares the Milvus collection. By default it only creates what
// is missing; --rebuild drops the existing collection first, which
// destroys all stored vectors and must be asked for explicitly.
func main() {
	rebuild := flag.Bool("rebuild", false, "drop and recreate the collection (destroys all stored vectors)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, "console", "stdout"); err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	store, err := milvus.NewStore(ctx, milvus.Config{
		URI:          cfg.Milvus.URI,
		Token:        cfg.Milvus.Token,
		VectorDim:    cfg.Milvus.VectorDim,
		IndexNList:   cfg.Milvus.IndexNList,
		SearchNProbe: cfg.Milvus.SearchNProbe,
	})
	if err != nil {
		logger.Fatal("Failed to connect to milvus", zap.Error(err))
	}
	defer store.Close()

	collection := cfg.Milvus.DocsCollection
	if *rebuild {
		if err := store.Rebuild(ctx, collection); err != nil {
			logger.Fatal("Rebuild failed", zap.String("collection", collection), zap.Error(err))
		}
		logger.Info("Collection rebuilt", zap.String("collection", collection))
		return
	}

	if err := store.EnsureCollection(ctx, collection); err != nil {
		logger.Fatal("Setup failed", zap.String("collection", collection), zap.Error(err))
	}
	logger.Info("Collection ready", zap.String("collection", collection))
}
