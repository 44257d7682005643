package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/chunker"
	"github.com/carbonlens/backend/internal/extraction"
	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/vector/milvus"
	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/utils"
)

type Extractor interface {
	Extract(ctx context.Context, document []byte) ([]extraction.Segment, error)
}

type Chunker interface {
	Chunk(docID string, segments []extraction.Segment) []chunker.Chunk
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	Insert(ctx context.Context, collection string, records []milvus.Record) error
}

type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	SaveChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
}

// AnswerInvalidator clears cached answers once new content lands.
type AnswerInvalidator interface {
	InvalidateAnswers(ctx context.Context) error
}

type Config struct {
	Collection string
}

// Pipeline drives a document from raw bytes to stored vectors. Progress
// is recorded stage by stage; vectors are written in a single batch at
// the end, so a failure anywhere leaves no partial content searchable.
type Pipeline struct {
	extractor Extractor
	chunker   Chunker
	embedder  Embedder
	vectors   VectorStore
	store     DocumentStore
	cache     AnswerInvalidator
	cfg       Config
}

func NewPipeline(extractor Extractor, chunker Chunker, embedder Embedder, vectors VectorStore, store DocumentStore, cache AnswerInvalidator, cfg Config) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		store:     store,
		cache:     cache,
		cfg:       cfg,
	}
}

// Ingest processes one document. The document ID is derived from the
// content hash, so re-submitting the same bytes replaces the previous
// rows instead of duplicating them.
func (p *Pipeline) Ingest(ctx context.Context, name string, document []byte) (*models.Document, error) {
	start := time.Now()

	doc := &models.Document{
		ID:     utils.HashBytes(document),
		Name:   name,
		Status: models.StatusReceived,
	}
	if err := p.store.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("record document: %w", err)
	}

	segments, err := p.extractor.Extract(ctx, document)
	if err != nil {
		return doc, p.fail(ctx, doc, "extraction", err)
	}
	doc.Pages = maxPage(segments)
	p.advance(ctx, doc, models.StatusExtracted)

	chunks := p.chunker.Chunk(doc.ID, segments)
	if len(chunks) == 0 {
		return doc, p.fail(ctx, doc, "chunking", fmt.Errorf("document produced no usable content"))
	}
	doc.Chunks = len(chunks)
	p.advance(ctx, doc, models.StatusChunked)

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return doc, p.fail(ctx, doc, "embedding", err)
	}
	p.advance(ctx, doc, models.StatusEmbedded)

	records := make([]milvus.Record, len(chunks))
	for i, ch := range chunks {
		records[i] = milvus.Record{
			ID:     ch.ID,
			Vector: vectors[i],
			Text:   ch.Text,
			Metadata: map[string]interface{}{
				"document_id": ch.DocumentID,
				"document":    name,
				"page":        ch.Page,
				"type":        string(ch.Type),
				"index":       ch.Index,
			},
		}
	}
	if err := p.vectors.Insert(ctx, p.cfg.Collection, records); err != nil {
		return doc, p.fail(ctx, doc, "storage", err)
	}

	stored := make([]models.Chunk, len(chunks))
	for i, ch := range chunks {
		stored[i] = models.Chunk{
			ID:         ch.ID,
			DocumentID: ch.DocumentID,
			Idx:        ch.Index,
			Page:       ch.Page,
			Type:       string(ch.Type),
			Text:       ch.Text,
		}
	}
	if err := p.store.SaveChunks(ctx, doc.ID, stored); err != nil {
		return doc, p.fail(ctx, doc, "storage", err)
	}
	p.advance(ctx, doc, models.StatusStored)

	if p.cache != nil {
		if err := p.cache.InvalidateAnswers(ctx); err != nil {
			logger.Warn("Failed to invalidate cached answers", zap.Error(err))
		}
	}

	p.advance(ctx, doc, models.StatusDone)
	metrics.DocumentsIngested.WithLabelValues(string(models.StatusDone)).Inc()
	metrics.ChunksStored.Add(float64(len(chunks)))
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())

	logger.Info("Document ingested",
		zap.String("document_id", doc.ID),
		zap.String("name", name),
		zap.Int("pages", doc.Pages),
		zap.Int("chunks", doc.Chunks),
		zap.Duration("took", time.Since(start)),
	)
	return doc, nil
}

func (p *Pipeline) advance(ctx context.Context, doc *models.Document, status models.DocumentStatus) {
	doc.Status = status
	if err := p.store.SaveDocument(ctx, doc); err != nil {
		logger.Warn("Failed to record ingestion progress",
			zap.String("document_id", doc.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) fail(ctx context.Context, doc *models.Document, stage string, cause error) error {
	doc.Status = models.StatusFailed
	doc.FailureStage = stage
	doc.FailureCause = cause.Error()
	if err := p.store.SaveDocument(ctx, doc); err != nil {
		logger.Error("Failed to record ingestion failure",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
	metrics.DocumentsIngested.WithLabelValues(string(models.StatusFailed)).Inc()
	return fmt.Errorf("%s: %w", stage, cause)
}

func maxPage(segments []extraction.Segment) int {
	max := 0
	for _, s := range segments {
		if s.Page > max {
			max = s.Page
		}
	}
	return max
}
