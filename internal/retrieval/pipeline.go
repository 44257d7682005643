package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/internal/rerank"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/vector/milvus"
	"github.com/carbonlens/backend/pkg/logger"
)

const insufficientEvidenceAnswer = "The ingested documents do not contain enough evidence to answer this question."

const answerSystem = `You are an assistant answering questions about sustainability and emissions documents.
Answer using ONLY the numbered context passages. Cite passages as [1], [2] and so on.
If the context does not contain the answer, say so plainly instead of guessing.`

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]milvus.Hit, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]rerank.Ranking, error)
}

type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
	BuildContext(passages []string) string
}

type HistoryStore interface {
	SaveQuery(ctx context.Context, record *models.QueryRecord) error
	ListQueries(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

// AnswerCache stores finished results keyed by the query text.
type AnswerCache interface {
	GetAnswer(ctx context.Context, query string) ([]byte, error)
	SetAnswer(ctx context.Context, query string, payload []byte) error
}

type Config struct {
	Collection     string
	TopK           int
	RerankK        int
	MaxDistance    float64
	MinRerankScore float64
}

// Options override retrieval depth for a single request. Zero values
// fall back to the configured defaults.
type Options struct {
	TopK    int `json:"top_k"`
	RerankK int `json:"rerank_k"`
}

// SourceRef points an answer back at the chunk that supports it.
type SourceRef struct {
	ChunkID  string  `json:"chunk_id"`
	Document string  `json:"document,omitempty"`
	Page     int     `json:"page,omitempty"`
	Score    float64 `json:"score"`
}

type Result struct {
	Answer               string      `json:"answer"`
	Sources              []SourceRef `json:"sources,omitempty"`
	InsufficientEvidence bool        `json:"insufficient_evidence,omitempty"`
	Cached               bool        `json:"cached,omitempty"`
}

// Pipeline answers questions against the ingested corpus. Evidence
// thresholds gate the generator: when nothing relevant survives them the
// caller gets the insufficient-evidence result and no model call is made.
type Pipeline struct {
	embedder  Embedder
	searcher  Searcher
	reranker  Reranker
	generator Generator
	history   HistoryStore
	cache     AnswerCache
	cfg       Config
}

func NewPipeline(embedder Embedder, searcher Searcher, reranker Reranker, generator Generator, history HistoryStore, cache AnswerCache, cfg Config) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.RerankK <= 0 || cfg.RerankK > cfg.TopK {
		cfg.RerankK = cfg.TopK
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = 1.5
	}
	return &Pipeline{
		embedder:  embedder,
		searcher:  searcher,
		reranker:  reranker,
		generator: generator,
		history:   history,
		cache:     cache,
		cfg:       cfg,
	}
}

func (p *Pipeline) Answer(ctx context.Context, query string, opts Options) (*Result, error) {
	start := time.Now()
	defer func() { metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()

	topK := opts.TopK
	if topK <= 0 {
		topK = p.cfg.TopK
	}
	rerankK := opts.RerankK
	if rerankK <= 0 {
		rerankK = p.cfg.RerankK
	}
	if rerankK > topK {
		rerankK = topK
	}

	// Cached answers were produced at the default depth, so requests
	// that override it bypass the cache entirely.
	useCache := opts == (Options{})
	if useCache {
		if cached := p.cachedResult(ctx, query); cached != nil {
			metrics.Queries.WithLabelValues("cached").Inc()
			return cached, nil
		}
	}

	vector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		metrics.Queries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := p.searcher.Search(ctx, p.cfg.Collection, vector, topK)
	if err != nil {
		metrics.Queries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search: %w", err)
	}

	relevant := hits[:0]
	for _, h := range hits {
		if float64(h.Distance) <= p.cfg.MaxDistance {
			relevant = append(relevant, h)
		}
	}
	if len(relevant) == 0 {
		return p.insufficient(ctx, query), nil
	}

	ordered, scores := p.rerankHits(ctx, query, relevant, rerankK)
	if len(ordered) == 0 {
		return p.insufficient(ctx, query), nil
	}

	passages := make([]string, len(ordered))
	sources := make([]SourceRef, len(ordered))
	for i, h := range ordered {
		passages[i] = h.Text
		sources[i] = SourceRef{ChunkID: h.ID, Score: scores[i]}
		if h.Metadata != nil {
			if doc, ok := h.Metadata["document"].(string); ok {
				sources[i].Document = doc
			}
			if page, ok := h.Metadata["page"].(float64); ok {
				sources[i].Page = int(page)
			}
		}
	}

	prompt := fmt.Sprintf("Context passages:\n%s\n\nQuestion: %s", p.generator.BuildContext(passages), query)
	answer, err := p.generator.Complete(ctx, answerSystem, prompt)
	if err != nil {
		metrics.Queries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	result := &Result{Answer: answer, Sources: sources}
	p.record(ctx, query, result)
	if useCache {
		p.cacheResult(ctx, query, result)
	}
	metrics.Queries.WithLabelValues("answered").Inc()

	logger.Info("Query answered",
		zap.Int("candidates", len(hits)),
		zap.Int("used", len(ordered)),
		zap.Duration("took", time.Since(start)),
	)
	return result, nil
}

// rerankHits reorders hits by cross-encoder score and applies the score
// floor. A rerank failure falls back to vector order with neutral scores
// rather than failing the query.
func (p *Pipeline) rerankHits(ctx context.Context, query string, hits []milvus.Hit, rerankK int) ([]milvus.Hit, []float64) {
	passages := make([]string, len(hits))
	for i, h := range hits {
		passages[i] = h.Text
	}

	rankings, err := p.reranker.Rerank(ctx, query, passages)
	if err != nil {
		logger.Warn("Rerank failed, keeping vector order", zap.Error(err))
		n := len(hits)
		if n > rerankK {
			n = rerankK
		}
		ordered := hits[:n]
		scores := make([]float64, n)
		for i, h := range ordered {
			// Invert distance so larger still means better.
			scores[i] = -float64(h.Distance)
		}
		return ordered, scores
	}

	var (
		ordered []milvus.Hit
		scores  []float64
	)
	for _, r := range rankings {
		if len(ordered) >= rerankK {
			break
		}
		if r.Score < p.cfg.MinRerankScore {
			continue
		}
		ordered = append(ordered, hits[r.Index])
		scores = append(scores, r.Score)
	}
	return ordered, scores
}

func (p *Pipeline) insufficient(ctx context.Context, query string) *Result {
	result := &Result{
		Answer:               insufficientEvidenceAnswer,
		InsufficientEvidence: true,
	}
	p.record(ctx, query, result)
	metrics.Queries.WithLabelValues("insufficient_evidence").Inc()
	return result
}

// History returns the most recent queries, newest first.
func (p *Pipeline) History(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	return p.history.ListQueries(ctx, limit)
}

func (p *Pipeline) record(ctx context.Context, query string, result *Result) {
	if p.history == nil {
		return
	}
	sources, _ := json.Marshal(result.Sources)
	err := p.history.SaveQuery(ctx, &models.QueryRecord{
		ID:      uuid.NewString(),
		Query:   query,
		Answer:  result.Answer,
		Sources: sources,
	})
	if err != nil {
		logger.Warn("Failed to record query history", zap.Error(err))
	}
}

func (p *Pipeline) cachedResult(ctx context.Context, query string) *Result {
	if p.cache == nil {
		return nil
	}
	payload, err := p.cache.GetAnswer(ctx, query)
	if err != nil {
		logger.Warn("Answer cache read failed", zap.Error(err))
		return nil
	}
	if payload == nil {
		return nil
	}
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil
	}
	result.Cached = true
	return &result
}

func (p *Pipeline) cacheResult(ctx context.Context, query string, result *Result) {
	if p.cache == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := p.cache.SetAnswer(ctx, query, payload); err != nil {
		logger.Warn("Answer cache write failed", zap.Error(err))
	}
}
