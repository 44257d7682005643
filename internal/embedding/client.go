package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/pkg/circuitbreaker"
	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/retry"
)

// ErrDimensionMismatch means the embedding service returned vectors whose
// size disagrees with the configured collection dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Cache stores vectors keyed by content hash. Get returns nil on a miss;
// cache failures are soft and never fail an embedding call.
type Cache interface {
	GetVector(ctx context.Context, key string) ([]float32, error)
	SetVector(ctx context.Context, key string, vector []float32) error
}

type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Dim           int
	BatchSize     int
	MaxInputChars int
	Timeout       time.Duration
}

// Client wraps an OpenAI-compatible embedding endpoint. Batch calls keep
// input order in the output, split into BatchSize groups, and truncate
// oversized inputs to the model's context limit instead of failing.
type Client struct {
	api      *openai.Client
	cfg      Config
	cache    Cache
	breaker  *circuitbreaker.CircuitBreaker
	retryCfg retry.Config
}

func NewClient(cfg Config, cache Cache) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.Endpoint
	if cfg.Timeout > 0 {
		apiCfg.HTTPClient.Timeout = cfg.Timeout
	}

	return &Client{
		api:   openai.NewClientWithConfig(apiCfg),
		cfg:   cfg,
		cache: cache,
		breaker: circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
			MaxRequests:      2,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
		}),
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
	}
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts and returns one vector per input, in input
// order. Cached vectors are reused; only misses reach the service.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	// Truncation happens on a copy; the caller's slice stays untouched.
	inputs := make([]string, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, text := range texts {
		inputs[i] = c.truncate(text)

		if cached := c.cacheGet(ctx, inputs[i]); cached != nil {
			vectors[i] = cached
			continue
		}
		missTexts = append(missTexts, inputs[i])
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	for start := 0; start < len(missTexts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}

		batch, err := c.embedBatch(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}

		for j, vec := range batch {
			i := missIdx[start+j]
			vectors[i] = vec
			c.cacheSet(ctx, inputs[i], vec)
		}
	}

	logger.Debug("Embeddings generated",
		zap.Int("inputs", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missTexts)),
	)

	return vectors, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse

	err := c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryCfg, func() error {
			var err error
			resp, err = c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Model: openai.EmbeddingModel(c.cfg.Model),
				Input: texts,
			})
			return err
		})
	})
	if err != nil {
		metrics.ServiceRequests.WithLabelValues("embedding", "error").Inc()
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	metrics.ServiceRequests.WithLabelValues("embedding", "ok").Inc()

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		if c.cfg.Dim > 0 && len(item.Embedding) != c.cfg.Dim {
			return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, c.cfg.Dim, len(item.Embedding))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (c *Client) truncate(text string) string {
	if c.cfg.MaxInputChars > 0 && len(text) > c.cfg.MaxInputChars {
		return text[:c.cfg.MaxInputChars]
	}
	return text
}

func (c *Client) cacheGet(ctx context.Context, text string) []float32 {
	if c.cache == nil {
		return nil
	}
	vec, err := c.cache.GetVector(ctx, text)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
		return nil
	}
	return vec
}

func (c *Client) cacheSet(ctx context.Context, text string, vector []float32) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetVector(ctx, text, vector); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
}
