package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/utils"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Client caches embedding vectors and finished query answers. Every
// method treats Redis as best-effort: a miss and an error look the same
// to callers that can recompute.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	logger.Info("Redis cache ready", zap.String("addr", cfg.Addr))
	return &Client{rdb: rdb, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetVector returns the cached embedding for the text, or nil on a miss.
func (c *Client) GetVector(ctx context.Context, text string) ([]float32, error) {
	data, err := c.rdb.Get(ctx, vectorKey(text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, fmt.Errorf("decode cached vector: %w", err)
	}
	return vector, nil
}

func (c *Client) SetVector(ctx context.Context, text string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	return c.rdb.Set(ctx, vectorKey(text), data, c.ttl).Err()
}

// GetAnswer returns a cached query result, or nil on a miss. The value is
// whatever JSON the retrieval pipeline stored.
func (c *Client) GetAnswer(ctx context.Context, query string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, answerKey(query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (c *Client) SetAnswer(ctx context.Context, query string, payload []byte) error {
	return c.rdb.Set(ctx, answerKey(query), payload, c.ttl).Err()
}

// InvalidateAnswers clears cached answers after new content is ingested,
// so stale retrievals do not outlive the corpus change.
func (c *Client) InvalidateAnswers(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, "answer:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func vectorKey(text string) string {
	return "vector:" + utils.HashString(text)
}

func answerKey(query string) string {
	return "answer:" + utils.HashString(query)
}
