package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/retry"
)

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client calls the cross-encoder reranking service. It scores passages
// against a query; callers decide how to use the scores and fall back to
// their original ordering when the service is unavailable.
type Client struct {
	cfg      Config
	http     *http.Client
	retryCfg retry.Config
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 300 * time.Millisecond,
			MaxDelay:     3 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Ranking scores one passage; Index refers to the input passage slice.
type Ranking struct {
	Index int
	Score float64
}

type rankRequest struct {
	Model    string     `json:"model"`
	Query    rankText   `json:"query"`
	Passages []rankText `json:"passages"`
}

type rankText struct {
	Text string `json:"text"`
}

type rankResponse struct {
	Rankings []struct {
		Index int     `json:"index"`
		Logit float64 `json:"logit"`
	} `json:"rankings"`
}

// Rerank scores passages against the query and returns rankings sorted by
// descending score. Every input passage appears exactly once.
func (c *Client) Rerank(ctx context.Context, query string, passages []string) ([]Ranking, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	req := rankRequest{
		Model:    c.cfg.Model,
		Query:    rankText{Text: query},
		Passages: make([]rankText, len(passages)),
	}
	for i, p := range passages {
		req.Passages[i] = rankText{Text: p}
	}

	var resp rankResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.post(ctx, req, &resp)
	})
	if err != nil {
		metrics.ServiceRequests.WithLabelValues("rerank", "error").Inc()
		return nil, err
	}
	metrics.ServiceRequests.WithLabelValues("rerank", "ok").Inc()

	if len(resp.Rankings) != len(passages) {
		return nil, fmt.Errorf("rerank returned %d rankings for %d passages", len(resp.Rankings), len(passages))
	}

	rankings := make([]Ranking, len(resp.Rankings))
	seen := make(map[int]bool, len(resp.Rankings))
	for i, r := range resp.Rankings {
		if r.Index < 0 || r.Index >= len(passages) || seen[r.Index] {
			return nil, fmt.Errorf("rerank returned invalid passage index %d", r.Index)
		}
		seen[r.Index] = true
		rankings[i] = Ranking{Index: r.Index, Score: r.Logit}
	}

	sort.SliceStable(rankings, func(i, j int) bool { return rankings[i].Score > rankings[j].Score })

	logger.Debug("Passages reranked",
		zap.Int("passages", len(passages)),
		zap.Float64("top_score", rankings[0].Score),
	)
	return rankings, nil
}

func (c *Client) post(ctx context.Context, payload rankRequest, out *rankResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal rerank request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build rerank request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read rerank response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("rerank returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode rerank response: %w", err))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
