package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/pkg/circuitbreaker"
	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/retry"
)

// ErrSchemaValidation means the model output could not be parsed into the
// requested JSON shape, even after one repair attempt.
var ErrSchemaValidation = errors.New("model output failed schema validation")

// ChatCompleter is the slice of the OpenAI client the generator needs.
// Tests substitute a canned implementation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Temperature   float32
	MaxTokens     int
	ContextBudget int
	Timeout       time.Duration
}

type Generator struct {
	api      ChatCompleter
	cfg      Config
	breaker  *circuitbreaker.CircuitBreaker
	retryCfg retry.Config
}

func NewGenerator(cfg Config) *Generator {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.Endpoint
	if cfg.Timeout > 0 {
		apiCfg.HTTPClient.Timeout = cfg.Timeout
	}
	return newGenerator(openai.NewClientWithConfig(apiCfg), cfg)
}

func newGenerator(api ChatCompleter, cfg Config) *Generator {
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 12000
	}
	return &Generator{
		api: api,
		cfg: cfg,
		breaker: circuitbreaker.NewCircuitBreaker("generation", circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          60 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
		}),
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Complete sends one system+user exchange and returns the assistant text.
// Reasoning traces inside <think> tags are stripped before returning.
func (g *Generator) Complete(ctx context.Context, system, user string) (string, error) {
	var resp openai.ChatCompletionResponse

	err := g.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, g.retryCfg, func() error {
			var err error
			resp, err = g.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       g.cfg.Model,
				Temperature: g.cfg.Temperature,
				MaxTokens:   g.cfg.MaxTokens,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: system},
					{Role: openai.ChatMessageRoleUser, Content: user},
				},
			})
			return err
		})
	})
	if err != nil {
		metrics.ServiceRequests.WithLabelValues("generation", "error").Inc()
		return "", fmt.Errorf("chat completion: %w", err)
	}
	metrics.ServiceRequests.WithLabelValues("generation", "ok").Inc()

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	metrics.TokensUsed.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensUsed.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))

	return stripReasoning(resp.Choices[0].Message.Content), nil
}

// CompleteJSON asks for JSON output and unmarshals it into out. A reply
// that does not parse gets one repair round trip quoting the parse error;
// a second failure returns ErrSchemaValidation.
func (g *Generator) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	reply, err := g.Complete(ctx, system, user)
	if err != nil {
		return err
	}

	parseErr := unmarshalModelJSON(reply, out)
	if parseErr == nil {
		return nil
	}

	logger.Warn("Model output failed to parse, requesting repair", zap.Error(parseErr))

	repair := fmt.Sprintf(
		"Your previous reply was not valid JSON (%v). Reply again with ONLY the corrected JSON object, no prose, no code fences.\n\nPrevious reply:\n%s",
		parseErr, reply,
	)
	reply, err = g.Complete(ctx, system, user+"\n\n"+repair)
	if err != nil {
		return err
	}

	if parseErr := unmarshalModelJSON(reply, out); parseErr != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, parseErr)
	}
	return nil
}

// BuildContext concatenates passages in rank order, stopping before the
// character budget is exceeded. Passages must arrive best-first, so the
// budget always cuts the lowest-ranked material.
func (g *Generator) BuildContext(passages []string) string {
	var (
		b    strings.Builder
		used int
	)
	for i, p := range passages {
		block := fmt.Sprintf("[%d] %s", i+1, p)
		if used > 0 && used+len(block)+2 > g.cfg.ContextBudget {
			break
		}
		if used > 0 {
			b.WriteString("\n\n")
			used += 2
		}
		b.WriteString(block)
		used += len(block)
	}
	return b.String()
}

// unmarshalModelJSON tolerates the markdown fences and leading prose that
// chat models wrap around JSON payloads.
func unmarshalModelJSON(reply string, out interface{}) error {
	cleaned := StripFences(reply)
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}

	// Fall back to the outermost braces in case the model added prose.
	start := strings.IndexAny(cleaned, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON value in model output")
	}
	end := strings.LastIndexAny(cleaned, "}]")
	if end <= start {
		return fmt.Errorf("unterminated JSON value in model output")
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), out)
}

// StripFences removes a surrounding markdown code fence, with or without
// a language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "json" || first == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// stripReasoning drops <think>...</think> blocks that reasoning models
// emit ahead of their answer.
func stripReasoning(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start < 0 {
			break
		}
		end := strings.Index(s, "</think>")
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + s[end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
