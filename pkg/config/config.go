package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Rerank    RerankConfig
	Detection ServiceConfig
	Chart     ServiceConfig
	OCR       ServiceConfig
	Factors   FactorsConfig
	Pipeline  PipelineConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	URI            string
	Token          string
	DocsCollection string
	VectorDim      int
	IndexNList     int
	SearchNProbe   int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type EmbeddingConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Dim           int
	BatchSize     int
	MaxInputChars int
	TimeoutSec    int
}

type LLMConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
	// ContextBudget bounds the evidence text passed to the model, in
	// characters; lowest-ranked evidence is dropped first.
	ContextBudget int
}

type RerankConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	TimeoutSec int
}

// ServiceConfig covers the NIM-style detection, chart extraction, and OCR
// endpoints, which all share the same request surface.
type ServiceConfig struct {
	Endpoint   string
	APIKey     string
	TimeoutSec int
}

type FactorsConfig struct {
	APIURL     string
	TimeoutSec int
}

type PipelineConfig struct {
	ChunkMinSize        int
	ChunkMaxSize        int
	ChunkOverlap        int
	MinSegmentChars     int
	DetectionConfidence float64
	ExtractionWorkers   int
	TopK                int
	RerankK             int
	MaxDistance         float64
	MinRerankScore      float64
	Epsilon             float64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/carbonlens")

	viper.SetEnvPrefix("CARBONLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks every required key and collects all problems into a
// single error, so an operator sees the complete list instead of fixing
// keys one restart at a time.
func (c *Config) Validate() error {
	var problems []string

	required := map[string]string{
		"milvus.uri":         c.Milvus.URI,
		"embedding.endpoint": c.Embedding.Endpoint,
		"embedding.apiKey":   c.Embedding.APIKey,
		"llm.endpoint":       c.LLM.Endpoint,
		"llm.apiKey":         c.LLM.APIKey,
		"rerank.endpoint":    c.Rerank.Endpoint,
		"rerank.apiKey":      c.Rerank.APIKey,
		"detection.endpoint": c.Detection.Endpoint,
		"detection.apiKey":   c.Detection.APIKey,
		"chart.endpoint":     c.Chart.Endpoint,
		"chart.apiKey":       c.Chart.APIKey,
		"ocr.endpoint":       c.OCR.Endpoint,
		"ocr.apiKey":         c.OCR.APIKey,
	}
	for key, value := range required {
		if value == "" {
			problems = append(problems, fmt.Sprintf("%s is required", key))
		}
	}

	if c.Embedding.Dim <= 0 {
		problems = append(problems, "embedding.dim must be positive")
	}
	if c.Milvus.VectorDim != c.Embedding.Dim {
		problems = append(problems, fmt.Sprintf(
			"milvus.vectorDim (%d) must match embedding.dim (%d)",
			c.Milvus.VectorDim, c.Embedding.Dim))
	}
	if c.Pipeline.ChunkMinSize <= 0 || c.Pipeline.ChunkMaxSize <= c.Pipeline.ChunkMinSize {
		problems = append(problems, "pipeline chunk sizes must satisfy 0 < chunkMinSize < chunkMaxSize")
	}
	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkMaxSize {
		problems = append(problems, "pipeline.chunkOverlap must be >= 0 and < chunkMaxSize")
	}
	if c.Pipeline.RerankK > c.Pipeline.TopK {
		problems = append(problems, fmt.Sprintf(
			"pipeline.rerankK (%d) must not exceed pipeline.topK (%d)",
			c.Pipeline.RerankK, c.Pipeline.TopK))
	}
	if c.Pipeline.Epsilon <= 0 {
		problems = append(problems, "pipeline.epsilon must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 60)
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 33554432)

	viper.SetDefault("milvus.docsCollection", "document_chunks")
	viper.SetDefault("milvus.vectorDim", 1024)
	viper.SetDefault("milvus.indexNList", 128)
	viper.SetDefault("milvus.searchNProbe", 10)

	viper.SetDefault("sqlite.path", "./data/carbonlens.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("embedding.model", "nvidia/nv-embedqa-e5-v5")
	viper.SetDefault("embedding.dim", 1024)
	viper.SetDefault("embedding.batchSize", 16)
	viper.SetDefault("embedding.maxInputChars", 2048)
	viper.SetDefault("embedding.timeoutSec", 15)

	viper.SetDefault("llm.model", "deepseek-ai/deepseek-r1")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.maxTokens", 1500)
	viper.SetDefault("llm.timeoutSec", 120)
	viper.SetDefault("llm.contextBudget", 24000)

	viper.SetDefault("rerank.model", "nvidia/llama-3.2-nv-rerankqa-1b-v2")
	viper.SetDefault("rerank.timeoutSec", 15)

	viper.SetDefault("detection.timeoutSec", 30)
	viper.SetDefault("chart.timeoutSec", 60)
	viper.SetDefault("ocr.timeoutSec", 30)

	viper.SetDefault("factors.apiURL", "http://localhost:8000/api/v1/emission-factors/search")
	viper.SetDefault("factors.timeoutSec", 5)

	viper.SetDefault("pipeline.chunkMinSize", 200)
	viper.SetDefault("pipeline.chunkMaxSize", 2000)
	viper.SetDefault("pipeline.chunkOverlap", 200)
	viper.SetDefault("pipeline.minSegmentChars", 10)
	viper.SetDefault("pipeline.detectionConfidence", 0.5)
	viper.SetDefault("pipeline.extractionWorkers", 4)
	viper.SetDefault("pipeline.topK", 10)
	viper.SetDefault("pipeline.rerankK", 5)
	viper.SetDefault("pipeline.maxDistance", 1.5)
	viper.SetDefault("pipeline.minRerankScore", 0.1)
	viper.SetDefault("pipeline.epsilon", 0.01)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
