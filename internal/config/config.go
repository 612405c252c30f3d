// Package config loads configuration from environment variables and .env files.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the retrieval service
type Config struct {
	// Server
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Object storage
	BucketName     string `env:"ML_PAPERS_BUCKET_NAME,required"`
	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	// Local scratch directory for downloaded artifacts
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Sparse encoder
	EncoderModel    string `env:"ENCODER_MODEL" envDefault:"naver/splade-cocondenser-ensembledistil"`
	OnnxLibraryPath string `env:"ONNX_LIBRARY_PATH"`

	// OpenAI (embeddings + extraction)
	OpenAIAPIKey    string `env:"OPENAI_API_KEY,required"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	EmbeddingModel  string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-large"`
	ExtractionModel string `env:"EXTRACTION_MODEL" envDefault:"gpt-4o-mini"`

	// Extraction fan-out
	ExtractConcurrency int           `env:"EXTRACT_CONCURRENCY" envDefault:"4"`
	ExtractGlobalLimit int           `env:"EXTRACT_GLOBAL_LIMIT" envDefault:"16"`
	ExtractTimeout     time.Duration `env:"EXTRACT_TIMEOUT" envDefault:"60s"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
