// Package config loads application configuration from the environment, with an
// optional config.yaml overlay for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	DatabaseURL string
	Port        string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaHost    string

	Embeddings EmbeddingsConfig
	Chat       ChatConfig

	ChunkSize    int
	ChunkOverlap int

	MaxUploadSizeMB int
	MaxTextSizeMB   int
	MaxCrawlURLs    int
	CrawlRatePerSec float64

	QueueBuffer      int
	WorkerPool       int
	EmbedConcurrency int

	SessionTTLHours int

	Neo4jURI  string
	Neo4jUser string
	Neo4jPass string
}

type EmbeddingsConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type ChatConfig struct {
	Provider         string
	Model            string
	Temperature      float64
	MaxContextChunks int
	MaxPromptTokens  int
}

// fileConfig mirrors the subset of Config that may be set in config.yaml.
// Environment variables take precedence over file values.
type fileConfig struct {
	DatabaseURL string `yaml:"database_url"`
	Port        string `yaml:"port"`
	Embeddings  struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		Dimension int    `yaml:"dimension"`
	} `yaml:"embeddings"`
	Chat struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	} `yaml:"chat"`
}

func Load() (Config, error) {
	_ = godotenv.Load(".env.local")

	var fc fileConfig
	if data, err := os.ReadFile("config.yaml"); err == nil {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	cfg := Config{
		DatabaseURL:   getEnv("DATABASE_URL", fc.DatabaseURL),
		Port:          getEnv("PORT", firstNonEmpty(fc.Port, "8080")),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		Embeddings: EmbeddingsConfig{
			Provider:  getEnv("EMBEDDING_PROVIDER", firstNonEmpty(fc.Embeddings.Provider, ProviderOpenAI)),
			Model:     getEnv("EMBEDDING_MODEL", firstNonEmpty(fc.Embeddings.Model, "text-embedding-3-small")),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", firstPositive(fc.Embeddings.Dimension, 1536)),
		},
		Chat: ChatConfig{
			Provider:         getEnv("CHAT_PROVIDER", firstNonEmpty(fc.Chat.Provider, ProviderOpenAI)),
			Model:            getEnv("CHAT_MODEL", firstNonEmpty(fc.Chat.Model, "gpt-4o-mini")),
			Temperature:      getEnvFloat("CHAT_TEMPERATURE", 0.7),
			MaxContextChunks: getEnvInt("MAX_CONTEXT_CHUNKS", 5),
			MaxPromptTokens:  getEnvInt("MAX_PROMPT_TOKENS", 3000),
		},
		ChunkSize:        getEnvInt("CHUNK_SIZE", 2400),
		ChunkOverlap:     getEnvInt("CHUNK_OVERLAP", 200),
		MaxUploadSizeMB:  getEnvInt("MAX_UPLOAD_SIZE_MB", 100),
		MaxTextSizeMB:    getEnvInt("MAX_TEXT_SIZE_MB", 10),
		MaxCrawlURLs:     getEnvInt("MAX_CRAWL_URLS", 1000),
		CrawlRatePerSec:  getEnvFloat("CRAWL_RATE_PER_SEC", 2),
		QueueBuffer:      getEnvInt("QUEUE_BUFFER", 256),
		WorkerPool:       getEnvInt("WORKER_POOL", 4),
		EmbedConcurrency: getEnvInt("EMBED_CONCURRENCY", 4),
		SessionTTLHours:  getEnvInt("SESSION_TTL_HOURS", 24),
		Neo4jURI:         getEnv("NEO4J_URI", ""),
		Neo4jUser:        getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:        getEnv("NEO4J_PASSWORD", ""),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return Config{}, fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
