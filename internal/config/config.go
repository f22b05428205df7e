package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIPort  string `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`

	// Empty DSN keeps session history in process memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Empty URL disables fallback event publishing.
	NATSURL             string `yaml:"nats_url"`
	NATSFallbackSubject string `yaml:"nats_fallback_subject"`

	OllamaURL      string `yaml:"ollama_url"`
	EmbedModel     string `yaml:"embed_model"`
	TokenizerModel string `yaml:"tokenizer_model"`

	ScorerURL       string `yaml:"scorer_url"`
	ScorerModel     string `yaml:"scorer_model"`
	ScorerCacheSize int    `yaml:"scorer_cache_size"`

	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	RetrievalMatchCount       int     `yaml:"retrieval_match_count"`
	RetrievalMatchThreshold   float64 `yaml:"retrieval_match_threshold"`
	RetrievalRecallThreshold  float64 `yaml:"retrieval_recall_threshold"`
	RetrievalOverRetrieve     int     `yaml:"retrieval_over_retrieve_factor"`
	RetrievalMaxPerDocument   int     `yaml:"retrieval_max_per_document"`
	RetrievalPreserveTopN     int     `yaml:"retrieval_preserve_top_n"`
	RetrievalFreshRemainder   bool    `yaml:"retrieval_fresh_remainder_budget"`
	RetrievalLatencyBudgetMS  int     `yaml:"retrieval_latency_budget_ms"`
	RetrievalDiversifyDefault bool    `yaml:"retrieval_diversify_default"`

	ContextMaxTurns        int `yaml:"context_max_turns"`
	ContextMaxTokens       int `yaml:"context_max_tokens"`
	SessionTTLHours        int `yaml:"session_ttl_hours"`
	JanitorIntervalMinutes int `yaml:"janitor_interval_minutes"`

	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`
}

func defaults() Config {
	return Config{
		APIPort:  "8080",
		LogLevel: "info",

		NATSFallbackSubject: "retrieval.fallback",

		OllamaURL:      "http://localhost:11434",
		EmbedModel:     "nomic-embed-text",
		TokenizerModel: "llama3.1:8b",

		ScorerURL:       "http://localhost:8501",
		ScorerModel:     "bge-reranker-base",
		ScorerCacheSize: 4096,

		QdrantURL:        "http://localhost:6333",
		QdrantCollection: "documents",

		RetrievalMatchCount:       5,
		RetrievalMatchThreshold:   0.7,
		RetrievalRecallThreshold:  0.4,
		RetrievalOverRetrieve:     3,
		RetrievalMaxPerDocument:   2,
		RetrievalPreserveTopN:     3,
		RetrievalLatencyBudgetMS:  1000,
		RetrievalDiversifyDefault: true,

		ContextMaxTurns:        3,
		ContextMaxTokens:       2000,
		SessionTTLHours:        24,
		JanitorIntervalMinutes: 60,

		APIRateLimitRPS:   20,
		APIRateLimitBurst: 40,
	}
}

// Load builds the config in three layers: compiled defaults, an optional
// YAML file named by CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.APIPort = envString("API_PORT", cfg.APIPort)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	cfg.PostgresDSN = envString("POSTGRES_DSN", cfg.PostgresDSN)

	cfg.NATSURL = envString("NATS_URL", cfg.NATSURL)
	cfg.NATSFallbackSubject = envString("NATS_FALLBACK_SUBJECT", cfg.NATSFallbackSubject)

	cfg.OllamaURL = envString("OLLAMA_URL", cfg.OllamaURL)
	cfg.EmbedModel = envString("EMBED_MODEL", cfg.EmbedModel)
	cfg.TokenizerModel = envString("TOKENIZER_MODEL", cfg.TokenizerModel)

	cfg.ScorerURL = envString("SCORER_URL", cfg.ScorerURL)
	cfg.ScorerModel = envString("SCORER_MODEL", cfg.ScorerModel)
	cfg.ScorerCacheSize = envInt("SCORER_CACHE_SIZE", cfg.ScorerCacheSize)

	cfg.QdrantURL = envString("QDRANT_URL", cfg.QdrantURL)
	cfg.QdrantCollection = envString("QDRANT_COLLECTION", cfg.QdrantCollection)

	cfg.RetrievalMatchCount = envInt("RETRIEVAL_MATCH_COUNT", cfg.RetrievalMatchCount)
	cfg.RetrievalMatchThreshold = envFloat("RETRIEVAL_MATCH_THRESHOLD", cfg.RetrievalMatchThreshold)
	cfg.RetrievalRecallThreshold = envFloat("RETRIEVAL_RECALL_THRESHOLD", cfg.RetrievalRecallThreshold)
	cfg.RetrievalOverRetrieve = envInt("RETRIEVAL_OVER_RETRIEVE_FACTOR", cfg.RetrievalOverRetrieve)
	cfg.RetrievalMaxPerDocument = envInt("RETRIEVAL_MAX_PER_DOCUMENT", cfg.RetrievalMaxPerDocument)
	cfg.RetrievalPreserveTopN = envInt("RETRIEVAL_PRESERVE_TOP_N", cfg.RetrievalPreserveTopN)
	cfg.RetrievalFreshRemainder = envBool("RETRIEVAL_FRESH_REMAINDER_BUDGET", cfg.RetrievalFreshRemainder)
	cfg.RetrievalLatencyBudgetMS = envInt("RETRIEVAL_LATENCY_BUDGET_MS", cfg.RetrievalLatencyBudgetMS)
	cfg.RetrievalDiversifyDefault = envBool("RETRIEVAL_DIVERSIFY_DEFAULT", cfg.RetrievalDiversifyDefault)

	cfg.ContextMaxTurns = envInt("CONTEXT_MAX_TURNS", cfg.ContextMaxTurns)
	cfg.ContextMaxTokens = envInt("CONTEXT_MAX_TOKENS", cfg.ContextMaxTokens)
	cfg.SessionTTLHours = envInt("SESSION_TTL_HOURS", cfg.SessionTTLHours)
	cfg.JanitorIntervalMinutes = envInt("JANITOR_INTERVAL_MINUTES", cfg.JanitorIntervalMinutes)

	cfg.APIRateLimitRPS = envFloat("API_RATE_LIMIT_RPS", cfg.APIRateLimitRPS)
	cfg.APIRateLimitBurst = envInt("API_RATE_LIMIT_BURST", cfg.APIRateLimitBurst)

	return cfg, nil
}

func envString(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
