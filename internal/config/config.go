package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	OpenAIEndpoint string
	OpenAIModel    string
	KeysFile       string
	Database       string
	OutputDir      string
	UploadDir      string

	// BatchSize bounds how many mock jobs run concurrently.
	BatchSize int
	// MaxContinuationRounds bounds extra generation calls per mock when a
	// response comes back incomplete.
	MaxContinuationRounds int
	// MaxTransportRetries bounds retries of a single generation call after
	// quota failover. Independent of the continuation budget.
	MaxTransportRetries int
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		OpenAIEndpoint:        getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		KeysFile:              getEnv("API_KEYS_FILE", "./keys.txt"),
		Database:              getEnv("DATABASE_PATH", "./data/mocktests.db"),
		OutputDir:             getEnv("OUTPUT_DIR", "./output"),
		UploadDir:             getEnv("UPLOAD_DIR", "./static/uploads"),
		BatchSize:             getEnvInt("BATCH_SIZE", 3),
		MaxContinuationRounds: getEnvInt("MAX_CONTINUATION_ROUNDS", 3),
		MaxTransportRetries:   getEnvInt("MAX_TRANSPORT_RETRIES", 2),
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		log.Fatalf("failed to ensure output dir %s: %v", cfg.OutputDir, err)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to ensure upload dir %s: %v", cfg.UploadDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		log.Printf("ignoring invalid %s=%q, using %d", key, val, fallback)
		return fallback
	}
	return n
}
