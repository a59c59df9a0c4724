package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr  string
	BaseURL     string
	DBPath      string
	DataDir     string
	CORSOrigins []string

	// AI provider (OpenAI-compatible chat completions).
	ProviderBaseURL string
	ProviderAPIKey  string
	VisionModel     string
	ChatModel       string

	// Optional collaborators.
	ImageSearchURL    string
	ImageSearchAPIKey string

	// S3 blob backend; empty bucket selects the local filesystem backend.
	S3Bucket string
	S3Region string

	Concurrency        int
	QueueSize          int
	RateRPS            int
	EnrichTimeoutSec   int
	MaxImageBytes      int64
	DefaultLocale      string
	JobTTLHours        int
	CleanupIntervalMin int
}

// maxImageBytes is the decoded-size ceiling for submitted images.
const maxImageBytes = 10 << 20 // 10 MB

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("CELLARSIGHT_LISTEN_ADDR", ":8080"),
		BaseURL:           getEnv("CELLARSIGHT_BASE_URL", ""),
		DBPath:            getEnv("CELLARSIGHT_DB_PATH", "cellarsight.db"),
		DataDir:           getEnv("CELLARSIGHT_DATA_DIR", "data"),
		ProviderBaseURL:   getEnv("CELLARSIGHT_AI_BASE_URL", "https://api.openai.com/v1"),
		ProviderAPIKey:    getEnv("CELLARSIGHT_AI_API_KEY", ""),
		VisionModel:       getEnv("CELLARSIGHT_VISION_MODEL", "gpt-4o"),
		ChatModel:         getEnv("CELLARSIGHT_CHAT_MODEL", "gpt-4o-mini"),
		ImageSearchURL:    getEnv("CELLARSIGHT_IMAGE_SEARCH_URL", ""),
		ImageSearchAPIKey: getEnv("CELLARSIGHT_IMAGE_SEARCH_API_KEY", ""),
		S3Bucket:          getEnv("CELLARSIGHT_S3_BUCKET", ""),
		S3Region:          getEnv("CELLARSIGHT_S3_REGION", "us-east-1"),
		DefaultLocale:     getEnv("CELLARSIGHT_DEFAULT_LOCALE", "en"),
		MaxImageBytes:     maxImageBytes,
	}

	if raw := os.Getenv("CELLARSIGHT_CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.ProviderAPIKey == "" {
		return nil, errors.New("CELLARSIGHT_AI_API_KEY must not be empty")
	}

	var err error
	cfg.Concurrency, err = getEnvInt("CELLARSIGHT_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("CELLARSIGHT_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("CELLARSIGHT_CONCURRENCY must be > 0")
	}

	cfg.QueueSize, err = getEnvInt("CELLARSIGHT_QUEUE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("CELLARSIGHT_QUEUE_SIZE: %w", err)
	}

	cfg.RateRPS, err = getEnvInt("CELLARSIGHT_RATE_RPS", 5)
	if err != nil {
		return nil, fmt.Errorf("CELLARSIGHT_RATE_RPS: %w", err)
	}

	cfg.EnrichTimeoutSec, err = getEnvInt("CELLARSIGHT_ENRICH_TIMEOUT_SEC", 60)
	if err != nil {
		return nil, fmt.Errorf("CELLARSIGHT_ENRICH_TIMEOUT_SEC: %w", err)
	}

	cfg.JobTTLHours, err = getEnvInt("CELLARSIGHT_JOB_TTL_HOURS", 0)
	if err != nil {
		return nil, fmt.Errorf("CELLARSIGHT_JOB_TTL_HOURS: %w", err)
	}

	cfg.CleanupIntervalMin, err = getEnvInt("CELLARSIGHT_CLEANUP_INTERVAL_MIN", 60)
	if err != nil {
		return nil, fmt.Errorf("CELLARSIGHT_CLEANUP_INTERVAL_MIN: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
