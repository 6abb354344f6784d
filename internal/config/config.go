package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the service needs. It is built once in main
// and passed down by value; nothing reads the environment after startup.
type Config struct {
	Addr        string
	DatabaseURL string

	TokenSecret string
	TokenIssuer string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	Speech   Speech
	Pipeline Pipeline

	RateBurst  int
	RatePerSec int
}

// Speech configures the external transcription endpoint.
type Speech struct {
	Endpoint       string
	APIKey         string
	Model          string
	Language       string
	RequestTimeout time.Duration
}

// Pipeline configures the transcription worker pool and its retry policy.
type Pipeline struct {
	Workers     int
	QueueDepth  int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

var errMissingSecret = errors.New("config: CARELOG_TOKEN_SECRET is required")

// FromEnv assembles the configuration from environment variables, applying
// defaults for everything except the token signing secret.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:        envString("CARELOG_ADDR", ":8080"),
		DatabaseURL: strings.TrimSpace(os.Getenv("CARELOG_PG_DSN")),
		TokenSecret: strings.TrimSpace(os.Getenv("CARELOG_TOKEN_SECRET")),
		TokenIssuer: envString("CARELOG_TOKEN_ISSUER", "carelog"),
		AccessTTL:   envDuration("CARELOG_ACCESS_TTL", 30*time.Minute),
		RefreshTTL:  envDuration("CARELOG_REFRESH_TTL", 7*24*time.Hour),
		Speech: Speech{
			Endpoint:       envString("CARELOG_SPEECH_ENDPOINT", "http://localhost:9090"),
			APIKey:         strings.TrimSpace(os.Getenv("CARELOG_SPEECH_API_KEY")),
			Model:          envString("CARELOG_SPEECH_MODEL", "whisper-1"),
			Language:       envString("CARELOG_SPEECH_LANGUAGE", "fa"),
			RequestTimeout: envDuration("CARELOG_SPEECH_TIMEOUT", 30*time.Second),
		},
		Pipeline: Pipeline{
			Workers:     envInt("CARELOG_PIPELINE_WORKERS", 4),
			QueueDepth:  envInt("CARELOG_PIPELINE_QUEUE", 64),
			MaxAttempts: envInt("CARELOG_PIPELINE_MAX_ATTEMPTS", 3),
			BackoffBase: envDuration("CARELOG_PIPELINE_BACKOFF_BASE", 2*time.Second),
			BackoffCap:  envDuration("CARELOG_PIPELINE_BACKOFF_CAP", time.Minute),
		},
		RateBurst:  envInt("CARELOG_RATE_BURST", 20),
		RatePerSec: envInt("CARELOG_RATE_PER_SEC", 10),
	}
	if cfg.TokenSecret == "" {
		return Config{}, errMissingSecret
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.Pipeline.Workers < 1 {
		return errors.New("config: pipeline workers must be >= 1")
	}
	if c.Pipeline.QueueDepth < 1 {
		return errors.New("config: pipeline queue depth must be >= 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return errors.New("config: pipeline max attempts must be >= 1")
	}
	if c.Pipeline.BackoffBase <= 0 || c.Pipeline.BackoffCap < c.Pipeline.BackoffBase {
		return errors.New("config: backoff cap must be >= backoff base")
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Redacted renders the configuration for startup logging without secrets.
func (c Config) Redacted() string {
	return fmt.Sprintf("addr=%s db=%t speech=%s workers=%d queue=%d attempts=%d",
		c.Addr, c.DatabaseURL != "", c.Speech.Endpoint,
		c.Pipeline.Workers, c.Pipeline.QueueDepth, c.Pipeline.MaxAttempts)
}
