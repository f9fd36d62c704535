// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	Port           string
	DBPath         string
	CleanupOnStart bool
	LogLevel       string
	AllowedOrigins []string
	MaxRequestBody int64

	SessionTTL      time.Duration
	SweepInterval   time.Duration
	KeepalivePeriod time.Duration

	LLM      LLMConfig
	Decision DecisionConfig
	Nav      NavConfig
}

// LLMConfig selects and tunes the model provider.
type LLMConfig struct {
	Provider      string
	Model         string
	OpenAIKey     string
	OpenAIBaseURL string
	GeminiKey     string
	Timeout       time.Duration
	MaxTokens     int
	Temperature   float64
}

// DecisionConfig holds decision loop timings.
type DecisionConfig struct {
	MinInterval     time.Duration
	DedupWindow     time.Duration
	AskRepeatWindow time.Duration
	ReadInterval    time.Duration
	MaxTypedText    int
}

// NavConfig lists URL host globs allowed or denied for navigation.
type NavConfig struct {
	Allow []string
	Deny  []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DBPath:          getEnv("DB_PATH", "./data/webpilot.db"),
		CleanupOnStart:  getEnvBool("DB_CLEANUP_ON_START", true),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		MaxRequestBody:  int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		SessionTTL:      getEnvDuration("SESSION_TTL", 60*time.Minute),
		SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		KeepalivePeriod: getEnvDuration("KEEPALIVE_INTERVAL", 15*time.Second),
		LLM: LLMConfig{
			Provider:      strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			Model:         getEnv("LLM_MODEL", ""),
			OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			GeminiKey:     getEnv("GEMINI_API_KEY", ""),
			Timeout:       getEnvDuration("LLM_TIMEOUT", 20*time.Second),
			MaxTokens:     getEnvInt("LLM_MAX_TOKENS", 200),
			Temperature:   getEnvFloat("LLM_TEMPERATURE", 0.2),
		},
		Decision: DecisionConfig{
			MinInterval:     getEnvDuration("DECISION_MIN_INTERVAL", 1200*time.Millisecond),
			DedupWindow:     getEnvDuration("PROPOSAL_DEDUP_WINDOW", 10*time.Second),
			AskRepeatWindow: getEnvDuration("ASK_REPEAT_WINDOW", 12*time.Second),
			ReadInterval:    getEnvDuration("READ_MODE_INTERVAL", 1500*time.Millisecond),
			MaxTypedText:    getEnvInt("MAX_TYPED_TEXT", 1000),
		},
		Nav: NavConfig{
			Allow: getEnvList("NAV_ALLOW", nil),
			Deny:  getEnvList("NAV_DENY", nil),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for LLM_PROVIDER=openai")
		}
	case "gemini":
		if c.LLM.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or gemini, got %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.Decision.MinInterval <= 0 || c.Decision.DedupWindow < 0 || c.Decision.AskRepeatWindow < 0 {
		return fmt.Errorf("decision timings must not be negative")
	}
	if c.Decision.MaxTypedText <= 0 {
		return fmt.Errorf("MAX_TYPED_TEXT must be > 0")
	}
	return nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	return ParseLevel(c.LogLevel)
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("1500ms", "2m") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
