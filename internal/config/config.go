// Package config loads server settings from the environment and an optional .env file.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"coach-server/internal/budget"
	"coach-server/internal/coach"
)

const (
	defaultServerAddr         = ":8080"
	defaultMaxSteps           = 10
	defaultThinkingBudget     = 32000
	defaultToolRetryBackoff   = 500 * time.Millisecond
	defaultMaxRequestDuration = 5 * time.Minute
	defaultSweepInterval      = time.Minute
)

// Config holds all application configuration.
type Config struct {
	// CoachToken is the bearer token shared by trusted clients.
	CoachToken string
	// DBPath is the sqlite database file.
	DBPath string
	// AnthropicKey authenticates against the Anthropic API.
	AnthropicKey string
	// AnthropicModel is required; requests fail fast without it.
	AnthropicModel string
	ServerAddr     string
	// AllowedOrigins feeds the CORS middleware. Defaults to "*".
	AllowedOrigins []string
	// H2C serves cleartext HTTP/2 for proxies that stream NDJSON over it.
	H2C bool

	MaxSteps           int
	ThinkingBudget     int
	ToolRetryBackoff   time.Duration
	MaxRequestDuration time.Duration

	MonthlyTokenBudget int
	// FreePreviewMessages may be zero to disable previews.
	FreePreviewMessages int
	ReservationTTL      time.Duration
	SweepInterval       time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CoachToken:     os.Getenv("COACH_TOKEN"),
		DBPath:         os.Getenv("COACH_DB_PATH"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel: strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")),
		ServerAddr:     os.Getenv("SERVER_ADDR"),
		AllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		H2C:            parseBoolEnv("SERVER_H2C", false),

		MaxSteps:           parseIntEnv("COACH_MAX_STEPS", defaultMaxSteps),
		ThinkingBudget:     parseIntEnv("COACH_THINKING_BUDGET", defaultThinkingBudget),
		ToolRetryBackoff:   parseDurationEnv("COACH_TOOL_RETRY_BACKOFF", defaultToolRetryBackoff),
		MaxRequestDuration: parseDurationEnv("COACH_MAX_REQUEST_DURATION", defaultMaxRequestDuration),

		MonthlyTokenBudget:  parseIntEnv("COACH_MONTHLY_TOKEN_BUDGET", budget.DefaultMonthlyTokens),
		FreePreviewMessages: parseCountEnv("FREE_PREVIEW_MESSAGES", budget.DefaultFreePreviewMessages),
		ReservationTTL:      parseDurationEnv("COACH_RESERVATION_TTL", budget.DefaultReservationTTL),
		SweepInterval:       parseDurationEnv("COACH_SWEEP_INTERVAL", defaultSweepInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and fills defaults for optional ones.
func (c *Config) Validate() error {
	if c.CoachToken == "" {
		return errors.New("COACH_TOKEN is required")
	}
	if c.DBPath == "" {
		return errors.New("COACH_DB_PATH is required")
	}
	if c.AnthropicModel == "" {
		return &coach.ConfigError{Field: "ANTHROPIC_MODEL", Reason: "is required"}
	}
	if c.ServerAddr == "" {
		c.ServerAddr = defaultServerAddr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	// AnthropicKey may be empty; the server then runs with chat unavailable.
	return nil
}

// Coach returns the orchestrator settings.
func (c *Config) Coach() coach.Config {
	return coach.Config{
		Model:            c.AnthropicModel,
		MaxSteps:         c.MaxSteps,
		ThinkingBudget:   c.ThinkingBudget,
		ToolRetryBackoff: c.ToolRetryBackoff,
	}
}

// Budget returns the token budget settings. prompt renders the system prompt.
func (c *Config) Budget(prompt budget.PromptBuilder) budget.Options {
	free := c.FreePreviewMessages
	if free == 0 {
		free = -1
	}
	return budget.Options{
		MonthlyTokens:       c.MonthlyTokenBudget,
		FreePreviewMessages: free,
		ReservationTTL:      c.ReservationTTL,
		SystemPrompt:        prompt,
	}
}

func parseCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseIntEnv only accepts positive overrides.
func parseIntEnv(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}

// parseCountEnv is parseIntEnv that also accepts zero.
func parseCountEnv(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}
