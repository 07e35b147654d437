// Package config reads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the binaries read at startup.
type Config struct {
	// AWS
	StateTable  string
	ParamPrefix string

	// Discord
	DiscordTokenParam string
	OwnerIDs          []string
	AdminRoleName     string

	// Inference backend
	LLMBaseURL     string
	LLMModel       string
	LLMAPIKeyParam string
	StreamTimeout  time.Duration

	// Guild setting defaults
	DefaultSystemPrompt string
	DefaultTemperature  float64
	DefaultMaxTokens    int

	// Conversation
	MaxHistoryTurns int
	ContextDepth    int
	SessionTTL      time.Duration
	SweepInterval   time.Duration

	// Display
	StreamInterval time.Duration
	FilterThinking bool

	// Search
	SearXNGURL         string
	SearchTimeout      time.Duration
	SearchCooldown     time.Duration
	SearchTriggersFile string
	SearchEnabled      bool
	SearchMaxResults   int

	// Attachments
	AllowImages    bool
	AllowPDF       bool
	AllowTextFiles bool
	MaxImageSizeMB int
	MaxPDFSizeMB   int
	MaxTextSizeMB  int

	LogLevel slog.Level
}

// Load builds a Config from getenv. Pass os.Getenv in production.
func Load(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}
	cfg := Config{
		StateTable:  e.mustEnv("STATE_TABLE"),
		ParamPrefix: e.mustEnv("PARAM_PREFIX"),

		DiscordTokenParam: e.envString("DISCORD_TOKEN_PARAM", "discord_token"),
		OwnerIDs:          e.envList("BOT_OWNER_IDS"),
		AdminRoleName:     e.envString("BOT_ADMIN_ROLE_NAME", "Bot Admin"),

		LLMBaseURL:     e.envString("LLM_BASE_URL", "http://localhost:1234/v1"),
		LLMModel:       e.envString("LLM_MODEL", "local-model"),
		LLMAPIKeyParam: e.envString("LLM_API_KEY_PARAM", ""),
		StreamTimeout:  e.envDuration("STREAM_TIMEOUT", 5*time.Minute),

		DefaultSystemPrompt: e.envString("DEFAULT_SYSTEM_PROMPT", "You are a helpful assistant."),
		DefaultTemperature:  e.envFloat("DEFAULT_TEMPERATURE", 0.7),
		DefaultMaxTokens:    e.envInt("DEFAULT_MAX_TOKENS", -1),

		MaxHistoryTurns: e.envInt("MAX_HISTORY_TURNS", 10),
		ContextDepth:    e.envInt("CONTEXT_DEPTH", 10),
		SessionTTL:      e.envDuration("SESSION_TTL", 30*24*time.Hour),
		SweepInterval:   e.envDuration("SWEEP_INTERVAL", time.Hour),

		StreamInterval: e.envDuration("STREAM_INTERVAL", time.Second),
		FilterThinking: e.envBool("FILTER_THINKING", true),

		SearXNGURL:         e.envString("SEARXNG_URL", ""),
		SearchTimeout:      e.envDuration("SEARCH_TIMEOUT", 10*time.Second),
		SearchCooldown:     e.envDuration("SEARCH_COOLDOWN", 30*time.Second),
		SearchTriggersFile: e.envString("SEARCH_TRIGGERS_FILE", ""),
		SearchEnabled:      e.envBool("SEARCH_ENABLED", true),
		SearchMaxResults:   e.envInt("SEARCH_MAX_RESULTS", 5),

		AllowImages:    e.envBool("ALLOW_IMAGES", true),
		AllowPDF:       e.envBool("ALLOW_PDF", true),
		AllowTextFiles: e.envBool("ALLOW_TEXT_FILES", true),
		MaxImageSizeMB: e.envInt("MAX_IMAGE_SIZE_MB", 10),
		MaxPDFSizeMB:   e.envInt("MAX_PDF_SIZE_MB", 10),
		MaxTextSizeMB:  e.envInt("MAX_TEXT_SIZE_MB", 2),

		LogLevel: e.envLevel("LOG_LEVEL", slog.LevelInfo),
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and formats that Load cannot express per variable.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.LLMBaseURL); err != nil {
		return fmt.Errorf("config: LLM_BASE_URL is not a valid URL: %w", err)
	}
	if c.LLMModel == "" {
		return errors.New("config: LLM_MODEL cannot be empty")
	}
	if c.SearXNGURL != "" {
		if _, err := url.ParseRequestURI(c.SearXNGURL); err != nil {
			return fmt.Errorf("config: SEARXNG_URL is not a valid URL: %w", err)
		}
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return errors.New("config: DEFAULT_TEMPERATURE must be between 0.0 and 2.0")
	}
	if c.DefaultMaxTokens != -1 && c.DefaultMaxTokens <= 0 {
		return errors.New("config: DEFAULT_MAX_TOKENS must be -1 or positive")
	}
	if c.MaxHistoryTurns < 1 {
		return errors.New("config: MAX_HISTORY_TURNS must be at least 1")
	}
	if c.ContextDepth < 0 {
		return errors.New("config: CONTEXT_DEPTH cannot be negative")
	}
	if c.StreamInterval <= 0 {
		return errors.New("config: STREAM_INTERVAL must be positive")
	}
	if c.StreamTimeout <= 0 {
		return errors.New("config: STREAM_TIMEOUT must be positive")
	}
	if c.SearchCooldown < 0 {
		return errors.New("config: SEARCH_COOLDOWN cannot be negative")
	}
	if c.SearchMaxResults < 1 {
		return errors.New("config: SEARCH_MAX_RESULTS must be at least 1")
	}
	if c.MaxImageSizeMB < 1 || c.MaxPDFSizeMB < 1 || c.MaxTextSizeMB < 1 {
		return errors.New("config: attachment size limits must be at least 1 MB")
	}
	for _, id := range c.OwnerIDs {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return fmt.Errorf("config: BOT_OWNER_IDS entry %q is not a user id", id)
		}
	}
	return nil
}

// IsOwner reports whether userID is listed in BOT_OWNER_IDS.
func (c Config) IsOwner(userID string) bool {
	return slices.Contains(c.OwnerIDs, userID)
}

// env collects parse errors so Load can report all of them at once.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) lookup(key string) string {
	return strings.TrimSpace(e.getenv(key))
}

func (e *env) mustEnv(key string) string {
	v := e.lookup(key)
	if v == "" {
		e.errs = append(e.errs, fmt.Errorf("required environment variable %s is not set", key))
	}
	return v
}

func (e *env) envString(key, def string) string {
	if v := e.lookup(key); v != "" {
		return v
	}
	return def
}

func (e *env) envInt(key string, def int) int {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) envBool(key string, def bool) bool {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) envFloat(key string, def float64) float64 {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func (e *env) envDuration(key string, def time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) envList(key string) []string {
	var out []string
	for _, part := range strings.Split(e.lookup(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *env) envLevel(key string, def slog.Level) slog.Level {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return lvl
}
