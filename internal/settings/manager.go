// Package settings keeps per-guild overrides in memory and writes changes
// back to the state table on Save.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-relay/internal/domain"
	"chat-relay/internal/ratelimit"
)

const (
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultTemperature  = 0.7
	UnlimitedTokens     = -1

	MaxSystemPromptLength = 10000
	MaxPromptChangesHour  = 5
	MinTemperature        = 0.0
	MaxTemperature        = 2.0
)

var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(previous|all|prior)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(previous|all|prior)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all|previous)`),
	regexp.MustCompile(`(?i)new\s+instructions`),
	regexp.MustCompile(`(?i)system\s+override`),
	regexp.MustCompile(`(?i)admin\s+mode`),
	regexp.MustCompile(`(?i)developer\s+mode`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)\\n\\n---\\n\\n`),
	regexp.MustCompile(`(?i)<\s*system\s*>`),
	regexp.MustCompile(`(?i)SYSTEM:`),
	regexp.MustCompile(`(?i)you\s+are\s+now`),
}

// Store is the persistence the Manager needs. repository.Client satisfies it.
type Store interface {
	ListGuildSettings(ctx context.Context) ([]domain.GuildSettings, error)
	PutGuildSettings(ctx context.Context, gs domain.GuildSettings) error
	DeleteGuildSettings(ctx context.Context, guildID string) error
}

// ValidationError reports a rejected settings value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: invalid %s: %s", e.Field, e.Message)
}

// RateLimitError reports too many system prompt changes in the last hour.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return "settings: " + e.Message
}

// Defaults are the process-wide values used where a guild has no override.
type Defaults struct {
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	SearchEnabled  bool
	FilterThinking bool
}

// DefaultValues returns the built-in defaults.
func DefaultValues() Defaults {
	return Defaults{
		SystemPrompt:   DefaultSystemPrompt,
		Temperature:    DefaultTemperature,
		MaxTokens:      UnlimitedTokens,
		SearchEnabled:  true,
		FilterThinking: true,
	}
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager caches guild settings and tracks which guilds changed since the
// last Save.
type Manager struct {
	store    Store
	defaults Defaults
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	guilds  map[string]domain.GuildSettings
	dirty   map[string]struct{}
	changes *ratelimit.Windows
}

func NewManager(store Store, defaults Defaults, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("settings: store must not be nil")
	}
	m := &Manager{
		store:    store,
		defaults: defaults,
		logger:   slog.Default(),
		now:      time.Now,
		guilds:   make(map[string]domain.GuildSettings),
		dirty:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.changes = ratelimit.NewWindows(m.now)
	return m, nil
}

// Load replaces the cache with the stored settings.
func (m *Manager) Load(ctx context.Context) error {
	all, err := m.store.ListGuildSettings(ctx)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds = make(map[string]domain.GuildSettings, len(all))
	m.dirty = make(map[string]struct{})
	for _, gs := range all {
		m.guilds[gs.GuildID] = gs
	}
	m.logger.Info("guild settings loaded", "guilds", len(all))
	return nil
}

// Save writes every changed guild. Guilds without overrides are deleted.
// Guilds that fail to save stay dirty.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]domain.GuildSettings, 0, len(m.dirty))
	for id := range m.dirty {
		gs := cloneSettings(m.guilds[id])
		gs.GuildID = id
		pending = append(pending, gs)
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	var errs []error
	for _, gs := range pending {
		var err error
		if gs.IsZero() {
			err = m.store.DeleteGuildSettings(ctx, gs.GuildID)
		} else {
			err = m.store.PutGuildSettings(ctx, gs)
		}
		if err != nil {
			errs = append(errs, err)
			m.markDirty(gs.GuildID)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("settings: save: %w", errors.Join(errs...))
	}
	if len(pending) > 0 {
		m.logger.Info("guild settings saved", "guilds", len(pending))
	}
	return nil
}

// Dirty reports how many guilds have unsaved changes.
func (m *Manager) Dirty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// Get returns a copy of a guild's overrides.
func (m *Manager) Get(guildID string) domain.GuildSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs := cloneSettings(m.guilds[guildID])
	gs.GuildID = guildID
	return gs
}

// Effective resolves a guild's overrides against the defaults. An empty
// guild id (direct messages) resolves to the defaults.
func (m *Manager) Effective(guildID string) domain.EffectiveSettings {
	gs := m.Get(guildID)
	eff := domain.EffectiveSettings{
		SystemPrompt:    m.defaults.SystemPrompt,
		Temperature:     m.defaults.Temperature,
		MaxTokens:       m.defaults.MaxTokens,
		SearchEnabled:   m.defaults.SearchEnabled,
		FilterThinking:  m.defaults.FilterThinking,
		AllowedChannels: gs.AllowedChannels,
	}
	if gs.SystemPrompt != "" {
		eff.SystemPrompt = gs.SystemPrompt
	}
	if gs.Temperature != nil {
		eff.Temperature = *gs.Temperature
	}
	if gs.MaxTokens != nil {
		eff.MaxTokens = *gs.MaxTokens
	}
	if gs.SearchEnabled != nil {
		eff.SearchEnabled = *gs.SearchEnabled
	}
	if gs.FilterThinking != nil {
		eff.FilterThinking = *gs.FilterThinking
	}
	return eff
}

// IsMonitored reports whether the bot answers every message in channelID,
// not only those that mention it.
func (m *Manager) IsMonitored(guildID, channelID string) bool {
	if guildID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.guilds[guildID].AllowedChannels, channelID)
}

func (m *Manager) SetTemperature(guildID string, v float64) error {
	if v < MinTemperature || v > MaxTemperature {
		return &ValidationError{Field: "temperature", Message: "must be between 0.0 and 2.0"}
	}
	return m.update(guildID, func(gs *domain.GuildSettings) { gs.Temperature = &v })
}

// SetMaxTokens accepts -1 for unlimited or any positive count.
func (m *Manager) SetMaxTokens(guildID string, n int) error {
	if n != UnlimitedTokens && n <= 0 {
		return &ValidationError{Field: "max_tokens", Message: "must be -1 (unlimited) or a positive number"}
	}
	return m.update(guildID, func(gs *domain.GuildSettings) { gs.MaxTokens = &n })
}

func (m *Manager) SetSearchEnabled(guildID string, on bool) error {
	return m.update(guildID, func(gs *domain.GuildSettings) { gs.SearchEnabled = &on })
}

func (m *Manager) SetFilterThinking(guildID string, on bool) error {
	return m.update(guildID, func(gs *domain.GuildSettings) { gs.FilterThinking = &on })
}

// SetSystemPrompt validates and stores a custom system prompt. An empty
// prompt clears the override and is not rate limited.
func (m *Manager) SetSystemPrompt(guildID, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return m.update(guildID, func(gs *domain.GuildSettings) { gs.SystemPrompt = "" })
	}
	if utf8.RuneCountInString(prompt) > MaxSystemPromptLength {
		return &ValidationError{Field: "system_prompt", Message: "too long (max 10,000 characters)"}
	}
	for _, re := range promptInjectionPatterns {
		if re.MatchString(prompt) {
			m.logger.Warn("suspicious system prompt rejected", "guild", guildID, "pattern", re.String())
			return &ValidationError{Field: "system_prompt", Message: "System prompt contains suspicious patterns. Please rephrase."}
		}
	}
	if guildID == "" {
		return &ValidationError{Field: "guild", Message: "settings are only available in a server"}
	}
	if c, ok := m.changes.Allow(guildID, 0, MaxPromptChangesHour); !ok {
		return &RateLimitError{
			RetryAfter: c.HourResetIn,
			Message:    fmt.Sprintf("Too many prompt changes (%d/hour limit). Please wait before modifying again.", MaxPromptChangesHour),
		}
	}
	return m.update(guildID, func(gs *domain.GuildSettings) { gs.SystemPrompt = prompt })
}

// AllowChannel adds channelID to the guild's monitored channels.
func (m *Manager) AllowChannel(guildID, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return &ValidationError{Field: "channel", Message: "channel id is required"}
	}
	return m.update(guildID, func(gs *domain.GuildSettings) {
		if !slices.Contains(gs.AllowedChannels, channelID) {
			gs.AllowedChannels = append(gs.AllowedChannels, channelID)
		}
	})
}

// DisallowChannel removes channelID from the guild's monitored channels.
func (m *Manager) DisallowChannel(guildID, channelID string) error {
	return m.update(guildID, func(gs *domain.GuildSettings) {
		gs.AllowedChannels = slices.DeleteFunc(gs.AllowedChannels, func(id string) bool { return id == channelID })
	})
}

// Reset drops every override for the guild.
func (m *Manager) Reset(guildID string) error {
	return m.update(guildID, func(gs *domain.GuildSettings) { *gs = domain.GuildSettings{} })
}

// Sweep forgets prompt-change history older than an hour.
func (m *Manager) Sweep() int {
	return m.changes.Sweep()
}

func (m *Manager) update(guildID string, fn func(*domain.GuildSettings)) error {
	if guildID == "" {
		return &ValidationError{Field: "guild", Message: "settings are only available in a server"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gs := cloneSettings(m.guilds[guildID])
	fn(&gs)
	gs.GuildID = guildID
	if gs.IsZero() {
		delete(m.guilds, guildID)
	} else {
		m.guilds[guildID] = gs
	}
	m.dirty[guildID] = struct{}{}
	return nil
}

func (m *Manager) markDirty(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[guildID] = struct{}{}
}

func cloneSettings(gs domain.GuildSettings) domain.GuildSettings {
	gs.AllowedChannels = slices.Clone(gs.AllowedChannels)
	return gs
}
