package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-relay/internal/conversation"
	"chat-relay/internal/domain"
	"chat-relay/internal/settings"
)

// SettingsEditor is the mutable side of the guild settings cache.
type SettingsEditor interface {
	SettingsProvider
	Get(guildID string) domain.GuildSettings
	SetSystemPrompt(guildID, prompt string) error
	SetTemperature(guildID string, v float64) error
	SetMaxTokens(guildID string, n int) error
	SetSearchEnabled(guildID string, on bool) error
	SetFilterThinking(guildID string, on bool) error
	AllowChannel(guildID, channelID string) error
	DisallowChannel(guildID, channelID string) error
	Reset(guildID string) error
	Load(ctx context.Context) error
	Save(ctx context.Context) error
	Sweep() int
}

// StatsRepository persists session statistics across restarts.
type StatsRepository interface {
	LoadSessionStats(ctx context.Context) (map[string]domain.SessionStats, error)
	SaveSessionStats(ctx context.Context, stats map[string]domain.SessionStats) error
	DeleteSessionStats(ctx context.Context, sessionID string) error
}

// Admin exposes the maintenance operations behind the bot's admin commands
// and the process lifecycle (restore, sweep, flush).
type Admin struct {
	store    *conversation.Store
	settings SettingsEditor
	stats    StatsRepository
	logger   *slog.Logger
}

func NewAdmin(store *conversation.Store, s SettingsEditor, stats StatsRepository, logger *slog.Logger) (*Admin, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: settings editor must not be nil")
	}
	if stats == nil {
		return nil, errors.New("usecase: stats repository must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: store, settings: s, stats: stats, logger: logger}, nil
}

// ClearHistory forgets the session's history and stats, persisted stats
// included, and re-arms the platform context preload.
func (a *Admin) ClearHistory(ctx context.Context, sessionID string) error {
	unlock := a.store.Lock(sessionID)
	defer unlock()
	a.store.Clear(sessionID)
	a.logger.Info("history cleared", "session", sessionID)
	return a.deleteStats(ctx, sessionID)
}

// UndoLastExchange removes the most recent user/assistant pair.
func (a *Admin) UndoLastExchange(sessionID string) (int, error) {
	unlock := a.store.Lock(sessionID)
	defer unlock()
	n := a.store.DropLastExchange(sessionID)
	if n == 0 {
		return 0, newError(ErrorInvalidInput, "nothing_to_undo", nil)
	}
	return n, nil
}

// ResetStats zeroes the session's stats in memory and in the state table.
func (a *Admin) ResetStats(ctx context.Context, sessionID string) error {
	a.store.ResetStats(sessionID)
	return a.deleteStats(ctx, sessionID)
}

// deleteStats removes the persisted stats item. Flush skips sessions without
// recorded messages, so a reset would otherwise be undone by Restore.
func (a *Admin) deleteStats(ctx context.Context, sessionID string) error {
	if err := a.stats.DeleteSessionStats(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "stats_delete_error", err)
	}
	return nil
}

// StatsSummary is a display-ready view of one session's stats.
type StatsSummary struct {
	TotalMessages       int
	EstimatedTokens     int
	AverageResponseTime time.Duration
	Since               time.Time
	LastMessage         *time.Time
	HistoryEntries      int
	MaxHistoryEntries   int
}

func (a *Admin) StatsSummary(sessionID string) StatsSummary {
	st := a.store.Stats(sessionID)
	return StatsSummary{
		TotalMessages:       st.TotalMessages,
		EstimatedTokens:     st.EstimatedTokens,
		AverageResponseTime: time.Duration(st.AverageResponseTime() * float64(time.Second)),
		Since:               st.StartTime,
		LastMessage:         st.LastMessageTime,
		HistoryEntries:      len(a.store.History(sessionID)),
		MaxHistoryEntries:   a.store.MaxEntries(),
	}
}

// String renders the summary as a chat message.
func (s StatsSummary) String() string {
	var b strings.Builder
	b.WriteString("📊 **Conversation stats**\n")
	fmt.Fprintf(&b, "Messages: %d\n", s.TotalMessages)
	fmt.Fprintf(&b, "Estimated tokens: ~%d\n", s.EstimatedTokens)
	fmt.Fprintf(&b, "Average response time: %.2fs\n", s.AverageResponseTime.Seconds())
	fmt.Fprintf(&b, "History: %d/%d entries\n", s.HistoryEntries, s.MaxHistoryEntries)
	fmt.Fprintf(&b, "Since: %s", s.Since.UTC().Format(time.RFC3339))
	if s.LastMessage != nil {
		fmt.Fprintf(&b, "\nLast message: %s", s.LastMessage.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Settings returns the effective settings and the raw overrides of a guild.
func (a *Admin) Settings(guildID string) (domain.EffectiveSettings, domain.GuildSettings) {
	return a.settings.Effective(guildID), a.settings.Get(guildID)
}

func (a *Admin) SetSystemPrompt(guildID, actorID, prompt string) error {
	if err := a.settings.SetSystemPrompt(guildID, prompt); err != nil {
		return settingsError(err)
	}
	a.logger.Info("system prompt updated", "guild", guildID, "actor", actorID, "chars", len(strings.TrimSpace(prompt)))
	return nil
}

func (a *Admin) SetTemperature(guildID string, v float64) error {
	return settingsError(a.settings.SetTemperature(guildID, v))
}

func (a *Admin) SetMaxTokens(guildID string, n int) error {
	return settingsError(a.settings.SetMaxTokens(guildID, n))
}

func (a *Admin) SetSearchEnabled(guildID string, on bool) error {
	return settingsError(a.settings.SetSearchEnabled(guildID, on))
}

func (a *Admin) SetFilterThinking(guildID string, on bool) error {
	return settingsError(a.settings.SetFilterThinking(guildID, on))
}

func (a *Admin) AllowChannel(guildID, channelID string) error {
	return settingsError(a.settings.AllowChannel(guildID, channelID))
}

func (a *Admin) DisallowChannel(guildID, channelID string) error {
	return settingsError(a.settings.DisallowChannel(guildID, channelID))
}

func (a *Admin) ResetSettings(guildID, actorID string) error {
	if err := a.settings.Reset(guildID); err != nil {
		return settingsError(err)
	}
	a.logger.Info("guild settings reset", "guild", guildID, "actor", actorID)
	return nil
}

// Restore loads persisted settings and session stats at startup.
func (a *Admin) Restore(ctx context.Context) error {
	if err := a.settings.Load(ctx); err != nil {
		return newError(ErrorInternal, "settings_load_error", err)
	}
	stats, err := a.stats.LoadSessionStats(ctx)
	if err != nil {
		return newError(ErrorInternal, "stats_load_error", err)
	}
	a.store.RestoreStats(stats)
	a.logger.Info("session stats restored", "sessions", len(stats))
	return nil
}

// Flush writes dirty settings and every session's stats. Both writes are
// attempted even when the first fails.
func (a *Admin) Flush(ctx context.Context) error {
	var errs []error
	if err := a.settings.Save(ctx); err != nil {
		errs = append(errs, err)
	}
	snapshot := a.store.StatsSnapshot()
	if err := a.stats.SaveSessionStats(ctx, snapshot); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return newError(ErrorInternal, "flush_error", errors.Join(errs...))
	}
	a.logger.Info("state flushed", "sessions", len(snapshot))
	return nil
}

// Sweep evicts sessions idle for longer than ttl, deletes their persisted
// stats and drops expired prompt-change history.
func (a *Admin) Sweep(ctx context.Context, ttl time.Duration) []string {
	evicted := a.store.Sweep(ttl)
	a.settings.Sweep()
	for _, id := range evicted {
		if err := a.stats.DeleteSessionStats(ctx, id); err != nil {
			a.logger.Warn("failed to delete stats of evicted session", "session", id, "err", err)
		}
	}
	if len(evicted) > 0 {
		a.logger.Info("inactive sessions evicted", "count", len(evicted))
	}
	return evicted
}

// settingsError maps settings validation and rate-limit errors to usecase
// codes.
func settingsError(err error) error {
	if err == nil {
		return nil
	}
	var verr *settings.ValidationError
	if errors.As(err, &verr) {
		return newError(ErrorInvalidInput, "invalid_"+verr.Field, err)
	}
	var rl *settings.RateLimitError
	if errors.As(err, &rl) {
		return newError(ErrorRateLimited, "prompt_change_rate_limited", err)
	}
	return newError(ErrorInternal, "settings_error", err)
}

// UserMessage returns the text to show a user for an admin operation error.
func UserMessage(err error) string {
	var verr *settings.ValidationError
	if errors.As(err, &verr) {
		return "❌ " + verr.Message
	}
	var rl *settings.RateLimitError
	if errors.As(err, &rl) {
		return "❌ " + rl.Message
	}
	var ue *Error
	if errors.As(err, &ue) && ue.Reason == "nothing_to_undo" {
		return "Nothing to undo."
	}
	return "❌ Something went wrong. Please try again later."
}
