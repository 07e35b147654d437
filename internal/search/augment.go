package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/ratelimit"
)

const (
	EngineAuto       = "auto"
	EngineDuckDuckGo = "duckduckgo"

	DefaultMaxResults = 5
	DefaultRegion     = "wt-wt"
	DefaultSafeSearch = "moderate"
	DefaultCooldown   = 30 * time.Second
)

// Query is one backend search call.
type Query struct {
	Text       string
	Region     string
	SafeSearch string
	MaxResults int
	Engine     string
}

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// Limits are the sliding-window ceilings per actor.
type Limits struct {
	UserPerMinute  int
	UserPerHour    int
	GuildPerMinute int
	GuildPerHour   int
	Cooldown       time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		UserPerMinute:  5,
		UserPerHour:    30,
		GuildPerMinute: 15,
		GuildPerHour:   100,
		Cooldown:       DefaultCooldown,
	}
}

// RateLimitError reports why an augmentation was refused. Message is the
// user-facing text.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("search: rate limited (%s): retry after %s", e.Scope, e.RetryAfter)
}

// Request identifies the acting user and guild. GuildID is empty in DMs.
type Request struct {
	Text    string
	UserID  string
	GuildID string
}

// Augmenter fetches formatted web context under rate limits. Backend
// failures never surface: after one fallback attempt the result is empty.
type Augmenter struct {
	searcher Searcher
	limits   Limits
	users    *ratelimit.Windows
	guilds   *ratelimit.Windows
	cooldown *ratelimit.Cooldown
	logger   *slog.Logger

	region     string
	safeSearch string
	maxResults int

	// mu makes check-then-record atomic across both windows.
	mu sync.Mutex
}

type AugmenterOption func(*Augmenter)

func WithLogger(l *slog.Logger) AugmenterOption {
	return func(a *Augmenter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(now func() time.Time) AugmenterOption {
	return func(a *Augmenter) {
		a.users = ratelimit.NewWindows(now)
		a.guilds = ratelimit.NewWindows(now)
		a.cooldown = ratelimit.NewCooldown(a.limits.Cooldown, now)
	}
}

func WithMaxResults(n int) AugmenterOption {
	return func(a *Augmenter) {
		if n > 0 {
			a.maxResults = n
		}
	}
}

func NewAugmenter(s Searcher, limits Limits, opts ...AugmenterOption) *Augmenter {
	a := &Augmenter{
		searcher:   s,
		limits:     limits,
		users:      ratelimit.NewWindows(nil),
		guilds:     ratelimit.NewWindows(nil),
		cooldown:   ratelimit.NewCooldown(limits.Cooldown, nil),
		logger:     slog.Default(),
		region:     DefaultRegion,
		safeSearch: DefaultSafeSearch,
		maxResults: DefaultMaxResults,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Augment returns a formatted results block, an empty string when the
// search produced nothing, or a *RateLimitError.
func (a *Augmenter) Augment(ctx context.Context, req Request) (string, error) {
	if err := a.admit(req); err != nil {
		a.logger.Info("search rate limited", "user", req.UserID, "guild", req.GuildID, "scope", err.Scope)
		return "", err
	}

	q := Query{
		Text:       req.Text,
		Region:     a.region,
		SafeSearch: a.safeSearch,
		MaxResults: a.maxResults,
		Engine:     EngineAuto,
	}
	results, err := a.searcher.Search(ctx, q)
	if err != nil {
		a.logger.Warn("search failed, retrying with fallback engine", "engine", q.Engine, "err", err)
		q.Engine = EngineDuckDuckGo
		results, err = a.searcher.Search(ctx, q)
		if err != nil {
			a.logger.Error("fallback search failed", "err", err)
			return "", nil
		}
	}
	if len(results) == 0 {
		a.logger.Info("search returned no results")
		return "", nil
	}
	if len(results) > a.maxResults {
		results = results[:a.maxResults]
	}
	return Format(results), nil
}

func (a *Augmenter) admit(req Request) *RateLimitError {
	a.mu.Lock()
	defer a.mu.Unlock()

	if left := a.cooldown.Remaining(req.GuildID); left > 0 {
		return &RateLimitError{
			Scope:      "cooldown",
			RetryAfter: left,
			Message:    fmt.Sprintf("⏱️ Web search is cooling down. Try again in %d seconds.", seconds(left)),
		}
	}

	user := a.users.Count(req.UserID)
	if a.limits.UserPerMinute > 0 && user.Minute >= a.limits.UserPerMinute {
		return &RateLimitError{
			Scope:      "user_minute",
			RetryAfter: user.MinuteResetIn,
			Message:    fmt.Sprintf("⏱️ You're searching too frequently. Please wait %d seconds.", seconds(user.MinuteResetIn)),
		}
	}
	if a.limits.UserPerHour > 0 && user.Hour >= a.limits.UserPerHour {
		return &RateLimitError{
			Scope:      "user_hour",
			RetryAfter: user.HourResetIn,
			Message:    fmt.Sprintf("⏱️ You've reached your hourly search limit (%d). Please try again later.", a.limits.UserPerHour),
		}
	}

	if req.GuildID != "" {
		guild := a.guilds.Count(req.GuildID)
		if a.limits.GuildPerMinute > 0 && guild.Minute >= a.limits.GuildPerMinute {
			return &RateLimitError{
				Scope:      "guild_minute",
				RetryAfter: guild.MinuteResetIn,
				Message:    "⏱️ This server is searching too frequently. Please wait a moment.",
			}
		}
		if a.limits.GuildPerHour > 0 && guild.Hour >= a.limits.GuildPerHour {
			return &RateLimitError{
				Scope:      "guild_hour",
				RetryAfter: guild.HourResetIn,
				Message:    fmt.Sprintf("⏱️ This server has reached its hourly search limit (%d). Please try again later.", a.limits.GuildPerHour),
			}
		}
		a.guilds.Record(req.GuildID)
	}
	a.users.Record(req.UserID)
	a.cooldown.Touch(req.GuildID)
	return nil
}

// Sweep drops idle window keys and cooldowns older than maxAge.
func (a *Augmenter) Sweep(maxAge time.Duration) {
	users := a.users.Sweep()
	guilds := a.guilds.Sweep()
	cooldowns := a.cooldown.Sweep(maxAge)
	if users+guilds+cooldowns > 0 {
		a.logger.Debug("search limits swept", "users", users, "guilds", guilds, "cooldowns", cooldowns)
	}
}

// Format renders results as a numbered sources block.
func Format(results []Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n--- WEB SEARCH RESULTS (%d sources) ---\n", len(results))
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\nSummary: %s\n",
			i+1, orDefault(r.Title, "No title"), orDefault(r.URL, "No URL"), orDefault(r.Snippet, "No description"))
	}
	b.WriteString("--------------------------\n")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
