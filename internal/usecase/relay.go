package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/attachment"
	"chat-relay/internal/conversation"
	"chat-relay/internal/display"
	"chat-relay/internal/domain"
	"chat-relay/internal/search"
	"chat-relay/internal/thinkfilter"
)

const defaultStreamTimeout = 5 * time.Minute

// ChatStreamer opens a streaming completion against the inference backend.
type ChatStreamer interface {
	ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error)
}

// SettingsProvider resolves the effective settings for a guild.
type SettingsProvider interface {
	Effective(guildID string) domain.EffectiveSettings
}

// SearchGate decides whether a message warrants a web search.
type SearchGate interface {
	ShouldAugment(text string) bool
}

// WebAugmenter fetches a formatted results block under rate limits.
type WebAugmenter interface {
	Augment(ctx context.Context, req search.Request) (string, error)
}

// AttachmentProcessor turns platform attachments into prompt content.
type AttachmentProcessor interface {
	ProcessAll(ctx context.Context, sources []attachment.Source) attachment.Batch
}

// Service runs chat exchanges: one inbound message in, one streamed answer
// out.
type Service struct {
	store    *conversation.Store
	llm      ChatStreamer
	settings SettingsProvider
	model    string

	gate        SearchGate
	augmenter   WebAugmenter
	attachments AttachmentProcessor

	streamTimeout  time.Duration
	updateInterval time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Service)

// WithSearch enables web augmentation. Both collaborators are required.
func WithSearch(g SearchGate, a WebAugmenter) Option {
	return func(s *Service) {
		s.gate = g
		s.augmenter = a
	}
}

func WithAttachments(p AttachmentProcessor) Option {
	return func(s *Service) {
		s.attachments = p
	}
}

// WithStreamTimeout bounds how long one backend stream may run.
func WithStreamTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.streamTimeout = d
		}
	}
}

// WithUpdateInterval sets the minimum time between display refreshes.
func WithUpdateInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.updateInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store *conversation.Store, llm ChatStreamer, settings SettingsProvider, model string, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: chat streamer must not be nil")
	}
	if settings == nil {
		return nil, errors.New("usecase: settings provider must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	s := &Service{
		store:         store,
		llm:           llm,
		settings:      settings,
		model:         model,
		streamTimeout: defaultStreamTimeout,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if (s.gate == nil) != (s.augmenter == nil) {
		return nil, errors.New("usecase: search gate and augmenter must be set together")
	}
	return s, nil
}

// Inbound is one user message addressed to the bot.
type Inbound struct {
	SessionID   string
	UserID      string
	GuildID     string
	ChannelID   string
	Text        string
	Attachments []attachment.Source

	// FetchRecent seeds an empty session from platform history. Optional.
	FetchRecent conversation.FetchRecentFunc
}

// Outcome summarizes a finished exchange.
type Outcome struct {
	ExchangeID string
	Raw        string
	Visible    string
	Searched   bool
	Notices    []string
	Elapsed    time.Duration
}

// HandleMessage runs one exchange against surface. Notices (rejected
// attachments, search limits) are sent before the answer placeholder.
// Backend failures are shown on the surface and also returned as *Error;
// history is left without the failed user turn.
func (s *Service) HandleMessage(ctx context.Context, in Inbound, surface display.Surface) (Outcome, error) {
	if surface == nil {
		return Outcome{}, newError(ErrorInternal, "nil_surface", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return Outcome{}, newError(ErrorInvalidInput, "missing_session", nil)
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return Outcome{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	out := Outcome{ExchangeID: newUUID()}
	log := s.logger.With("exchange", out.ExchangeID, "session", sessionID)
	started := s.now()

	unlock := s.store.Lock(sessionID)
	defer unlock()

	eff := s.settings.Effective(in.GuildID)
	if in.FetchRecent != nil {
		s.store.PreloadContextIfNeeded(ctx, sessionID, in.FetchRecent)
	}

	notify := func(msg string) {
		out.Notices = append(out.Notices, msg)
		if err := surface.Send(ctx, msg); err != nil {
			log.Warn("failed to send notice", "err", err)
		}
	}

	var batch attachment.Batch
	if len(in.Attachments) > 0 {
		if s.attachments == nil {
			notify("⚠️ Attachments are not supported here.")
		} else {
			batch = s.attachments.ProcessAll(ctx, in.Attachments)
			for _, rej := range batch.Rejected {
				notify(rej.Message)
			}
		}
	}

	content := buildUserContent(in.Text, batch.Text, batch.Images)
	if !content.IsBlocks() && content.Text == "" {
		if len(batch.Rejected) > 0 {
			return out, newError(ErrorAttachmentRejected, "no_usable_attachment", batch.Rejected[0])
		}
		return out, newError(ErrorInvalidInput, "empty_message", nil)
	}
	userText := content.String()
	s.store.Append(sessionID, domain.Turn{Role: domain.RoleUser, Content: content})

	var webContext string
	if eff.SearchEnabled && s.gate != nil && s.gate.ShouldAugment(in.Text) {
		block, err := s.augmenter.Augment(ctx, search.Request{Text: in.Text, UserID: in.UserID, GuildID: in.GuildID})
		var rl *search.RateLimitError
		switch {
		case errors.As(err, &rl):
			notify(rl.Message)
		case err != nil:
			log.Warn("search augmentation failed", "err", err)
		}
		webContext = block
		out.Searched = block != ""
	}

	req := domain.ChatRequest{
		Model:       s.model,
		Messages:    buildPromptMessages(eff.SystemPrompt, s.store.History(sessionID), webContext),
		Temperature: eff.Temperature,
		MaxTokens:   eff.MaxTokens,
	}

	throttler := display.NewThrottler(surface, display.Options{
		MinInterval: s.updateInterval,
		Filter:      thinkfilter.New(eff.FilterThinking),
		Now:         s.now,
	})
	if err := throttler.Start(ctx); err != nil {
		s.store.DropPendingUser(sessionID)
		return out, newError(ErrorInternal, "display_start_failed", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	log.Info("exchange started",
		"user", in.UserID,
		"guild", in.GuildID,
		"channel", in.ChannelID,
		"messages", len(req.Messages),
		"searched", out.Searched,
		"images", len(batch.Images),
	)
	raw, streamErr := s.streamAnswer(streamCtx, exchange{
		id:        out.ExchangeID,
		sessionID: sessionID,
		userText:  userText,
		started:   started,
		req:       req,
	}, func(delta string) {
		if err := throttler.Push(streamCtx, delta); err != nil {
			log.Warn("display update failed", "err", err)
		}
	})

	// The surface must still be finalized after a timeout or cancellation.
	if err := throttler.Finish(context.WithoutCancel(ctx)); err != nil {
		log.Error("display finish failed", "err", err)
		if streamErr == nil {
			streamErr = newError(ErrorInternal, "display_finish_failed", err)
		}
	}
	out.Raw = raw
	out.Visible = thinkfilter.New(eff.FilterThinking).Filter(raw)
	out.Elapsed = s.now().Sub(started)
	return out, streamErr
}

var newUUID = func() string {
	return uuid.NewString()
}
