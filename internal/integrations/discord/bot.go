// Package discord connects the relay to the Discord gateway: it decides
// which messages to answer, renders answers as edited replies and handles
// the bot's admin commands.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"chat-relay/internal/attachment"
	"chat-relay/internal/conversation"
	"chat-relay/internal/display"
	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

const commandPrefix = "!"


// Relay runs one chat exchange.
type Relay interface {
	HandleMessage(ctx context.Context, in usecase.Inbound, surface display.Surface) (usecase.Outcome, error)
}

// Monitor reports channels where the bot answers without being mentioned.
type Monitor interface {
	IsMonitored(guildID, channelID string) bool
}

// Config holds the bot's access rules.
type Config struct {
	Token         string
	IsOwner       func(userID string) bool
	AdminRoleName string
}

// Bot represents the Discord bot
type Bot struct {
	session *discordgo.Session
	cfg     Config
	relay   Relay
	admin   *usecase.Admin
	monitor Monitor
	http    *http.Client
	logger  *slog.Logger

	ctx context.Context
}

// NewBot creates a new Discord bot
func NewBot(cfg Config, relay Relay, admin *usecase.Admin, monitor Monitor, logger *slog.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord: token must not be empty")
	}
	if relay == nil || admin == nil || monitor == nil {
		return nil, errors.New("discord: relay, admin and monitor are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	bot := &Bot{
		session: session,
		cfg:     cfg,
		relay:   relay,
		admin:   admin,
		monitor: monitor,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		ctx:     context.Background(),
	}
	session.AddHandler(bot.messageHandler)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		logger.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	return bot, nil
}

// Start opens the gateway. ctx bounds every exchange started afterwards.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	b.logger.Info("discord bot connected")
	return nil
}

// Stop closes the gateway.
func (b *Bot) Stop() error {
	return b.session.Close()
}

// messageHandler handles incoming Discord messages
func (b *Bot) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || s.State.User == nil || m.Author.ID == s.State.User.ID {
		return
	}
	botID := s.State.User.ID
	mentioned := isMentioned(m.Message, botID)
	if !shouldRespond(m.GuildID, mentioned, b.monitor.IsMonitored(m.GuildID, m.ChannelID)) {
		return
	}

	text := stripMentions(m.Content, botID)
	if name, args, ok := parseCommand(text); ok {
		b.handleCommand(s, m, name, args)
		return
	}
	if text == "" && len(m.Attachments) == 0 {
		return
	}

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		b.logger.Debug("typing indicator failed", "channel", m.ChannelID, "err", err)
	}

	in := usecase.Inbound{
		SessionID:   m.ChannelID,
		UserID:      m.Author.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		Text:        text,
		Attachments: b.attachmentSources(m.Attachments),
		FetchRecent: b.fetchRecent(s, m.ChannelID, m.ID, botID),
	}
	surface := newMessageSurface(s, m.ChannelID, m.Reference())
	out, err := b.relay.HandleMessage(b.ctx, in, surface)
	if err != nil {
		b.logger.Warn("exchange failed",
			"exchange", out.ExchangeID,
			"channel", m.ChannelID,
			"code", usecase.CodeOf(err),
			"err", err,
		)
	}
}

// shouldRespond answers direct messages always, and guild messages when the
// bot is mentioned or the channel is monitored.
func shouldRespond(guildID string, mentioned, monitored bool) bool {
	return guildID == "" || mentioned || monitored
}

func isMentioned(m *discordgo.Message, botID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

func stripMentions(s, botID string) string {
	r := strings.NewReplacer("<@"+botID+">", "", "<@!"+botID+">", "")
	return strings.TrimSpace(r.Replace(s))
}

// fetchRecent reads messages posted before beforeID, newest first from the
// API, and returns them oldest first as turns.
func (b *Bot) fetchRecent(s *discordgo.Session, channelID, beforeID, botID string) conversation.FetchRecentFunc {
	return func(ctx context.Context, limit int) ([]domain.Turn, error) {
		if limit > 100 {
			limit = 100
		}
		msgs, err := s.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord: fetch recent messages: %w", err)
		}
		return toTurns(msgs, botID), nil
	}
}

func toTurns(newestFirst []*discordgo.Message, botID string) []domain.Turn {
	turns := make([]domain.Turn, 0, len(newestFirst))
	for _, msg := range slices.Backward(newestFirst) {
		if msg == nil || msg.Author == nil {
			continue
		}
		text := stripMentions(msg.Content, botID)
		if text == "" || strings.HasPrefix(text, commandPrefix) {
			continue
		}
		switch {
		case msg.Author.ID == botID:
			turns = append(turns, domain.AssistantTurn(text))
		case !msg.Author.Bot:
			turns = append(turns, domain.UserTurn(text))
		}
	}
	return turns
}

func (b *Bot) attachmentSources(atts []*discordgo.MessageAttachment) []attachment.Source {
	if len(atts) == 0 {
		return nil
	}
	out := make([]attachment.Source, 0, len(atts))
	for _, a := range atts {
		url := a.URL
		out = append(out, attachment.Source{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			Fetch: func(ctx context.Context, maxBytes int64) ([]byte, error) {
				return b.download(ctx, url, maxBytes)
			},
		})
	}
	return out
}

// download reads at most maxBytes+1 bytes so the caller can tell an
// oversized body from one that fits. maxBytes <= 0 reads everything.
func (b *Bot) download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: create download request: %w", err)
	}
	res, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download attachment: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: download attachment: status %d", res.StatusCode)
	}
	var body io.Reader = res.Body
	if maxBytes > 0 {
		body = io.LimitReader(res.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("discord: read attachment: %w", err)
	}
	return data, nil
}
