package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

const (
	// Discord allows five edits per five seconds on one message; stay under it.
	editsPerWindow = 4
	editWindow     = 5 * time.Second
)

// messenger is the subset of *discordgo.Session used to post and edit.
type messenger interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// messageSurface renders one answer as a reply that is edited in place.
type messageSurface struct {
	api       messenger
	channelID string
	replyTo   *discordgo.MessageReference
	edits     *rate.Limiter

	messageID string
}

func newMessageSurface(api messenger, channelID string, replyTo *discordgo.MessageReference) *messageSurface {
	return &messageSurface{
		api:       api,
		channelID: channelID,
		replyTo:   replyTo,
		edits:     rate.NewLimiter(rate.Every(editWindow/editsPerWindow), editsPerWindow),
	}
}

func (s *messageSurface) Start(ctx context.Context, text string) error {
	var (
		msg *discordgo.Message
		err error
	)
	if s.replyTo != nil {
		msg, err = s.api.ChannelMessageSendReply(s.channelID, text, s.replyTo, discordgo.WithContext(ctx))
	} else {
		msg, err = s.api.ChannelMessageSend(s.channelID, text, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("discord: send placeholder: %w", err)
	}
	s.messageID = msg.ID
	return nil
}

func (s *messageSurface) Edit(ctx context.Context, text string) error {
	if s.messageID == "" {
		return errors.New("discord: edit before placeholder was sent")
	}
	if err := s.edits.Wait(ctx); err != nil {
		return fmt.Errorf("discord: edit rate wait: %w", err)
	}
	if _, err := s.api.ChannelMessageEdit(s.channelID, s.messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

func (s *messageSurface) Send(ctx context.Context, text string) error {
	if _, err := s.api.ChannelMessageSend(s.channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}
