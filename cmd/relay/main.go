package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/internal/app"
	"chat-relay/internal/config"
	"chat-relay/internal/integrations/discord"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Components ----
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build relay", "err", err)
		os.Exit(1)
	}
	token, err := a.Params.Token(ctx, cfg.DiscordTokenParam)
	if err != nil {
		logger.Error("failed to fetch Discord token", "param", cfg.DiscordTokenParam, "err", err)
		os.Exit(1)
	}

	bot, err := discord.NewBot(discord.Config{
		Token:         token,
		IsOwner:       cfg.IsOwner,
		AdminRoleName: cfg.AdminRoleName,
	}, a.Service, a.Admin, a.Settings, logger)
	if err != nil {
		logger.Error("failed to create Discord bot", "err", err)
		os.Exit(1)
	}
	if err := bot.Start(ctx); err != nil {
		logger.Error("failed to start Discord bot", "err", err)
		os.Exit(1)
	}

	go a.RunSweeper(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := bot.Stop(); err != nil {
		logger.Warn("failed to close Discord session", "err", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Admin.Flush(flushCtx); err != nil {
		logger.Error("failed to flush state", "err", err)
		os.Exit(1)
	}
}
