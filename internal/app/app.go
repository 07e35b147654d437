// Package app wires the relay's components from a Config. Both binaries
// build the same graph and differ only in the surface they serve.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-relay/internal/attachment"
	"chat-relay/internal/config"
	"chat-relay/internal/conversation"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/integrations/searxng"
	"chat-relay/internal/repository"
	"chat-relay/internal/search"
	"chat-relay/internal/settings"
	"chat-relay/internal/usecase"
)

// searchStateMaxAge bounds how long idle search rate-limit state is kept.
const searchStateMaxAge = time.Hour

type App struct {
	Config    config.Config
	Params    *paramstore.Client
	Settings  *settings.Manager
	Store     *conversation.Store
	Service   *usecase.Service
	Admin     *usecase.Admin
	Augmenter *search.Augmenter
	Logger    *slog.Logger
}

// Build creates every component and restores persisted state.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create parameter store client: %w", err)
	}
	state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, fmt.Errorf("app: create state client: %w", err)
	}

	mgr, err := settings.NewManager(state, settings.Defaults{
		SystemPrompt:   cfg.DefaultSystemPrompt,
		Temperature:    cfg.DefaultTemperature,
		MaxTokens:      cfg.DefaultMaxTokens,
		SearchEnabled:  cfg.SearchEnabled,
		FilterThinking: cfg.FilterThinking,
	}, settings.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: create settings manager: %w", err)
	}
	store := conversation.NewStore(cfg.MaxHistoryTurns, cfg.ContextDepth, conversation.WithLogger(logger))

	llmOpts := []openai.Option{openai.WithBaseURL(cfg.LLMBaseURL), openai.WithLogger(logger)}
	if cfg.LLMAPIKeyParam != "" {
		llmOpts = append(llmOpts, openai.WithParamStoreKey(params, cfg.LLMAPIKeyParam))
	}
	llm, err := openai.NewClient(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create inference client: %w", err)
	}

	svcOpts := []usecase.Option{
		usecase.WithAttachments(attachment.NewProcessor(attachmentLimits(cfg), logger)),
		usecase.WithStreamTimeout(cfg.StreamTimeout),
		usecase.WithUpdateInterval(cfg.StreamInterval),
		usecase.WithLogger(logger),
	}
	var augmenter *search.Augmenter
	if cfg.SearXNGURL != "" {
		gate, aug, err := buildSearch(cfg, logger)
		if err != nil {
			return nil, err
		}
		augmenter = aug
		svcOpts = append(svcOpts, usecase.WithSearch(gate, aug))
	} else {
		logger.Info("web search disabled: no SearXNG URL configured")
	}

	svc, err := usecase.NewService(store, llm, mgr, cfg.LLMModel, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create relay service: %w", err)
	}
	admin, err := usecase.NewAdmin(store, mgr, state, logger)
	if err != nil {
		return nil, fmt.Errorf("app: create admin service: %w", err)
	}
	if err := admin.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore state: %w", err)
	}

	return &App{
		Config:    cfg,
		Params:    params,
		Settings:  mgr,
		Store:     store,
		Service:   svc,
		Admin:     admin,
		Augmenter: augmenter,
		Logger:    logger,
	}, nil
}

// Sweep evicts idle sessions and expired rate-limit state.
func (a *App) Sweep(ctx context.Context) {
	a.Admin.Sweep(ctx, a.Config.SessionTTL)
	if a.Augmenter != nil {
		a.Augmenter.Sweep(searchStateMaxAge)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *App) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.Config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
			if err := a.Admin.Flush(ctx); err != nil {
				a.Logger.Warn("periodic flush failed", "err", err)
			}
		}
	}
}

func buildSearch(cfg config.Config, logger *slog.Logger) (*search.Gate, *search.Augmenter, error) {
	client, err := searxng.NewClient(cfg.SearXNGURL, cfg.SearchTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("app: create SearXNG client: %w", err)
	}
	triggers := search.DefaultTriggers()
	if cfg.SearchTriggersFile != "" {
		triggers, err = search.LoadTriggers(cfg.SearchTriggersFile)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
	}
	limits := search.DefaultLimits()
	limits.Cooldown = cfg.SearchCooldown
	return search.NewGate(triggers, 0), search.NewAugmenter(client, limits,
		search.WithMaxResults(cfg.SearchMaxResults),
		search.WithLogger(logger),
	), nil
}

func attachmentLimits(cfg config.Config) attachment.Limits {
	limits := attachment.DefaultLimits()
	limits.AllowImages = cfg.AllowImages
	limits.AllowPDF = cfg.AllowPDF
	limits.AllowText = cfg.AllowTextFiles
	limits.MaxImageBytes = int64(cfg.MaxImageSizeMB) << 20
	limits.MaxPDFBytes = int64(cfg.MaxPDFSizeMB) << 20
	limits.MaxTextBytes = int64(cfg.MaxTextSizeMB) << 20
	return limits
}
