package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"chat-relay/handler"
	"chat-relay/internal/app"
	"chat-relay/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- Components ----
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build relay", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Service, a.Admin, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	// A warm container keeps sessions in memory; state is flushed after
	// every invocation because the container may be frozen at any time.
	lambda.Start(func(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := h.Handle(ctx, event)
		a.Sweep(ctx)
		if ferr := a.Admin.Flush(context.WithoutCancel(ctx)); ferr != nil {
			logger.Warn("failed to flush state", "err", ferr)
		}
		return resp, err
	})
}
