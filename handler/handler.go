// Package handler exposes the relay over API Gateway so that exchanges can
// be driven without a Discord gateway connection.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/display"
	"chat-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Relay runs one chat exchange.
type Relay interface {
	HandleMessage(ctx context.Context, in usecase.Inbound, surface display.Surface) (usecase.Outcome, error)
}

// SessionResetter clears a session's history and stats.
type SessionResetter interface {
	ClearHistory(ctx context.Context, sessionID string) error
}

type Handler struct {
	relay    Relay
	sessions SessionResetter
	logger   *slog.Logger
}

func NewHandler(relay Relay, sessions SessionResetter, logger *slog.Logger) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("handler: session resetter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: relay, sessions: sessions, logger: logger}, nil
}

type exchangeRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
}

type exchangeResponse struct {
	ExchangeID string   `json:"exchangeId"`
	Answer     string   `json:"answer"`
	Messages   []string `json:"messages"`
	Notices    []string `json:"notices,omitempty"`
	Searched   bool     `json:"searched"`
	ElapsedMS  int64    `json:"elapsedMs"`
}

type resetRequest struct {
	SessionID string `json:"sessionId"`
}

type resetResponse struct {
	SessionID string `json:"sessionId"`
	Cleared   bool   `json:"cleared"`
}

type errorResponse struct {
	Error      string   `json:"error"`
	Reason     string   `json:"reason,omitempty"`
	ExchangeID string   `json:"exchangeId,omitempty"`
	Messages   []string `json:"messages,omitempty"`
}

// Handle routes POST /exchange and POST /reset.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "path", event.Path)

	if event.HTTPMethod != http.MethodPost {
		return h.errorResponse(correlationID, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}
	switch strings.TrimSuffix(event.Path, "/") {
	case "/exchange":
		return h.exchange(ctx, log, correlationID, event.Body), nil
	case "/reset":
		return h.reset(ctx, log, correlationID, event.Body), nil
	default:
		return h.errorResponse(correlationID, http.StatusNotFound, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) exchange(ctx context.Context, log *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var req exchangeRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		log.Warn("invalid request body", "err", err)
		return h.errorResponse(correlationID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}

	buf := &display.Buffer{}
	out, err := h.relay.HandleMessage(ctx, usecase.Inbound{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		Text:      req.Text,
	}, buf)
	if err != nil {
		code := usecase.CodeOf(err)
		reason := reasonOf(err)
		log.Warn("exchange failed", "exchange", out.ExchangeID, "code", code, "reason", reason, "err", err)
		return h.errorResponse(correlationID, statusFor(code), errorResponse{
			Error:      string(code),
			Reason:     reason,
			ExchangeID: out.ExchangeID,
			Messages:   buf.Messages(),
		})
	}

	log.Info("exchange served", "exchange", out.ExchangeID, "elapsed", out.Elapsed)
	return h.jsonResponse(correlationID, http.StatusOK, exchangeResponse{
		ExchangeID: out.ExchangeID,
		Answer:     out.Visible,
		Messages:   buf.Answer(),
		Notices:    out.Notices,
		Searched:   out.Searched,
		ElapsedMS:  out.Elapsed.Round(time.Millisecond).Milliseconds(),
	})
}

func (h *Handler) reset(ctx context.Context, log *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var req resetRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		return h.errorResponse(correlationID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_session"})
	}
	if err := h.sessions.ClearHistory(ctx, req.SessionID); err != nil {
		log.Error("session reset failed", "session", req.SessionID, "err", err)
		return h.errorResponse(correlationID, statusFor(usecase.CodeOf(err)), errorResponse{Error: string(usecase.CodeOf(err)), Reason: reasonOf(err)})
	}
	log.Info("session reset", "session", req.SessionID)
	return h.jsonResponse(correlationID, http.StatusOK, resetResponse{SessionID: req.SessionID, Cleared: true})
}

func reasonOf(err error) string {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorAttachmentRejected:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorBackend, usecase.ErrorBackendUnreachable, usecase.ErrorUnexpected:
		return http.StatusBadGateway
	case usecase.ErrorCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) errorResponse(correlationID string, status int, body errorResponse) events.APIGatewayProxyResponse {
	return h.jsonResponse(correlationID, status, body)
}

func (h *Handler) jsonResponse(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("failed to encode response", "correlation_id", correlationID, "err", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(data),
	}
}

// headerValue looks a header up case-insensitively; API Gateway preserves
// the client's casing.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
