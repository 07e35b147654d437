package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/domain"
)

const (
	msgBackendUnreachable = "❌ Cannot connect to the model server. Is it running?"
	msgBackendStatus      = "❌ The model server returned an error (status %d)."
	msgUnexpected         = "❌ An unexpected error occurred while generating a response."
	msgCanceled           = "⏱️ The response was cancelled or timed out."
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type unreachable interface {
	Unreachable() bool
}

// exchange is the state of one in-flight answer.
type exchange struct {
	id        string
	sessionID string
	userText  string
	started   time.Time
	req       domain.ChatRequest
}

// streamAnswer relays backend deltas to yield in order. When the stream
// completes the raw answer is persisted and the session stats updated.
// When it fails the pending user turn is rolled back, yield receives one
// synthetic error delta and the returned *Error carries the category.
func (s *Service) streamAnswer(ctx context.Context, x exchange, yield func(delta string)) (string, error) {
	var raw []byte
	fail := func(err *Error) (string, error) {
		if s.store.DropPendingUser(x.sessionID) {
			s.logger.Debug("rolled back pending user turn", "exchange", x.id, "session", x.sessionID)
		}
		s.logger.Warn("stream failed", "exchange", x.id, "code", err.Code, "reason", err.Reason, "err", err.Err)
		text := syntheticMessage(err)
		if len(raw) > 0 {
			text = "\n\n" + text
		}
		yield(text)
		return "", err
	}

	events, err := s.llm.ChatStream(ctx, x.req)
	if err != nil {
		return fail(classify(ctx, err))
	}
	for ev := range events {
		if ev.Err != nil {
			return fail(classify(ctx, ev.Err))
		}
		raw = append(raw, ev.Delta...)
		yield(ev.Delta)
	}
	// The producer closes without an error event when ctx ends mid-send.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fail(classify(ctx, ctxErr))
	}

	answer := string(raw)
	elapsed := s.now().Sub(x.started)
	s.store.Append(x.sessionID, domain.AssistantTurn(answer))
	s.store.Update(x.sessionID, x.userText, answer, elapsed.Seconds())
	s.logger.Info("exchange complete",
		"exchange", x.id,
		"session", x.sessionID,
		"chars", len(answer),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return answer, nil
}

func classify(ctx context.Context, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorCanceled, "stream_canceled", err)
	}
	var status httpStatusCoder
	if errors.As(err, &status) {
		return newError(ErrorBackend, fmt.Sprintf("status_%d", status.HTTPStatusCode()), err)
	}
	var down unreachable
	if errors.As(err, &down) && down.Unreachable() {
		return newError(ErrorBackendUnreachable, "backend_unreachable", err)
	}
	return newError(ErrorUnexpected, "stream_error", err)
}

func syntheticMessage(err *Error) string {
	switch err.Code {
	case ErrorBackendUnreachable:
		return msgBackendUnreachable
	case ErrorBackend:
		var status httpStatusCoder
		if errors.As(err.Err, &status) {
			return fmt.Sprintf(msgBackendStatus, status.HTTPStatusCode())
		}
		return msgUnexpected
	case ErrorCanceled:
		return msgCanceled
	default:
		return msgUnexpected
	}
}
