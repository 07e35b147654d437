package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/display"
	"chat-relay/internal/usecase"
)

type stubRelay struct {
	out   usecase.Outcome
	err   error
	shown []string
	in    usecase.Inbound
}

func (s *stubRelay) HandleMessage(ctx context.Context, in usecase.Inbound, surface display.Surface) (usecase.Outcome, error) {
	s.in = in
	if len(s.shown) > 0 {
		_ = surface.Start(ctx, s.shown[0])
		for _, msg := range s.shown[1:] {
			_ = surface.Send(ctx, msg)
		}
	}
	return s.out, s.err
}

type stubResetter struct {
	cleared []string
	err     error
}

func (s *stubResetter) ClearHistory(_ context.Context, sessionID string) error {
	s.cleared = append(s.cleared, sessionID)
	return s.err
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, relay *stubRelay) (*Handler, *stubResetter) {
	t.Helper()
	resetter := &stubResetter{}
	h, err := NewHandler(relay, resetter, nil)
	require.NoError(t, err)
	return h, resetter
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubResetter{}, nil)
	require.Error(t, err)
	_, err = NewHandler(&stubRelay{}, nil, nil)
	require.Error(t, err)
}

func TestHandle_Exchange(t *testing.T) {
	relay := &stubRelay{
		out: usecase.Outcome{
			ExchangeID: "ex-1",
			Visible:    "hello there",
			Notices:    []string{"⚠️ notice"},
			Searched:   true,
			Elapsed:    1500 * time.Millisecond,
		},
		shown: []string{"hello there"},
	}
	h, _ := newTestHandler(t, relay)

	resp, err := h.Handle(context.Background(), makeEvent("/exchange", `{"sessionId":"s1","userId":"u1","guildId":"g1","text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.Inbound{SessionID: "s1", UserID: "u1", GuildID: "g1", Text: "hi"}, relay.in)

	out := parseBody[exchangeResponse](t, resp.Body)
	require.Equal(t, "ex-1", out.ExchangeID)
	require.Equal(t, "hello there", out.Answer)
	require.Equal(t, []string{"hello there"}, out.Messages)
	require.Equal(t, []string{"⚠️ notice"}, out.Notices)
	require.True(t, out.Searched)
	require.Equal(t, int64(1500), out.ElapsedMS)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t, &stubRelay{})

	resp, err := h.Handle(context.Background(), makeEvent("/exchange", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)
}

func TestHandle_Routing(t *testing.T) {
	h, _ := newTestHandler(t, &stubRelay{})

	resp, err := h.Handle(context.Background(), makeEvent("/unknown", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	event := makeEvent("/exchange", `{}`)
	event.HTTPMethod = http.MethodGet
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "attachment rejected", err: &usecase.Error{Code: usecase.ErrorAttachmentRejected, Reason: "no_usable_attachment"}, status: http.StatusBadRequest, code: string(usecase.ErrorAttachmentRejected)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "prompt_change_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "unreachable", err: &usecase.Error{Code: usecase.ErrorBackendUnreachable, Reason: "backend_unreachable"}, status: http.StatusBadGateway, code: string(usecase.ErrorBackendUnreachable)},
		{name: "backend status", err: &usecase.Error{Code: usecase.ErrorBackend, Reason: "status_500"}, status: http.StatusBadGateway, code: string(usecase.ErrorBackend)},
		{name: "stream error", err: &usecase.Error{Code: usecase.ErrorUnexpected, Reason: "stream_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUnexpected)},
		{name: "canceled", err: &usecase.Error{Code: usecase.ErrorCanceled, Reason: "stream_canceled"}, status: http.StatusGatewayTimeout, code: string(usecase.ErrorCanceled)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "display_start_failed"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &stubRelay{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent("/exchange", `{"sessionId":"s1","text":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_FailedExchangeReturnsShownMessages(t *testing.T) {
	relay := &stubRelay{
		out:   usecase.Outcome{ExchangeID: "ex-2"},
		err:   &usecase.Error{Code: usecase.ErrorBackendUnreachable, Reason: "backend_unreachable"},
		shown: []string{"❌ Cannot connect to the model server. Is it running?"},
	}
	h, _ := newTestHandler(t, relay)

	resp, err := h.Handle(context.Background(), makeEvent("/exchange", `{"sessionId":"s1","text":"hi"}`))
	require.NoError(t, err)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "ex-2", out.ExchangeID)
	require.Equal(t, "backend_unreachable", out.Reason)
	require.Equal(t, relay.shown, out.Messages)
}

func TestHandle_Reset(t *testing.T) {
	h, resetter := newTestHandler(t, &stubRelay{})

	resp, err := h.Handle(context.Background(), makeEvent("/reset", `{"sessionId":"s1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"s1"}, resetter.cleared)
	require.True(t, parseBody[resetResponse](t, resp.Body).Cleared)

	resp, err = h.Handle(context.Background(), makeEvent("/reset", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_ResetFailure(t *testing.T) {
	h, resetter := newTestHandler(t, &stubRelay{})
	resetter.err = &usecase.Error{Code: usecase.ErrorInternal, Reason: "stats_delete_error"}

	resp, err := h.Handle(context.Background(), makeEvent("/reset", `{"sessionId":"s1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInternal), out.Error)
	require.Equal(t, "stats_delete_error", out.Reason)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, _ := newTestHandler(t, &stubRelay{out: usecase.Outcome{ExchangeID: "ex-1"}})

	event := makeEvent("/exchange", `{"sessionId":"s1","text":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
