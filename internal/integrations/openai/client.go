package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const (
	defaultBaseURL       = "http://localhost:1234/v1"
	defaultHeaderTimeout = 60 * time.Second
	streamBuffer         = 16
	maxFrameBytes        = 1 << 20
	doneSentinel         = "[DONE]"
)

// chatRequest is the request shape for the streaming Chat Completions call.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream"`
}

// chunk is one SSE data frame.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TokenGetter resolves a secret token by parameter name.
type TokenGetter interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// TransportError means the backend could not be reached at all.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("openai: cannot reach %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Unreachable lets callers classify the error without importing this package.
func (e *TransportError) Unreachable() bool {
	return true
}

// Client streams chat completions from an OpenAI-compatible server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	staticKey string
	getter    TokenGetter
	keyName   string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a fixed bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// WithParamStoreKey fetches the bearer token from the parameter store on the
// first request and reuses it for the lifetime of the process.
func WithParamStoreKey(g TokenGetter, name string) Option {
	return func(c *Client) {
		c.getter = g
		c.keyName = strings.TrimSpace(name)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client. Without a key option requests are sent
// unauthenticated, which suits local servers.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.keyName == "" {
		return nil, errors.New("openai: token parameter name must not be empty")
	}
	if c.httpClient == nil {
		c.httpClient = defaultStreamingClient()
	}
	return c, nil
}

// resolveAPIKey returns the static key, or fetches the key once from the
// parameter store and caches the result.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.staticKey != "" || c.getter == nil {
		return c.staticKey, nil
	}
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = c.getter.Token(ctx, c.keyName)
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("openai: fetch token from paramstore: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

// defaultStreamingClient has no overall timeout since a stream may run for
// minutes; callers bound streams with ctx.
func defaultStreamingClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = defaultHeaderTimeout
	return &http.Client{Transport: tr}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// ChatStream posts req with stream=true and returns a channel of deltas.
// Errors before the first byte of the body (key lookup, transport, non-2xx)
// are returned directly; later errors arrive as the final event. Cancelling
// ctx ends the stream and releases the connection.
func (c *Client) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		payload.MaxTokens = &n
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{URL: url, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	events := make(chan domain.StreamEvent, streamBuffer)
	go c.consume(ctx, res.Body, events)
	return events, nil
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, events chan<- domain.StreamEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	emit := func(ev domain.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	err := readFrames(body, func(data string) (bool, error) {
		var ch chunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			c.logger.Debug("skipping malformed stream frame", "err", err)
			return true, nil
		}
		if ch.Error != nil {
			return false, fmt.Errorf("openai: stream error: %s", ch.Error.Message)
		}
		for _, choice := range ch.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(domain.StreamEvent{Delta: choice.Delta.Content}) {
				return false, ctx.Err()
			}
		}
		return true, nil
	})
	if err == nil {
		return
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	select {
	case events <- domain.StreamEvent{Err: err}:
	case <-ctx.Done():
	}
}

// readFrames calls fn with the payload of each "data:" line until the done
// sentinel, EOF or fn asks to stop. Comments and other SSE fields are ignored.
func readFrames(r io.Reader, fn func(data string) (bool, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return nil
		}
		more, err := fn(data)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return nil
}
