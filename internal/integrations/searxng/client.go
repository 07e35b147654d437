// Package searxng queries a SearXNG instance's JSON API.
package searxng

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"chat-relay/internal/search"
)

const userAgent = "chat-relay/1.0"

// searchResponse is the subset of the SearXNG JSON response we read.
type searchResponse struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Engine  string  `json:"engine"`
	Score   float64 `json:"score"`
}

// Client is a search.Searcher backed by SearXNG.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("searxng: base URL must not be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Search runs q and returns the top results by score. Engine "auto" lets
// the instance pick its configured engines.
func (c *Client) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("format", "json")
	params.Set("language", language(q.Region))
	params.Set("safesearch", safeSearchLevel(q.SafeSearch))
	if q.Engine != "" && q.Engine != search.EngineAuto {
		params.Set("engines", q.Engine)
	}
	fullURL := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden {
		return nil, errors.New("searxng: 403 forbidden, JSON format may be disabled in settings.yml")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("searxng: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	sort.SliceStable(payload.Results, func(i, j int) bool {
		return payload.Results[i].Score > payload.Results[j].Score
	})
	if q.MaxResults > 0 && len(payload.Results) > q.MaxResults {
		payload.Results = payload.Results[:q.MaxResults]
	}

	out := make([]search.Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, search.Result{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: PlainText(r.Content),
		})
	}
	return out, nil
}

// language maps a region code to a SearXNG language; wt-wt means any.
func language(region string) string {
	switch region {
	case "", "wt-wt":
		return "all"
	}
	// Regions look like "us-en"; SearXNG wants "en-US".
	if cc, lang, ok := strings.Cut(region, "-"); ok && len(cc) == 2 && len(lang) == 2 {
		return lang + "-" + strings.ToUpper(cc)
	}
	return region
}

func safeSearchLevel(s string) string {
	switch strings.ToLower(s) {
	case "off":
		return "0"
	case "on", "strict":
		return "2"
	default:
		return "1"
	}
}

// PlainText strips markup from a snippet and collapses whitespace.
func PlainText(snippet string) string {
	if !strings.ContainsAny(snippet, "<&") {
		return strings.Join(strings.Fields(snippet), " ")
	}
	nodes, err := html.ParseFragment(strings.NewReader(snippet), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return strings.Join(strings.Fields(snippet), " ")
	}
	var b strings.Builder
	for _, n := range nodes {
		collectText(n, &b)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteString(" ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
