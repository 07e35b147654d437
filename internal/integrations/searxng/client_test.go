package searxng

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/search"
)

func TestSearch_BuildsQueryAndRanksResults(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"query":"go","results":[
			{"title":"low","url":"https://a","content":"a","score":0.1},
			{"title":" high ","url":"https://b","content":"<b>Go</b> 1.22 &amp; more","score":0.9},
			{"title":"mid","url":"https://c","content":"c","score":0.5}
		]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", time.Second)
	require.NoError(t, err)

	results, err := c.Search(context.Background(), search.Query{
		Text: "go release", Region: "wt-wt", SafeSearch: "moderate", MaxResults: 2, Engine: search.EngineAuto,
	})
	require.NoError(t, err)
	require.Equal(t, []search.Result{
		{Title: "high", URL: "https://b", Snippet: "Go 1.22 & more"},
		{Title: "mid", URL: "https://c", Snippet: "c"},
	}, results)

	require.Equal(t, "/search", got.URL.Path)
	q := got.URL.Query()
	require.Equal(t, "go release", q.Get("q"))
	require.Equal(t, "json", q.Get("format"))
	require.Equal(t, "all", q.Get("language"))
	require.Equal(t, "1", q.Get("safesearch"))
	require.False(t, q.Has("engines"))
}

func TestSearch_FixedEngine(t *testing.T) {
	var engines string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engines = r.URL.Query().Get("engines")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	results, err := c.Search(context.Background(), search.Query{Text: "x", Engine: search.EngineDuckDuckGo})
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, "duckduckgo", engines)
}

func TestSearch_StatusErrors(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   string
	}{
		{http.StatusForbidden, "403"},
		{http.StatusBadGateway, "unexpected status 502"},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c, err := NewClient(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = c.Search(context.Background(), search.Query{Text: "x"})
		require.Error(t, err)
		require.Contains(t, err.Error(), tc.want)
		srv.Close()
	}
}

func TestSearch_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()
	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	_, err = c.Search(context.Background(), search.Query{Text: "x"})
	require.ErrorContains(t, err, "decode response")
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient("  ", time.Second)
	require.Error(t, err)
}

func TestLanguageAndSafeSearch(t *testing.T) {
	require.Equal(t, "all", language(""))
	require.Equal(t, "en-US", language("us-en"))
	require.Equal(t, "fr", language("fr"))
	require.Equal(t, "0", safeSearchLevel("off"))
	require.Equal(t, "2", safeSearchLevel("On"))
	require.Equal(t, "1", safeSearchLevel(""))
}

func TestPlainText(t *testing.T) {
	require.Equal(t, "plain words", PlainText("  plain \n words "))
	require.Equal(t, "a b", PlainText("<p>a</p><script>x()</script><p>b</p>"))
}
