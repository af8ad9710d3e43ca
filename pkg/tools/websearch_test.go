package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ddgFixture = `
<div class="result">
  <a rel="nofollow" class="result__a" href="https://go.dev/">The <b>Go</b> Programming Language</a>
  <a class="result__snippet" href="#">Build <b>simple</b>, secure &amp; scalable systems.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://go.dev/doc/">Documentation</a>
  <a class="result__snippet" href="#">Learn Go.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://example.com/empty"></a>
</div>
`

func TestParseDDGResults(t *testing.T) {
	results := parseDDGResults(ddgFixture, 5)
	require.Len(t, results, 2, "results with empty titles are dropped")

	assert.Equal(t, "The Go Programming Language", results[0].Title)
	assert.Equal(t, "https://go.dev/", results[0].URL)
	assert.Equal(t, "Build simple, secure & scalable systems.", results[0].Snippet)
	assert.Equal(t, "Documentation", results[1].Title)

	assert.Len(t, parseDDGResults(ddgFixture, 1), 1)
}

func TestWebClientSearch(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(ddgFixture))
	}))
	defer ts.Close()

	c := NewWebClient()
	c.baseURL = ts.URL + "/"

	results, err := c.Search(context.Background(), "golang tutorial", 5)
	require.NoError(t, err)
	assert.Equal(t, "golang tutorial", gotQuery)
	assert.Len(t, results, 2)

	results, err = c.Search(context.Background(), "anything", 0)
	require.NoError(t, err)
	assert.Empty(t, results, "zero max results never hits the network")
}

func TestWebSearchTool(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ddgFixture))
	}))
	defer ts.Close()

	web := NewWebClient()
	web.baseURL = ts.URL + "/"
	handler := webSearchTool(&Context{Web: web})

	out, err := handler(context.Background(), testJob("web_search", "", map[string]any{"query": "go"}), noProgress)
	require.NoError(t, err)
	assert.Equal(t, "web_search", out["type"])
	assert.Contains(t, out["summary"], "2 条结果")
	assert.Contains(t, out["summary"], "Top1: The Go Programming Language")

	out, err = handler(context.Background(), testJob("web_search", "", nil), noProgress)
	require.NoError(t, err)
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "query required", out["error"])
}
