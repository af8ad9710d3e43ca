package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/council-works/council/pkg/jobs"
)

// DDGBaseURL is the keyless DuckDuckGo HTML search endpoint.
const DDGBaseURL = "https://duckduckgo.com/html/"

const defaultWebTimeout = 10 * time.Second

// WebResult is one parsed search result.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// The HTML result page renders each hit as
//   <a rel="nofollow" class="result__a" href="...">Title</a>
//   <a class="result__snippet" ...>Snippet</a>
var (
	ddgLinkRe    = regexp.MustCompile(`(?s)<a[^>]*class="result__a"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?s)<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`(?s)<.*?>`)
)

// WebClient scrapes DuckDuckGo's HTML endpoint. No API key needed.
type WebClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewWebClient creates a client against the public endpoint.
func NewWebClient() *WebClient {
	return &WebClient{baseURL: DDGBaseURL, httpClient: &http.Client{}, timeout: defaultWebTimeout}
}

// Search fetches and parses up to maxResults hits.
func (c *WebClient) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	if maxResults <= 0 {
		return []WebResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseDDGResults(string(body), maxResults), nil
}

func parseDDGResults(page string, maxResults int) []WebResult {
	links := ddgLinkRe.FindAllStringSubmatch(page, -1)
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, -1)

	results := make([]WebResult, 0, maxResults)
	for i, m := range links {
		if len(results) >= maxResults {
			break
		}
		href := m[1]
		title := stripTags(m[2])
		snippet := ""
		if i < len(snippets) {
			snippet = stripTags(snippets[i][1])
		}
		if title == "" || href == "" {
			continue
		}
		results = append(results, WebResult{Title: title, URL: href, Snippet: snippet})
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(s, "")))
}

func webSearchTool(c *Context) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (map[string]any, error) {
		query := payloadString(job.Payload, "query")
		if query == "" {
			return toolError("query required"), nil
		}
		maxResults := clampInt(payloadInt(job.Payload, "max_results", 5), 0, 20)

		if err := progress(0.1); err != nil {
			return nil, err
		}
		results, err := c.Web.Search(ctx, query, maxResults)
		if err != nil {
			return nil, fmt.Errorf("web search: %w", err)
		}
		if err := progress(1.0); err != nil {
			return nil, err
		}

		summary := fmt.Sprintf("网页检索完成：%d 条结果。", len(results))
		if len(results) > 0 {
			summary += fmt.Sprintf(" Top1: %s (%s)", results[0].Title, results[0].URL)
		}
		return map[string]any{
			"type":    "web_search",
			"summary": summary,
			"query":   query,
			"results": results,
		}, nil
	}
}
