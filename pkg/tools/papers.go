package tools

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/council-works/council/pkg/jobs"
)

// Paper source endpoints. Overridable in tests.
const (
	ArxivBaseURL   = "http://export.arxiv.org/api/query"
	SerpAPIBaseURL = "https://serpapi.com/search.json"
)

// PaperResult is one academic search hit.
type PaperResult struct {
	Source    string   `json:"source"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Abstract  string   `json:"abstract"`
	URL       string   `json:"url"`
	Published string   `json:"published"`
}

var wsRe = regexp.MustCompile(`\s+`)

func collapseWS(s string) string {
	return wsRe.ReplaceAllString(strings.TrimSpace(s), " ")
}

// PaperClient queries academic sources. arXiv needs no key; Google
// Scholar goes through SerpAPI when SERPAPI_KEY is configured. CNKI
// only has a browser-rendered result page, so it is reported as
// unavailable rather than scraped.
type PaperClient struct {
	httpClient *http.Client
	arxivURL   string
	serpAPIURL string
}

// NewPaperClient creates a client against the public endpoints.
func NewPaperClient() *PaperClient {
	return &PaperClient{httpClient: &http.Client{}, arxivURL: ArxivBaseURL, serpAPIURL: SerpAPIBaseURL}
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"link"`
}

// SearchArxiv queries the arXiv Atom API.
func (c *PaperClient) SearchArxiv(ctx context.Context, query string, maxResults int, timeout time.Duration) ([]PaperResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := fmt.Sprintf("%s?search_query=all:%s&start=0&max_results=%d", c.arxivURL, url.QueryEscape(query), maxResults)
	var feed atomFeed
	if err := c.getXML(ctx, u, &feed); err != nil {
		return nil, err
	}

	out := make([]PaperResult, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		title := collapseWS(entry.Title)
		if title == "" {
			continue
		}
		var authors []string
		for _, a := range entry.Authors {
			if name := collapseWS(a.Name); name != "" {
				authors = append(authors, name)
			}
		}
		link := ""
		for _, l := range entry.Links {
			if l.Rel == "alternate" && strings.TrimSpace(l.Href) != "" {
				link = strings.TrimSpace(l.Href)
				break
			}
		}
		if link == "" {
			link = collapseWS(entry.ID)
		}
		out = append(out, PaperResult{
			Source: "arxiv", Title: title, Authors: authors,
			Abstract: collapseWS(entry.Summary), URL: link, Published: collapseWS(entry.Published),
		})
		if len(out) >= maxResults {
			break
		}
	}
	return out, nil
}

type serpAPIResponse struct {
	OrganicResults []struct {
		Title           string `json:"title"`
		Link            string `json:"link"`
		ResultID        string `json:"result_id"`
		Snippet         string `json:"snippet"`
		PublicationInfo struct {
			Authors []struct {
				Name string `json:"name"`
			} `json:"authors"`
		} `json:"publication_info"`
	} `json:"organic_results"`
}

// SearchScholar queries Google Scholar through SerpAPI.
func (c *PaperClient) SearchScholar(ctx context.Context, query string, maxResults int, timeout time.Duration) ([]PaperResult, error) {
	apiKey := strings.TrimSpace(os.Getenv("SERPAPI_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("SERPAPI_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Google Scholar 需要配置 SERPAPI_KEY（SerpAPI）才能检索，未检测到该环境变量。")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := url.Values{}
	params.Set("engine", "google_scholar")
	params.Set("q", query)
	params.Set("api_key", apiKey)
	params.Set("num", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serpAPIURL+"?"+params.Encode(), nil)
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
		return nil, fmt.Errorf("serpapi returned HTTP %d", resp.StatusCode)
	}
	var data serpAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	out := make([]PaperResult, 0, len(data.OrganicResults))
	for _, it := range data.OrganicResults {
		if len(out) >= maxResults {
			break
		}
		title := collapseWS(it.Title)
		if title == "" {
			continue
		}
		link := collapseWS(it.Link)
		if link == "" {
			link = collapseWS(it.ResultID)
		}
		var authors []string
		for _, a := range it.PublicationInfo.Authors {
			if name := collapseWS(a.Name); name != "" {
				authors = append(authors, name)
			}
		}
		out = append(out, PaperResult{
			Source: "scholar", Title: title, Authors: authors,
			Abstract: collapseWS(it.Snippet), URL: link,
		})
	}
	return out, nil
}

func (c *PaperClient) getXML(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("arxiv returned HTTP %d", resp.StatusCode)
	}
	return xml.NewDecoder(resp.Body).Decode(out)
}

// paperSearchTool fans the query across the requested sources,
// collecting per-source errors instead of failing the whole job.
func paperSearchTool(papers *PaperClient) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (map[string]any, error) {
		query := payloadString(job.Payload, "query")
		if query == "" {
			return toolError("query required"), nil
		}

		sources := payloadStrings(job.Payload, "sources")
		if len(sources) == 0 {
			sources = []string{"arxiv", "scholar", "cnki"}
		}
		for i, s := range sources {
			sources[i] = strings.ToLower(s)
		}

		maxResults := clampInt(payloadInt(job.Payload, "max_results", 5), 1, 20)
		timeoutSecs := payloadFloat(job.Payload, "timeout_seconds", 25.0)
		if timeoutSecs < 3 {
			timeoutSecs = 3
		}
		if timeoutSecs > 120 {
			timeoutSecs = 120
		}
		timeout := time.Duration(timeoutSecs * float64(time.Second))

		results := []PaperResult{}
		errors := map[string]string{}
		total := len(sources)
		for done, src := range sources {
			if err := progress(minFloat(0.95, 0.05+0.9*float64(done)/float64(total))); err != nil {
				return nil, err
			}
			var (
				items []PaperResult
				err   error
			)
			switch src {
			case "arxiv":
				items, err = papers.SearchArxiv(ctx, query, maxResults, timeout)
			case "scholar", "google_scholar", "googlescholar":
				items, err = papers.SearchScholar(ctx, query, maxResults, timeout)
			case "cnki":
				err = fmt.Errorf("CNKI 检索需要浏览器渲染，本服务不支持该来源。")
			default:
				err = fmt.Errorf("unknown source: %s", src)
			}
			if err != nil {
				errors[src] = err.Error()
				continue
			}
			results = append(results, items...)
		}

		if err := progress(1.0); err != nil {
			return nil, err
		}

		okSources := map[string]bool{}
		for _, r := range results {
			if r.Source != "" {
				okSources[r.Source] = true
			}
		}
		names := make([]string, 0, len(okSources))
		for s := range okSources {
			names = append(names, s)
		}
		sort.Strings(names)
		joined := strings.Join(names, ",")
		if joined == "" {
			joined = "none"
		}
		summary := fmt.Sprintf("论文检索完成：%d 条结果（sources=%s）。", len(results), joined)
		if len(errors) > 0 {
			failed := make([]string, 0, len(errors))
			for s := range errors {
				failed = append(failed, s)
			}
			sort.Strings(failed)
			summary += fmt.Sprintf(" 未成功：%s。", strings.Join(failed, ", "))
		}
		if len(results) > 0 {
			summary += " Top1: " + results[0].Title
		}

		return map[string]any{
			"type":    "paper_search",
			"summary": summary,
			"query":   query,
			"results": results,
			"errors":  errors,
		}, nil
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
