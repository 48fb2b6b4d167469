// Package textbook searches the curated textbook and notes corpus for
// worked answers to student questions.
package textbook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
)

const defaultBaseURL = "https://content.klaro.app"

// Client searches the content index.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest is the query for GET /v1/search.
type SearchRequest struct {
	Query      string
	Subject    string
	MaxResults int
}

// SearchResponse is the response from GET /v1/search.
type SearchResponse struct {
	Results []Result `json:"results"`
}

// Result is a single indexed passage with its match score in [0,1].
type Result struct {
	Source  string  `json:"source"`
	Title   string  `json:"title"`
	Excerpt string  `json:"excerpt"`
	Steps   []Step  `json:"steps,omitempty"`
	Score   float64 `json:"score"`
}

// Step is one worked-solution step attached to a result.
type Step struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps int) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a content search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, eris.New("textbook: empty query")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "textbook: rate limit wait")
		}
	}

	q := url.Values{}
	q.Set("q", req.Query)
	if req.Subject != "" {
		q.Set("subject", req.Subject)
	}
	if req.MaxResults > 0 {
		q.Set("limit", strconv.Itoa(req.MaxResults))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/search?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "textbook: create request")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "textbook: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "textbook: read response")
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("textbook: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(statusErr)
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "textbook: unmarshal response")
	}
	return &result, nil
}
