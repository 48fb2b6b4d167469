// Package mathpipe calls the hosted symbolic computation engine for
// step-by-step solutions to computational questions.
package mathpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
)

const defaultBaseURL = "https://api.mathpipe.dev/v2"

// Client solves computational questions.
type Client interface {
	Solve(ctx context.Context, req SolveRequest) (*SolveResponse, error)
}

// SolveRequest is the request body for POST /solve.
type SolveRequest struct {
	Input   string `json:"input"`
	Subject string `json:"subject,omitempty"`
}

// SolveResponse is the response from POST /solve.
type SolveResponse struct {
	Solved bool       `json:"solved"`
	Answer string     `json:"answer"`
	Steps  []SolveStep `json:"steps,omitempty"`
}

// SolveStep is one intermediate transformation in a worked solution.
type SolveStep struct {
	Rule   string `json:"rule"`
	Before string `json:"before"`
	After  string `json:"after"`
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

// NewClient creates a computation engine client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
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

func (c *httpClient) Solve(ctx context.Context, req SolveRequest) (*SolveResponse, error) {
	if req.Input == "" {
		return nil, eris.New("mathpipe: empty input")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "mathpipe: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "mathpipe: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/solve", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "mathpipe: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "mathpipe: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "mathpipe: read response")
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("mathpipe: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(statusErr)
	}

	var result SolveResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "mathpipe: unmarshal response")
	}
	return &result, nil
}
