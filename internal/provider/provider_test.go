package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/cost"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/anthropic"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/mathpipe"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/textbook"
)

func question(text string) model.NormalizedQuestion {
	return model.NormalizedQuestion{Text: text, Subject: "math"}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewSearch(nil, 5))

	assert.NotNil(t, r.Get(SearchName))
	assert.Nil(t, r.Get("unknown"))
	assert.Equal(t, []string{SearchName}, r.List())
}

// --- Search ---

func TestSearch_TopResultWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(textbook.SearchResponse{ //nolint:errcheck
			Results: []textbook.Result{
				{Source: "ncert", Excerpt: "x = 4", Score: 0.91,
					Steps: []textbook.Step{{Heading: "isolate x", Body: "2x = 8"}}},
				{Source: "notes", Excerpt: "other", Score: 0.42},
			},
		})
	}))
	defer srv.Close()

	s := NewSearch(textbook.NewClient("", textbook.WithBaseURL(srv.URL)), 5)
	result, err := s.Answer(context.Background(), question("solve 2x+3=11"))
	require.NoError(t, err)
	assert.Equal(t, "x = 4", result.Answer)
	assert.InDelta(t, 0.91, result.Confidence, 1e-9)
	assert.Equal(t, model.TierFree, result.Tier)
	assert.Zero(t, result.CostUSD)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "isolate x", result.Steps[0].Title)
}

func TestSearch_NoResultsIsZeroConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(textbook.SearchResponse{}) //nolint:errcheck
	}))
	defer srv.Close()

	s := NewSearch(textbook.NewClient("", textbook.WithBaseURL(srv.URL)), 5)
	result, err := s.Answer(context.Background(), question("obscure question"))
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Answer)
}

func TestSearch_APIErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSearch(textbook.NewClient("", textbook.WithBaseURL(srv.URL)), 5)
	_, err := s.Answer(context.Background(), question("anything"))
	require.Error(t, err)
}

// --- MathEngine ---

func TestMathEngine_SolvedIsFullyTrusted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mathpipe.SolveResponse{ //nolint:errcheck
			Solved: true,
			Answer: "x = 4",
			Steps:  []mathpipe.SolveStep{{Rule: "subtract 3", Before: "2x+3=11", After: "2x=8"}},
		})
	}))
	defer srv.Close()

	m := NewMathEngine(mathpipe.NewClient("", mathpipe.WithBaseURL(srv.URL)), cost.NewCalculator(cost.DefaultRates()))
	result, err := m.Answer(context.Background(), question("2x+3=11"))
	require.NoError(t, err)
	assert.Equal(t, "x = 4", result.Answer)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, model.TierMid, result.Tier)
	assert.Greater(t, result.CostUSD, 0.0)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "subtract 3", result.Steps[0].Title)
}

func TestMathEngine_UnsolvedIsZeroConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mathpipe.SolveResponse{Solved: false}) //nolint:errcheck
	}))
	defer srv.Close()

	m := NewMathEngine(mathpipe.NewClient("", mathpipe.WithBaseURL(srv.URL)), cost.NewCalculator(cost.DefaultRates()))
	result, err := m.Answer(context.Background(), question("explain osmosis"))
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	// The call is still charged even when nothing was solved.
	assert.Greater(t, result.CostUSD, 0.0)
}

// --- LM ---

type fakeAnthropicClient struct {
	resp *anthropic.MessageResponse
	err  error
}

func (f *fakeAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func lmResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 200, OutputTokens: 150},
	}
}

func TestLM_ParsesStructuredReply(t *testing.T) {
	reply := `{"answer": "x = 4", "steps": [{"title": "Subtract 3", "explanation": "2x = 8"}], "confidence": 0.85}`
	lm := NewLMMid(&fakeAnthropicClient{resp: lmResponse(reply)}, "claude-haiku-4-5-20251001", 1024, cost.NewCalculator(cost.DefaultRates()))

	result, err := lm.Answer(context.Background(), question("solve 2x+3=11"))
	require.NoError(t, err)
	assert.Equal(t, "x = 4", result.Answer)
	assert.InDelta(t, 0.85, result.Confidence, 1e-9)
	assert.Equal(t, LMMidName, result.Provider)
	assert.Equal(t, model.TierMid, result.Tier)
	assert.Greater(t, result.CostUSD, 0.0)
	require.Len(t, result.Steps, 1)
}

func TestLM_ToleratesCodeFences(t *testing.T) {
	reply := "```json\n{\"answer\": \"x = 4\", \"confidence\": 0.7}\n```"
	lm := NewLMMid(&fakeAnthropicClient{resp: lmResponse(reply)}, "claude-haiku-4-5-20251001", 1024, cost.NewCalculator(cost.DefaultRates()))

	result, err := lm.Answer(context.Background(), question("solve 2x+3=11"))
	require.NoError(t, err)
	assert.Equal(t, "x = 4", result.Answer)
	assert.InDelta(t, 0.7, result.Confidence, 1e-9)
}

func TestLM_UnparseableReplyFallsBack(t *testing.T) {
	lm := NewLMMid(&fakeAnthropicClient{resp: lmResponse("The answer is x = 4.")}, "claude-haiku-4-5-20251001", 1024, cost.NewCalculator(cost.DefaultRates()))

	result, err := lm.Answer(context.Background(), question("solve 2x+3=11"))
	require.NoError(t, err)
	assert.Equal(t, "The answer is x = 4.", result.Answer)
	assert.InDelta(t, lmFallbackConfidence, result.Confidence, 1e-9)
}

func TestLM_ConfidenceClamped(t *testing.T) {
	reply := `{"answer": "x = 4", "confidence": 1.7}`
	lm := NewLMHigh(&fakeAnthropicClient{resp: lmResponse(reply)}, "claude-sonnet-4-5-20250929", 1024, cost.NewCalculator(cost.DefaultRates()))

	result, err := lm.Answer(context.Background(), question("solve 2x+3=11"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, model.TierHigh, result.Tier)
	assert.Equal(t, LMHighName, result.Provider)
}
