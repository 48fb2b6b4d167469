package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/textbook"
)

const SearchName = "search"

// Search answers from the indexed textbook corpus. It is free, so it
// sits first in every chain.
type Search struct {
	client     textbook.Client
	maxResults int
}

func NewSearch(client textbook.Client, maxResults int) *Search {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Search{client: client, maxResults: maxResults}
}

func (s *Search) Name() string             { return SearchName }
func (s *Search) Tier() model.ProviderTier { return model.TierFree }

// Answer searches the corpus. A miss is a zero-confidence result, not
// an error; the chain walks on.
func (s *Search) Answer(ctx context.Context, q model.NormalizedQuestion) (model.ProviderResult, error) {
	started := time.Now()
	result := model.ProviderResult{Provider: s.Name(), Tier: s.Tier()}

	resp, err := s.client.Search(ctx, textbook.SearchRequest{
		Query:      q.Text,
		Subject:    q.Subject,
		MaxResults: s.maxResults,
	})
	result.Latency = time.Since(started)
	if err != nil {
		return result, eris.Wrap(err, "provider: search")
	}
	if len(resp.Results) == 0 {
		return result, nil
	}

	top := resp.Results[0]
	result.Answer = top.Excerpt
	result.Confidence = top.Score
	for _, step := range top.Steps {
		result.Steps = append(result.Steps, model.SolutionStep{
			Title:       step.Heading,
			Explanation: step.Body,
		})
	}
	return result, nil
}
