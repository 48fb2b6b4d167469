package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/cost"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/mathpipe"
)

const MathEngineName = "math_engine"

// MathEngine answers computational questions through the symbolic
// computation API. A solved answer is trusted fully.
type MathEngine struct {
	client mathpipe.Client
	costs  *cost.Calculator
}

func NewMathEngine(client mathpipe.Client, costs *cost.Calculator) *MathEngine {
	return &MathEngine{client: client, costs: costs}
}

func (m *MathEngine) Name() string             { return MathEngineName }
func (m *MathEngine) Tier() model.ProviderTier { return model.TierMid }

func (m *MathEngine) Answer(ctx context.Context, q model.NormalizedQuestion) (model.ProviderResult, error) {
	started := time.Now()
	result := model.ProviderResult{
		Provider: m.Name(),
		Tier:     m.Tier(),
		CostUSD:  m.costs.MathQuery(),
	}

	resp, err := m.client.Solve(ctx, mathpipe.SolveRequest{
		Input:   q.Text,
		Subject: q.Subject,
	})
	result.Latency = time.Since(started)
	if err != nil {
		return result, eris.Wrap(err, "provider: math engine")
	}
	if !resp.Solved {
		// Unsolvable input is a zero-confidence result; the chain
		// walks on to an LM tier.
		return result, nil
	}

	result.Answer = resp.Answer
	result.Confidence = 1.0
	for _, step := range resp.Steps {
		result.Steps = append(result.Steps, model.SolutionStep{
			Title:       step.Rule,
			Explanation: step.Before + " -> " + step.After,
		})
	}
	return result, nil
}
