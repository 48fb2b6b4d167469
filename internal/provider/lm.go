package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/cost"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/anthropic"
)

const (
	LMMidName  = "lm_mid"
	LMHighName = "lm_high"

	// Used when the model's reply is usable but its self-reported
	// confidence could not be parsed.
	lmFallbackConfidence = 0.55
)

const lmSystemPrompt = `You are a tutor for school students. Answer the student's question clearly and show your working.

Respond with a single JSON object, no surrounding prose:
{"answer": "<final answer>", "steps": [{"title": "<short step name>", "explanation": "<what happens in this step>"}], "confidence": <your confidence in the answer, 0.0 to 1.0>}

Keep explanations at the student's level. If you are unsure, say so in the answer and lower the confidence.`

// LM answers through an Anthropic model. Two instances cover the mid
// and high tiers with different models.
type LM struct {
	client    anthropic.Client
	name      string
	tier      model.ProviderTier
	model     string
	maxTokens int64
	costs     *cost.Calculator
}

func NewLMMid(client anthropic.Client, modelID string, maxTokens int64, costs *cost.Calculator) *LM {
	return &LM{client: client, name: LMMidName, tier: model.TierMid, model: modelID, maxTokens: maxTokens, costs: costs}
}

func NewLMHigh(client anthropic.Client, modelID string, maxTokens int64, costs *cost.Calculator) *LM {
	return &LM{client: client, name: LMHighName, tier: model.TierHigh, model: modelID, maxTokens: maxTokens, costs: costs}
}

func (l *LM) Name() string             { return l.name }
func (l *LM) Tier() model.ProviderTier { return l.tier }

type lmReply struct {
	Answer     string               `json:"answer"`
	Steps      []model.SolutionStep `json:"steps"`
	Confidence float64              `json:"confidence"`
}

func (l *LM) Answer(ctx context.Context, q model.NormalizedQuestion) (model.ProviderResult, error) {
	started := time.Now()
	result := model.ProviderResult{Provider: l.name, Tier: l.tier}

	prompt := q.Text
	if q.Subject != "" {
		prompt = "Subject: " + q.Subject + "\n\n" + prompt
	}

	resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     l.model,
		MaxTokens: l.maxTokens,
		System:    lmSystemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	result.Latency = time.Since(started)
	if err != nil {
		return result, eris.Wrapf(err, "provider: %s", l.name)
	}

	result.CostUSD = l.costs.Claude(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return result, eris.Errorf("provider: %s returned empty reply", l.name)
	}

	reply, ok := parseLMReply(text)
	if !ok {
		result.Answer = text
		result.Confidence = lmFallbackConfidence
		return result, nil
	}

	result.Answer = reply.Answer
	result.Steps = reply.Steps
	result.Confidence = clamp01(reply.Confidence)
	return result, nil
}

// parseLMReply extracts the JSON object from the model's reply,
// tolerating code fences around it.
func parseLMReply(text string) (lmReply, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return lmReply{}, false
	}

	var reply lmReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return lmReply{}, false
	}
	if reply.Answer == "" {
		return lmReply{}, false
	}
	return reply, true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
