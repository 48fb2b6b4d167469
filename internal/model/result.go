package model

import "time"

// OutcomeStatus is the terminal status of a resolution attempt.
type OutcomeStatus string

const (
	StatusResolved       OutcomeStatus = "resolved"
	StatusLowConfidence  OutcomeStatus = "low_confidence"
	StatusQuotaExhausted OutcomeStatus = "quota_exhausted"
	StatusUnresolvable   OutcomeStatus = "unresolvable"
)

// SolutionStep is one step of a worked solution.
type SolutionStep struct {
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
}

// ProviderResult is what any provider adapter returns. Immutable once
// constructed by the adapter.
type ProviderResult struct {
	Provider   string         `json:"provider"`
	Tier       ProviderTier   `json:"tier"`
	Answer     string         `json:"answer"`
	Steps      []SolutionStep `json:"steps,omitempty"`
	Confidence float64        `json:"confidence"`
	CostUSD    float64        `json:"cost_usd"`
	Latency    time.Duration  `json:"latency"`
}

// ProviderAttempt records one provider invocation in the chain walk,
// whether or not its result was accepted.
type ProviderAttempt struct {
	Provider   string  `json:"provider"`
	Accepted   bool    `json:"accepted"`
	Confidence float64 `json:"confidence,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	Skipped    string  `json:"skipped,omitempty"` // quota denial or breaker-open reason
	Error      string  `json:"error,omitempty"`
}

// Outcome is the full result of resolving one doubt, with provenance so
// the caller can render a "how this was solved" trail.
type Outcome struct {
	Status       OutcomeStatus     `json:"status"`
	Result       *ProviderResult   `json:"result,omitempty"`
	FromCache    bool              `json:"from_cache"`
	DenialReason string            `json:"denial_reason,omitempty"`
	Attempts     []ProviderAttempt `json:"attempts,omitempty"`
	TotalCostUSD float64           `json:"total_cost_usd"`
	TotalLatency time.Duration     `json:"total_latency"`
	Fingerprint  string            `json:"fingerprint"`
}

// Answered reports whether the outcome carries a usable answer.
func (o *Outcome) Answered() bool {
	return o.Result != nil && (o.Status == StatusResolved || o.Status == StatusLowConfidence)
}
