package model

import "time"

// ResolutionRecord is the persisted outcome of one full resolution
// attempt. Created once per request, never mutated; the recorder appends
// it for billing reconciliation and monitoring.
type ResolutionRecord struct {
	ID            string        `json:"id"`
	Fingerprint   string        `json:"fingerprint"`
	UserID        string        `json:"user_id"`
	Plan          PlanTier      `json:"plan"`
	Class         QuestionClass `json:"class,omitempty"`
	Status        OutcomeStatus `json:"status"`
	Chain         []string      `json:"chain"` // providers attempted, in order
	FinalProvider string        `json:"final_provider,omitempty"`
	Confidence    float64       `json:"confidence"`
	CostUSD       float64       `json:"cost_usd"`
	Latency       time.Duration `json:"latency"`
	CacheHit      bool          `json:"cache_hit"`
	CreatedAt     time.Time     `json:"created_at"`
}

// QuotaState is the per-user, per-period consumption counter. Owned
// exclusively by the quota ledger; mutated only through its reserve and
// commit operations. Periods are UTC calendar months ("2006-01"); a new
// state replaces the old at rollover and prior periods stay archived.
type QuotaState struct {
	UserID   string               `json:"user_id"`
	Period   string               `json:"period"`
	Used     map[ProviderTier]int `json:"used"`
	Reserved map[ProviderTier]int `json:"reserved"`
}

// PeriodOf formats t as a quota period key.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CacheEntry is a stored answer keyed by question fingerprint. LastHitAt
// drives least-recently-used eviction when the store is over capacity.
type CacheEntry struct {
	Fingerprint string         `json:"fingerprint"`
	Result      ProviderResult `json:"result"`
	InsertedAt  time.Time      `json:"inserted_at"`
	Hits        int            `json:"hits"`
	LastHitAt   time.Time      `json:"last_hit_at"`
}
