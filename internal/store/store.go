package store

import (
	"context"
	"time"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// RecordFilter specifies criteria for listing resolution records.
type RecordFilter struct {
	UserID string              `json:"user_id,omitempty"`
	Status model.OutcomeStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// ProviderUsage aggregates resolution records for one final provider.
type ProviderUsage struct {
	Provider     string  `json:"provider"`
	Calls        int     `json:"calls"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Summary is the aggregate view served by the stats endpoint.
type Summary struct {
	TotalRequests int             `json:"total_requests"`
	CacheHits     int             `json:"cache_hits"`
	TotalCostUSD  float64         `json:"total_cost_usd"`
	ByProvider    []ProviderUsage `json:"by_provider"`
}

// Store is the persistence interface behind the cache, the quota ledger
// and the resolution recorder.
type Store interface {
	// Answer cache. GetCacheEntry returns (nil, nil) on a miss.
	GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	IncrementCacheHit(ctx context.Context, fingerprint string, at time.Time) error
	DeleteCacheEntry(ctx context.Context, fingerprint string) error
	// DeleteExpiredCacheEntries removes entries inserted before cutoff.
	DeleteExpiredCacheEntries(ctx context.Context, cutoff time.Time) (int, error)
	// EvictCacheOver removes least-recently-hit entries beyond capacity.
	EvictCacheOver(ctx context.Context, capacity int) (int, error)

	// Quota counters, atomic per (user, period, tier). ReserveQuota
	// increments the reservation only while used+reserved is below limit
	// and reports whether the slot was obtained. A negative limit means
	// unlimited: the reservation always succeeds but is still counted.
	ReserveQuota(ctx context.Context, userID, period string, tier model.ProviderTier, limit int) (bool, error)
	CommitQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error
	RollbackQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error
	GetQuotaState(ctx context.Context, userID, period string) (*model.QuotaState, error)

	// Resolution records, append-only.
	AppendRecord(ctx context.Context, rec model.ResolutionRecord) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.ResolutionRecord, error)
	Summarize(ctx context.Context, since time.Time) (*Summary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
