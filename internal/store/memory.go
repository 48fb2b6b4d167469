package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// MemoryStore is an in-memory Store used for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	cache   map[string]model.CacheEntry
	quota   map[string]*quotaCounter
	records []model.ResolutionRecord
}

type quotaCounter struct {
	used     int
	reserved int
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		cache: make(map[string]model.CacheEntry),
		quota: make(map[string]*quotaCounter),
	}
}

func quotaKey(userID, period string, tier model.ProviderTier) string {
	return userID + "|" + period + "|" + string(tier)
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func (m *MemoryStore) GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[fingerprint]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cache[entry.Fingerprint]; ok {
		entry.Hits = existing.Hits
	}
	m.cache[entry.Fingerprint] = entry
	return nil
}

func (m *MemoryStore) IncrementCacheHit(ctx context.Context, fingerprint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[fingerprint]
	if !ok {
		return nil
	}
	entry.Hits++
	entry.LastHitAt = at
	m.cache[fingerprint] = entry
	return nil
}

func (m *MemoryStore) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, fingerprint)
	return nil
}

func (m *MemoryStore) DeleteExpiredCacheEntries(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int
	for fp, entry := range m.cache {
		if entry.InsertedAt.Before(cutoff) {
			delete(m.cache, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) EvictCacheOver(ctx context.Context, capacity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if capacity <= 0 || len(m.cache) <= capacity {
		return 0, nil
	}
	entries := make([]model.CacheEntry, 0, len(m.cache))
	for _, entry := range m.cache {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastHitAt.After(entries[j].LastHitAt)
	})
	var deleted int
	for _, entry := range entries[capacity:] {
		delete(m.cache, entry.Fingerprint)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) ReserveQuota(ctx context.Context, userID, period string, tier model.ProviderTier, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey(userID, period, tier)
	counter, ok := m.quota[key]
	if !ok {
		counter = &quotaCounter{}
		m.quota[key] = counter
	}
	if limit >= 0 && counter.used+counter.reserved >= limit {
		return false, nil
	}
	counter.reserved++
	return true, nil
}

func (m *MemoryStore) CommitQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.quota[quotaKey(userID, period, tier)]; ok {
		if counter.reserved > 0 {
			counter.reserved--
		}
		counter.used++
	}
	return nil
}

func (m *MemoryStore) RollbackQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.quota[quotaKey(userID, period, tier)]; ok && counter.reserved > 0 {
		counter.reserved--
	}
	return nil
}

func (m *MemoryStore) GetQuotaState(ctx context.Context, userID, period string) (*model.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := &model.QuotaState{
		UserID:   userID,
		Period:   period,
		Used:     make(map[model.ProviderTier]int),
		Reserved: make(map[model.ProviderTier]int),
	}
	prefix := userID + "|" + period + "|"
	for key, counter := range m.quota {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		tier := model.ProviderTier(strings.TrimPrefix(key, prefix))
		state.Used[tier] = counter.used
		state.Reserved[tier] = counter.reserved
	}
	return state, nil
}

func (m *MemoryStore) AppendRecord(ctx context.Context, rec model.ResolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ResolutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []model.ResolutionRecord
	for _, rec := range m.records {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &Summary{}
	type agg struct {
		calls   int
		cost    float64
		latency time.Duration
	}
	byProvider := make(map[string]*agg)
	for _, rec := range m.records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		summary.TotalRequests++
		summary.TotalCostUSD += rec.CostUSD
		if rec.CacheHit {
			summary.CacheHits++
			continue
		}
		if rec.FinalProvider == "" {
			continue
		}
		a, ok := byProvider[rec.FinalProvider]
		if !ok {
			a = &agg{}
			byProvider[rec.FinalProvider] = a
		}
		a.calls++
		a.cost += rec.CostUSD
		a.latency += rec.Latency
	}
	for provider, a := range byProvider {
		summary.ByProvider = append(summary.ByProvider, ProviderUsage{
			Provider:     provider,
			Calls:        a.calls,
			TotalCostUSD: a.cost,
			AvgLatencyMs: float64(a.latency.Milliseconds()) / float64(a.calls),
		})
	}
	sort.Slice(summary.ByProvider, func(i, j int) bool {
		return summary.ByProvider[i].Calls > summary.ByProvider[j].Calls
	})
	return summary, nil
}
