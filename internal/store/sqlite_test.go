package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testEntry(fingerprint string, at time.Time) model.CacheEntry {
	return model.CacheEntry{
		Fingerprint: fingerprint,
		Result: model.ProviderResult{
			Provider:   "lm_mid",
			Tier:       model.TierMid,
			Answer:     "x = 4",
			Confidence: 0.82,
			CostUSD:    0.003,
		},
		InsertedAt: at,
		LastHitAt:  at,
	}
}

// --- Answer cache ---

func TestSQLite_Cache_PutAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.PutCacheEntry(ctx, testEntry("fp1", now)))

	entry, err := st.GetCacheEntry(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "fp1", entry.Fingerprint)
	assert.Equal(t, "x = 4", entry.Result.Answer)
	assert.Equal(t, model.TierMid, entry.Result.Tier)
	assert.InDelta(t, 0.82, entry.Result.Confidence, 1e-9)
}

func TestSQLite_Cache_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	entry, err := st.GetCacheEntry(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLite_Cache_Overwrite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.PutCacheEntry(ctx, testEntry("fp-ow", now)))

	updated := testEntry("fp-ow", now.Add(time.Minute))
	updated.Result.Answer = "x = 5"
	require.NoError(t, st.PutCacheEntry(ctx, updated))

	entry, err := st.GetCacheEntry(ctx, "fp-ow")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "x = 5", entry.Result.Answer)
}

func TestSQLite_Cache_IncrementHit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.PutCacheEntry(ctx, testEntry("fp-hit", now)))
	require.NoError(t, st.IncrementCacheHit(ctx, "fp-hit", now.Add(time.Minute)))
	require.NoError(t, st.IncrementCacheHit(ctx, "fp-hit", now.Add(2*time.Minute)))

	entry, err := st.GetCacheEntry(ctx, "fp-hit")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Hits)
}

func TestSQLite_Cache_DeleteExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.PutCacheEntry(ctx, testEntry("fp-old", now.Add(-48*time.Hour))))
	require.NoError(t, st.PutCacheEntry(ctx, testEntry("fp-new", now)))

	deleted, err := st.DeleteExpiredCacheEntries(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	entry, err := st.GetCacheEntry(ctx, "fp-old")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = st.GetCacheEntry(ctx, "fp-new")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestSQLite_Cache_EvictOverCapacity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// fp0 has the oldest last hit, so it goes first.
	for i := 0; i < 4; i++ {
		entry := testEntry(fmt.Sprintf("fp%d", i), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, st.PutCacheEntry(ctx, entry))
	}

	deleted, err := st.EvictCacheOver(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	entry, err := st.GetCacheEntry(ctx, "fp0")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = st.GetCacheEntry(ctx, "fp3")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

// --- Quota counters ---

func TestSQLite_Quota_ReserveCommit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierMid, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.CommitQuota(ctx, "u1", "2026-08", model.TierMid))

	state, err := st.GetQuotaState(ctx, "u1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Used[model.TierMid])
	assert.Equal(t, 0, state.Reserved[model.TierMid])
}

func TestSQLite_Quota_LimitEnforced(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierMid, 2)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.CommitQuota(ctx, "u1", "2026-08", model.TierMid))
	}

	ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierMid, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_Quota_ReservationCountsAgainstLimit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierHigh, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Second reservation must fail while the first is still pending.
	ok, err = st.ReserveQuota(ctx, "u1", "2026-08", model.TierHigh, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_Quota_RollbackFreesReservation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierHigh, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.RollbackQuota(ctx, "u1", "2026-08", model.TierHigh))

	ok, err = st.ReserveQuota(ctx, "u1", "2026-08", model.TierHigh, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_Quota_UnlimitedStillCounted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierMid, -1)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.CommitQuota(ctx, "u1", "2026-08", model.TierMid))
	}

	state, err := st.GetQuotaState(ctx, "u1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 5, state.Used[model.TierMid])
}

func TestSQLite_Quota_PeriodsIndependent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.ReserveQuota(ctx, "u1", "2026-07", model.TierMid, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.CommitQuota(ctx, "u1", "2026-07", model.TierMid))

	// Fresh period, fresh counter.
	ok, err = st.ReserveQuota(ctx, "u1", "2026-08", model.TierMid, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Previous period counter is preserved, not deleted.
	state, err := st.GetQuotaState(ctx, "u1", "2026-07")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Used[model.TierMid])
}

func TestSQLite_Quota_ConcurrentReserveLastSlot(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ReserveQuota(ctx, "u1", "2026-08", model.TierHigh, 1)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "one slot, one winner")

	state, err := st.GetQuotaState(ctx, "u1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Reserved[model.TierHigh])
}

// --- Resolution records ---

func testRecord(id, userID string, status model.OutcomeStatus, at time.Time) model.ResolutionRecord {
	return model.ResolutionRecord{
		ID:            id,
		Fingerprint:   "fp-" + id,
		UserID:        userID,
		Plan:          model.PlanBasic,
		Class:         model.ClassComputational,
		Status:        status,
		Chain:         []string{"math_engine", "lm_mid"},
		FinalProvider: "lm_mid",
		Confidence:    0.8,
		CostUSD:       0.004,
		Latency:       1200 * time.Millisecond,
		CreatedAt:     at,
	}
}

func TestSQLite_Records_AppendAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.AppendRecord(ctx, testRecord("r1", "u1", model.StatusResolved, now.Add(-time.Minute))))
	require.NoError(t, st.AppendRecord(ctx, testRecord("r2", "u2", model.StatusResolved, now)))

	records, err := st.ListRecords(ctx, RecordFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, []string{"math_engine", "lm_mid"}, records[0].Chain)
	assert.Equal(t, 1200*time.Millisecond, records[0].Latency)
	assert.Equal(t, model.PlanBasic, records[0].Plan)
}

func TestSQLite_Records_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.AppendRecord(ctx, testRecord("r1", "u1", model.StatusResolved, now)))
	require.NoError(t, st.AppendRecord(ctx, testRecord("r2", "u1", model.StatusQuotaExhausted, now)))

	records, err := st.ListRecords(ctx, RecordFilter{Status: model.StatusQuotaExhausted})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r2", records[0].ID)
}

func TestSQLite_Summarize(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec1 := testRecord("r1", "u1", model.StatusResolved, now)
	rec2 := testRecord("r2", "u1", model.StatusResolved, now)
	rec2.FinalProvider = "search"
	rec2.CostUSD = 0
	hit := testRecord("r3", "u2", model.StatusResolved, now)
	hit.CacheHit = true
	hit.CostUSD = 0

	require.NoError(t, st.AppendRecord(ctx, rec1))
	require.NoError(t, st.AppendRecord(ctx, rec2))
	require.NoError(t, st.AppendRecord(ctx, hit))

	summary, err := st.Summarize(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalRequests)
	assert.Equal(t, 1, summary.CacheHits)
	assert.InDelta(t, 0.004, summary.TotalCostUSD, 1e-9)
	require.Len(t, summary.ByProvider, 2)
}
