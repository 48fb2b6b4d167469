package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCacheEntry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT fingerprint, result, inserted_at, hits, last_hit_at FROM answer_cache`).
		WithArgs("missing-fp").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCacheEntry(context.Background(), "missing-fp")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCacheEntry_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT fingerprint, result, inserted_at, hits, last_hit_at FROM answer_cache`).
		WithArgs("fp1").
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint", "result", "inserted_at", "hits", "last_hit_at"}).
			AddRow("fp1", []byte(`{"provider":"lm_mid","tier":"mid","answer":"x = 4","confidence":0.82}`), now, 3, now))

	entry, err := s.GetCacheEntry(context.Background(), "fp1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "lm_mid", entry.Result.Provider)
	assert.Equal(t, 3, entry.Hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs("fp1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	now := time.Now().UTC()
	err := s.PutCacheEntry(context.Background(), model.CacheEntry{
		Fingerprint: "fp1",
		Result:      model.ProviderResult{Provider: "lm_mid", Tier: model.TierMid, Answer: "x = 4"},
		InsertedAt:  now,
		LastHitAt:   now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveQuota_Granted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO quota_counters`).
		WithArgs("u1", "2026-08", "mid").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE quota_counters SET reserved = reserved \+ 1`).
		WithArgs("u1", "2026-08", "mid", 100).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.ReserveQuota(context.Background(), "u1", "2026-08", model.TierMid, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveQuota_Exhausted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO quota_counters`).
		WithArgs("u1", "2026-08", "high").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE quota_counters SET reserved = reserved \+ 1`).
		WithArgs("u1", "2026-08", "high", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.ReserveQuota(context.Background(), "u1", "2026-08", model.TierHigh, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitQuota(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE quota_counters SET reserved = GREATEST`).
		WithArgs("u1", "2026-08", "mid").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CommitQuota(context.Background(), "u1", "2026-08", model.TierMid)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetQuotaState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT tier, used, reserved FROM quota_counters`).
		WithArgs("u1", "2026-08").
		WillReturnRows(pgxmock.NewRows([]string{"tier", "used", "reserved"}).
			AddRow("mid", 7, 1).
			AddRow("high", 2, 0))

	state, err := s.GetQuotaState(context.Background(), "u1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 7, state.Used[model.TierMid])
	assert.Equal(t, 1, state.Reserved[model.TierMid])
	assert.Equal(t, 2, state.Used[model.TierHigh])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO resolution_records`).
		WithArgs("r1", "fp-r1", "u1", "basic", "computational", "resolved",
			pgxmock.AnyArg(), "lm_mid", 0.8, 0.004, int64(1200), false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendRecord(context.Background(), model.ResolutionRecord{
		ID:            "r1",
		Fingerprint:   "fp-r1",
		UserID:        "u1",
		Plan:          model.PlanBasic,
		Class:         model.ClassComputational,
		Status:        model.StatusResolved,
		Chain:         []string{"math_engine", "lm_mid"},
		FinalProvider: "lm_mid",
		Confidence:    0.8,
		CostUSD:       0.004,
		Latency:       1200 * time.Millisecond,
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredCacheEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM answer_cache WHERE inserted_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	deleted, err := s.DeleteExpiredCacheEntries(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
