package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Counter updates must serialize through one writer.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS answer_cache (
	fingerprint TEXT PRIMARY KEY,
	result      TEXT NOT NULL,
	inserted_at DATETIME NOT NULL,
	hits        INTEGER NOT NULL DEFAULT 0,
	last_hit_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_counters (
	user_id  TEXT NOT NULL,
	period   TEXT NOT NULL,
	tier     TEXT NOT NULL,
	used     INTEGER NOT NULL DEFAULT 0,
	reserved INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, period, tier)
);

CREATE TABLE IF NOT EXISTS resolution_records (
	id             TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	plan           TEXT NOT NULL,
	class          TEXT,
	status         TEXT NOT NULL,
	chain          TEXT NOT NULL,
	final_provider TEXT,
	confidence     REAL NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	cache_hit      INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answer_cache_inserted_at ON answer_cache(inserted_at);
CREATE INDEX IF NOT EXISTS idx_answer_cache_last_hit_at ON answer_cache(last_hit_at);
CREATE INDEX IF NOT EXISTS idx_records_user_id ON resolution_records(user_id);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON resolution_records(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var (
		entry      model.CacheEntry
		resultJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, result, inserted_at, hits, last_hit_at FROM answer_cache WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&entry.Fingerprint, &resultJSON, &entry.InsertedAt, &entry.Hits, &entry.LastHitAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	if err := json.Unmarshal([]byte(resultJSON), &entry.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cache result")
	}
	return &entry, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cache result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO answer_cache (fingerprint, result, inserted_at, hits, last_hit_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   result = excluded.result, inserted_at = excluded.inserted_at, last_hit_at = excluded.last_hit_at`,
		entry.Fingerprint, string(resultJSON), entry.InsertedAt, entry.Hits, entry.LastHitAt,
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) IncrementCacheHit(ctx context.Context, fingerprint string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE answer_cache SET hits = hits + 1, last_hit_at = ? WHERE fingerprint = ?`,
		at, fingerprint,
	)
	return eris.Wrap(err, "sqlite: increment cache hit")
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM answer_cache WHERE fingerprint = ?`, fingerprint)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM answer_cache WHERE inserted_at < ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) EvictCacheOver(ctx context.Context, capacity int) (int, error) {
	if capacity <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM answer_cache WHERE fingerprint NOT IN (
			SELECT fingerprint FROM answer_cache ORDER BY last_hit_at DESC LIMIT ?
		)`, capacity)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: evict cache over capacity")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ReserveQuota(ctx context.Context, userID, period string, tier model.ProviderTier, limit int) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_counters (user_id, period, tier) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, period, tier) DO NOTHING`,
		userID, period, string(tier),
	); err != nil {
		return false, eris.Wrap(err, "sqlite: init quota counter")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET reserved = reserved + 1
		 WHERE user_id = ? AND period = ? AND tier = ? AND (? < 0 OR used + reserved < ?)`,
		userID, period, string(tier), limit, limit,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: reserve quota")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) CommitQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET reserved = MAX(reserved - 1, 0), used = used + 1
		 WHERE user_id = ? AND period = ? AND tier = ?`,
		userID, period, string(tier),
	)
	return eris.Wrap(err, "sqlite: commit quota")
}

func (s *SQLiteStore) RollbackQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET reserved = MAX(reserved - 1, 0)
		 WHERE user_id = ? AND period = ? AND tier = ?`,
		userID, period, string(tier),
	)
	return eris.Wrap(err, "sqlite: rollback quota")
}

func (s *SQLiteStore) GetQuotaState(ctx context.Context, userID, period string) (*model.QuotaState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, used, reserved FROM quota_counters WHERE user_id = ? AND period = ?`,
		userID, period,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get quota state")
	}
	defer rows.Close() //nolint:errcheck

	state := &model.QuotaState{
		UserID:   userID,
		Period:   period,
		Used:     make(map[model.ProviderTier]int),
		Reserved: make(map[model.ProviderTier]int),
	}
	for rows.Next() {
		var (
			tier           string
			used, reserved int
		)
		if err := rows.Scan(&tier, &used, &reserved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quota counter")
		}
		state.Used[model.ProviderTier(tier)] = used
		state.Reserved[model.ProviderTier(tier)] = reserved
	}
	return state, eris.Wrap(rows.Err(), "sqlite: iterate quota counters")
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, rec model.ResolutionRecord) error {
	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record chain")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolution_records
		   (id, fingerprint, user_id, plan, class, status, chain, final_provider, confidence, cost_usd, latency_ms, cache_hit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Fingerprint, rec.UserID, string(rec.Plan), string(rec.Class), string(rec.Status),
		string(chainJSON), rec.FinalProvider, rec.Confidence, rec.CostUSD,
		rec.Latency.Milliseconds(), rec.CacheHit, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append record")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ResolutionRecord, error) {
	query := `SELECT id, fingerprint, user_id, plan, class, status, chain, final_provider, confidence, cost_usd, latency_ms, cache_hit, created_at
	          FROM resolution_records WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var records []model.ResolutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func scanRecord(scan func(dest ...any) error) (*model.ResolutionRecord, error) {
	var (
		rec       model.ResolutionRecord
		chainJSON string
		latencyMs int64
	)
	if err := scan(&rec.ID, &rec.Fingerprint, &rec.UserID, &rec.Plan, &rec.Class, &rec.Status,
		&chainJSON, &rec.FinalProvider, &rec.Confidence, &rec.CostUSD, &latencyMs, &rec.CacheHit, &rec.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "store: scan record")
	}
	if err := json.Unmarshal([]byte(chainJSON), &rec.Chain); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal record chain")
	}
	rec.Latency = time.Duration(latencyMs) * time.Millisecond
	return &rec, nil
}

func (s *SQLiteStore) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	summary := &Summary{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cache_hit), 0), COALESCE(SUM(cost_usd), 0)
		 FROM resolution_records WHERE created_at >= ?`, since,
	).Scan(&summary.TotalRequests, &summary.CacheHits, &summary.TotalCostUSD)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize totals")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT final_provider, COUNT(*), COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0)
		 FROM resolution_records
		 WHERE created_at >= ? AND final_provider != '' AND cache_hit = 0
		 GROUP BY final_provider ORDER BY COUNT(*) DESC`, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize providers")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Calls, &u.TotalCostUSD, &u.AvgLatencyMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider usage")
		}
		summary.ByProvider = append(summary.ByProvider, u)
	}
	return summary, eris.Wrap(rows.Err(), "sqlite: iterate provider usage")
}
