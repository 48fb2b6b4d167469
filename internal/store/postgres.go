package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/db"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_cache_entry":  `SELECT fingerprint, result, inserted_at, hits, last_hit_at FROM answer_cache WHERE fingerprint = $1`,
	"bump_cache_hit":   `UPDATE answer_cache SET hits = hits + 1, last_hit_at = $1 WHERE fingerprint = $2`,
	"reserve_quota":    `UPDATE quota_counters SET reserved = reserved + 1 WHERE user_id = $1 AND period = $2 AND tier = $3 AND ($4 < 0 OR used + reserved < $4)`,
	"commit_quota":     `UPDATE quota_counters SET reserved = GREATEST(reserved - 1, 0), used = used + 1 WHERE user_id = $1 AND period = $2 AND tier = $3`,
	"rollback_quota":   `UPDATE quota_counters SET reserved = GREATEST(reserved - 1, 0) WHERE user_id = $1 AND period = $2 AND tier = $3`,
	"get_quota_state":  `SELECT tier, used, reserved FROM quota_counters WHERE user_id = $1 AND period = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS answer_cache (
	fingerprint TEXT PRIMARY KEY,
	result      JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	hits        INTEGER NOT NULL DEFAULT 0,
	last_hit_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_answer_cache_inserted_at ON answer_cache(inserted_at);
CREATE INDEX IF NOT EXISTS idx_answer_cache_last_hit_at ON answer_cache(last_hit_at);

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
	chain          JSONB NOT NULL,
	final_provider TEXT,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	cache_hit      BOOLEAN NOT NULL DEFAULT false,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_user_id ON resolution_records(user_id);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON resolution_records(created_at);
CREATE INDEX IF NOT EXISTS idx_records_fingerprint ON resolution_records(fingerprint);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var (
		entry      model.CacheEntry
		resultJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, result, inserted_at, hits, last_hit_at FROM answer_cache WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&entry.Fingerprint, &resultJSON, &entry.InsertedAt, &entry.Hits, &entry.LastHitAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	if err := json.Unmarshal(resultJSON, &entry.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cache result")
	}
	return &entry, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cache result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO answer_cache (fingerprint, result, inserted_at, hits, last_hit_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fingerprint) DO UPDATE SET result = $2, inserted_at = $3, last_hit_at = $5`,
		entry.Fingerprint, resultJSON, entry.InsertedAt, entry.Hits, entry.LastHitAt,
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) IncrementCacheHit(ctx context.Context, fingerprint string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE answer_cache SET hits = hits + 1, last_hit_at = $1 WHERE fingerprint = $2`,
		at, fingerprint,
	)
	return eris.Wrap(err, "postgres: increment cache hit")
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM answer_cache WHERE fingerprint = $1`, fingerprint)
	return eris.Wrap(err, "postgres: delete cache entry")
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM answer_cache WHERE inserted_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) EvictCacheOver(ctx context.Context, capacity int) (int, error) {
	if capacity <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM answer_cache WHERE fingerprint NOT IN (
			SELECT fingerprint FROM answer_cache ORDER BY last_hit_at DESC LIMIT $1
		)`, capacity)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: evict cache over capacity")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ReserveQuota(ctx context.Context, userID, period string, tier model.ProviderTier, limit int) (bool, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO quota_counters (user_id, period, tier) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, period, tier) DO NOTHING`,
		userID, period, string(tier),
	); err != nil {
		return false, eris.Wrap(err, "postgres: init quota counter")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_counters SET reserved = reserved + 1
		 WHERE user_id = $1 AND period = $2 AND tier = $3 AND ($4 < 0 OR used + reserved < $4)`,
		userID, period, string(tier), limit,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: reserve quota")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CommitQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quota_counters SET reserved = GREATEST(reserved - 1, 0), used = used + 1
		 WHERE user_id = $1 AND period = $2 AND tier = $3`,
		userID, period, string(tier),
	)
	return eris.Wrap(err, "postgres: commit quota")
}

func (s *PostgresStore) RollbackQuota(ctx context.Context, userID, period string, tier model.ProviderTier) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quota_counters SET reserved = GREATEST(reserved - 1, 0)
		 WHERE user_id = $1 AND period = $2 AND tier = $3`,
		userID, period, string(tier),
	)
	return eris.Wrap(err, "postgres: rollback quota")
}

func (s *PostgresStore) GetQuotaState(ctx context.Context, userID, period string) (*model.QuotaState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier, used, reserved FROM quota_counters WHERE user_id = $1 AND period = $2`,
		userID, period,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get quota state")
	}
	defer rows.Close()

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
			return nil, eris.Wrap(err, "postgres: scan quota counter")
		}
		state.Used[model.ProviderTier(tier)] = used
		state.Reserved[model.ProviderTier(tier)] = reserved
	}
	return state, eris.Wrap(rows.Err(), "postgres: quota state iterate")
}

func (s *PostgresStore) AppendRecord(ctx context.Context, rec model.ResolutionRecord) error {
	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record chain")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO resolution_records
		   (id, fingerprint, user_id, plan, class, status, chain, final_provider, confidence, cost_usd, latency_ms, cache_hit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.Fingerprint, rec.UserID, string(rec.Plan), string(rec.Class), string(rec.Status),
		chainJSON, rec.FinalProvider, rec.Confidence, rec.CostUSD,
		rec.Latency.Milliseconds(), rec.CacheHit, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append record")
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ResolutionRecord, error) {
	query := `SELECT id, fingerprint, user_id, plan, class, status, chain, final_provider, confidence, cost_usd, latency_ms, cache_hit, created_at
	          FROM resolution_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.ResolutionRecord
	for rows.Next() {
		var (
			rec       model.ResolutionRecord
			chainJSON []byte
			latencyMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &rec.UserID, &rec.Plan, &rec.Class, &rec.Status,
			&chainJSON, &rec.FinalProvider, &rec.Confidence, &rec.CostUSD, &latencyMs, &rec.CacheHit, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if err := json.Unmarshal(chainJSON, &rec.Chain); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record chain")
		}
		rec.Latency = time.Duration(latencyMs) * time.Millisecond
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	summary := &Summary{}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE cache_hit), COALESCE(SUM(cost_usd), 0)
		 FROM resolution_records WHERE created_at >= $1`, since,
	).Scan(&summary.TotalRequests, &summary.CacheHits, &summary.TotalCostUSD)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize totals")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT final_provider, COUNT(*), COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0)
		 FROM resolution_records
		 WHERE created_at >= $1 AND final_provider != '' AND NOT cache_hit
		 GROUP BY final_provider ORDER BY COUNT(*) DESC`, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize providers")
	}
	defer rows.Close()

	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Calls, &u.TotalCostUSD, &u.AvgLatencyMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider usage")
		}
		summary.ByProvider = append(summary.ByProvider, u)
	}
	return summary, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}
