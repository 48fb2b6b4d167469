// Package cache serves previously accepted answers keyed by question
// fingerprint, so repeat doubts cost nothing.
package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/config"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
)

// Cache wraps the store's answer_cache table with TTL, a display
// confidence floor, and deduplication of concurrent lookups for the
// same fingerprint.
type Cache struct {
	store            store.Store
	ttl              time.Duration
	capacity         int
	displayThreshold float64
	group            singleflight.Group
	now              func() time.Time
}

func New(st store.Store, cfg config.CacheConfig) *Cache {
	return &Cache{
		store:            st,
		ttl:              time.Duration(cfg.TTLDays) * 24 * time.Hour,
		capacity:         cfg.Capacity,
		displayThreshold: cfg.DisplayThreshold,
		now:              time.Now,
	}
}

// Lookup returns a cached answer for the fingerprint, or nil on a miss.
// Expired entries and entries below the display confidence floor are
// treated as misses. Store errors degrade to a miss rather than failing
// the resolution.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) *model.ProviderResult {
	v, _, _ := c.group.Do(fingerprint, func() (any, error) {
		return c.lookup(ctx, fingerprint), nil
	})
	result, _ := v.(*model.ProviderResult)
	return result
}

func (c *Cache) lookup(ctx context.Context, fingerprint string) *model.ProviderResult {
	entry, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		zap.L().Warn("cache lookup failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}

	now := c.now()
	if c.ttl > 0 && entry.InsertedAt.Add(c.ttl).Before(now) {
		if err := c.store.DeleteCacheEntry(ctx, fingerprint); err != nil {
			zap.L().Warn("cache expiry delete failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		return nil
	}
	if entry.Result.Confidence < c.displayThreshold {
		return nil
	}

	if err := c.store.IncrementCacheHit(ctx, fingerprint, now); err != nil {
		zap.L().Warn("cache hit count failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	result := entry.Result
	return &result
}

// Store saves an accepted answer under the fingerprint. Failures are
// logged, never propagated: a cache write must not fail a resolution
// that already succeeded.
func (c *Cache) Store(ctx context.Context, fingerprint string, result model.ProviderResult) {
	now := c.now()
	err := c.store.PutCacheEntry(ctx, model.CacheEntry{
		Fingerprint: fingerprint,
		Result:      result,
		InsertedAt:  now,
		LastHitAt:   now,
	})
	if err != nil {
		zap.L().Warn("cache store failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// Invalidate removes the entry for the fingerprint, if any. Used when
// a cached answer is reported wrong and must not be served again.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.store.DeleteCacheEntry(ctx, fingerprint); err != nil {
		return eris.Wrap(err, "cache: invalidate")
	}
	zap.L().Info("cache entry invalidated", zap.String("fingerprint", fingerprint))
	return nil
}

// Sweep removes expired entries and evicts least-recently-hit entries
// beyond capacity. Returns the number removed.
func (c *Cache) Sweep(ctx context.Context) int {
	var removed int
	if c.ttl > 0 {
		n, err := c.store.DeleteExpiredCacheEntries(ctx, c.now().Add(-c.ttl))
		if err != nil {
			zap.L().Warn("cache sweep expired failed", zap.Error(err))
		}
		removed += n
	}
	if c.capacity > 0 {
		n, err := c.store.EvictCacheOver(ctx, c.capacity)
		if err != nil {
			zap.L().Warn("cache sweep evict failed", zap.Error(err))
		}
		removed += n
	}
	return removed
}

// RunSweeper runs Sweep on the interval until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "cache.sweeper"))
	log.Info("starting cache sweeper", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cache sweeper stopped")
			return
		case <-ticker.C:
			if removed := c.Sweep(ctx); removed > 0 {
				log.Info("cache sweep complete", zap.Int("removed", removed))
			}
		}
	}
}
