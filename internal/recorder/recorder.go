// Package recorder persists the audit trail of resolutions and serves
// aggregate usage statistics from it.
package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
)

// Recorder writes one ResolutionRecord per resolved doubt.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Recorder {
	return &Recorder{store: st, now: time.Now}
}

// Record persists the record, filling in ID and CreatedAt when unset.
// A write failure is logged, never propagated: bookkeeping must not
// fail a resolution that already produced an answer.
func (r *Recorder) Record(ctx context.Context, rec model.ResolutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	if err := r.store.AppendRecord(ctx, rec); err != nil {
		zap.L().Warn("record append failed",
			zap.String("fingerprint", rec.Fingerprint),
			zap.String("user_id", rec.UserID),
			zap.Error(err))
		return
	}
	zap.L().Info("resolution recorded",
		zap.String("user_id", rec.UserID),
		zap.String("status", string(rec.Status)),
		zap.String("final_provider", rec.FinalProvider),
		zap.Bool("cache_hit", rec.CacheHit),
		zap.Float64("cost_usd", rec.CostUSD),
		zap.Duration("latency", rec.Latency))
}

// Summary aggregates usage over the trailing window.
func (r *Recorder) Summary(ctx context.Context, window time.Duration) (*store.Summary, error) {
	since := r.now().UTC().Add(-window)
	summary, err := r.store.Summarize(ctx, since)
	return summary, eris.Wrap(err, "recorder: summary")
}

// Recent lists the newest records matching the filter.
func (r *Recorder) Recent(ctx context.Context, filter store.RecordFilter) ([]model.ResolutionRecord, error) {
	records, err := r.store.ListRecords(ctx, filter)
	return records, eris.Wrap(err, "recorder: recent")
}
