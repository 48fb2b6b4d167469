// Package quota enforces monthly per-tier call allowances with a
// two-phase reserve/commit protocol so a failed provider call never
// consumes budget.
package quota

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/config"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
)

// DenialReason explains why a reservation was refused.
type DenialReason string

const (
	DenyTierNotPermitted DenialReason = "tier_not_permitted"
	DenyPeriodExhausted  DenialReason = "period_exhausted"
)

// Decision is the result of a reservation attempt.
type Decision struct {
	Allowed bool
	Reason  DenialReason
	Period  string
}

// Ledger gates costed provider calls against plan allowances. Free-tier
// providers pass through without touching a counter.
type Ledger struct {
	store store.Store
	cfg   config.QuotaConfig
	now   func() time.Time
}

func NewLedger(st store.Store, cfg config.QuotaConfig) *Ledger {
	return &Ledger{store: st, cfg: cfg, now: time.Now}
}

func (l *Ledger) limit(plan model.PlanTier, tier model.ProviderTier) (int, bool) {
	allowance := l.cfg.Allowance(string(plan))
	switch tier {
	case model.TierMid:
		return allowance.Mid, true
	case model.TierHigh:
		return allowance.High, true
	default:
		return 0, false
	}
}

// CheckAndReserve holds one unit of the user's allowance for the given
// tier. Callers must follow up with Commit or Rollback.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, plan model.PlanTier, tier model.ProviderTier) (Decision, error) {
	period := model.PeriodOf(l.now())
	decision := Decision{Period: period}

	limit, gated := l.limit(plan, tier)
	if !gated {
		decision.Allowed = true
		return decision, nil
	}
	if limit == 0 {
		decision.Reason = DenyTierNotPermitted
		zap.L().Debug("quota denied",
			zap.String("user_id", userID),
			zap.String("plan", string(plan)),
			zap.String("tier", string(tier)),
			zap.String("reason", string(DenyTierNotPermitted)))
		return decision, nil
	}

	ok, err := l.store.ReserveQuota(ctx, userID, period, tier, limit)
	if err != nil {
		return decision, eris.Wrap(err, "quota: reserve")
	}
	if !ok {
		decision.Reason = DenyPeriodExhausted
		zap.L().Debug("quota denied",
			zap.String("user_id", userID),
			zap.String("plan", string(plan)),
			zap.String("tier", string(tier)),
			zap.String("reason", string(DenyPeriodExhausted)))
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// Commit converts a reservation into consumed budget after the provider
// call succeeded.
func (l *Ledger) Commit(ctx context.Context, userID string, plan model.PlanTier, tier model.ProviderTier) error {
	if _, gated := l.limit(plan, tier); !gated {
		return nil
	}
	period := model.PeriodOf(l.now())
	return eris.Wrap(l.store.CommitQuota(ctx, userID, period, tier), "quota: commit")
}

// Rollback releases a reservation after a failed or rejected call.
func (l *Ledger) Rollback(ctx context.Context, userID string, plan model.PlanTier, tier model.ProviderTier) error {
	if _, gated := l.limit(plan, tier); !gated {
		return nil
	}
	period := model.PeriodOf(l.now())
	return eris.Wrap(l.store.RollbackQuota(ctx, userID, period, tier), "quota: rollback")
}

// TierUsage is one tier's consumption against its allowance in the
// current period. Limit -1 means unlimited.
type TierUsage struct {
	Tier      model.ProviderTier `json:"tier"`
	Used      int                `json:"used"`
	Reserved  int                `json:"reserved"`
	Limit     int                `json:"limit"`
	Remaining int                `json:"remaining"` // -1 when unlimited
}

// Report summarizes a user's current-period consumption for every
// gated tier under their plan.
type Report struct {
	UserID string         `json:"user_id"`
	Plan   model.PlanTier `json:"plan"`
	Period string         `json:"period"`
	Tiers  []TierUsage    `json:"tiers"`
}

func (l *Ledger) Usage(ctx context.Context, userID string, plan model.PlanTier) (*Report, error) {
	period := model.PeriodOf(l.now())
	state, err := l.store.GetQuotaState(ctx, userID, period)
	if err != nil {
		return nil, eris.Wrap(err, "quota: usage")
	}

	report := &Report{UserID: userID, Plan: plan, Period: period}
	for _, tier := range []model.ProviderTier{model.TierMid, model.TierHigh} {
		limit, _ := l.limit(plan, tier)
		usage := TierUsage{
			Tier:     tier,
			Used:     state.Used[tier],
			Reserved: state.Reserved[tier],
			Limit:    limit,
		}
		switch {
		case limit < 0:
			usage.Remaining = -1
		default:
			usage.Remaining = limit - usage.Used - usage.Reserved
			if usage.Remaining < 0 {
				usage.Remaining = 0
			}
		}
		report.Tiers = append(report.Tiers, usage)
	}
	return report, nil
}
