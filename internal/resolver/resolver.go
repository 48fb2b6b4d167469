// Package resolver routes each doubt through OCR, the answer cache,
// classification, and the quota-gated provider chain, and records what
// happened.
package resolver

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/cache"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/classify"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/fallback"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/ocr"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/provider"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/quota"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/recorder"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
)

// Extractor is the image-to-text stage. *ocr.Chain implements it.
type Extractor interface {
	Extract(ctx context.Context, image []byte, userID string, plan model.PlanTier) (ocr.Extraction, error)
}

// Resolver is the request router. All fields are required except
// extractor, which may be nil when image input is not supported.
type Resolver struct {
	registry   *provider.Registry
	classifier classify.Classifier
	cache      *cache.Cache
	ledger     *quota.Ledger
	recorder   *recorder.Recorder
	extractor  Extractor
	breakers   *resilience.ProviderBreakers
	retryCfg   resilience.RetryConfig
	plan       ChainPlan
	thresholds map[string]float64
	timeout    time.Duration
}

// Options bundles the resolver's collaborators.
type Options struct {
	Registry        *provider.Registry
	Classifier      classify.Classifier
	Cache           *cache.Cache
	Ledger          *quota.Ledger
	Recorder        *recorder.Recorder
	Extractor       Extractor
	Breakers        *resilience.ProviderBreakers
	Retry           resilience.RetryConfig
	Plan            ChainPlan
	Thresholds      map[string]float64
	ProviderTimeout time.Duration
}

func New(opts Options) *Resolver {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 45 * time.Second
	}
	return &Resolver{
		registry:   opts.Registry,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		ledger:     opts.Ledger,
		recorder:   opts.Recorder,
		extractor:  opts.Extractor,
		breakers:   opts.Breakers,
		retryCfg:   opts.Retry,
		plan:       opts.Plan,
		thresholds: opts.Thresholds,
		timeout:    opts.ProviderTimeout,
	}
}

// Resolve runs the full pipeline for one doubt.
func (r *Resolver) Resolve(ctx context.Context, req model.DoubtRequest) (*model.Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	var (
		extracted string
		ocrCost   float64
	)
	if len(req.Image) > 0 {
		if r.extractor == nil {
			return nil, eris.New("resolver: image input not supported")
		}
		extraction, err := r.extractor.Extract(ctx, req.Image, req.UserID, req.Plan)
		ocrCost = extraction.CostUSD
		if err != nil {
			if req.Text == "" {
				outcome := &model.Outcome{
					Status:       model.StatusUnresolvable,
					TotalCostUSD: ocrCost,
					TotalLatency: time.Since(started),
				}
				r.record(ctx, req, model.NormalizedQuestion{}, "", outcome)
				return outcome, nil
			}
			zap.L().Warn("text extraction failed, using typed text only",
				zap.String("user_id", req.UserID), zap.Error(err))
		} else {
			extracted = extraction.Text
		}
	}

	q := model.NewNormalizedQuestion(req.Text, extracted, req.Subject)
	if q.Text == "" {
		outcome := &model.Outcome{
			Status:       model.StatusUnresolvable,
			TotalCostUSD: ocrCost,
			TotalLatency: time.Since(started),
		}
		r.record(ctx, req, q, "", outcome)
		return outcome, nil
	}
	fingerprint := q.Fingerprint()

	if hit := r.cache.Lookup(ctx, fingerprint); hit != nil {
		cached := *hit
		cached.Provider = "cache"
		outcome := &model.Outcome{
			Status:       model.StatusResolved,
			Result:       &cached,
			FromCache:    true,
			Fingerprint:  fingerprint,
			TotalCostUSD: ocrCost,
			TotalLatency: time.Since(started),
		}
		r.record(ctx, req, q, "", outcome)
		return outcome, nil
	}

	class := r.classifier.Classify(q)
	outcome := r.walkChain(ctx, req, q, class)
	outcome.Fingerprint = fingerprint
	outcome.TotalCostUSD += ocrCost
	outcome.TotalLatency = time.Since(started)

	if outcome.Answered() {
		r.cache.Store(ctx, fingerprint, *outcome.Result)
	}
	r.record(ctx, req, q, class, outcome)
	return outcome, nil
}

// walkChain runs the provider chain for the question's class, charging
// quota around each costed call.
func (r *Resolver) walkChain(ctx context.Context, req model.DoubtRequest, q model.NormalizedQuestion, class model.QuestionClass) *model.Outcome {
	outcome := &model.Outcome{}

	var firstDenial quota.DenialReason
	steps := make([]fallback.Step[model.ProviderResult], 0, 4)
	for _, name := range r.plan.For(class) {
		p := r.registry.Get(name)
		if p == nil {
			zap.L().Warn("chain names unknown provider", zap.String("provider", name))
			continue
		}
		threshold := r.thresholds[p.Name()]

		steps = append(steps, fallback.Step[model.ProviderResult]{
			Name: p.Name(),
			Skip: func(ctx context.Context) (bool, string) {
				if breaker := r.breakers.Get(p.Name()); breaker.State() == resilience.CircuitOpen {
					return true, "circuit_open"
				}
				decision, err := r.ledger.CheckAndReserve(ctx, req.UserID, req.Plan, p.Tier())
				if err != nil {
					return true, "quota_error"
				}
				if !decision.Allowed {
					if firstDenial == "" || decision.Reason == quota.DenyPeriodExhausted {
						firstDenial = decision.Reason
					}
					return true, string(decision.Reason)
				}
				return false, ""
			},
			Run: func(ctx context.Context) (model.ProviderResult, error) {
				result, err := r.callProvider(ctx, p, q)
				outcome.TotalCostUSD += result.CostUSD
				// Settle the reservation on a detached context: a
				// cancelled request must not leak the hold for the
				// rest of the month.
				settleCtx := context.WithoutCancel(ctx)
				if err != nil {
					if rbErr := r.ledger.Rollback(settleCtx, req.UserID, req.Plan, p.Tier()); rbErr != nil {
						zap.L().Error("quota rollback failed",
							zap.String("provider", p.Name()), zap.Error(rbErr))
					}
					return result, err
				}
				if cErr := r.ledger.Commit(settleCtx, req.UserID, req.Plan, p.Tier()); cErr != nil {
					zap.L().Error("quota commit failed",
						zap.String("provider", p.Name()), zap.Error(cErr))
				}
				return result, nil
			},
			Accept: func(result model.ProviderResult) bool {
				return result.Answer != "" && result.Confidence >= threshold
			},
		})
	}

	runner := fallback.Runner[model.ProviderResult]{
		Steps: steps,
		Score: func(result model.ProviderResult) float64 {
			if result.Answer == "" {
				return -1
			}
			return result.Confidence
		},
	}
	walk := runner.Run(ctx)

	for _, attempt := range walk.Attempts {
		pa := model.ProviderAttempt{
			Provider:   attempt.Name,
			Accepted:   attempt.Accepted,
			Confidence: attempt.Value.Confidence,
			CostUSD:    attempt.Value.CostUSD,
			Skipped:    attempt.SkipReason,
		}
		if attempt.Err != nil {
			pa.Error = attempt.Err.Error()
		}
		outcome.Attempts = append(outcome.Attempts, pa)
	}

	switch {
	case walk.Accepted():
		outcome.Status = model.StatusResolved
		result := walk.Winner().Value
		outcome.Result = &result
	case walk.Best() != nil && walk.Best().Value.Answer != "":
		outcome.Status = model.StatusLowConfidence
		result := walk.Best().Value
		outcome.Result = &result
	case firstDenial != "":
		// The chain died for want of quota, not for want of an
		// answer. Surface the denial so the client can upsell.
		outcome.Status = model.StatusQuotaExhausted
		outcome.DenialReason = string(firstDenial)
	default:
		outcome.Status = model.StatusUnresolvable
	}
	return outcome
}

// callProvider applies the per-call timeout, retry policy, and circuit
// breaker around one provider invocation.
func (r *Resolver) callProvider(ctx context.Context, p provider.Provider, q model.NormalizedQuestion) (model.ProviderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	retryCfg := r.retryCfg
	retryCfg.OnRetry = resilience.RetryLogger(p.Name(), "answer")

	breaker := r.breakers.Get(p.Name())
	return resilience.DoVal(callCtx, retryCfg, func(ctx context.Context) (model.ProviderResult, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (model.ProviderResult, error) {
			return p.Answer(ctx, q)
		})
	})
}

func (r *Resolver) record(ctx context.Context, req model.DoubtRequest, q model.NormalizedQuestion, class model.QuestionClass, outcome *model.Outcome) {
	// Records are written even when the caller gave up on the request.
	ctx = context.WithoutCancel(ctx)
	rec := model.ResolutionRecord{
		Fingerprint: outcome.Fingerprint,
		UserID:      req.UserID,
		Plan:        req.Plan,
		Class:       class,
		Status:      outcome.Status,
		CostUSD:     outcome.TotalCostUSD,
		Latency:     outcome.TotalLatency,
		CacheHit:    outcome.FromCache,
	}
	if rec.Plan == "" {
		rec.Plan = model.PlanFree
	}
	if outcome.Fingerprint == "" && q.Text != "" {
		rec.Fingerprint = q.Fingerprint()
	}
	for _, attempt := range outcome.Attempts {
		rec.Chain = append(rec.Chain, attempt.Provider)
	}
	if outcome.Result != nil {
		rec.FinalProvider = outcome.Result.Provider
		rec.Confidence = outcome.Result.Confidence
	}
	r.recorder.Record(ctx, rec)
}
