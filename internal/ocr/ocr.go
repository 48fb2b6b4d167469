// Package ocr extracts question text from student-submitted images
// through a two-stage chain: a local engine first, escalating to a paid
// cloud engine when the local read is not trustworthy.
package ocr

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/config"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/fallback"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/quota"
)

// Extraction is the output of one OCR engine.
type Extraction struct {
	Text       string
	Confidence float64
	Engine     string
	CostUSD    float64
}

// Engine extracts text from an image. Tier classifies the engine by
// cost: costed engines are quota-gated like the answer providers.
type Engine interface {
	Name() string
	Tier() model.ProviderTier
	Extract(ctx context.Context, image []byte) (Extraction, error)
}

// Chain escalates through engines in order until one produces a
// confident read. A low-confidence read is still returned when every
// engine has been tried. Costed engines consume the user's allowance
// for their tier; when the ledger denies one it is skipped and the best
// local read stands.
type Chain struct {
	engines         []Engine
	ledger          *quota.Ledger
	escalationFloor float64
	retainDir       string
}

// NewChain builds the extraction chain from config. With no cloud key
// configured the chain is local-only. A nil ledger disables quota
// gating of costed engines.
func NewChain(cfg config.OCRConfig, cloudCostUSD float64, ledger *quota.Ledger) *Chain {
	engines := []Engine{NewTesseract(cfg.TesseractPath)}
	if cfg.CloudKey != "" {
		engines = append(engines, NewCloud(cfg.CloudKey, cfg.CloudBaseURL, cfg.CloudModel, cloudCostUSD))
	}
	return &Chain{
		engines:         engines,
		ledger:          ledger,
		escalationFloor: cfg.EscalationThreshold,
		retainDir:       cfg.RetainImagesDir,
	}
}

// NewChainWithEngines builds a chain over explicit engines.
func NewChainWithEngines(escalationFloor float64, ledger *quota.Ledger, engines ...Engine) *Chain {
	return &Chain{engines: engines, ledger: ledger, escalationFloor: escalationFloor}
}

// Extract runs the chain over the image for one user. The returned
// extraction's CostUSD accumulates charges from every engine that ran,
// not just the winning one.
func (c *Chain) Extract(ctx context.Context, image []byte, userID string, plan model.PlanTier) (Extraction, error) {
	if len(image) == 0 {
		return Extraction{}, eris.New("ocr: empty image")
	}
	if c.retainDir != "" {
		c.retain(image)
	}

	var totalCost float64
	steps := make([]fallback.Step[Extraction], 0, len(c.engines))
	for i, engine := range c.engines {
		engine := engine
		last := i == len(c.engines)-1
		run := func(ctx context.Context) (Extraction, error) {
			ex, err := engine.Extract(ctx, image)
			totalCost += ex.CostUSD
			return ex, err
		}
		step := fallback.Step[Extraction]{
			Name: engine.Name(),
			Run:  run,
			Accept: func(ex Extraction) bool {
				if last {
					return ex.Text != ""
				}
				return ex.Text != "" && ex.Confidence >= c.escalationFloor
			},
		}
		if tier := engine.Tier(); tier != model.TierFree && c.ledger != nil {
			step.Skip = func(ctx context.Context) (bool, string) {
				decision, err := c.ledger.CheckAndReserve(ctx, userID, plan, tier)
				if err != nil {
					return true, "quota_error"
				}
				if !decision.Allowed {
					return true, string(decision.Reason)
				}
				return false, ""
			}
			step.Run = func(ctx context.Context) (Extraction, error) {
				ex, err := run(ctx)
				// Settle on a detached context so a cancelled request
				// cannot leak the reservation.
				settleCtx := context.WithoutCancel(ctx)
				if err != nil {
					if rbErr := c.ledger.Rollback(settleCtx, userID, plan, tier); rbErr != nil {
						zap.L().Error("ocr quota rollback failed",
							zap.String("engine", engine.Name()), zap.Error(rbErr))
					}
					return ex, err
				}
				if cErr := c.ledger.Commit(settleCtx, userID, plan, tier); cErr != nil {
					zap.L().Error("ocr quota commit failed",
						zap.String("engine", engine.Name()), zap.Error(cErr))
				}
				return ex, nil
			}
		}
		steps = append(steps, step)
	}

	runner := fallback.Runner[Extraction]{
		Steps: steps,
		Score: func(ex Extraction) float64 { return ex.Confidence },
	}
	result := runner.Run(ctx)

	var extraction Extraction
	switch {
	case result.Accepted():
		extraction = result.Winner().Value
	case result.Best() != nil:
		extraction = result.Best().Value
	default:
		errs := make([]error, 0, len(result.Attempts))
		for _, attempt := range result.Attempts {
			if attempt.Err != nil {
				errs = append(errs, attempt.Err)
			}
		}
		if len(errs) > 0 {
			return Extraction{CostUSD: totalCost}, eris.Wrap(errs[len(errs)-1], "ocr: all engines failed")
		}
		return Extraction{CostUSD: totalCost}, eris.New("ocr: no text recognized")
	}

	extraction.CostUSD = totalCost
	return extraction, nil
}

// retain writes the submitted image to the retention directory for
// later review of misreads. Failures are logged only.
func (c *Chain) retain(image []byte) {
	if err := os.MkdirAll(c.retainDir, 0o755); err != nil {
		zap.L().Warn("ocr: retain dir", zap.Error(err))
		return
	}
	name := time.Now().UTC().Format("20060102T150405") + "-" + uuid.New().String() + ".img"
	if err := os.WriteFile(filepath.Join(c.retainDir, name), image, 0o644); err != nil {
		zap.L().Warn("ocr: retain image", zap.Error(err))
	}
}
