package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/cache"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/classify"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/config"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/cost"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/ocr"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/provider"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/quota"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/recorder"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resolver"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/anthropic"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/mathpipe"
	"github.com/PSP-learn/klaro-educational-platform-sub000/pkg/textbook"
)

// env bundles the wired subsystems for a command invocation.
type env struct {
	Store    store.Store
	Cache    *cache.Cache
	Ledger   *quota.Ledger
	Recorder *recorder.Recorder
	Breakers *resilience.ProviderBreakers
	Resolver *resolver.Resolver
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

// initEnv opens the store, runs migrations, and wires the resolver with
// all its providers.
func initEnv(ctx context.Context) (*env, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	costs := cost.NewCalculator(ratesFromConfig(cfg.Pricing))
	ledger := quota.NewLedger(st, cfg.Quota)

	registry := provider.NewRegistry()
	registry.Register(provider.NewSearch(
		textbook.NewClient(cfg.Search.Key,
			textbook.WithBaseURL(cfg.Search.BaseURL),
			textbook.WithRateLimit(cfg.Search.RateLimit),
			textbook.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Search.TimeoutSecs) * time.Second}),
		),
		cfg.Search.MaxResults,
	))
	registry.Register(provider.NewMathEngine(
		mathpipe.NewClient(cfg.MathEngine.Key,
			mathpipe.WithBaseURL(cfg.MathEngine.BaseURL),
			mathpipe.WithRateLimit(cfg.MathEngine.RateLimit),
			mathpipe.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.MathEngine.TimeoutSecs) * time.Second}),
		),
		costs,
	))
	lmClient := anthropic.NewClient(cfg.Anthropic.Key)
	registry.Register(provider.NewLMMid(lmClient, cfg.Anthropic.MidModel, int64(cfg.Anthropic.MaxTokens), costs))
	registry.Register(provider.NewLMHigh(lmClient, cfg.Anthropic.HighModel, int64(cfg.Anthropic.MaxTokens), costs))

	plan, err := resolver.LoadChainPlan(cfg.Routing)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	answerCache := cache.New(st, cfg.Cache)
	rec := recorder.New(st)
	breakers := resilience.NewProviderBreakers(
		resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))

	res := resolver.New(resolver.Options{
		Registry:        registry,
		Classifier:      classify.NewHeuristic(classify.DefaultVocabulary()),
		Cache:           answerCache,
		Ledger:          ledger,
		Recorder:        rec,
		Extractor:       ocr.NewChain(cfg.OCR, costs.CloudOCR(), ledger),
		Breakers:        breakers,
		Retry:           resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier, cfg.Retry.JitterFraction),
		Plan:            plan,
		Thresholds:      resolver.Thresholds(cfg.Routing, plan.Overrides),
		ProviderTimeout: time.Duration(cfg.Routing.ProviderTimeoutSecs) * time.Second,
	})

	return &env{
		Store:    st,
		Cache:    answerCache,
		Ledger:   ledger,
		Recorder: rec,
		Breakers: breakers,
		Resolver: res,
	}, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func ratesFromConfig(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	if len(p.Anthropic) > 0 {
		rates.Anthropic = make(map[string]cost.ModelRate, len(p.Anthropic))
		for model, mp := range p.Anthropic {
			rates.Anthropic[model] = cost.ModelRate{Input: mp.Input, Output: mp.Output}
		}
	}
	if p.MathEngine.PerQuery > 0 {
		rates.MathEngine = cost.QueryRate{PerQuery: p.MathEngine.PerQuery}
	}
	if p.CloudOCR.PerQuery > 0 {
		rates.CloudOCR = cost.QueryRate{PerQuery: p.CloudOCR.PerQuery}
	}
	return rates
}
