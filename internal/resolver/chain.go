package resolver

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/config"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/provider"
)

// ChainPlan maps each question class to an ordered list of provider
// names to walk. Operators can override it with a YAML file, which may
// also carry per-provider acceptance-threshold overrides.
type ChainPlan struct {
	Computational  []string           `yaml:"computational"`
	Conceptual     []string           `yaml:"conceptual"`
	Unclassifiable []string           `yaml:"unclassifiable"`
	Overrides      map[string]float64 `yaml:"thresholds"`
}

// DefaultChainPlan builds the standard routing: free search first, the
// computation engine for computational questions, then LM tiers in
// rising cost order.
func DefaultChainPlan(skipSearchForComputational bool) ChainPlan {
	computational := []string{provider.SearchName, provider.MathEngineName, provider.LMMidName, provider.LMHighName}
	if skipSearchForComputational {
		computational = computational[1:]
	}
	conceptual := []string{provider.SearchName, provider.LMMidName, provider.LMHighName}
	return ChainPlan{
		Computational:  computational,
		Conceptual:     conceptual,
		Unclassifiable: conceptual,
	}
}

// LoadChainPlan reads a plan from cfg.ChainFile when set, otherwise
// returns the default plan. Classes missing from the file fall back to
// the default for that class.
func LoadChainPlan(cfg config.RoutingConfig) (ChainPlan, error) {
	plan := DefaultChainPlan(cfg.SkipSearchForComputational)
	if cfg.ChainFile == "" {
		return plan, nil
	}

	data, err := os.ReadFile(cfg.ChainFile)
	if err != nil {
		return plan, eris.Wrapf(err, "resolver: read chain file %s", cfg.ChainFile)
	}
	var loaded ChainPlan
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return plan, eris.Wrapf(err, "resolver: parse chain file %s", cfg.ChainFile)
	}

	if len(loaded.Computational) > 0 {
		plan.Computational = loaded.Computational
	}
	if len(loaded.Conceptual) > 0 {
		plan.Conceptual = loaded.Conceptual
	}
	if len(loaded.Unclassifiable) > 0 {
		plan.Unclassifiable = loaded.Unclassifiable
	}
	plan.Overrides = loaded.Overrides
	return plan, nil
}

// For returns the provider order for a question class.
func (p ChainPlan) For(class model.QuestionClass) []string {
	switch class {
	case model.ClassComputational:
		return p.Computational
	case model.ClassConceptual:
		return p.Conceptual
	default:
		return p.Unclassifiable
	}
}

// Thresholds maps each provider to its acceptance confidence floor.
// Entries in overrides (typically from the routing file) win over the
// config values.
func Thresholds(cfg config.RoutingConfig, overrides map[string]float64) map[string]float64 {
	t := map[string]float64{
		provider.SearchName:     cfg.SearchThreshold,
		provider.MathEngineName: cfg.MathThreshold,
		provider.LMMidName:      cfg.MidThreshold,
		provider.LMHighName:     cfg.HighThreshold,
	}
	for name, floor := range overrides {
		t[name] = floor
	}
	return t
}
