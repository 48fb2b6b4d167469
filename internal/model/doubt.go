package model

import (
	"github.com/rotisserie/eris"
)

// PlanTier is a user's subscription plan.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanBasic   PlanTier = "basic"
	PlanPremium PlanTier = "premium"
)

// ParsePlanTier validates a plan string from an API request or config.
// An empty string defaults to the free plan.
func ParsePlanTier(s string) (PlanTier, error) {
	switch PlanTier(s) {
	case PlanFree, PlanBasic, PlanPremium:
		return PlanTier(s), nil
	case "":
		return PlanFree, nil
	default:
		return "", eris.Errorf("model: unknown plan tier %q", s)
	}
}

// ProviderTier classifies an answer source by cost.
type ProviderTier string

const (
	TierFree ProviderTier = "free"
	TierMid  ProviderTier = "mid"
	TierHigh ProviderTier = "high"
)

// QuestionClass is the classifier's label for a normalized question.
type QuestionClass string

const (
	ClassComputational  QuestionClass = "computational"
	ClassConceptual     QuestionClass = "conceptual"
	ClassUnclassifiable QuestionClass = "unclassifiable"
)

// DoubtRequest is the immutable input to a resolution. At least one of
// Text or Image must be present.
type DoubtRequest struct {
	Text    string   `json:"text,omitempty"`
	Image   []byte   `json:"image,omitempty"`
	Subject string   `json:"subject"`
	UserID  string   `json:"user_id"`
	Plan    PlanTier `json:"plan"`
}

// Validate checks the request invariants before resolution starts.
func (r DoubtRequest) Validate() error {
	if r.Text == "" && len(r.Image) == 0 {
		return eris.New("model: doubt request needs question text or an image")
	}
	if r.UserID == "" {
		return eris.New("model: doubt request needs a user id")
	}
	if _, err := ParsePlanTier(string(r.Plan)); err != nil {
		return err
	}
	return nil
}

// NormalizedQuestion is the canonical text derived from a DoubtRequest:
// OCR output merged with any supplied text, then case/whitespace folded.
type NormalizedQuestion struct {
	Text    string `json:"text"`
	Subject string `json:"subject"`
}

// Fingerprint returns the deterministic cache key for this question.
func (q NormalizedQuestion) Fingerprint() string {
	return Fingerprint(q.Text, q.Subject)
}
