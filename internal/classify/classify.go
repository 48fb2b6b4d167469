// Package classify labels normalized questions so the router can pick a
// provider chain. Classification is a local keyword/pattern heuristic and
// makes no external calls.
package classify

import (
	"regexp"
	"strings"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// Classifier labels a normalized question. Implementations must be pure:
// no side effects, no I/O, so tests can substitute a stub.
type Classifier interface {
	Classify(q model.NormalizedQuestion) model.QuestionClass
}

// Vocabulary is the configurable keyword sets the heuristic matches
// against. Terms are matched against already-normalized (lowercase) text.
type Vocabulary struct {
	// ComputeVerbs are imperative verbs that signal a calculation task.
	ComputeVerbs []string
	// ConceptCues are phrases that signal an explanation task.
	ConceptCues []string
}

// DefaultVocabulary covers the school math/science phrasing seen in
// student questions.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		ComputeVerbs: []string{
			"solve", "calculate", "compute", "evaluate", "simplify",
			"differentiate", "integrate", "factorise", "factorize",
			"find the value", "find the roots", "expand",
		},
		ConceptCues: []string{
			"why", "explain", "what is", "what are", "define",
			"describe", "difference between", "state", "derive",
			"prove", "compare",
		},
	}
}

// equationRe matches equation-like substrings: an equals sign, a caret
// power, or an arithmetic operator with a digit on at least one side.
// Requiring the digit keeps hyphenated words from reading as subtraction.
var equationRe = regexp.MustCompile(`=|\^|([0-9]\s*[+\-*/]\s*[0-9a-z(])|([0-9a-z)]\s*[+\-*/]\s*[0-9])`)

// Heuristic is the default keyword/pattern classifier.
type Heuristic struct {
	vocab Vocabulary
}

// NewHeuristic creates a classifier with the given vocabulary. A zero
// vocabulary falls back to the default.
func NewHeuristic(vocab Vocabulary) *Heuristic {
	if len(vocab.ComputeVerbs) == 0 && len(vocab.ConceptCues) == 0 {
		vocab = DefaultVocabulary()
	}
	return &Heuristic{vocab: vocab}
}

// Classify labels the question. Precedence: an equation-like substring or
// a compute verb marks it computational; otherwise a concept cue marks it
// conceptual; anything else is unclassifiable and routes to the
// conservative conceptual chain.
func (h *Heuristic) Classify(q model.NormalizedQuestion) model.QuestionClass {
	text := q.Text
	if text == "" {
		return model.ClassUnclassifiable
	}

	for _, verb := range h.vocab.ComputeVerbs {
		if strings.Contains(text, verb) {
			return model.ClassComputational
		}
	}
	if equationRe.MatchString(text) {
		return model.ClassComputational
	}

	for _, cue := range h.vocab.ConceptCues {
		if strings.Contains(text, cue) {
			return model.ClassConceptual
		}
	}

	return model.ClassUnclassifiable
}
