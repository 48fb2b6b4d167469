package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

func q(text string) model.NormalizedQuestion {
	return model.NormalizedQuestion{Text: model.Normalize(text), Subject: "math"}
}

func TestHeuristic_Classify(t *testing.T) {
	t.Parallel()
	c := NewHeuristic(DefaultVocabulary())

	tests := []struct {
		name string
		text string
		want model.QuestionClass
	}{
		{"solve verb", "Solve x^2+5x+6=0", model.ClassComputational},
		{"calculate verb", "Calculate the area of a circle of radius 7", model.ClassComputational},
		{"differentiate verb", "Differentiate sin(x) with respect to x", model.ClassComputational},
		{"bare equation", "x + 2 = 7", model.ClassComputational},
		{"caret power", "y^2 - 4", model.ClassComputational},
		{"why question", "Why does ice float on water", model.ClassConceptual},
		{"what is", "What is photosynthesis", model.ClassConceptual},
		{"difference between", "Difference between mitosis and meiosis", model.ClassConceptual},
		{"prove", "Prove that root 2 is irrational", model.ClassConceptual},
		{"no cues", "chapter 4 question 12", model.ClassUnclassifiable},
		{"empty", "", model.ClassUnclassifiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(q(tt.text)))
		})
	}
}

func TestHeuristic_ComputePrecedesConcept(t *testing.T) {
	t.Parallel()
	c := NewHeuristic(DefaultVocabulary())

	// "explain" and "solve" both present: calculation wins so the cheap
	// computation engine gets first shot.
	got := c.Classify(q("Explain and solve 3x - 9 = 0"))
	assert.Equal(t, model.ClassComputational, got)
}

func TestNewHeuristic_EmptyVocabularyFallsBack(t *testing.T) {
	t.Parallel()
	c := NewHeuristic(Vocabulary{})
	assert.Equal(t, model.ClassComputational, c.Classify(q("solve for x")))
}

func TestHeuristic_CustomVocabulary(t *testing.T) {
	t.Parallel()
	c := NewHeuristic(Vocabulary{
		ComputeVerbs: []string{"balance the equation"},
		ConceptCues:  []string{"valency"},
	})

	assert.Equal(t, model.ClassComputational, c.Classify(q("Balance the equation H2 + O2")))
	assert.Equal(t, model.ClassConceptual, c.Classify(q("State the valency of carbon")))
	assert.Equal(t, model.ClassUnclassifiable, c.Classify(q("name this reaction type")))
}
