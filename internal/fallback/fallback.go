// Package fallback runs an ordered chain of attempts, stopping at the
// first one whose result is good enough. Both the text extraction chain
// and the answer provider chain are built on it.
package fallback

import (
	"context"

	"go.uber.org/zap"
)

// Step is one attempt in an ordered chain. Skip, when set, is consulted
// before Run; a skipped step is recorded but never executed. Accept, when
// set, decides whether the value ends the walk; a nil Accept accepts any
// successful run.
type Step[T any] struct {
	Name   string
	Skip   func(ctx context.Context) (bool, string)
	Run    func(ctx context.Context) (T, error)
	Accept func(T) bool
}

// Attempt records what happened at one step of the walk.
type Attempt[T any] struct {
	Name       string
	Skipped    bool
	SkipReason string
	Err        error
	Value      T
	Accepted   bool
}

// Result is the outcome of a chain walk. Winner is set when some step's
// value was accepted. Best is the highest-scoring value among successful
// but unaccepted attempts, for callers that serve a degraded answer when
// nothing clears its bar.
type Result[T any] struct {
	Attempts []Attempt[T]

	winner int
	best   int
}

// Winner returns the accepted attempt, or nil when the walk was exhausted.
func (r Result[T]) Winner() *Attempt[T] {
	if r.winner < 0 {
		return nil
	}
	return &r.Attempts[r.winner]
}

// Best returns the highest-scoring unaccepted attempt, or nil.
func (r Result[T]) Best() *Attempt[T] {
	if r.best < 0 {
		return nil
	}
	return &r.Attempts[r.best]
}

// Accepted reports whether any step's value was accepted.
func (r Result[T]) Accepted() bool { return r.winner >= 0 }

// Runner walks steps in order. Score ranks unaccepted values for the
// Best fallback; when nil, Best stays unset.
type Runner[T any] struct {
	Steps []Step[T]
	Score func(T) float64
}

// Run executes the chain. It stops at the first accepted value or when
// ctx is cancelled; errors and rejections move on to the next step.
func (r Runner[T]) Run(ctx context.Context) Result[T] {
	result := Result[T]{winner: -1, best: -1}
	bestScore := 0.0

	for _, step := range r.Steps {
		if err := ctx.Err(); err != nil {
			return result
		}

		attempt := Attempt[T]{Name: step.Name}

		if step.Skip != nil {
			if skip, reason := step.Skip(ctx); skip {
				attempt.Skipped = true
				attempt.SkipReason = reason
				result.Attempts = append(result.Attempts, attempt)
				zap.L().Debug("chain step skipped",
					zap.String("step", step.Name),
					zap.String("reason", reason))
				continue
			}
		}

		value, err := step.Run(ctx)
		if err != nil {
			attempt.Err = err
			result.Attempts = append(result.Attempts, attempt)
			zap.L().Warn("chain step failed",
				zap.String("step", step.Name),
				zap.Error(err))
			continue
		}
		attempt.Value = value

		if step.Accept == nil || step.Accept(value) {
			attempt.Accepted = true
			result.Attempts = append(result.Attempts, attempt)
			result.winner = len(result.Attempts) - 1
			return result
		}

		result.Attempts = append(result.Attempts, attempt)
		if r.Score != nil {
			if score := r.Score(value); result.best < 0 || score > bestScore {
				result.best = len(result.Attempts) - 1
				bestScore = score
			}
		}
	}
	return result
}
