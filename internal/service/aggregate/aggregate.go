// Package aggregate combines per-dimension assessments into one composite
// score and confidence. Pure math, no I/O: the pipeline feeds it the run's
// successful assessments and persists what comes out.
package aggregate

import (
	"errors"
	"math"
)

// ErrNoData is returned when no assessment carries any aggregate weight:
// zero assessments, all-zero weights, or all-zero confidences. Callers must
// treat this as a normal run outcome, not a scoring of zero.
var ErrNoData = errors.New("aggregate: no data available")

// Input is one dimension's contribution to the composite.
type Input struct {
	Slug       string
	Score      float64 // 0-100
	Weight     float64 // 0-2, dimension importance
	Confidence float64 // 0-1, the assessment's own certainty
}

// Result is the aggregated composite.
type Result struct {
	Overall    float64 // 0-100
	Confidence float64 // 0-1

	// DimensionScores is the full slug→score map, persisted for history and
	// spike comparison even though the aggregate used weights.
	DimensionScores map[string]float64

	// Spread is the max-min distance between dimension scores, used by the
	// debate trigger policy.
	Spread float64
}

// Compute aggregates the run's assessments.
//
// The overall score weights both declared dimension importance and the
// assessment's own confidence, so a low-confidence high-weight dimension
// contributes less than a high-confidence one:
//
//	overall    = Σ(score·weight·confidence) / Σ(weight·confidence)
//	confidence = Σ(confidence·weight) / Σ(weight)
//
// The confidence term is weight-normalized without the confidence multiplier
// on the weight, capturing "how sure are we overall" independent of the
// score computation. A zero denominator in either sum is ErrNoData, never a
// division by zero and never a silent default.
func Compute(inputs []Input) (Result, error) {
	if len(inputs) == 0 {
		return Result{}, ErrNoData
	}

	var scoreNum, scoreDen, confNum, confDen float64
	scores := make(map[string]float64, len(inputs))
	minScore, maxScore := math.Inf(1), math.Inf(-1)

	for _, in := range inputs {
		scores[in.Slug] = in.Score
		minScore = math.Min(minScore, in.Score)
		maxScore = math.Max(maxScore, in.Score)

		scoreNum += in.Score * in.Weight * in.Confidence
		scoreDen += in.Weight * in.Confidence
		confNum += in.Confidence * in.Weight
		confDen += in.Weight
	}

	if scoreDen == 0 || confDen == 0 {
		return Result{}, ErrNoData
	}

	return Result{
		Overall:         scoreNum / scoreDen,
		Confidence:      confNum / confDen,
		DimensionScores: scores,
		Spread:          maxScore - minScore,
	}, nil
}
