// Package scoring computes time-decayed quiz scores. Everything here is pure
// and deterministic; persistence and lock handling live elsewhere.
package scoring

import (
	"math"

	"github.com/shopspring/decimal"
)

// Score returns the points earned for a single answer. An incorrect answer
// scores 0. For a correct answer the score decays linearly with elapsed time:
// elapsedMs is clamped to [0, timeLimitSeconds*1000] and the result is
// round(basePoints * (1 - elapsed/limit)), never negative.
func Score(basePoints, timeLimitSeconds int, elapsedMs int64, correct bool) int {
	if !correct || basePoints <= 0 || timeLimitSeconds <= 0 {
		return 0
	}

	limitMs := int64(timeLimitSeconds) * 1000
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	if elapsedMs > limitMs {
		elapsedMs = limitMs
	}

	ratio := float64(elapsedMs) / float64(limitMs)
	score := int(math.Round(float64(basePoints) * (1 - ratio)))
	if score < 0 {
		return 0
	}

	return score
}

// Tier grades a single answer's score against its base points.
func Tier(score, basePoints int) string {
	if basePoints <= 0 {
		return "Needs Improvement"
	}

	switch ratio := float64(score) / float64(basePoints); {
	case ratio >= 0.8:
		return "Excellent"
	case ratio >= 0.6:
		return "Good"
	case ratio >= 0.4:
		return "Average"
	default:
		return "Needs Improvement"
	}
}

// Result is the scored outcome of one question.
type Result struct {
	QuestionID       int64  `json:"questionId"`
	QuestionOrder    int    `json:"questionOrder"`
	SelectedOptionID int64  `json:"selectedOptionId"`
	ResponseTimeMs   int64  `json:"responseTimeMs"`
	IsCorrect        bool   `json:"isCorrect"`
	BasePoints       int    `json:"basePoints"`
	ScoreEarned      int    `json:"scoreEarned"`
	Tier             string `json:"tier"`
}

// Summary aggregates per-question results into an overall grade.
type Summary struct {
	QuestionCount   int
	TotalBasePoints int
	TotalFinalScore int
	CorrectAnswers  int
	// Efficiency is TotalFinalScore/TotalBasePoints as a percentage,
	// rounded to 2 decimal places.
	Efficiency decimal.Decimal
	Grade      string
}

// Aggregate sums per-question results and assigns a letter grade by overall
// efficiency: >=90% A+, >=80% A, >=70% B, >=60% C, >=50% D, else F.
func Aggregate(results []Result) Summary {
	s := Summary{QuestionCount: len(results)}
	for _, r := range results {
		s.TotalBasePoints += r.BasePoints
		s.TotalFinalScore += r.ScoreEarned
		if r.IsCorrect {
			s.CorrectAnswers++
		}
	}

	if s.TotalBasePoints == 0 {
		s.Efficiency = decimal.Zero
		s.Grade = "F"
		return s
	}

	s.Efficiency = decimal.NewFromInt(int64(s.TotalFinalScore)).
		Div(decimal.NewFromInt(int64(s.TotalBasePoints))).
		Mul(decimal.NewFromInt(100)).
		Round(2)

	switch eff, _ := s.Efficiency.Float64(); {
	case eff >= 90:
		s.Grade = "A+"
	case eff >= 80:
		s.Grade = "A"
	case eff >= 70:
		s.Grade = "B"
	case eff >= 60:
		s.Grade = "C"
	case eff >= 50:
		s.Grade = "D"
	default:
		s.Grade = "F"
	}

	return s
}
