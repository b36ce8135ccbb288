package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dinequest/dinequest/internal/scoring"
)

func TestScore(t *testing.T) {
	tests := map[string]struct {
		basePoints       int
		timeLimitSeconds int
		elapsedMs        int64
		correct          bool
		want             int
	}{
		"fast answer keeps most points":       {1000, 10, 1000, true, 900},
		"half the time loses half the points": {1000, 10, 5000, true, 500},
		"answer at the limit scores zero":     {1000, 10, 10000, true, 0},
		"elapsed clamps to the limit":         {1000, 10, 15000, true, 0},
		"negative elapsed clamps to zero":     {1000, 10, -200, true, 1000},
		"incorrect answer scores zero":        {1000, 10, 1000, false, 0},
		"incorrect instant answer too":        {500, 30, 0, false, 0},
		"zero time limit scores zero":         {1000, 0, 1000, true, 0},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, scoring.Score(tt.basePoints, tt.timeLimitSeconds, tt.elapsedMs, tt.correct))
		})
	}
}

func TestTier(t *testing.T) {
	tests := map[string]struct {
		score, base int
		want        string
	}{
		"at 80 percent":    {800, 1000, "Excellent"},
		"at 60 percent":    {600, 1000, "Good"},
		"at 40 percent":    {400, 1000, "Average"},
		"below 40 percent": {399, 1000, "Needs Improvement"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, scoring.Tier(tt.score, tt.base))
		})
	}
}

func TestAggregate(t *testing.T) {
	results := []scoring.Result{
		{BasePoints: 1000, ScoreEarned: 900, IsCorrect: true},
		{BasePoints: 1000, ScoreEarned: 500, IsCorrect: true},
		{BasePoints: 1000, ScoreEarned: 0, IsCorrect: false},
	}

	s := scoring.Aggregate(results)

	require.Equal(t, 3, s.QuestionCount)
	require.Equal(t, 3000, s.TotalBasePoints)
	require.Equal(t, 1400, s.TotalFinalScore)
	require.Equal(t, 2, s.CorrectAnswers)
	require.Equal(t, "46.67", s.Efficiency.StringFixed(2))
	require.Equal(t, "F", s.Grade)
}

func TestAggregate_Grades(t *testing.T) {
	grade := func(final int) string {
		return scoring.Aggregate([]scoring.Result{
			{BasePoints: 1000, ScoreEarned: final, IsCorrect: true},
		}).Grade
	}

	assert.Equal(t, "A+", grade(900))
	assert.Equal(t, "A", grade(800))
	assert.Equal(t, "B", grade(700))
	assert.Equal(t, "C", grade(600))
	assert.Equal(t, "D", grade(500))
	assert.Equal(t, "F", grade(499))
}

func TestAggregate_Empty(t *testing.T) {
	s := scoring.Aggregate(nil)

	assert.Equal(t, 0, s.TotalBasePoints)
	assert.True(t, s.Efficiency.IsZero())
	assert.Equal(t, "F", s.Grade)
}
