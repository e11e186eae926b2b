// ABOUTME: Tests for priority scoring and deterministic ranking
// ABOUTME: Covers normalisation edge cases, weights and every tie-break level

package priority

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func minutesAgo(m int) time.Time {
	return now.Add(-time.Duration(m) * time.Minute)
}

func TestScore_Empty(t *testing.T) {
	assert.Empty(t, Score(nil, DefaultWeights, now))
}

func TestScore_SingleCandidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		want    float64
	}{
		{"defaults", DefaultWeights, 2.0},
		{"custom", Weights{Alpha: 0.3, Beta: 2}, 2.3},
		{"zero", Weights{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores := Score([]Candidate{{ID: "c1", MessageCount: 7, LastActivity: minutesAgo(3)}}, tt.weights, now)
			assert.InDelta(t, tt.want, scores["c1"], 1e-9)
		})
	}
}

func TestScore_IdenticalCandidatesScoreZero(t *testing.T) {
	cands := []Candidate{
		{ID: "a", MessageCount: 4, LastActivity: minutesAgo(10)},
		{ID: "b", MessageCount: 4, LastActivity: minutesAgo(10)},
		{ID: "c", MessageCount: 4, LastActivity: minutesAgo(10)},
	}
	scores := Score(cands, DefaultWeights, now)
	for _, c := range cands {
		assert.Zero(t, scores[c.ID], c.ID)
	}
}

func TestScore_Normalisation(t *testing.T) {
	cands := []Candidate{
		{ID: "busy", MessageCount: 10, LastActivity: minutesAgo(0)},
		{ID: "mid", MessageCount: 5, LastActivity: minutesAgo(50)},
		{ID: "waiting", MessageCount: 0, LastActivity: minutesAgo(100)},
	}
	scores := Score(cands, Weights{Alpha: 2, Beta: 1}, now)

	assert.InDelta(t, 2.0, scores["busy"], 1e-9)
	assert.InDelta(t, 2*0.5+0.5, scores["mid"], 1e-9)
	assert.InDelta(t, 1.0, scores["waiting"], 1e-9)

	for id, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0, id)
		assert.LessOrEqual(t, s, 3.0, id)
	}
}

func TestScore_FutureActivityClampsToZeroDelay(t *testing.T) {
	cands := []Candidate{
		{ID: "skewed", MessageCount: 1, LastActivity: now.Add(5 * time.Minute)},
		{ID: "now", MessageCount: 1, LastActivity: now},
	}
	scores := Score(cands, DefaultWeights, now)
	assert.Zero(t, scores["skewed"])
	assert.Zero(t, scores["now"])
}

func TestScore_ZeroLastActivity(t *testing.T) {
	c := Candidate{ID: "fresh"}
	assert.Zero(t, c.DelayMinutes(now))
}

func TestRank_EqualScoresPreferOldestActivity(t *testing.T) {
	// C1 has many messages but is recent; C2 is quiet but has waited longest.
	cands := []Candidate{
		{ID: "C1", MessageCount: 10, LastActivity: minutesAgo(5)},
		{ID: "C2", MessageCount: 1, LastActivity: minutesAgo(100)},
	}
	ranked := ScoreAndRank(cands, DefaultWeights, now)
	require.Len(t, ranked, 2)

	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
	assert.InDelta(t, 1.0, ranked[1].Score, 1e-9)
	assert.Equal(t, "C2", ranked[0].ID)
	assert.Equal(t, "C1", ranked[1].ID)
}

func TestRank_FallsBackToID(t *testing.T) {
	cands := []Candidate{
		{ID: "zeta", MessageCount: 1, LastActivity: minutesAgo(1)},
		{ID: "alpha", MessageCount: 1, LastActivity: minutesAgo(1)},
		{ID: "mu", MessageCount: 1, LastActivity: minutesAgo(1)},
	}
	ranked := ScoreAndRank(cands, DefaultWeights, now)
	ids := []string{ranked[0].ID, ranked[1].ID, ranked[2].ID}
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, ids)
}

func TestRank_HighestScoreFirst(t *testing.T) {
	cands := []Candidate{
		{ID: "low", MessageCount: 1, LastActivity: minutesAgo(1)},
		{ID: "high", MessageCount: 9, LastActivity: minutesAgo(60)},
	}
	ranked := ScoreAndRank(cands, DefaultWeights, now)
	assert.Equal(t, "high", ranked[0].ID)
	assert.InDelta(t, 2.0, ranked[0].Score, 1e-9)
}

func TestRank_IsDeterministic(t *testing.T) {
	cands := []Candidate{
		{ID: "b", MessageCount: 3, LastActivity: minutesAgo(7)},
		{ID: "a", MessageCount: 3, LastActivity: minutesAgo(7)},
		{ID: "c", MessageCount: 1, LastActivity: minutesAgo(2)},
	}
	first := ScoreAndRank(cands, DefaultWeights, now)
	reversed := []Candidate{cands[2], cands[1], cands[0]}
	second := ScoreAndRank(reversed, DefaultWeights, now)
	assert.Equal(t, first, second)
}

func TestWeights_Valid(t *testing.T) {
	assert.True(t, DefaultWeights.Valid())
	assert.True(t, Weights{}.Valid())
	assert.False(t, Weights{Alpha: -1, Beta: 1}.Valid())
	assert.False(t, Weights{Alpha: 1, Beta: math.NaN()}.Valid())
	assert.False(t, Weights{Alpha: math.Inf(1), Beta: 1}.Valid())
}
