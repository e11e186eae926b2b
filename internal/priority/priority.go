// ABOUTME: Priority scoring for queued conversations using min-max normalised inputs
// ABOUTME: Pure functions: callers pass the clock reading and the tenant weights explicitly

package priority

import (
	"math"
	"sort"
	"time"
)

// Weights are the per-tenant coefficients applied to the normalised inputs.
type Weights struct {
	Alpha float64 // message count weight
	Beta  float64 // waiting time weight
}

// DefaultWeights is used when a tenant has no stored configuration.
var DefaultWeights = Weights{Alpha: 1.0, Beta: 1.0}

// Valid reports whether both weights are finite and non-negative.
func (w Weights) Valid() bool {
	return validWeight(w.Alpha) && validWeight(w.Beta)
}

func validWeight(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Candidate is the subset of a conversation that scoring looks at.
type Candidate struct {
	ID           string
	MessageCount int
	LastActivity time.Time
}

// DelayMinutes returns how long the candidate has waited as of now.
// A zero LastActivity or a timestamp in the future counts as no delay.
func (c Candidate) DelayMinutes(now time.Time) float64 {
	if c.LastActivity.IsZero() {
		return 0
	}
	d := now.Sub(c.LastActivity).Minutes()
	if d < 0 {
		return 0
	}
	return d
}

// Score computes alpha*normalized_count + beta*normalized_delay for every
// candidate, normalising each input across the whole set. A lone candidate
// scores alpha+beta; a dimension with no spread contributes 0.
func Score(candidates []Candidate, w Weights, now time.Time) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	switch len(candidates) {
	case 0:
		return scores
	case 1:
		scores[candidates[0].ID] = w.Alpha + w.Beta
		return scores
	}

	counts := make([]float64, len(candidates))
	delays := make([]float64, len(candidates))
	for i, c := range candidates {
		counts[i] = float64(c.MessageCount)
		delays[i] = c.DelayMinutes(now)
	}

	countMin, countMax := bounds(counts)
	delayMin, delayMax := bounds(delays)

	for i, c := range candidates {
		nc := normalize(counts[i], countMin, countMax)
		nd := normalize(delays[i], delayMin, delayMax)
		scores[c.ID] = w.Alpha*nc + w.Beta*nd
	}
	return scores
}

func bounds(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// Ranked is a candidate with its score, in allocation order.
type Ranked struct {
	Candidate
	Score float64
}

// Rank orders candidates by score descending, then earliest last activity,
// then ID. The result is a total order, so equal inputs always rank the same.
func Rank(candidates []Candidate, scores map[string]float64) []Ranked {
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, Score: scores[c.ID]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		return a.ID < b.ID
	})
	return ranked
}

// ScoreAndRank is Score followed by Rank.
func ScoreAndRank(candidates []Candidate, w Weights, now time.Time) []Ranked {
	return Rank(candidates, Score(candidates, w, now))
}
