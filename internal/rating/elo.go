package rating

import "math"

// DefaultRating is the season starting rating.
const DefaultRating = 1500

// KFactor is fixed for all matches; disconnect and surrender outcomes are
// scored as plain losses so leaving cannot soften the rating hit.
const KFactor = 32

// Score values for the actual outcome.
const (
	ScoreWin  = 1.0
	ScoreDraw = 0.5
	ScoreLoss = 0.0
)

// Expected returns the expected score of a player rated `own` against `opp`.
func Expected(own, opp int) float64 {
	return 1 / (1 + math.Pow(10, float64(opp-own)/400))
}

// Delta returns the signed rating adjustment for a player rated `own` against
// `opp` who achieved `score` (1, 0.5 or 0).
func Delta(own, opp int, score float64) int {
	return int(math.Round(KFactor * (score - Expected(own, opp))))
}
