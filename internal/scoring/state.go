package scoring

import "math"

// Round4 rounds half away from zero to 4 decimal places. Threshold
// comparisons depend on this exact rounding.
func Round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

func clamp01(x float64) float64 {
	if x > 1.0 {
		return 1.0
	}
	if x < 0.0 || math.IsNaN(x) {
		return 0.0
	}
	return x
}

// Decay applies one idle cycle of decay to a score.
func (p Params) Decay(oldScore float64) float64 {
	return Round4(clamp01(clamp01(oldScore) * p.DecayFactor))
}

// NextScore combines the prior persisted score with the current window.
//
// With no activity the score decays. With activity the new score is the
// larger of the decayed score and the window's combined score: a burst can
// raise the score immediately, but low-risk activity can never pull it down
// faster than decay.
func (p Params) NextScore(oldScore float64, snap *Snapshot) float64 {
	if snap == nil {
		return p.Decay(oldScore)
	}
	decayed := clamp01(oldScore) * p.DecayFactor
	return Round4(clamp01(math.Max(decayed, snap.Combined)))
}
