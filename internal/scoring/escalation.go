package scoring

// ShouldEscalate is a rising-edge detector: it fires only when the score
// moves from below threshold to at-or-above it. A score that stays high does
// not fire again; one that decays below and re-crosses does.
func ShouldEscalate(oldScore, newScore, threshold float64) bool {
	return newScore >= threshold && oldScore < threshold
}

// ShouldEscalate applies the rising-edge check with the configured threshold.
func (p Params) ShouldEscalate(oldScore, newScore float64) bool {
	return ShouldEscalate(oldScore, newScore, p.Threshold)
}
