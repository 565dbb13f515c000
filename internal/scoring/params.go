// Package scoring turns a user's recent query activity into a bounded,
// decaying suspicion score and decides when that score crosses the
// escalation threshold.
//
// Everything here is pure: no I/O apart from the similarity oracle that
// callers pass in. Scores range from 0.0 (benign) to 1.0 (almost certainly
// automated extraction) and are rounded to 4 decimal places before they are
// persisted or compared, so reimplementations agree bit-for-bit on whether a
// threshold was crossed.
package scoring

import "fmt"

// Defaults for the scoring parameters.
const (
	DefaultThreshold           = 0.95
	DefaultDecayFactor         = 0.9
	DefaultVelocityWeight      = 0.6
	DefaultSimilarityWeight    = 0.4
	DefaultVelocitySaturation  = 50
	DefaultMinSimilaritySample = 5
)

// Params holds the tunable constants of the scoring model.
type Params struct {
	Threshold           float64 // escalation fires when a score rises to or above this
	DecayFactor         float64 // multiplier applied to the prior score every cycle
	VelocityWeight      float64
	SimilarityWeight    float64
	VelocitySaturation  int // event count at which the velocity score saturates at 1.0
	MinSimilaritySample int // below this many prompts the similarity score is 0
}

// DefaultParams returns the production scoring parameters.
func DefaultParams() Params {
	return Params{
		Threshold:           DefaultThreshold,
		DecayFactor:         DefaultDecayFactor,
		VelocityWeight:      DefaultVelocityWeight,
		SimilarityWeight:    DefaultSimilarityWeight,
		VelocitySaturation:  DefaultVelocitySaturation,
		MinSimilaritySample: DefaultMinSimilaritySample,
	}
}

// Validate reports the first parameter outside its legal range.
func (p Params) Validate() error {
	switch {
	case p.Threshold <= 0 || p.Threshold > 1:
		return fmt.Errorf("threshold must be in (0, 1], got %v", p.Threshold)
	case p.DecayFactor < 0 || p.DecayFactor > 1:
		return fmt.Errorf("decay factor must be in [0, 1], got %v", p.DecayFactor)
	case p.VelocityWeight < 0 || p.SimilarityWeight < 0:
		return fmt.Errorf("score weights must be non-negative")
	case p.VelocityWeight+p.SimilarityWeight > 1.0+1e-9:
		return fmt.Errorf("score weights must sum to at most 1, got %v", p.VelocityWeight+p.SimilarityWeight)
	case p.VelocitySaturation <= 0:
		return fmt.Errorf("velocity saturation must be positive, got %d", p.VelocitySaturation)
	case p.MinSimilaritySample < 2:
		return fmt.Errorf("minimum similarity sample must be at least 2, got %d", p.MinSimilaritySample)
	}
	return nil
}
