// Package escalation maps complexity scores to execution tiers and
// supervises the enhancement strategies each tier requires.
package escalation

import "github.com/fyrsmithlabs/wardend/internal/assess"

// Tier is one of four fixed complexity bands.
type Tier string

const (
	// TierDirect handles scores 1-3 with no enhancement strategy.
	TierDirect Tier = "direct"

	// TierEnhancedSingle handles scores 4-6 with the domain's analysis
	// strategy.
	TierEnhancedSingle Tier = "enhanced-single"

	// TierEnhancedMulti handles scores 7-8 with analysis followed by a
	// deeper investigative strategy.
	TierEnhancedMulti Tier = "enhanced-multi"

	// TierConsensusCritical handles scores 9-10 with a multi-rater
	// consensus strategy.
	TierConsensusCritical Tier = "consensus-critical"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierDirect, TierEnhancedSingle, TierEnhancedMulti, TierConsensusCritical:
		return true
	default:
		return false
	}
}

// TierForScore derives the tier from a complexity score. Pure lookup,
// shared by every domain. Scores outside [1,10] are clamped first so a
// defective caller cannot select a tier the score bands don't define.
func TierForScore(score int) Tier {
	if score < assess.ScoreMin {
		score = assess.ScoreMin
	}
	if score > assess.ScoreMax {
		score = assess.ScoreMax
	}

	switch {
	case score <= 3:
		return TierDirect
	case score <= 6:
		return TierEnhancedSingle
	case score <= 8:
		return TierEnhancedMulti
	default:
		return TierConsensusCritical
	}
}
