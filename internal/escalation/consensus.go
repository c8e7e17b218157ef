package escalation

import (
	"errors"
	"fmt"
)

// Stance is the perspective a consensus rater argues from.
type Stance string

const (
	// StanceNeutral evaluates the work on its own terms.
	StanceNeutral Stance = "neutral"

	// StanceAdversarial actively looks for reasons to reject. A tie
	// involving an adversarial objection blocks automatic resolution.
	StanceAdversarial Stance = "adversarial"
)

// RaterConfig describes one independent rater in a consensus strategy.
type RaterConfig struct {
	ID     string `json:"id" koanf:"id"`
	Stance Stance `json:"stance" koanf:"stance"`
}

// RaterVerdict is one rater's judgment.
type RaterVerdict struct {
	RaterID string `json:"rater_id"`
	Stance  Stance `json:"stance"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// Resolution is the computed outcome of a consensus round.
type Resolution string

const (
	// ResolutionApproved means a majority approved.
	ResolutionApproved Resolution = "approved"

	// ResolutionRejected means a majority rejected.
	ResolutionRejected Resolution = "rejected"

	// ResolutionEscalate means no majority formed. The task is refused
	// and a human must resolve it; there is no automatic tie-breaker.
	ResolutionEscalate Resolution = "escalate"
)

// ErrInsufficientRaters is returned when a consensus round has fewer
// than two raters or lacks stance diversity.
var ErrInsufficientRaters = errors.New("consensus requires at least two raters with different stances")

// ValidateRaters checks that a rater set satisfies the consensus
// contract: at least two raters, at least two distinct stances.
func ValidateRaters(raters []RaterConfig) error {
	if len(raters) < 2 {
		return ErrInsufficientRaters
	}
	stances := make(map[Stance]bool, 2)
	for _, r := range raters {
		if r.Stance != StanceNeutral && r.Stance != StanceAdversarial {
			return fmt.Errorf("rater %s has unknown stance %q", r.ID, r.Stance)
		}
		stances[r.Stance] = true
	}
	if len(stances) < 2 {
		return ErrInsufficientRaters
	}
	return nil
}

// Resolve computes the consensus resolution from per-rater verdicts.
// Majority agreement wins. On a tie the adversarial objection stands
// and the round escalates to a human.
func Resolve(verdicts []RaterVerdict) (Resolution, error) {
	if len(verdicts) < 2 {
		return "", ErrInsufficientRaters
	}

	approve := 0
	for _, v := range verdicts {
		if v.Approve {
			approve++
		}
	}
	reject := len(verdicts) - approve

	switch {
	case approve > reject:
		return ResolutionApproved, nil
	case reject > approve:
		return ResolutionRejected, nil
	default:
		return ResolutionEscalate, nil
	}
}
