package escalation

import (
	"sync"

	"github.com/fyrsmithlabs/wardend/internal/assess"
)

// StrategySet names the enhancement strategies a worker role plugs into
// each tier. The tier table itself is shared; only these identifiers
// vary by domain.
type StrategySet struct {
	Analysis    string `json:"analysis" koanf:"analysis"`
	Investigate string `json:"investigate" koanf:"investigate"`
	Consensus   string `json:"consensus" koanf:"consensus"`
}

// Plan is the resolved escalation decision for one task: the tier and
// the ordered strategies to invoke, plus a strategy preference hint.
type Plan struct {
	Tier       Tier     `json:"tier"`
	Strategies []string `json:"strategies,omitempty"`
	// Preference hints which provider mode suits the tier; advisory only.
	Preference string `json:"preference,omitempty"`
}

// Policy selects escalation plans. Threshold adjustments issued by the
// feedback ledger are held as per-domain score offsets: an offset never
// rewrites the shared tier table, it biases the effective score for
// future tasks of that domain.
type Policy struct {
	mu      sync.RWMutex
	offsets map[string]int
}

// NewPolicy creates a policy with no domain offsets.
func NewPolicy() *Policy {
	return &Policy{offsets: make(map[string]int)}
}

// Select resolves the escalation plan for a score in a domain. The
// strategy identifiers come from the resolved worker role.
func (p *Policy) Select(score int, domain string, strategies StrategySet) Plan {
	p.mu.RLock()
	offset := p.offsets[domain]
	p.mu.RUnlock()

	effective := score + offset
	if effective < assess.ScoreMin {
		effective = assess.ScoreMin
	}
	if effective > assess.ScoreMax {
		effective = assess.ScoreMax
	}

	tier := TierForScore(effective)
	plan := Plan{Tier: tier}

	switch tier {
	case TierDirect:
		plan.Preference = "fast"
	case TierEnhancedSingle:
		plan.Strategies = nonEmpty(strategies.Analysis)
		plan.Preference = "balanced"
	case TierEnhancedMulti:
		plan.Strategies = nonEmpty(strategies.Analysis, strategies.Investigate)
		plan.Preference = "thorough"
	case TierConsensusCritical:
		plan.Strategies = nonEmpty(strategies.Consensus)
		plan.Preference = "consensus"
	}

	return plan
}

// nonEmpty filters unset strategy identifiers so a role that leaves a
// tier slot blank never produces an invocation with an empty ID.
func nonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AdjustThreshold applies a score offset for a domain. Offsets
// accumulate and are clamped to the score range so a runaway feedback
// loop cannot push every task into the consensus tier permanently.
func (p *Policy) AdjustThreshold(domain string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.offsets[domain] + delta
	if next > assess.ScoreMax-assess.ScoreMin {
		next = assess.ScoreMax - assess.ScoreMin
	}
	if next < -(assess.ScoreMax - assess.ScoreMin) {
		next = -(assess.ScoreMax - assess.ScoreMin)
	}
	p.offsets[domain] = next
}

// Offset returns the current offset for a domain.
func (p *Policy) Offset(domain string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offsets[domain]
}

// Offsets returns a copy of all domain offsets, for persistence.
func (p *Policy) Offsets() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]int, len(p.offsets))
	for d, o := range p.offsets {
		out[d] = o
	}
	return out
}

// SetOffset restores a persisted offset without accumulating.
func (p *Policy) SetOffset(domain string, offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offsets[domain] = offset
}
