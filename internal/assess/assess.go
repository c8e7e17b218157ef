// Package assess computes complexity scores for incoming tasks.
//
// Every domain contributes its own named factor set, but the aggregation
// rule is shared: each factor is clamped to [0,2], the sum is clamped to
// [1,10]. The uniform bounds are what make escalation tier thresholds
// mean the same thing in every domain.
package assess

import (
	"sort"

	"github.com/fyrsmithlabs/wardend/internal/task"
)

const (
	// FactorMax is the ceiling for a single factor contribution. No
	// single factor may dominate the scale.
	FactorMax = 2

	// ScoreMin and ScoreMax bound the final score.
	ScoreMin = 1
	ScoreMax = 10
)

// Inputs carries caller-supplied factor measurements for one task.
// A missing factor defaults to 0: under-scoring is safe, over-scoring
// triggers unnecessary escalation cost.
type Inputs map[string]int

// Factor is a single named contribution to a score.
type Factor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// Score is a computed complexity score with the factor contributions
// that produced it. Computed once per task, never mutated.
type Score struct {
	Value   int      `json:"value"`
	Factors []Factor `json:"factors,omitempty"`
}

// ClampFactor bounds a raw factor measurement to [0, FactorMax].
func ClampFactor(v int) int {
	if v < 0 {
		return 0
	}
	if v > FactorMax {
		return FactorMax
	}
	return v
}

// Aggregate applies the universal aggregation rule to a factor list.
// This is the single shared implementation; domains must not copy it.
func Aggregate(factors []Factor) int {
	sum := 0
	for _, f := range factors {
		sum += ClampFactor(f.Weight)
	}
	if sum < ScoreMin {
		return ScoreMin
	}
	if sum > ScoreMax {
		return ScoreMax
	}
	return sum
}

// Assessor scores tasks using per-domain factor sets.
type Assessor struct {
	sets map[string][]string // domain -> ordered factor names
}

// NewAssessor creates an assessor from per-domain factor name sets.
// Factor name order within a set is preserved in the emitted score.
func NewAssessor(sets map[string][]string) *Assessor {
	copied := make(map[string][]string, len(sets))
	for domain, names := range sets {
		copied[domain] = append([]string(nil), names...)
	}
	return &Assessor{sets: copied}
}

// DefaultFactorSets returns the built-in factor sets.
func DefaultFactorSets() map[string][]string {
	return map[string][]string{
		"repair": {
			"defect-pattern-breadth",
			"cross-component-span",
			"concurrency-involvement",
			"external-integration",
		},
		"design": {
			"component-count",
			"integration-points",
			"scaling-requirement",
			"domain-logic-depth",
		},
		"planning": {
			"milestone-count",
			"dependency-fanout",
			"uncertainty",
			"stakeholder-span",
		},
	}
}

// Assess computes the complexity score for a task. Pure: no side
// effects, identical inputs always yield the identical score.
//
// A domain without a configured factor set scores at the floor with no
// factor contributions, which routes it to the cheapest tier.
func (a *Assessor) Assess(t *task.Task, inputs Inputs) (Score, error) {
	if err := t.Validate(); err != nil {
		return Score{}, err
	}

	names, ok := a.sets[t.Domain]
	if !ok {
		return Score{Value: ScoreMin}, nil
	}

	factors := make([]Factor, 0, len(names))
	for _, name := range names {
		// Missing input defaults to 0.
		factors = append(factors, Factor{
			Name:   name,
			Weight: ClampFactor(inputs[name]),
		})
	}

	return Score{Value: Aggregate(factors), Factors: factors}, nil
}

// Domains returns the configured domain tags in sorted order.
func (a *Assessor) Domains() []string {
	domains := make([]string, 0, len(a.sets))
	for d := range a.sets {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
