// Package worker defines worker roles, the registry that resolves them,
// and the execution contract an external worker fulfills.
package worker

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/task"
)

// Role is a stateless worker role definition: the domains it serves,
// the resource-access policy bounding what it may mutate, and the
// strategy identifiers plugged into each escalation tier.
//
// Roles are defined at configuration time and mutated only by ledger
// deltas. Deny-list growth is the automatic case; allow-list growth is
// an administrative action, never learned.
type Role struct {
	Name       string                 `json:"name" koanf:"name"`
	Domains    []string               `json:"domains" koanf:"domains"`
	Boundary   boundary.Policy        `json:"boundary" koanf:"boundary"`
	Strategies escalation.StrategySet `json:"strategies" koanf:"strategies"`

	// Atomic declares that a blocked mutation voids the whole task's
	// partial progress instead of recording it as partial.
	Atomic bool `json:"atomic,omitempty" koanf:"atomic"`
}

// Validate checks a role definition for configuration errors.
func (r *Role) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("role has no name")
	}
	if len(r.Domains) == 0 {
		return fmt.Errorf("role %s serves no domains", r.Name)
	}
	for _, kind := range r.Boundary.Capabilities {
		if !kind.Valid() {
			return fmt.Errorf("role %s has unknown capability %q", r.Name, kind)
		}
	}
	return nil
}

// Clone returns a deep copy. Resolution hands out clones so callers
// hold a stable snapshot while the registry absorbs deltas.
func (r *Role) Clone() *Role {
	copied := *r
	copied.Domains = append([]string(nil), r.Domains...)
	copied.Boundary.Allow = append([]string(nil), r.Boundary.Allow...)
	copied.Boundary.Deny = append([]string(nil), r.Boundary.Deny...)
	copied.Boundary.Capabilities = append([]task.MutationKind(nil), r.Boundary.Capabilities...)
	return &copied
}

// DeltaKind categorizes policy deltas produced by the feedback ledger.
type DeltaKind string

const (
	// DeltaDenyAdd appends a pattern to a role's deny list.
	DeltaDenyAdd DeltaKind = "deny-add"

	// DeltaThresholdAdjust biases a domain's escalation threshold.
	DeltaThresholdAdjust DeltaKind = "threshold-adjust"

	// DeltaAnnotation records a low-severity signal without changing
	// enforced policy.
	DeltaAnnotation DeltaKind = "annotation"
)

// Delta is one durable policy change. Identical deltas share a
// fingerprint; applying the same fingerprint twice is a no-op.
type Delta struct {
	ID        string    `json:"id"`
	Kind      DeltaKind `json:"kind"`
	Role      string    `json:"role,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fingerprint returns the stable identity used for deduplication.
func (d Delta) Fingerprint() string {
	switch d.Kind {
	case DeltaThresholdAdjust:
		return fmt.Sprintf("%s|%s|%+d", d.Kind, d.Domain, d.Offset)
	default:
		return fmt.Sprintf("%s|%s|%s", d.Kind, d.Role, d.Pattern)
	}
}
