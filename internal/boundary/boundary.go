// Package boundary enforces resource-access policy around worker
// mutations. Two layers exist on purpose: a cheap pre-flight check
// before a mutation may be attempted, and a post-hoc audit against the
// independent log of what actually changed. A single enforcement point
// is not trusted to be a single point of failure.
package boundary

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/wardend/internal/task"
)

// Verdict is the enforcement decision for one mutation attempt.
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictBlocked Verdict = "blocked"
)

// Phase identifies which enforcement layer produced an attempt record.
type Phase string

const (
	// PhasePreflight is the in-process gate before the mutation runs.
	PhasePreflight Phase = "preflight"

	// PhaseAudit is the post-hoc comparison against the applied log.
	PhaseAudit Phase = "audit"
)

// Policy is a worker role's resource-access policy. The deny list
// always wins over the allow list; a resource matching neither is
// blocked (fail closed).
type Policy struct {
	Allow        []string            `json:"allow" koanf:"allow"`
	Deny         []string            `json:"deny" koanf:"deny"`
	Capabilities []task.MutationKind `json:"capabilities" koanf:"capabilities"`
}

// Permits returns true if the policy's capability set includes the
// mutation kind. An empty capability set permits nothing.
func (p Policy) Permits(kind task.MutationKind) bool {
	for _, c := range p.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// Attempt is the audit record for one attempted mutation. Attempts are
// never deleted; blocked attempts must never be followed by the
// mutation taking effect.
type Attempt struct {
	ID       string            `json:"id"`
	TaskID   string            `json:"task_id"`
	Role     string            `json:"role"`
	Resource string            `json:"resource"`
	Kind     task.MutationKind `json:"kind"`
	Verdict  Verdict           `json:"verdict"`
	Phase    Phase             `json:"phase"`
	Reason   string            `json:"reason,omitempty"`
	At       time.Time         `json:"at"`
}

// Enforcer evaluates mutation attempts against role policies. It holds
// no mutable state; policies arrive as snapshots, so concurrent use
// needs no synchronization here.
type Enforcer struct{}

// NewEnforcer creates an enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

// Check evaluates a single mutation against a policy snapshot.
// Order is fixed: deny match blocks regardless of allow; then an allow
// match (with the capability present) permits; everything else blocks.
func (e *Enforcer) Check(policy Policy, resource string, kind task.MutationKind) (Verdict, string) {
	if pattern := matchAny(policy.Deny, resource); pattern != "" {
		return VerdictBlocked, "deny pattern " + pattern
	}
	if !policy.Permits(kind) {
		return VerdictBlocked, "capability " + string(kind) + " not granted"
	}
	if pattern := matchAny(policy.Allow, resource); pattern != "" {
		return VerdictAllowed, "allow pattern " + pattern
	}
	return VerdictBlocked, "no allow pattern matched"
}

// Preflight runs the pre-execution gate for one proposed mutation and
// returns the attempt record for the audit trail.
func (e *Enforcer) Preflight(taskID, role string, policy Policy, m task.Mutation) Attempt {
	verdict, reason := e.Check(policy, m.Resource, m.Kind)
	return Attempt{
		ID:       uuid.New().String(),
		TaskID:   taskID,
		Role:     role,
		Resource: m.Resource,
		Kind:     m.Kind,
		Verdict:  verdict,
		Phase:    PhasePreflight,
		Reason:   reason,
		At:       time.Now().UTC(),
	}
}

// Audit compares the independent log of applied mutations against the
// set the pre-flight gate allowed. Every applied mutation that was not
// explicitly allowed, or that violates policy outright, yields a
// blocked audit attempt. Callers treat any returned attempt as a
// policy violation to feed the ledger.
func (e *Enforcer) Audit(taskID, role string, policy Policy, allowed []Attempt, applied []task.Mutation) []Attempt {
	permitted := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		if a.Verdict == VerdictAllowed {
			permitted[string(a.Kind)+"\x00"+a.Resource] = true
		}
	}

	var mismatches []Attempt
	for _, m := range applied {
		verdict, reason := e.Check(policy, m.Resource, m.Kind)
		if verdict == VerdictAllowed && permitted[string(m.Kind)+"\x00"+m.Resource] {
			continue
		}
		if verdict == VerdictAllowed {
			reason = "mutation applied without pre-flight approval"
		}
		mismatches = append(mismatches, Attempt{
			ID:       uuid.New().String(),
			TaskID:   taskID,
			Role:     role,
			Resource: m.Resource,
			Kind:     m.Kind,
			Verdict:  VerdictBlocked,
			Phase:    PhaseAudit,
			Reason:   reason,
			At:       time.Now().UTC(),
		})
	}
	return mismatches
}

// matchAny returns the first pattern matching the resource, or "".
func matchAny(patterns []string, resource string) string {
	for _, p := range patterns {
		if Match(p, resource) {
			return p
		}
	}
	return ""
}

// Match reports whether a resource identifier matches a pattern.
// Patterns are slash-separated globs. A trailing "/**" matches the
// prefix and everything under it; "*" within a segment never crosses a
// slash, mirroring gitignore-style matching.
func Match(pattern, resource string) bool {
	if pattern == "" {
		return false
	}
	if pattern == resource {
		return true
	}

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return resource == prefix || strings.HasPrefix(resource, prefix+"/")
	}

	pSegs := strings.Split(pattern, "/")
	rSegs := strings.Split(resource, "/")
	if len(pSegs) != len(rSegs) {
		return false
	}
	for i := range pSegs {
		ok, err := path.Match(pSegs[i], rSegs[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}
