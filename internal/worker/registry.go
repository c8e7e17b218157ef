package worker

import (
	"errors"
	"fmt"
	"sync"
)

// Errors for registry operations.
var (
	// ErrNoWorker means no role serves the requested domain. Resolution
	// fails closed: there is no default role, because running foreign
	// logic under the wrong boundary policy is worse than refusing.
	ErrNoWorker = errors.New("no worker role for domain")

	// ErrUnknownRole means a delta names a role the registry has never
	// seen.
	ErrUnknownRole = errors.New("unknown worker role")
)

// Persister stores registry state durably. Implemented by the badger
// store; a nil persister keeps the registry memory-only for tests.
type Persister interface {
	SaveRole(role *Role) error
	SaveAppliedFingerprint(fp string) error
}

// Registry maps domain tags to worker roles and absorbs policy deltas.
// Reads hand out role snapshots; delta writes are serialized so no
// in-flight task observes a half-applied delta.
type Registry struct {
	mu       sync.RWMutex
	roles    map[string]*Role  // by role name
	byDomain map[string]string // domain -> role name
	applied  map[string]bool   // delta fingerprints already applied
	persist  Persister
}

// NewRegistry creates a registry from role definitions.
func NewRegistry(roles []*Role, persist Persister) (*Registry, error) {
	r := &Registry{
		roles:    make(map[string]*Role, len(roles)),
		byDomain: make(map[string]string),
		applied:  make(map[string]bool),
		persist:  persist,
	}
	for _, role := range roles {
		if err := r.register(role); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(role *Role) error {
	if err := role.Validate(); err != nil {
		return err
	}
	if _, exists := r.roles[role.Name]; exists {
		return fmt.Errorf("duplicate role name %q", role.Name)
	}
	for _, domain := range role.Domains {
		if owner, taken := r.byDomain[domain]; taken {
			return fmt.Errorf("domain %q already served by role %q", domain, owner)
		}
	}
	r.roles[role.Name] = role.Clone()
	for _, domain := range role.Domains {
		r.byDomain[domain] = role.Name
	}
	return nil
}

// Resolve returns a snapshot of the role serving the domain.
func (r *Registry) Resolve(domain string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byDomain[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorker, domain)
	}
	return r.roles[name].Clone(), nil
}

// Role returns a snapshot of a role by name.
func (r *Registry) Role(name string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	return role.Clone(), nil
}

// Roles returns snapshots of all registered roles.
func (r *Registry) Roles() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role.Clone())
	}
	return out
}

// ApplyDelta applies a deny-add delta to the named role. Returns false
// without error when the delta's fingerprint was already applied.
// Threshold deltas belong to the escalation policy and are rejected
// here; annotations are recorded upstream and never reach the registry.
func (r *Registry) ApplyDelta(delta Delta) (bool, error) {
	if delta.Kind != DeltaDenyAdd {
		return false, fmt.Errorf("registry cannot apply delta kind %q", delta.Kind)
	}
	if delta.Pattern == "" {
		return false, fmt.Errorf("deny-add delta for role %q has no pattern", delta.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fp := delta.Fingerprint()
	if r.applied[fp] {
		return false, nil
	}

	role, ok := r.roles[delta.Role]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRole, delta.Role)
	}

	role.Boundary.Deny = append(role.Boundary.Deny, delta.Pattern)
	r.applied[fp] = true

	if r.persist != nil {
		if err := r.persist.SaveRole(role.Clone()); err != nil {
			return false, fmt.Errorf("failed to persist role %s: %w", role.Name, err)
		}
		if err := r.persist.SaveAppliedFingerprint(fp); err != nil {
			return false, fmt.Errorf("failed to persist delta fingerprint: %w", err)
		}
	}
	return true, nil
}

// MarkApplied restores a persisted fingerprint on startup.
func (r *Registry) MarkApplied(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[fp] = true
}

// Applied reports whether a fingerprint has been applied.
func (r *Registry) Applied(fp string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied[fp]
}

// GrantAllow appends an allow pattern to a role. This is the explicit
// administrative path; the ledger never widens an allow list.
func (r *Registry) GrantAllow(roleName, pattern string) error {
	if pattern == "" {
		return errors.New("allow pattern cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[roleName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, roleName)
	}
	role.Boundary.Allow = append(role.Boundary.Allow, pattern)

	if r.persist != nil {
		if err := r.persist.SaveRole(role.Clone()); err != nil {
			return fmt.Errorf("failed to persist role %s: %w", role.Name, err)
		}
	}
	return nil
}

// ReplaceRole swaps in an updated role definition, keeping domain
// routing consistent. Used by the config reloader. Deny entries from
// the old definition are carried over: a reload can widen the deny
// list but never shrink it, so learned restrictions survive.
func (r *Registry) ReplaceRole(role *Role) error {
	if err := role.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.roles[role.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role.Name)
	}
	for _, domain := range role.Domains {
		if owner, taken := r.byDomain[domain]; taken && owner != role.Name {
			return fmt.Errorf("domain %q already served by role %q", domain, owner)
		}
	}

	next := role.Clone()
	have := make(map[string]bool, len(next.Boundary.Deny))
	for _, pattern := range next.Boundary.Deny {
		have[pattern] = true
	}
	for _, pattern := range old.Boundary.Deny {
		if !have[pattern] {
			next.Boundary.Deny = append(next.Boundary.Deny, pattern)
		}
	}

	for _, domain := range old.Domains {
		delete(r.byDomain, domain)
	}
	r.roles[role.Name] = next
	for _, domain := range role.Domains {
		r.byDomain[domain] = role.Name
	}

	if r.persist != nil {
		if err := r.persist.SaveRole(next.Clone()); err != nil {
			return fmt.Errorf("failed to persist role %s: %w", next.Name, err)
		}
	}
	return nil
}
