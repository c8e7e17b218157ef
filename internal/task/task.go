// Package task defines the unit of work accepted by wardend and the
// shared vocabulary (ordering constraints, mutation kinds, terminal
// statuses) used by every other package.
package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMissingDomain is returned when a task has no domain tag.
// Domain selection drives worker resolution and factor sets, so a task
// without one cannot be dispatched.
var ErrMissingDomain = errors.New("task has no domain tag")

// Ordering declares how sibling tasks in one request may be scheduled.
type Ordering string

const (
	// OrderingNone places no constraint on sibling scheduling.
	OrderingNone Ordering = "none"

	// OrderingStrictSequence requires task k to reach a terminal state
	// before task k+1 starts.
	OrderingStrictSequence Ordering = "strict-sequence"

	// OrderingParallelAllowed permits concurrent siblings bounded by the
	// configured fan-out limit.
	OrderingParallelAllowed Ordering = "parallel-allowed"
)

// Valid returns true if the ordering is a known value.
func (o Ordering) Valid() bool {
	switch o {
	case OrderingNone, OrderingStrictSequence, OrderingParallelAllowed:
		return true
	default:
		return false
	}
}

// MutationKind categorizes what a worker wants to do to a resource.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationModify MutationKind = "modify"
	MutationDelete MutationKind = "delete"
)

// Valid returns true if the mutation kind is a known value.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationModify, MutationDelete:
		return true
	default:
		return false
	}
}

// Status is the terminal outcome of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusRefused Status = "refused"
)

// Mutation is a single resource change proposed by a worker. The
// orchestrator, not the worker, decides whether it may take effect.
type Mutation struct {
	Resource string       `json:"resource"`
	Kind     MutationKind `json:"kind"`
}

// Task is an incoming unit of work. Immutable once assessment begins;
// completion records reference tasks by ID rather than owning them.
type Task struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	Description string    `json:"description"`
	Ordering    Ordering  `json:"ordering"`
	ParentID    string    `json:"parent_id,omitempty"`
	ScopeHints  []string  `json:"scope_hints,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// New creates a task with a generated identifier.
func New(domain, description string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Domain:      domain,
		Description: description,
		Ordering:    OrderingNone,
		SubmittedAt: time.Now().UTC(),
	}
}

// Validate checks the task for dispatch preconditions.
func (t *Task) Validate() error {
	if t.Domain == "" {
		return ErrMissingDomain
	}
	if t.Ordering != "" && !t.Ordering.Valid() {
		return errors.New("invalid ordering constraint: " + string(t.Ordering))
	}
	return nil
}
