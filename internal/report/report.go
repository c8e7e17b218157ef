// Package report accumulates structured evidence during task execution
// and seals it into one immutable completion record per top-level task.
package report

import (
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/task"
)

// ErrSealed is returned when a builder is used after sealing.
var ErrSealed = errors.New("completion record already sealed")

// DefaultEventCap bounds stored events per record. Events past the cap
// are counted, not stored, so one pathological task cannot grow an
// unbounded audit trail.
const DefaultEventCap = 256

// EventKind categorizes execution events.
type EventKind string

const (
	EventScored       EventKind = "scored"
	EventRoleResolved EventKind = "role-resolved"
	EventStateChange  EventKind = "state-change"
	EventMutation     EventKind = "mutation"
	EventStrategy     EventKind = "strategy"
	EventConsensus    EventKind = "consensus"
	EventViolation    EventKind = "violation"
	EventCancelled    EventKind = "cancelled"
)

// Event is one entry in a task's execution trail. Events are appended
// in execution order and never reordered.
type Event struct {
	Seq     int       `json:"seq"`
	Kind    EventKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// StrategyInvocation records one enhancement-strategy call and its
// evidence.
type StrategyInvocation struct {
	StrategyID string                 `json:"strategy_id"`
	Tier       escalation.Tier        `json:"tier"`
	Payload    string                 `json:"payload,omitempty"`
	Degraded   bool                   `json:"degraded,omitempty"`
	Failed     bool                   `json:"failed,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Verdicts   []escalation.RaterVerdict `json:"verdicts,omitempty"`
	Resolution escalation.Resolution  `json:"resolution,omitempty"`
	At         time.Time              `json:"at"`
}

// CompletionRecord is the sole persisted artifact for a finished task.
// It is immutable once sealed; the tier recorded here reflects policy
// at the time the task started, regardless of later deltas.
type CompletionRecord struct {
	TaskID        string               `json:"task_id"`
	ParentID      string               `json:"parent_id,omitempty"`
	Status        task.Status          `json:"status"`
	Score         assess.Score         `json:"score"`
	Tier          escalation.Tier      `json:"tier"`
	Strategies    []StrategyInvocation `json:"strategies,omitempty"`
	Attempts      []boundary.Attempt   `json:"attempts,omitempty"`
	Events        []Event              `json:"events,omitempty"`
	DroppedEvents int                  `json:"dropped_events,omitempty"`
	Summary       string               `json:"summary,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	SealedAt      time.Time            `json:"sealed_at"`
}

// Builder accumulates a record during execution. Safe for concurrent
// use; parallel sibling work appends through one builder per task.
type Builder struct {
	mu         sync.Mutex
	taskID     string
	cap        int
	seq        int
	dropped    int
	sealed     bool
	parentID   string
	score      assess.Score
	tier       escalation.Tier
	strategies []StrategyInvocation
	attempts   []boundary.Attempt
	events     []Event
	startedAt  time.Time
}

// NewBuilder creates a builder for a task. A non-positive cap uses
// DefaultEventCap.
func NewBuilder(taskID string, eventCap int) *Builder {
	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}
	return &Builder{
		taskID:    taskID,
		cap:       eventCap,
		startedAt: time.Now().UTC(),
	}
}

// SetParent links the record to its parent task. Empty means the task
// is a tree root.
func (b *Builder) SetParent(parentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.parentID = parentID
	return nil
}

// SetScore attaches the complexity score. Recorded once, at scoring.
func (b *Builder) SetScore(score assess.Score) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.score = score
	return nil
}

// SetTier attaches the escalation tier selected at task start.
func (b *Builder) SetTier(tier escalation.Tier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.tier = tier
	return nil
}

// Record appends an execution event.
func (b *Builder) Record(kind EventKind, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.seq++
	if len(b.events) >= b.cap {
		b.dropped++
		return nil
	}
	b.events = append(b.events, Event{
		Seq:     b.seq,
		Kind:    kind,
		Message: message,
		At:      time.Now().UTC(),
	})
	return nil
}

// RecordAttempt appends a mutation attempt to the audit trail.
// Attempts are evidence, not events: they are never capped or dropped.
func (b *Builder) RecordAttempt(a boundary.Attempt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.attempts = append(b.attempts, a)
	return nil
}

// RecordStrategy appends a strategy invocation.
func (b *Builder) RecordStrategy(inv StrategyInvocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.strategies = append(b.strategies, inv)
	return nil
}

// Attempts returns a snapshot of the recorded attempts so far.
func (b *Builder) Attempts() []boundary.Attempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]boundary.Attempt(nil), b.attempts...)
}

// Seal produces the immutable completion record. Exactly once; any
// later Seal or Record call returns ErrSealed.
func (b *Builder) Seal(status task.Status, summary string) (*CompletionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return nil, ErrSealed
	}
	b.sealed = true

	return &CompletionRecord{
		TaskID:        b.taskID,
		ParentID:      b.parentID,
		Status:        status,
		Score:         b.score,
		Tier:          b.tier,
		Strategies:    append([]StrategyInvocation(nil), b.strategies...),
		Attempts:      append([]boundary.Attempt(nil), b.attempts...),
		Events:        append([]Event(nil), b.events...),
		DroppedEvents: b.dropped,
		Summary:       summary,
		StartedAt:     b.startedAt,
		SealedAt:      time.Now().UTC(),
	}, nil
}

// Sealed reports whether the builder has produced its record.
func (b *Builder) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}
