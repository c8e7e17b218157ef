package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/task"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// State is the execution state of a task.
type State string

const (
	StateReceived     State = "received"
	StateScored       State = "scored"
	StateRoleResolved State = "role-resolved"
	StateExecuting    State = "executing"
	StateEscalating   State = "escalating"
	StateCompleted    State = "completed"
	StateBlocked      State = "blocked"
	StateFailed       State = "failed"
)

// Terminal reports whether the state ends execution.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateBlocked, StateFailed:
		return true
	default:
		return false
	}
}

// Reason identifies why a task failed before execution started.
type Reason string

const (
	ReasonMissingDomain Reason = "missing-domain"
	ReasonNoWorker      Reason = "no-worker"
)

// Config holds orchestrator tunables.
type Config struct {
	// MaxFanOut bounds concurrent siblings in parallel-allowed batches.
	MaxFanOut int

	// StrategyTimeout bounds each enhancement strategy invocation.
	StrategyTimeout time.Duration

	// EventCap bounds stored events per completion record.
	EventCap int

	// Raters configures the consensus-critical tier. Must contain at
	// least one neutral and one adversarial rater.
	Raters []escalation.RaterConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFanOut:       4,
		StrategyTimeout: 30 * time.Second,
		EventCap:        report.DefaultEventCap,
		Raters: []escalation.RaterConfig{
			{ID: "rater-neutral", Stance: escalation.StanceNeutral},
			{ID: "rater-adversarial", Stance: escalation.StanceAdversarial},
		},
	}
}

// RecordStore persists the audit trail. A nil store keeps everything
// in memory, which tests use.
type RecordStore interface {
	PutRecord(rec *report.CompletionRecord) error
	AppendAttempt(a boundary.Attempt) error
}

// RecordObserver consumes sealed records out-of-band. The feedback
// ledger implements it to turn audit violations into policy deltas.
type RecordObserver interface {
	ObserveRecord(ctx context.Context, rec *report.CompletionRecord) ([]worker.Delta, error)
}

// Submission pairs a task with its caller-supplied factor inputs.
type Submission struct {
	Task   *task.Task
	Inputs assess.Inputs
}

// BatchResult joins sibling completion records under the parent's
// sealed record. Sibling order matches submission order.
type BatchResult struct {
	Parent   *report.CompletionRecord   `json:"parent"`
	Siblings []*report.CompletionRecord `json:"siblings"`
}
