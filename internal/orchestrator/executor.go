package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/metrics"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/task"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// ErrStillRunning is returned by Status when the task has not sealed.
var ErrStillRunning = errors.New("task still running")

// Registry is the slice of the worker registry the orchestrator reads.
type Registry interface {
	Resolve(domain string) (*worker.Role, error)
}

// Orchestrator runs tasks through the supervision state machine.
type Orchestrator struct {
	assessor *assess.Assessor
	policy   *escalation.Policy
	registry Registry
	enforcer *boundary.Enforcer
	provider escalation.Provider
	executor worker.Executor
	store    RecordStore
	observer RecordObserver
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config

	mu      sync.Mutex
	running map[string]*execution
}

// execution tracks one in-flight task for status queries and cancel.
type execution struct {
	state  State
	cancel context.CancelFunc
}

// New creates an orchestrator. store, observer, and metrics may be nil.
func New(
	assessor *assess.Assessor,
	policy *escalation.Policy,
	registry Registry,
	enforcer *boundary.Enforcer,
	provider escalation.Provider,
	executor worker.Executor,
	store RecordStore,
	observer RecordObserver,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFanOut <= 0 {
		cfg.MaxFanOut = DefaultConfig().MaxFanOut
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = DefaultConfig().StrategyTimeout
	}
	if len(cfg.Raters) == 0 {
		cfg.Raters = DefaultConfig().Raters
	}
	return &Orchestrator{
		assessor: assessor,
		policy:   policy,
		registry: registry,
		enforcer: enforcer,
		provider: provider,
		executor: executor,
		store:    store,
		observer: observer,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		running:  make(map[string]*execution),
	}
}

// Submit starts a task asynchronously and returns its identifier
// immediately. Execution failures surface through the sealed record,
// not through this call.
func (o *Orchestrator) Submit(t *task.Task, inputs assess.Inputs) string {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.running[t.ID] = &execution{state: StateReceived, cancel: cancel}
	o.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := o.Run(ctx, t, inputs); err != nil {
			o.logger.Warn("task ended with error",
				zap.String("task_id", t.ID), zap.Error(err))
		}
		o.mu.Lock()
		delete(o.running, t.ID)
		o.mu.Unlock()
	}()

	return t.ID
}

// State returns the live state of a running task.
func (o *Orchestrator) State(taskID string) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if exec, ok := o.running[taskID]; ok {
		return exec.state, true
	}
	return "", false
}

// Cancel cancels a running task. The task flushes partial progress
// into a sealed partial record rather than discarding it.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if exec, ok := o.running[taskID]; ok {
		exec.cancel()
		return true
	}
	return false
}

func (o *Orchestrator) setState(taskID string, s State) {
	o.mu.Lock()
	if exec, ok := o.running[taskID]; ok {
		exec.state = s
	}
	o.mu.Unlock()
}

// RunBatch executes sibling tasks under the declared ordering
// constraint, then seals a parent record joining their outcomes.
// Strict sequence never starts task k+1 before task k is terminal;
// parallel runs siblings concurrently bounded by MaxFanOut. Every
// sibling slot carries a sealed record: siblings a cancellation
// prevented from starting seal as refused rather than staying nil.
func (o *Orchestrator) RunBatch(ctx context.Context, parent *task.Task, ordering task.Ordering, subs []Submission) (*BatchResult, error) {
	pb := report.NewBuilder(parent.ID, o.cfg.EventCap)
	_ = pb.SetParent(parent.ParentID)
	_ = pb.Record(report.EventStateChange,
		fmt.Sprintf("batch of %d siblings, ordering %s", len(subs), ordering))

	records := make([]*report.CompletionRecord, len(subs))
	var runErr error

	if ordering != task.OrderingParallelAllowed {
		for i, sub := range subs {
			sub.Task.ParentID = parent.ID
			if ctx.Err() != nil {
				records[i] = o.sealUnstarted(sub.Task)
				runErr = ctx.Err()
				continue
			}
			rec, err := o.Run(ctx, sub.Task, sub.Inputs)
			records[i] = rec
			if err != nil && ctx.Err() != nil {
				runErr = err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxFanOut)
		var mu sync.Mutex
		for i, sub := range subs {
			sub.Task.ParentID = parent.ID
			g.Go(func() error {
				rec, err := o.Run(gctx, sub.Task, sub.Inputs)
				mu.Lock()
				records[i] = rec
				mu.Unlock()
				// Sibling failures are reflected in their own records and
				// must not cancel the rest of the batch.
				if err != nil && gctx.Err() != nil {
					return err
				}
				return nil
			})
		}
		runErr = g.Wait()
	}

	// Join: the parent seals only after every sibling has.
	status := task.StatusSuccess
	for _, rec := range records {
		if rec == nil {
			continue
		}
		_ = pb.Record(report.EventStateChange,
			fmt.Sprintf("sibling %s: %s", rec.TaskID, rec.Status))
		status = worseStatus(status, rec.Status)
	}
	parentRec, err := pb.Seal(status, fmt.Sprintf("%d siblings joined", len(records)))
	if err != nil {
		return &BatchResult{Siblings: records}, err
	}
	if o.store != nil {
		if err := o.store.PutRecord(parentRec); err != nil {
			o.logger.Error("failed to persist parent record",
				zap.String("task_id", parent.ID), zap.Error(err))
		}
	}

	return &BatchResult{Parent: parentRec, Siblings: records}, runErr
}

// sealUnstarted produces the record for a sibling the batch never
// started, keeping slot order intact after cancellation.
func (o *Orchestrator) sealUnstarted(t *task.Task) *report.CompletionRecord {
	b := report.NewBuilder(t.ID, o.cfg.EventCap)
	_ = b.SetParent(t.ParentID)
	_ = b.Record(report.EventCancelled, "batch cancelled before start")
	rec, err := b.Seal(task.StatusRefused, "not started: batch cancelled")
	if err != nil {
		return nil
	}
	if o.store != nil {
		if err := o.store.PutRecord(rec); err != nil {
			o.logger.Error("failed to persist completion record",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return rec
}

// statusRank orders terminal statuses worst-last for batch joins.
var statusRank = map[task.Status]int{
	task.StatusSuccess: 0,
	task.StatusPartial: 1,
	task.StatusRefused: 2,
	task.StatusFailed:  3,
}

func worseStatus(a, b task.Status) task.Status {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Run executes one task to a sealed completion record. The returned
// error reports configuration failures and cancellation; in every case
// the record is sealed and persisted first.
func (o *Orchestrator) Run(ctx context.Context, t *task.Task, inputs assess.Inputs) (*report.CompletionRecord, error) {
	started := time.Now()
	b := report.NewBuilder(t.ID, o.cfg.EventCap)
	_ = b.SetParent(t.ParentID)
	o.setState(t.ID, StateReceived)
	_ = b.Record(report.EventStateChange, "received")

	// Received -> Scored
	score, err := o.assessor.Assess(t, inputs)
	if err != nil {
		_ = b.Record(report.EventStateChange, "failed: "+string(ReasonMissingDomain))
		rec, _ := o.seal(ctx, b, t, task.StatusFailed, "configuration error: "+err.Error(), started)
		return rec, err
	}
	_ = b.SetScore(score)
	_ = b.Record(report.EventScored, fmt.Sprintf("complexity %d", score.Value))
	o.setState(t.ID, StateScored)

	// Scored -> RoleResolved
	role, err := o.registry.Resolve(t.Domain)
	if err != nil {
		_ = b.Record(report.EventStateChange, "failed: "+string(ReasonNoWorker))
		rec, _ := o.seal(ctx, b, t, task.StatusFailed, "configuration error: "+err.Error(), started)
		return rec, err
	}
	_ = b.Record(report.EventRoleResolved, role.Name)
	o.setState(t.ID, StateRoleResolved)

	// Tier is fixed here, from policy at task start. Later deltas must
	// not alter a sealed record.
	plan := o.policy.Select(score.Value, t.Domain, role.Strategies)
	_ = b.SetTier(plan.Tier)

	// RoleResolved -> Executing
	o.setState(t.ID, StateExecuting)
	_ = b.Record(report.EventStateChange, "executing")

	status, summary, err := o.execute(ctx, t, role, b)
	if err != nil {
		rec, _ := o.seal(ctx, b, t, status, summary, started)
		return rec, err
	}
	if status == task.StatusFailed {
		// Blocked mutation or audit violation; partial progress is
		// already recorded, not rolled back.
		rec, _ := o.seal(ctx, b, t, status, summary, started)
		return rec, nil
	}

	// Executing -> Escalating
	if len(plan.Strategies) > 0 {
		o.setState(t.ID, StateEscalating)
		_ = b.Record(report.EventStateChange, "escalating")

		escStatus, escSummary, err := o.escalate(ctx, t, score, plan, b)
		if err != nil {
			rec, _ := o.seal(ctx, b, t, task.StatusPartial, "cancelled during escalation", started)
			return rec, err
		}
		if escStatus != task.StatusSuccess {
			status = escStatus
			summary = escSummary
		}
	}

	rec, sealErr := o.seal(ctx, b, t, status, summary, started)
	return rec, sealErr
}

// execute dispatches the worker and gates every proposed mutation.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task, role *worker.Role, b *report.Builder) (task.Status, string, error) {
	result, err := o.executor.Execute(ctx, t, role)
	if ctx.Err() != nil {
		_ = b.Record(report.EventCancelled, "cancelled during execution")
		return task.StatusPartial, "cancelled during execution", ctx.Err()
	}
	if err != nil {
		_ = b.Record(report.EventStateChange, "worker failed: "+err.Error())
		return task.StatusFailed, "worker execution failed: " + err.Error(), nil
	}

	applyFailures := 0
	for _, m := range result.Mutations {
		if ctx.Err() != nil {
			_ = b.Record(report.EventCancelled, "cancelled mid-mutation")
			return task.StatusPartial, "cancelled mid-mutation", ctx.Err()
		}

		attempt := o.enforcer.Preflight(t.ID, role.Name, role.Boundary, m)
		_ = b.RecordAttempt(attempt)
		o.persistAttempt(attempt)
		_ = b.Record(report.EventMutation, fmt.Sprintf("%s %s: %s", m.Kind, m.Resource, attempt.Verdict))

		if attempt.Verdict == boundary.VerdictBlocked {
			o.metrics.MutationBlocked()
			o.setState(t.ID, StateBlocked)
			_ = b.Record(report.EventViolation, "blocked: "+attempt.Reason)
			o.logger.Warn("mutation blocked",
				zap.String("task_id", t.ID),
				zap.String("role", role.Name),
				zap.String("resource", m.Resource),
				zap.String("reason", attempt.Reason))
			summary := "boundary violation: " + attempt.Reason
			if role.Atomic {
				summary += " (atomic domain, partial progress voided)"
			}
			return task.StatusFailed, summary, nil
		}

		if err := o.executor.Apply(ctx, t, m); err != nil {
			applyFailures++
			_ = b.Record(report.EventStateChange, "apply failed: "+err.Error())
		}
	}

	// Post-hoc audit against the worker's independent applied log. A
	// pre-flight pass is not trusted to be the only enforcement point.
	applied, err := o.executor.Applied(ctx, t.ID)
	if err != nil {
		_ = b.Record(report.EventStateChange, "audit log unavailable: "+err.Error())
		return task.StatusPartial, "audit log unavailable", nil
	}
	mismatches := o.enforcer.Audit(t.ID, role.Name, role.Boundary, b.Attempts(), applied)
	for _, violation := range mismatches {
		o.metrics.AuditMismatch()
		_ = b.RecordAttempt(violation)
		o.persistAttempt(violation)
		_ = b.Record(report.EventViolation, "audit: "+violation.Reason)
		o.logger.Error("audit mismatch",
			zap.String("task_id", t.ID),
			zap.String("resource", violation.Resource),
			zap.String("reason", violation.Reason))
	}
	if len(mismatches) > 0 {
		o.setState(t.ID, StateBlocked)
		return task.StatusFailed, "audit found mutations outside policy", nil
	}

	if applyFailures > 0 {
		return task.StatusPartial, fmt.Sprintf("%d mutations failed to apply: %s", applyFailures, result.Summary), nil
	}
	return task.StatusSuccess, result.Summary, nil
}

// escalate invokes the plan's strategies in order. Strategy failures
// degrade the task to partial; they never fail it. A consensus tie
// refuses the task pending human escalation.
func (o *Orchestrator) escalate(ctx context.Context, t *task.Task, score assess.Score, plan escalation.Plan, b *report.Builder) (task.Status, string, error) {
	input := escalation.Input{
		TaskID:      t.ID,
		Domain:      t.Domain,
		Description: t.Description,
		Score:       score.Value,
	}

	status := task.StatusSuccess
	summary := ""

	for _, strategyID := range plan.Strategies {
		if ctx.Err() != nil {
			_ = b.Record(report.EventCancelled, "cancelled during escalation")
			return task.StatusPartial, "cancelled during escalation", ctx.Err()
		}

		if plan.Tier == escalation.TierConsensusCritical {
			res, err := o.runConsensus(ctx, strategyID, input, b)
			if err != nil {
				if ctx.Err() != nil {
					return task.StatusPartial, "cancelled during consensus", ctx.Err()
				}
				o.metrics.StrategyFailed()
				status = task.StatusPartial
				summary = "consensus strategy unavailable"
				continue
			}
			switch res.Resolution {
			case escalation.ResolutionEscalate:
				_ = b.Record(report.EventConsensus, "tie: refused pending human escalation")
				return task.StatusRefused, "consensus tie: human escalation required", nil
			case escalation.ResolutionRejected:
				_ = b.Record(report.EventConsensus, "rejected by majority")
				return task.StatusFailed, "consensus rejected the work", nil
			default:
				_ = b.Record(report.EventConsensus, "approved by majority")
			}
			continue
		}

		inv := o.runStrategy(ctx, strategyID, plan.Tier, input, b)
		if inv.Failed {
			if ctx.Err() != nil {
				return task.StatusPartial, "cancelled during escalation", ctx.Err()
			}
			o.metrics.StrategyFailed()
			status = task.StatusPartial
			summary = "strategy " + strategyID + " unavailable, continued degraded"
		}
	}

	return status, summary, nil
}

// runStrategy invokes one strategy with a timeout, retrying once in
// reduced-capability mode before recording it as failed.
func (o *Orchestrator) runStrategy(ctx context.Context, strategyID string, tier escalation.Tier, input escalation.Input, b *report.Builder) report.StrategyInvocation {
	inv := report.StrategyInvocation{StrategyID: strategyID, Tier: tier, At: time.Now().UTC()}

	result, err := o.invokeOnce(ctx, strategyID, input)
	if err != nil && ctx.Err() == nil {
		input.Degraded = true
		result, err = o.invokeOnce(ctx, strategyID, input)
	}

	if err != nil {
		inv.Failed = true
		inv.Error = err.Error()
		o.logger.Warn("strategy failed after fallback",
			zap.String("strategy", strategyID), zap.Error(err))
	} else {
		inv.Payload = result.Payload
		inv.Degraded = result.Degraded
	}

	_ = b.RecordStrategy(inv)
	_ = b.Record(report.EventStrategy, strategyID)
	return inv
}

func (o *Orchestrator) invokeOnce(ctx context.Context, strategyID string, input escalation.Input) (*escalation.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StrategyTimeout)
	defer cancel()
	return o.provider.Invoke(callCtx, strategyID, input)
}

// runConsensus invokes the multi-rater strategy with a timeout and a
// single retry.
func (o *Orchestrator) runConsensus(ctx context.Context, strategyID string, input escalation.Input, b *report.Builder) (*escalation.ConsensusResult, error) {
	var res *escalation.ConsensusResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StrategyTimeout)
		res, err = o.provider.Consensus(callCtx, strategyID, o.cfg.Raters, input)
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		inv := report.StrategyInvocation{
			StrategyID: strategyID,
			Tier:       escalation.TierConsensusCritical,
			Failed:     true,
			Error:      err.Error(),
			At:         time.Now().UTC(),
		}
		_ = b.RecordStrategy(inv)
		return nil, err
	}

	_ = b.RecordStrategy(report.StrategyInvocation{
		StrategyID: strategyID,
		Tier:       escalation.TierConsensusCritical,
		Verdicts:   res.Verdicts,
		Resolution: res.Resolution,
		At:         time.Now().UTC(),
	})
	return res, nil
}

// seal finalizes and persists the completion record, then hands it to
// the record observer. Cancellation downgrades the status to partial so
// evidence gathered before the cancel survives.
func (o *Orchestrator) seal(ctx context.Context, b *report.Builder, t *task.Task, status task.Status, summary string, started time.Time) (*report.CompletionRecord, error) {
	if ctx.Err() != nil && status == task.StatusSuccess {
		status = task.StatusPartial
		if summary == "" {
			summary = "cancelled"
		}
	}

	rec, err := b.Seal(status, summary)
	if err != nil {
		return nil, err
	}
	if current, ok := o.State(t.ID); !ok || current != StateBlocked {
		o.setState(t.ID, terminalState(status))
	}
	o.metrics.TaskCompleted(string(status), time.Since(started).Seconds())

	if o.store != nil {
		if err := o.store.PutRecord(rec); err != nil {
			o.logger.Error("failed to persist completion record",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	if o.observer != nil {
		// Observation runs against a background context: a cancelled
		// task's violations still must reach the ledger.
		if _, err := o.observer.ObserveRecord(context.Background(), rec); err != nil {
			o.logger.Error("record observation failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	o.logger.Info("task sealed",
		zap.String("task_id", t.ID),
		zap.String("status", string(status)),
		zap.String("tier", string(rec.Tier)),
		zap.Int("score", rec.Score.Value))
	return rec, nil
}

// terminalState maps a sealed status onto the live state shown to
// status queries before the running entry is cleared.
func terminalState(status task.Status) State {
	switch status {
	case task.StatusFailed, task.StatusRefused:
		return StateFailed
	default:
		return StateCompleted
	}
}

func (o *Orchestrator) persistAttempt(a boundary.Attempt) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendAttempt(a); err != nil {
		o.logger.Error("failed to persist mutation attempt",
			zap.String("task_id", a.TaskID), zap.Error(err))
	}
}
