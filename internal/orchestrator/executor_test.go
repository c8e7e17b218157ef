package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/task"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// fakeExecutor proposes scripted mutations and keeps an honest applied
// log unless told to misbehave.
type fakeExecutor struct {
	mu        sync.Mutex
	mutations []task.Mutation
	summary   string
	execErr   error
	// extraApplied simulates a worker mutating outside the gated path.
	extraApplied []task.Mutation
	applied      map[string][]task.Mutation
	blockExecute chan struct{} // when set, Execute waits for close
}

func (f *fakeExecutor) Execute(ctx context.Context, t *task.Task, role *worker.Role) (*worker.Result, error) {
	if f.blockExecute != nil {
		select {
		case <-f.blockExecute:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &worker.Result{Mutations: f.mutations, Summary: f.summary}, nil
}

func (f *fakeExecutor) Apply(ctx context.Context, t *task.Task, m task.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = make(map[string][]task.Mutation)
	}
	f.applied[t.ID] = append(f.applied[t.ID], m)
	return nil
}

func (f *fakeExecutor) Applied(ctx context.Context, taskID string) ([]task.Mutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(append([]task.Mutation(nil), f.applied[taskID]...), f.extraApplied...), nil
}

// fakeProvider returns canned strategy results.
type fakeProvider struct {
	mu        sync.Mutex
	invoked   []string
	invokeErr error
	verdicts  []escalation.RaterVerdict
}

func (f *fakeProvider) Invoke(ctx context.Context, strategyID string, input escalation.Input) (*escalation.Result, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, strategyID)
	f.mu.Unlock()
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &escalation.Result{StrategyID: strategyID, Payload: "analysis", Degraded: input.Degraded}, nil
}

func (f *fakeProvider) Consensus(ctx context.Context, strategyID string, raters []escalation.RaterConfig, input escalation.Input) (*escalation.ConsensusResult, error) {
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	resolution, err := escalation.Resolve(f.verdicts)
	if err != nil {
		return nil, err
	}
	return &escalation.ConsensusResult{StrategyID: strategyID, Verdicts: f.verdicts, Resolution: resolution}, nil
}

func (f *fakeProvider) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

func testSetup(t *testing.T, exec worker.Executor, provider escalation.Provider) *Orchestrator {
	t.Helper()
	registry, err := worker.NewRegistry([]*worker.Role{{
		Name:    "repairer",
		Domains: []string{"repair"},
		Boundary: boundary.Policy{
			Allow: []string{"src/**"},
			Deny:  []string{"src/secrets/**"},
			Capabilities: []task.MutationKind{
				task.MutationCreate, task.MutationModify, task.MutationDelete,
			},
		},
		Strategies: escalation.StrategySet{
			Analysis:    "repair-analysis",
			Investigate: "repair-deep-dive",
			Consensus:   "repair-consensus",
		},
	}}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.StrategyTimeout = time.Second
	return New(
		assess.NewAssessor(map[string][]string{
			"repair": {
				"defect-pattern-breadth",
				"cross-component-span",
				"concurrency-involvement",
				"external-integration",
				"data-criticality",
			},
		}),
		escalation.NewPolicy(),
		registry,
		boundary.NewEnforcer(),
		provider,
		exec,
		nil, nil, nil, nil,
		cfg,
	)
}

// Scenario: factors summing to 5 select enhanced-single; exactly one
// strategy invocation ends up in the record.
func TestRun_EnhancedSingle(t *testing.T) {
	exec := &fakeExecutor{
		mutations: []task.Mutation{{Resource: "src/api/handler.go", Kind: task.MutationModify}},
		summary:   "patched handler",
	}
	provider := &fakeProvider{}
	o := testSetup(t, exec, provider)

	tk := task.New("repair", "fix nil deref")
	rec, err := o.Run(context.Background(), tk, assess.Inputs{
		"defect-pattern-breadth": 1,
		"cross-component-span":   2,
		"external-integration":   2,
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusSuccess, rec.Status)
	assert.Equal(t, 5, rec.Score.Value)
	assert.Equal(t, escalation.TierEnhancedSingle, rec.Tier)
	require.Len(t, rec.Strategies, 1)
	assert.Equal(t, "repair-analysis", rec.Strategies[0].StrategyID)
	assert.Equal(t, []string{"repair-analysis"}, provider.invocations())
}

// Scenario: a worker touches the deny list; the task stops, the record
// fails, and exactly one blocked attempt exists.
func TestRun_DenyListBlocks(t *testing.T) {
	exec := &fakeExecutor{
		mutations: []task.Mutation{{Resource: "src/secrets/keys.env", Kind: task.MutationModify}},
	}
	o := testSetup(t, exec, &fakeProvider{})

	tk := task.New("repair", "rotate keys")
	rec, err := o.Run(context.Background(), tk, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, rec.Status)
	require.Len(t, rec.Attempts, 1)
	assert.Equal(t, boundary.VerdictBlocked, rec.Attempts[0].Verdict)

	// the blocked mutation must not have taken effect
	assert.Empty(t, exec.applied[tk.ID])
}

// Scenario: score 9 with a split rater panel refuses, never
// auto-resolves to success.
func TestRun_ConsensusTieRefuses(t *testing.T) {
	exec := &fakeExecutor{summary: "risky migration"}
	provider := &fakeProvider{verdicts: []escalation.RaterVerdict{
		{RaterID: "rater-neutral", Stance: escalation.StanceNeutral, Approve: true},
		{RaterID: "rater-adversarial", Stance: escalation.StanceAdversarial, Approve: false},
	}}
	o := testSetup(t, exec, provider)

	tk := task.New("repair", "rewrite persistence layer")
	rec, err := o.Run(context.Background(), tk, assess.Inputs{
		"defect-pattern-breadth":  2,
		"cross-component-span":    2,
		"concurrency-involvement": 2,
		"external-integration":    2,
		"data-criticality":        1,
	})
	require.NoError(t, err)

	assert.Equal(t, escalation.TierConsensusCritical, rec.Tier)
	assert.Equal(t, task.StatusRefused, rec.Status)
	require.Len(t, rec.Strategies, 1)
	assert.Equal(t, escalation.ResolutionEscalate, rec.Strategies[0].Resolution)
}

func TestRun_MissingDomainFails(t *testing.T) {
	o := testSetup(t, &fakeExecutor{}, &fakeProvider{})

	tk := task.New("", "no domain")
	rec, err := o.Run(context.Background(), tk, nil)
	require.ErrorIs(t, err, task.ErrMissingDomain)
	require.NotNil(t, rec)
	assert.Equal(t, task.StatusFailed, rec.Status)
}

func TestRun_NoWorkerFails(t *testing.T) {
	o := testSetup(t, &fakeExecutor{}, &fakeProvider{})

	tk := task.New("design", "no role serves design here")
	rec, err := o.Run(context.Background(), tk, nil)
	require.ErrorIs(t, err, worker.ErrNoWorker)
	require.NotNil(t, rec)
	assert.Equal(t, task.StatusFailed, rec.Status)
}

// Strategy unavailability degrades to partial, never fails the task.
func TestRun_StrategyFailureDegradesToPartial(t *testing.T) {
	exec := &fakeExecutor{
		mutations: []task.Mutation{{Resource: "src/main.go", Kind: task.MutationModify}},
		summary:   "applied fix",
	}
	provider := &fakeProvider{invokeErr: errors.New("provider down")}
	o := testSetup(t, exec, provider)

	tk := task.New("repair", "flaky test fix")
	rec, err := o.Run(context.Background(), tk, assess.Inputs{
		"defect-pattern-breadth": 2,
		"cross-component-span":   2,
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusPartial, rec.Status)
	require.Len(t, rec.Strategies, 1)
	assert.True(t, rec.Strategies[0].Failed)

	// one full-capability call plus one degraded retry
	assert.Len(t, provider.invocations(), 2)
}

// The audit gate catches mutations applied outside the pre-flight path.
func TestRun_AuditCatchesBypass(t *testing.T) {
	exec := &fakeExecutor{
		mutations:    []task.Mutation{{Resource: "src/ok.go", Kind: task.MutationModify}},
		extraApplied: []task.Mutation{{Resource: "infra/prod.tf", Kind: task.MutationDelete}},
		summary:      "sneaky",
	}
	o := testSetup(t, exec, &fakeProvider{})

	tk := task.New("repair", "small fix")
	rec, err := o.Run(context.Background(), tk, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, rec.Status)

	var auditBlocks int
	for _, a := range rec.Attempts {
		if a.Phase == boundary.PhaseAudit && a.Verdict == boundary.VerdictBlocked {
			auditBlocks++
		}
	}
	assert.Equal(t, 1, auditBlocks)
}

func TestRun_CancellationSealsPartialRecord(t *testing.T) {
	exec := &fakeExecutor{blockExecute: make(chan struct{})}
	o := testSetup(t, exec, &fakeProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	tk := task.New("repair", "long running")

	done := make(chan *report.CompletionRecord, 1)
	go func() {
		rec, _ := o.Run(ctx, tk, nil)
		done <- rec
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case rec := <-done:
		require.NotNil(t, rec, "cancellation must still seal a record")
		assert.Equal(t, task.StatusPartial, rec.Status)
		assert.False(t, rec.SealedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}
}

func TestRunBatch_StrictSequence(t *testing.T) {
	exec := &fakeExecutor{summary: "ok"}
	o := testSetup(t, exec, &fakeProvider{})

	subs := []Submission{
		{Task: task.New("repair", "first")},
		{Task: task.New("repair", "second")},
		{Task: task.New("repair", "third")},
	}
	parent := task.New("repair", "refactor in three steps")
	res, err := o.RunBatch(context.Background(), parent, task.OrderingStrictSequence, subs)
	require.NoError(t, err)
	require.Len(t, res.Siblings, 3)
	for i, rec := range res.Siblings {
		require.NotNil(t, rec, "record %d", i)
		assert.Equal(t, task.StatusSuccess, rec.Status)
		// sibling k+1 never starts before sibling k sealed
		if i > 0 {
			assert.False(t, res.Siblings[i].StartedAt.Before(res.Siblings[i-1].SealedAt))
		}
	}
}

func TestRunBatch_ParallelJoinsAllSiblings(t *testing.T) {
	exec := &fakeExecutor{summary: "ok"}
	o := testSetup(t, exec, &fakeProvider{})

	subs := make([]Submission, 6)
	for i := range subs {
		subs[i] = Submission{Task: task.New("repair", "sibling")}
	}
	parent := task.New("repair", "fan out")
	res, err := o.RunBatch(context.Background(), parent, task.OrderingParallelAllowed, subs)
	require.NoError(t, err)
	require.Len(t, res.Siblings, 6)
	for _, rec := range res.Siblings {
		require.NotNil(t, rec)
		assert.False(t, rec.SealedAt.IsZero())
	}
}

// The parent record seals only after every sibling has, and links the
// siblings to it.
func TestRunBatch_SealsParentAfterSiblings(t *testing.T) {
	exec := &fakeExecutor{summary: "ok"}
	o := testSetup(t, exec, &fakeProvider{})

	subs := []Submission{
		{Task: task.New("repair", "one")},
		{Task: task.New("repair", "two")},
	}
	parent := task.New("repair", "two-part fix")
	res, err := o.RunBatch(context.Background(), parent, task.OrderingParallelAllowed, subs)
	require.NoError(t, err)

	require.NotNil(t, res.Parent)
	assert.Equal(t, parent.ID, res.Parent.TaskID)
	assert.Equal(t, task.StatusSuccess, res.Parent.Status)
	for _, rec := range res.Siblings {
		assert.Equal(t, parent.ID, rec.ParentID)
		assert.False(t, res.Parent.SealedAt.Before(rec.SealedAt))
	}
}

// A single blocked sibling drags the joined parent outcome down.
func TestRunBatch_ParentAggregatesWorstOutcome(t *testing.T) {
	exec := &fakeExecutor{
		mutations: []task.Mutation{{Resource: "src/secrets/keys.env", Kind: task.MutationModify}},
	}
	o := testSetup(t, exec, &fakeProvider{})

	subs := []Submission{{Task: task.New("repair", "touches secrets")}}
	parent := task.New("repair", "parent")
	res, err := o.RunBatch(context.Background(), parent, task.OrderingStrictSequence, subs)
	require.NoError(t, err)

	require.NotNil(t, res.Parent)
	assert.Equal(t, task.StatusFailed, res.Siblings[0].Status)
	assert.Equal(t, task.StatusFailed, res.Parent.Status)
}

// Cancellation mid-batch still yields one sealed record per slot; the
// unstarted tail seals refused instead of staying nil.
func TestRunBatch_CancelledSequenceSealsRefusedTail(t *testing.T) {
	exec := &fakeExecutor{summary: "ok"}
	o := testSetup(t, exec, &fakeProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subs := []Submission{
		{Task: task.New("repair", "first")},
		{Task: task.New("repair", "second")},
	}
	parent := task.New("repair", "doomed batch")
	res, err := o.RunBatch(ctx, parent, task.OrderingStrictSequence, subs)
	require.Error(t, err)

	require.Len(t, res.Siblings, 2)
	for _, rec := range res.Siblings {
		require.NotNil(t, rec)
		assert.Equal(t, task.StatusRefused, rec.Status)
		assert.Equal(t, parent.ID, rec.ParentID)
	}
	require.NotNil(t, res.Parent)
	assert.Equal(t, task.StatusRefused, res.Parent.Status)
}

// Live state mirrors the sealed outcome: a failed or refused task must
// never report completed while its running entry lingers.
func TestTerminalState(t *testing.T) {
	assert.Equal(t, StateCompleted, terminalState(task.StatusSuccess))
	assert.Equal(t, StateCompleted, terminalState(task.StatusPartial))
	assert.Equal(t, StateFailed, terminalState(task.StatusFailed))
	assert.Equal(t, StateFailed, terminalState(task.StatusRefused))
}

func TestSubmit_AsyncStatus(t *testing.T) {
	exec := &fakeExecutor{blockExecute: make(chan struct{})}
	o := testSetup(t, exec, &fakeProvider{})

	tk := task.New("repair", "async")
	id := o.Submit(tk, nil)
	assert.Equal(t, tk.ID, id)

	// task is live until the executor is released
	_, running := o.State(id)
	assert.True(t, running)

	close(exec.blockExecute)
	require.Eventually(t, func() bool {
		_, running := o.State(id)
		return !running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancel_RunningTask(t *testing.T) {
	exec := &fakeExecutor{blockExecute: make(chan struct{})}
	o := testSetup(t, exec, &fakeProvider{})

	tk := task.New("repair", "to cancel")
	id := o.Submit(tk, nil)

	require.Eventually(t, func() bool {
		state, ok := o.State(id)
		return ok && state == StateExecuting
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, o.Cancel(id))
	require.Eventually(t, func() bool {
		_, running := o.State(id)
		return !running
	}, 2*time.Second, 10*time.Millisecond)
}
