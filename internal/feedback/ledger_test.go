package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/task"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

func testRegistry(t *testing.T) *worker.Registry {
	t.Helper()
	r, err := worker.NewRegistry([]*worker.Role{{
		Name:    "repairer",
		Domains: []string{"repair"},
		Boundary: boundary.Policy{
			Allow:        []string{"src/**"},
			Capabilities: []task.MutationKind{task.MutationModify},
		},
	}}, nil)
	require.NoError(t, err)
	return r
}

func TestLedger_Ingest_PatternSignal(t *testing.T) {
	registry := testRegistry(t)
	ledger := NewLedger(registry, escalation.NewPolicy(), nil, nil)

	sig := Signal{
		Description: "worker modified terraform state it should never touch",
		Roles:       []string{"repairer"},
		Pattern:     "infra/state/**",
	}

	deltas, err := ledger.Ingest(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, worker.DeltaDenyAdd, deltas[0].Kind)
	assert.Equal(t, "repairer", deltas[0].Role)

	role, err := registry.Role("repairer")
	require.NoError(t, err)
	assert.Contains(t, role.Boundary.Deny, "infra/state/**")
}

func TestLedger_Ingest_IdenticalSignalProducesNothing(t *testing.T) {
	registry := testRegistry(t)
	ledger := NewLedger(registry, escalation.NewPolicy(), nil, nil)

	sig := Signal{
		Description: "wrongly touched pattern",
		Roles:       []string{"repairer"},
		Pattern:     "infra/state/**",
	}

	first, err := ledger.Ingest(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := ledger.Ingest(context.Background(), sig)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestLedger_Ingest_LowSeverityAnnotatesOnly(t *testing.T) {
	registry := testRegistry(t)
	policy := escalation.NewPolicy()
	ledger := NewLedger(registry, policy, nil, nil)

	deltas, err := ledger.Ingest(context.Background(), Signal{
		Description: "summaries occasionally too terse",
		Roles:       []string{"repairer"},
		Domain:      "repair",
		Impact:      ImpactLow,
	})
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, worker.DeltaAnnotation, deltas[0].Kind)

	// annotation must not change enforced policy
	assert.Equal(t, 0, policy.Offset("repair"))
}

func TestLedger_Ingest_HighSeverityAdjustsThreshold(t *testing.T) {
	registry := testRegistry(t)
	policy := escalation.NewPolicy()
	ledger := NewLedger(registry, policy, nil, nil)

	sig := Signal{
		Description: "repeated production regressions from under-escalated repairs",
		Roles:       []string{"repairer", "reviewer", "deployer"},
		Domain:      "repair",
		Occurrences: 3,
		Impact:      ImpactSevere,
		DataLoss:    true,
	}
	require.GreaterOrEqual(t, Severity(sig).Value, HighSeverityThreshold)

	deltas, err := ledger.Ingest(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, worker.DeltaThresholdAdjust, deltas[0].Kind)
	assert.Equal(t, 1, policy.Offset("repair"))

	// identical signal is an idempotent no-op
	again, err := ledger.Ingest(context.Background(), sig)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, policy.Offset("repair"))
}

func TestSeverity_Bounds(t *testing.T) {
	low := Severity(Signal{Description: "minor"})
	assert.GreaterOrEqual(t, low.Value, 1)

	high := Severity(Signal{
		Roles:       []string{"a", "b", "c", "d"},
		Pattern:     "x/**",
		Occurrences: 10,
		Impact:      ImpactSevere,
		DataLoss:    true,
	})
	assert.LessOrEqual(t, high.Value, 10)
}

func TestLedger_ObserveRecord(t *testing.T) {
	registry := testRegistry(t)
	ledger := NewLedger(registry, escalation.NewPolicy(), nil, nil)

	rec := &report.CompletionRecord{
		TaskID: "task-1",
		Status: task.StatusFailed,
		Attempts: []boundary.Attempt{
			{
				TaskID:   "task-1",
				Role:     "repairer",
				Resource: "infra/prod.tf",
				Kind:     task.MutationDelete,
				Verdict:  boundary.VerdictBlocked,
				Phase:    boundary.PhaseAudit,
				Reason:   "no allow pattern matched",
				At:       time.Now().UTC(),
			},
			{
				// preflight blocks do not synthesize signals
				TaskID:   "task-1",
				Role:     "repairer",
				Resource: "docs/x.md",
				Verdict:  boundary.VerdictBlocked,
				Phase:    boundary.PhasePreflight,
			},
		},
	}

	deltas, err := ledger.ObserveRecord(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, worker.DeltaDenyAdd, deltas[0].Kind)
	assert.Equal(t, "infra/prod.tf", deltas[0].Pattern)

	role, err := registry.Role("repairer")
	require.NoError(t, err)
	assert.Contains(t, role.Boundary.Deny, "infra/prod.tf")
}
