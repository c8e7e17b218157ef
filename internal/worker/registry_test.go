package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/task"
)

func testRole(name string, domains ...string) *Role {
	return &Role{
		Name:    name,
		Domains: domains,
		Boundary: boundary.Policy{
			Allow:        []string{"src/**"},
			Capabilities: []task.MutationKind{task.MutationCreate, task.MutationModify},
		},
		Strategies: escalation.StrategySet{
			Analysis:    name + "-analysis",
			Investigate: name + "-investigate",
			Consensus:   name + "-consensus",
		},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	role, err := r.Resolve("repair")
	require.NoError(t, err)
	assert.Equal(t, "repairer", role.Name)
}

func TestRegistry_Resolve_FailsClosed(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	_, err = r.Resolve("design")
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestRegistry_Resolve_SnapshotIsolation(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	snapshot, err := r.Resolve("repair")
	require.NoError(t, err)

	// A delta applied after resolution must not leak into the snapshot.
	_, err = r.ApplyDelta(Delta{
		Kind:      DeltaDenyAdd,
		Role:      "repairer",
		Pattern:   "src/secrets/**",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	assert.NotContains(t, snapshot.Boundary.Deny, "src/secrets/**")

	fresh, err := r.Resolve("repair")
	require.NoError(t, err)
	assert.Contains(t, fresh.Boundary.Deny, "src/secrets/**")
}

func TestRegistry_ApplyDelta_Idempotent(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	delta := Delta{
		Kind:      DeltaDenyAdd,
		Role:      "repairer",
		Pattern:   "infra/**",
		CreatedAt: time.Now(),
	}

	applied, err := r.ApplyDelta(delta)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.ApplyDelta(delta)
	require.NoError(t, err)
	assert.False(t, applied)

	role, err := r.Role("repairer")
	require.NoError(t, err)

	count := 0
	for _, p := range role.Boundary.Deny {
		if p == "infra/**" {
			count++
		}
	}
	assert.Equal(t, 1, count, "deny list must not contain duplicates")
}

func TestRegistry_ApplyDelta_RejectsThresholdKind(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	_, err = r.ApplyDelta(Delta{Kind: DeltaThresholdAdjust, Domain: "repair", Offset: 1})
	assert.Error(t, err)
}

func TestRegistry_ApplyDelta_UnknownRole(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	_, err = r.ApplyDelta(Delta{Kind: DeltaDenyAdd, Role: "ghost", Pattern: "x/**"})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestRegistry_GrantAllow(t *testing.T) {
	r, err := NewRegistry([]*Role{testRole("repairer", "repair")}, nil)
	require.NoError(t, err)

	require.NoError(t, r.GrantAllow("repairer", "docs/**"))

	role, err := r.Role("repairer")
	require.NoError(t, err)
	assert.Contains(t, role.Boundary.Allow, "docs/**")
}

func TestRegistry_DuplicateDomainRejected(t *testing.T) {
	_, err := NewRegistry([]*Role{
		testRole("repairer", "repair"),
		testRole("fixer", "repair"),
	}, nil)
	assert.Error(t, err)
}

func TestDelta_Fingerprint(t *testing.T) {
	deny := Delta{Kind: DeltaDenyAdd, Role: "repairer", Pattern: "infra/**"}
	same := Delta{Kind: DeltaDenyAdd, Role: "repairer", Pattern: "infra/**", Note: "different note"}
	other := Delta{Kind: DeltaDenyAdd, Role: "designer", Pattern: "infra/**"}

	assert.Equal(t, deny.Fingerprint(), same.Fingerprint())
	assert.NotEqual(t, deny.Fingerprint(), other.Fingerprint())

	threshold := Delta{Kind: DeltaThresholdAdjust, Domain: "repair", Offset: 1}
	assert.NotEqual(t, deny.Fingerprint(), threshold.Fingerprint())
}
