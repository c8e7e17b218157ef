package store

import (
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

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &report.CompletionRecord{
		TaskID:   "task-1",
		Status:   task.StatusSuccess,
		Tier:     escalation.TierEnhancedSingle,
		Summary:  "done",
		SealedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutRecord(rec))

	got, err := s.GetRecord("task-1")
	require.NoError(t, err)
	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.Tier, got.Tier)
}

func TestStore_RecordImmutable(t *testing.T) {
	s := openTestStore(t)

	rec := &report.CompletionRecord{TaskID: "task-1", Status: task.StatusSuccess}
	require.NoError(t, s.PutRecord(rec))

	rewrite := &report.CompletionRecord{TaskID: "task-1", Status: task.StatusFailed}
	err := s.PutRecord(rewrite)
	assert.ErrorIs(t, err, ErrImmutable)

	got, err := s.GetRecord("task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
}

func TestStore_GetRecord_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRecord("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AttemptsAppendOnly(t *testing.T) {
	s := openTestStore(t)

	for i, id := range []string{"a1", "a2", "a3"} {
		_ = i
		require.NoError(t, s.AppendAttempt(boundary.Attempt{
			ID:      id,
			TaskID:  "task-1",
			Verdict: boundary.VerdictBlocked,
			At:      time.Now().UTC(),
		}))
	}

	attempts, err := s.ListAttempts("task-1")
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	other, err := s.ListAttempts("task-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_RolesAndFingerprints(t *testing.T) {
	s := openTestStore(t)

	role := &worker.Role{
		Name:    "repairer",
		Domains: []string{"repair"},
		Boundary: boundary.Policy{
			Allow:        []string{"src/**"},
			Capabilities: []task.MutationKind{task.MutationModify},
		},
	}
	require.NoError(t, s.SaveRole(role))
	require.NoError(t, s.SaveAppliedFingerprint("deny-add|repairer|infra/**"))

	roles, err := s.ListRoles()
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "repairer", roles[0].Name)

	fps, err := s.ListAppliedFingerprints()
	require.NoError(t, err)
	assert.Equal(t, []string{"deny-add|repairer|infra/**"}, fps)
}

func TestStore_Offsets(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveOffset("repair", 2))
	require.NoError(t, s.SaveOffset("design", -1))

	offsets, err := s.ListOffsets()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"repair": 2, "design": -1}, offsets)
}

func TestStore_Annotations(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveAnnotation(worker.Delta{
		ID:   "ann-1",
		Kind: worker.DeltaAnnotation,
		Note: "low severity signal",
	}))

	anns, err := s.ListAnnotations()
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, worker.DeltaAnnotation, anns[0].Kind)
}
