package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/task"
)

const rolesYAML = `
roles:
  - name: repairer
    domains: [repair]
    allow: ["src/**"]
    deny: ["src/secrets/**"]
    capabilities: [create, modify]
    strategies:
      analysis: repair-analysis
      investigate: repair-deep-dive
      consensus: repair-consensus
  - name: designer
    domains: [design]
    allow: ["docs/**"]
    capabilities: [create]
    strategies:
      analysis: design-analysis
    atomic: true
`

func writeRolesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadRolesFile(t *testing.T) {
	path := writeRolesFile(t, rolesYAML)

	roles, err := LoadRolesFile(path)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	repairer := roles[0]
	assert.Equal(t, "repairer", repairer.Name)
	assert.Equal(t, []string{"repair"}, repairer.Domains)
	assert.Equal(t, []string{"src/secrets/**"}, repairer.Boundary.Deny)
	assert.Equal(t, []task.MutationKind{task.MutationCreate, task.MutationModify}, repairer.Boundary.Capabilities)
	assert.Equal(t, "repair-deep-dive", repairer.Strategies.Investigate)
	assert.False(t, repairer.Atomic)

	assert.True(t, roles[1].Atomic)
}

func TestLoadRolesFile_RejectsBadCapability(t *testing.T) {
	path := writeRolesFile(t, `
roles:
  - name: repairer
    domains: [repair]
    capabilities: [teleport]
`)
	_, err := LoadRolesFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown capability")
}

func TestLoadRolesFile_Empty(t *testing.T) {
	path := writeRolesFile(t, "roles: []\n")
	_, err := LoadRolesFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defines no roles")
}

func TestRoleFromConfig_Validates(t *testing.T) {
	_, err := RoleFromConfig(config.RoleConfig{Name: "nameless"})
	require.Error(t, err)
}

func TestReplaceRole_KeepsLearnedDenyEntries(t *testing.T) {
	registry, err := NewRegistry([]*Role{{
		Name:    "repairer",
		Domains: []string{"repair"},
	}}, nil)
	require.NoError(t, err)

	applied, err := registry.ApplyDelta(Delta{
		Kind:    DeltaDenyAdd,
		Role:    "repairer",
		Pattern: "infra/**",
	})
	require.NoError(t, err)
	require.True(t, applied)

	// reload with a definition that does not mention the learned entry
	require.NoError(t, registry.ReplaceRole(&Role{
		Name:    "repairer",
		Domains: []string{"repair"},
	}))

	role, err := registry.Role("repairer")
	require.NoError(t, err)
	assert.Contains(t, role.Boundary.Deny, "infra/**")
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeRolesFile(t, rolesYAML)

	initial, err := LoadRolesFile(path)
	require.NoError(t, err)
	registry, err := NewRegistry(initial, nil)
	require.NoError(t, err)

	w, err := NewWatcher(registry, path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	updated := `
roles:
  - name: repairer
    domains: [repair]
    allow: ["src/**", "pkg/**"]
    deny: ["src/secrets/**"]
    capabilities: [create, modify]
    strategies:
      analysis: repair-analysis
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	require.Eventually(t, func() bool {
		role, err := registry.Role("repairer")
		if err != nil {
			return false
		}
		return len(role.Boundary.Allow) == 2
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
