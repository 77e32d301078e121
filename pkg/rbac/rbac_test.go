package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenyByDefault(t *testing.T) {
	a := NewStaticAuthorizer()
	ok, err := a.HasPermission(context.Background(), "nobody", "read_file")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoleHierarchyInheritsDownward(t *testing.T) {
	a := NewStaticAuthorizer()
	require.NoError(t, a.Bind("dev-1", RoleDeveloper))
	require.NoError(t, a.Bind("analyst-1", RoleAnalyst))
	require.NoError(t, a.Bind("root", RoleAdmin))
	require.NoError(t, a.Bind("guest", RoleExternal))

	ctx := context.Background()
	tests := []struct {
		identity  string
		operation string
		want      bool
	}{
		{"dev-1", "write_file", true},
		{"dev-1", "read_file", true}, // inherited from analyst
		{"dev-1", "delete_file", false},
		{"analyst-1", "read_file", true},
		{"analyst-1", "write_file", false},
		{"root", "delete_file", true},
		{"root", "trade_execute", true}, // wildcard
		{"guest", "read_file", false},
	}
	for _, tt := range tests {
		ok, err := a.HasPermission(ctx, tt.identity, tt.operation)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "%s / %s", tt.identity, tt.operation)
	}
}

func TestBindRejectsUnknownRole(t *testing.T) {
	a := NewStaticAuthorizer()
	assert.Error(t, a.Bind("x", Role("superuser")))
}

func TestLoadYAML(t *testing.T) {
	a := NewStaticAuthorizer()
	cfg := `
bindings:
  agent-7: developer
  ops: admin
grants:
  analyst: [read_file, metrics_read]
`
	require.NoError(t, a.LoadYAML([]byte(cfg)))

	ctx := context.Background()
	ok, err := a.HasPermission(ctx, "agent-7", "metrics_read")
	require.NoError(t, err)
	assert.True(t, ok, "developer inherits the overridden analyst grants")

	ok, err = a.HasPermission(ctx, "ops", "anything_at_all")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Error(t, a.LoadYAML([]byte("bindings:\n  x: superuser\n")))
}

func TestCancelledContextIsAnError(t *testing.T) {
	a := NewStaticAuthorizer()
	require.NoError(t, a.Bind("dev-1", RoleDeveloper))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.HasPermission(ctx, "dev-1", "write_file")
	assert.Error(t, err, "kernel treats this as deny")
}
