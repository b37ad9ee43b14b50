package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/secrets"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

func newWorkspaceTools(t *testing.T) (*WorkspaceTools, string) {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), nil)
	require.NoError(t, err)

	secretsFile := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(secretsFile, []byte("API_KEY=hunter2\nDB_URL=postgres://x\n"), 0o600))
	store := secrets.NewStore(secretsFile, nil)

	reg := dispatch.NewRegistry()
	wt := NewWorkspaceTools(ws, store, reg, nil)
	wt.Register(reg)
	NewFSTools(ws, nil).Register(reg)
	return wt, secretsFile
}

func TestWorkspaceInfo(t *testing.T) {
	wt, _ := newWorkspaceTools(t)

	out, err := wt.Info(context.Background(), nil, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.NotEmpty(t, m["default_workspace"])
	assert.Equal(t, 2, m["secret_count"])
	assert.Equal(t, []string{"fs", "workspace"}, m["tool_categories"])
}

func TestWorkspaceSecretsListNamesOnly(t *testing.T) {
	wt, _ := newWorkspaceTools(t)

	out, err := wt.SecretsList(context.Background(), nil, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, []string{"API_KEY", "DB_URL"}, m["keys"])
	assert.Equal(t, 2, m["count"])
	assert.NotContains(t, m, "values")
}

func TestWorkspaceSecretsReload(t *testing.T) {
	wt, secretsFile := newWorkspaceTools(t)

	require.NoError(t, os.WriteFile(secretsFile, []byte("ONLY_ONE=v\n"), 0o600))
	out, err := wt.SecretsReload(context.Background(), nil, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, true, m["reloaded"])
	assert.Equal(t, 1, m["count"])
}
