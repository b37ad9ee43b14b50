package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/pkg/config"
)

func engineWith(t *testing.T, tools config.ToolsConfig) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Tools = tools
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	return e
}

func TestEvaluateDefaultAllow(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{Defaults: config.ToolPolicy{Policy: "allow"}})
	decision, reason := e.Evaluate("fs", "read", map[string]any{"path": "a.txt"})
	assert.Equal(t, DecisionAllow, decision)
	assert.Empty(t, reason)
}

func TestEvaluateBlockPatternWinsOverHITL(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow"},
		Categories: map[string]map[string]config.ToolPolicy{
			"fs": {"write": {
				Policy:        "allow",
				BlockPatterns: []string{"/etc/*"},
				HITLPatterns:  []string{"/etc/passwd"},
			}},
		},
	})
	decision, reason := e.Evaluate("fs", "write", map[string]any{"path": "/etc/passwd"})
	assert.Equal(t, DecisionBlock, decision)
	assert.Equal(t, "Matches block pattern", reason)
}

func TestEvaluateGlobCrossesSeparators(t *testing.T) {
	// fnmatch-style: * matches path separators too.
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow", BlockPatterns: []string{"*.pem"}},
	})
	decision, _ := e.Evaluate("fs", "read", map[string]any{"path": "deep/nested/key.pem"})
	assert.Equal(t, DecisionBlock, decision)
}

func TestEvaluateHITLPattern(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow", HITLPatterns: []string{"*secret*"}},
	})
	decision, reason := e.Evaluate("fs", "read", map[string]any{"path": "my-secret.txt"})
	assert.Equal(t, DecisionHITL, decision)
	assert.Equal(t, "Matches HITL pattern", reason)
}

func TestEvaluateWorkspaceOverride(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow", WorkspaceOverride: "hitl"},
	})

	decision, reason := e.Evaluate("fs", "read", map[string]any{"path": "a.txt", "workspace_dir": "/ws/sub"})
	assert.Equal(t, DecisionHITL, decision)
	assert.Equal(t, "Workspace override requires approval", reason)

	// Empty override is ignored.
	decision, _ = e.Evaluate("fs", "read", map[string]any{"path": "a.txt", "workspace_dir": ""})
	assert.Equal(t, DecisionAllow, decision)
}

func TestEvaluateWorkspaceOverrideBlock(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow", WorkspaceOverride: "block"},
	})
	decision, reason := e.Evaluate("fs", "read", map[string]any{"workspace_dir": "/elsewhere"})
	assert.Equal(t, DecisionBlock, decision)
	assert.Equal(t, "Workspace override not allowed", reason)
}

func TestEvaluateBasePolicy(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow"},
		Categories: map[string]map[string]config.ToolPolicy{
			"docker": {"exec": {Policy: "block"}},
			"git":    {"push": {Policy: "hitl"}},
		},
	})

	decision, reason := e.Evaluate("docker", "exec", map[string]any{})
	assert.Equal(t, DecisionBlock, decision)
	assert.Equal(t, "Tool is blocked by policy", reason)

	decision, reason = e.Evaluate("git", "push", map[string]any{})
	assert.Equal(t, DecisionHITL, decision)
	assert.Equal(t, "Tool requires approval by policy", reason)
}

func TestEvaluateCELCondition(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{
			Policy:    "allow",
			Condition: `tool == "write" && params.path.startsWith("prod/")`,
		},
	})

	decision, reason := e.Evaluate("fs", "write", map[string]any{"path": "prod/app.conf"})
	assert.Equal(t, DecisionHITL, decision)
	assert.Equal(t, "Matches policy condition", reason)

	decision, _ = e.Evaluate("fs", "write", map[string]any{"path": "dev/app.conf"})
	assert.Equal(t, DecisionAllow, decision)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Defaults.Policy = "maybe"
	_, err := NewEngine(cfg, nil)
	require.Error(t, err)

	cfg = config.Default()
	cfg.Tools.Defaults.Condition = "this is not CEL ((("
	_, err = NewEngine(cfg, nil)
	require.Error(t, err)
}

func TestEvaluateShellLiftsUnsafe(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{Defaults: config.ToolPolicy{Policy: "allow"}})

	decision, _ := e.EvaluateShell("shell", "execute", map[string]any{"command": "ls -la"})
	assert.Equal(t, DecisionAllow, decision)

	decision, reason := e.EvaluateShell("shell", "execute", map[string]any{"command": "ls; rm -rf /"})
	assert.Equal(t, DecisionHITL, decision)
	assert.Contains(t, reason, "metacharacter")
}

func TestEvaluateShellRespectsBlock(t *testing.T) {
	e := engineWith(t, config.ToolsConfig{
		Defaults: config.ToolPolicy{Policy: "allow"},
		Categories: map[string]map[string]config.ToolPolicy{
			"shell": {"execute": {Policy: "block"}},
		},
	})
	decision, _ := e.EvaluateShell("shell", "execute", map[string]any{"command": "ls"})
	assert.Equal(t, DecisionBlock, decision)
}
