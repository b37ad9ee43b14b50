package tools

import (
	"context"
	"log/slog"

	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/secrets"
	"github.com/hostbridge/hostbridge/pkg/workspace"
)

// WorkspaceTools exposes sandbox metadata and the secret store's key list
// and reload. Secret values never leave the store.
type WorkspaceTools struct {
	ws       *workspace.Resolver
	secrets  *secrets.Store
	registry *dispatch.Registry
	logger   *slog.Logger
}

// NewWorkspaceTools returns the workspace tool set.
func NewWorkspaceTools(ws *workspace.Resolver, sec *secrets.Store, registry *dispatch.Registry, logger *slog.Logger) *WorkspaceTools {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceTools{ws: ws, secrets: sec, registry: registry, logger: logger}
}

// Register adds info, secrets_list, and secrets_reload under the workspace
// category.
func (t *WorkspaceTools) Register(reg *dispatch.Registry) {
	reg.Register("workspace", "info", dispatch.ToolFunc(t.Info))
	reg.Register("workspace", "secrets_list", dispatch.ToolFunc(t.SecretsList))
	reg.Register("workspace", "secrets_reload", dispatch.ToolFunc(t.SecretsReload))
}

// Info reports the sandbox root, disk usage, tool categories, and the
// secret count.
func (t *WorkspaceTools) Info(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	info := t.ws.Info()

	categories := []string{}
	seen := map[string]bool{}
	for _, entry := range t.registry.Catalog() {
		if !seen[entry.Category] {
			seen[entry.Category] = true
			categories = append(categories, entry.Category)
		}
	}

	t.logger.Info("workspace_info_retrieved")

	return map[string]any{
		"default_workspace":     info.BaseDir,
		"available_directories": []string{info.BaseDir},
		"disk_usage":            info.DiskUsage,
		"tool_categories":       categories,
		"secret_count":          t.secrets.Count(),
	}, nil
}

// SecretsList returns the configured key names, never values.
func (t *WorkspaceTools) SecretsList(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	keys := t.secrets.ListKeys()
	return map[string]any{
		"keys":  keys,
		"count": len(keys),
	}, nil
}

// SecretsReload re-reads the secrets file.
func (t *WorkspaceTools) SecretsReload(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	count := t.secrets.Reload()
	t.logger.Info("secrets_reloaded", "count", count)
	return map[string]any{
		"reloaded": true,
		"count":    count,
	}, nil
}
