// Package dispatch is the single entry point for tool execution: every
// invocation passes policy evaluation, the HITL gate, secret resolution,
// the tool call, and exactly one audit row, in that order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/audit"
	"github.com/hostbridge/hostbridge/pkg/hitl"
	"github.com/hostbridge/hostbridge/pkg/policy"
	"github.com/hostbridge/hostbridge/pkg/secrets"
)

// CallContext carries caller metadata through a dispatch.
type CallContext struct {
	Protocol     string
	WorkspaceDir string
	ClientInfo   map[string]any
}

// Tool is one invocable capability. Params arrive with secret templates
// already resolved.
type Tool interface {
	Invoke(ctx context.Context, params map[string]any, call CallContext) (any, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, params map[string]any, call CallContext) (any, error)

func (f ToolFunc) Invoke(ctx context.Context, params map[string]any, call CallContext) (any, error) {
	return f(ctx, params, call)
}

type toolKey struct {
	category string
	name     string
}

// CatalogEntry identifies one registered tool.
type CatalogEntry struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

// Registry maps (category, name) to tools. Populated at startup; its
// content is the catalog both API surfaces expose.
type Registry struct {
	mu    sync.RWMutex
	tools map[toolKey]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[toolKey]Tool{}}
}

// Register adds or replaces a tool.
func (r *Registry) Register(category, name string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[toolKey{category, name}] = tool
}

// Lookup finds a tool; not_found when absent.
func (r *Registry) Lookup(category, name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[toolKey{category, name}]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "Tool '%s_%s' not found", category, name)
	}
	return tool, nil
}

// Catalog returns all registered tools, sorted by category then name.
func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]CatalogEntry, 0, len(r.tools))
	for key := range r.tools {
		entries = append(entries, CatalogEntry{Category: key.category, Name: key.name})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Options tweak one dispatch.
type Options struct {
	ForceHITL  bool
	HITLReason string
}

// Dispatcher runs the pipeline.
type Dispatcher struct {
	registry *Registry
	policy   *policy.Engine
	secrets  *secrets.Store
	audit    *audit.Logger
	hitl     *hitl.Coordinator
	logger   *slog.Logger
}

// NewDispatcher wires the pipeline components together.
func NewDispatcher(registry *Registry, pol *policy.Engine, sec *secrets.Store, auditLog *audit.Logger, coordinator *hitl.Coordinator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		policy:   pol,
		secrets:  sec,
		audit:    auditLog,
		hitl:     coordinator,
		logger:   logger,
	}
}

// Dispatch executes one tool invocation. rawParams must carry the caller's
// original values: policy patterns and the audit row see secret templates,
// never resolved values. Every outcome writes exactly one audit row.
func (d *Dispatcher) Dispatch(ctx context.Context, category, name string, rawParams map[string]any, call CallContext, opts Options) (any, error) {
	start := time.Now()
	if rawParams == nil {
		rawParams = map[string]any{}
	}

	var decision policy.Decision
	var reason string
	switch {
	case opts.ForceHITL:
		decision = policy.DecisionHITL
		reason = opts.HITLReason
		if reason == "" {
			reason = "Requires approval"
		}
	case category == "shell":
		decision, reason = d.policy.EvaluateShell(category, name, rawParams)
	default:
		decision, reason = d.policy.Evaluate(category, name, rawParams)
	}

	if decision == policy.DecisionBlock {
		d.logAudit(ctx, audit.Entry{
			ToolName:      name,
			ToolCategory:  category,
			Protocol:      call.Protocol,
			RequestParams: rawParams,
			Status:        audit.StatusBlocked,
			ErrorMessage:  reason,
			WorkspaceDir:  call.WorkspaceDir,
			ClientInfo:    call.ClientInfo,
		})
		return nil, apperr.New(apperr.KindSecurity, "Operation blocked: %s", reason)
	}

	hitlRequestID := ""
	if decision == policy.DecisionHITL {
		d.logger.Info("hitl_required", "tool", category+"_"+name, "reason", reason)

		// The reviewer sees the redacted snapshot, never secret values.
		req, err := d.hitl.Create(ctx, category, name, d.secrets.MaskParams(rawParams),
			map[string]any{"protocol": call.Protocol}, reason, 0)
		if err != nil {
			return nil, fmt.Errorf("creating hitl request: %w", err)
		}
		hitlRequestID = req.ID

		outcome, err := d.hitl.Wait(ctx, req.ID, 0)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case hitl.DecisionRejected:
			d.logAudit(ctx, audit.Entry{
				ToolName:      name,
				ToolCategory:  category,
				Protocol:      call.Protocol,
				RequestParams: rawParams,
				Status:        audit.StatusHITLRejected,
				ErrorMessage:  "Operation rejected by administrator",
				HITLRequestID: hitlRequestID,
				WorkspaceDir:  call.WorkspaceDir,
				ClientInfo:    call.ClientInfo,
			})
			return nil, apperr.New(apperr.KindSecurity,
				"Operation not permitted. The request was reviewed and rejected.")
		case hitl.DecisionExpired:
			d.logAudit(ctx, audit.Entry{
				ToolName:      name,
				ToolCategory:  category,
				Protocol:      call.Protocol,
				RequestParams: rawParams,
				Status:        audit.StatusHITLExpired,
				ErrorMessage:  "Operation timed out waiting for approval",
				HITLRequestID: hitlRequestID,
				WorkspaceDir:  call.WorkspaceDir,
				ClientInfo:    call.ClientInfo,
			})
			return nil, apperr.New(apperr.KindTimeout,
				"Operation timed out waiting for approval. Please try again later.")
		}
		d.logger.Info("hitl_approved_executing", "tool", category+"_"+name)
	}

	// Secrets resolve into a fresh params object only after the gate; the
	// audit snapshot keeps the templated form.
	execParams := rawParams
	if d.secrets.HasTemplates(rawParams) {
		resolved, err := d.secrets.ResolveParams(rawParams)
		if err != nil {
			d.logError(ctx, category, name, rawParams, call, hitlRequestID, start, err)
			return nil, err
		}
		execParams = resolved
	}

	tool, err := d.registry.Lookup(category, name)
	if err != nil {
		d.logError(ctx, category, name, rawParams, call, hitlRequestID, start, err)
		return nil, err
	}

	result, err := tool.Invoke(ctx, execParams, call)
	if err != nil {
		d.logError(ctx, category, name, rawParams, call, hitlRequestID, start, err)
		return nil, err
	}

	status := audit.StatusSuccess
	if decision == policy.DecisionHITL {
		status = audit.StatusHITLApproved
	}
	d.logAudit(ctx, audit.Entry{
		ToolName:      name,
		ToolCategory:  category,
		Protocol:      call.Protocol,
		RequestParams: rawParams,
		ResponseBody:  result,
		Status:        status,
		DurationMS:    time.Since(start).Milliseconds(),
		HITLRequestID: hitlRequestID,
		WorkspaceDir:  call.WorkspaceDir,
		ClientInfo:    call.ClientInfo,
	})
	return result, nil
}

func (d *Dispatcher) logError(ctx context.Context, category, name string, rawParams map[string]any, call CallContext, hitlRequestID string, start time.Time, err error) {
	d.logAudit(ctx, audit.Entry{
		ToolName:      name,
		ToolCategory:  category,
		Protocol:      call.Protocol,
		RequestParams: rawParams,
		Status:        audit.StatusError,
		DurationMS:    time.Since(start).Milliseconds(),
		ErrorMessage:  err.Error(),
		HITLRequestID: hitlRequestID,
		WorkspaceDir:  call.WorkspaceDir,
		ClientInfo:    call.ClientInfo,
	})
}

func (d *Dispatcher) logAudit(ctx context.Context, e audit.Entry) {
	if _, err := d.audit.Log(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Error("audit_write_error", "tool", e.ToolCategory+"_"+e.ToolName, "error", err)
	}
}
