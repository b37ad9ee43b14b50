// Package policy maps (category, tool, params) onto allow/block/hitl
// decisions. Decisions are a pure function of static configuration and the
// request shape, never of runtime state, which keeps the audit trail
// reproducible.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/hostbridge/hostbridge/pkg/config"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
	DecisionHITL  Decision = "hitl"
)

type compiledPolicy struct {
	base              Decision
	workspaceOverride Decision
	blockPatterns     []glob.Glob
	hitlPatterns      []glob.Glob
	condition         cel.Program
}

// Engine evaluates tool policies. Patterns and CEL conditions are compiled
// once at construction.
type Engine struct {
	defaults *compiledPolicy
	byTool   map[string]*compiledPolicy
	logger   *slog.Logger
}

// NewEngine compiles the configured policies. Invalid glob patterns,
// unknown decisions, and CEL compile failures surface here, not at
// evaluation time.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("category", types.StringType),
			decls.NewVariable("tool", types.StringType),
			decls.NewVariable("params", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}

	defaults, err := compilePolicy(env, cfg.Tools.Defaults, "defaults")
	if err != nil {
		return nil, err
	}

	byTool := map[string]*compiledPolicy{}
	for category, tools := range cfg.Tools.Categories {
		for tool, tp := range tools {
			key := category + "/" + tool
			compiled, err := compilePolicy(env, tp, key)
			if err != nil {
				return nil, err
			}
			byTool[key] = compiled
		}
	}

	return &Engine{defaults: defaults, byTool: byTool, logger: logger}, nil
}

func compilePolicy(env *cel.Env, tp config.ToolPolicy, where string) (*compiledPolicy, error) {
	base, err := parseDecision(tp.Policy, DecisionAllow)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", where, err)
	}
	override, err := parseDecision(tp.WorkspaceOverride, DecisionAllow)
	if err != nil {
		return nil, fmt.Errorf("policy %s workspace_override: %w", where, err)
	}

	cp := &compiledPolicy{base: base, workspaceOverride: override}
	for _, pattern := range tp.BlockPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("policy %s block pattern %q: %w", where, pattern, err)
		}
		cp.blockPatterns = append(cp.blockPatterns, g)
	}
	for _, pattern := range tp.HITLPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("policy %s hitl pattern %q: %w", where, pattern, err)
		}
		cp.hitlPatterns = append(cp.hitlPatterns, g)
	}

	if tp.Condition != "" {
		ast, issues := env.Compile(tp.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s condition: %w", where, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy %s condition program: %w", where, err)
		}
		cp.condition = prg
	}
	return cp, nil
}

func parseDecision(s string, empty Decision) (Decision, error) {
	switch s {
	case "":
		return empty, nil
	case "allow", "block", "hitl":
		return Decision(s), nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

func (e *Engine) policyFor(category, tool string) *compiledPolicy {
	if cp, ok := e.byTool[category+"/"+tool]; ok {
		return cp
	}
	return e.defaults
}

// Evaluate returns the decision and a human-readable reason for non-allow
// outcomes. Precedence: block patterns, hitl patterns, workspace override,
// CEL condition, base decision.
func (e *Engine) Evaluate(category, tool string, params map[string]any) (Decision, string) {
	cp := e.policyFor(category, tool)
	path, _ := params["path"].(string)

	if path != "" {
		for _, g := range cp.blockPatterns {
			if g.Match(path) {
				e.logger.Info("policy_blocked", "tool", category+"_"+tool, "path", path)
				return DecisionBlock, "Matches block pattern"
			}
		}
		for _, g := range cp.hitlPatterns {
			if g.Match(path) {
				e.logger.Info("policy_hitl", "tool", category+"_"+tool, "path", path)
				return DecisionHITL, "Matches HITL pattern"
			}
		}
	}

	if ws, _ := params["workspace_dir"].(string); ws != "" {
		switch cp.workspaceOverride {
		case DecisionBlock:
			return DecisionBlock, "Workspace override not allowed"
		case DecisionHITL:
			return DecisionHITL, "Workspace override requires approval"
		}
	}

	if cp.condition != nil {
		out, _, err := cp.condition.Eval(map[string]any{
			"category": category,
			"tool":     tool,
			"params":   params,
		})
		if err != nil {
			e.logger.Warn("policy_condition_error", "tool", category+"_"+tool, "error", err)
		} else if out == types.True {
			return DecisionHITL, "Matches policy condition"
		}
	}

	switch cp.base {
	case DecisionBlock:
		return DecisionBlock, "Tool is blocked by policy"
	case DecisionHITL:
		return DecisionHITL, "Tool requires approval by policy"
	}
	return DecisionAllow, ""
}

// EvaluateShell applies Evaluate and additionally lifts an allow to hitl
// when the command fails the safety predicate.
func (e *Engine) EvaluateShell(category, tool string, params map[string]any) (Decision, string) {
	decision, reason := e.Evaluate(category, tool, params)
	if decision != DecisionAllow {
		return decision, reason
	}
	command, _ := params["command"].(string)
	if safe, why := CheckCommandSafety(command); !safe {
		e.logger.Info("policy_hitl", "tool", category+"_"+tool, "reason", why)
		return DecisionHITL, "Command requires approval: " + why
	}
	return DecisionAllow, ""
}
