package tools

import (
	"context"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/plan"
)

// PlanTools bridges the plan engine into the registry. plan_execute runs
// tasks back through the dispatch pipeline, so every task invocation is
// policed and audited like a direct call.
type PlanTools struct {
	engine *plan.Engine
}

// NewPlanTools returns the plan tool set.
func NewPlanTools(engine *plan.Engine) *PlanTools {
	return &PlanTools{engine: engine}
}

// Register adds the plan operations.
func (t *PlanTools) Register(reg *dispatch.Registry) {
	reg.Register("plan", "create", dispatch.ToolFunc(t.Create))
	reg.Register("plan", "execute", dispatch.ToolFunc(t.Execute))
	reg.Register("plan", "status", dispatch.ToolFunc(t.Status))
	reg.Register("plan", "list", dispatch.ToolFunc(t.List))
	reg.Register("plan", "cancel", dispatch.ToolFunc(t.Cancel))
}

func (t *PlanTools) Create(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	name, err := requiredString(params, "name")
	if err != nil {
		return nil, err
	}
	rawTasks, ok := params["tasks"].([]any)
	if !ok || len(rawTasks) == 0 {
		return nil, apperr.New(apperr.KindInvalidParam, "Missing required parameter 'tasks'")
	}
	tasks := make([]plan.TaskSpec, 0, len(rawTasks))
	for _, item := range rawTasks {
		spec, ok := item.(map[string]any)
		if !ok {
			return nil, apperr.New(apperr.KindInvalidParam, "Each task must be an object")
		}
		tasks = append(tasks, plan.TaskSpec{
			ID:           stringParam(spec, "id", ""),
			Name:         stringParam(spec, "name", ""),
			ToolCategory: stringParam(spec, "tool_category", ""),
			ToolName:     stringParam(spec, "tool_name", ""),
			Params:       mapParam(spec, "params"),
			DependsOn:    stringListParam(spec, "depends_on"),
			OnFailure:    stringParam(spec, "on_failure", ""),
			RequireHITL:  boolParam(spec, "require_hitl", false),
		})
	}
	return t.engine.Create(ctx, plan.CreateInput{
		Name:      name,
		Tasks:     tasks,
		OnFailure: stringParam(params, "on_failure", ""),
		Metadata:  mapParam(params, "metadata"),
	})
}

func (t *PlanTools) Execute(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	ref, err := requiredString(params, "plan_id")
	if err != nil {
		return nil, err
	}
	return t.engine.Execute(ctx, ref)
}

func (t *PlanTools) Status(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	ref, err := requiredString(params, "plan_id")
	if err != nil {
		return nil, err
	}
	return t.engine.Status(ctx, ref)
}

func (t *PlanTools) List(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	plans, err := t.engine.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"plans": plans,
		"count": len(plans),
	}, nil
}

func (t *PlanTools) Cancel(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	ref, err := requiredString(params, "plan_id")
	if err != nil {
		return nil, err
	}
	return t.engine.Cancel(ctx, ref)
}
