package tools

import (
	"context"

	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/memory"
)

// MemoryTools bridges the knowledge graph engine into the registry so
// graph operations pass the same policy, HITL, and audit pipeline as every
// other tool.
type MemoryTools struct {
	engine *memory.Engine
}

// NewMemoryTools returns the memory tool set.
func NewMemoryTools(engine *memory.Engine) *MemoryTools {
	return &MemoryTools{engine: engine}
}

// Register adds the memory operations.
func (t *MemoryTools) Register(reg *dispatch.Registry) {
	reg.Register("memory", "store", dispatch.ToolFunc(t.Store))
	reg.Register("memory", "get", dispatch.ToolFunc(t.Get))
	reg.Register("memory", "search", dispatch.ToolFunc(t.Search))
	reg.Register("memory", "update", dispatch.ToolFunc(t.Update))
	reg.Register("memory", "delete", dispatch.ToolFunc(t.Delete))
	reg.Register("memory", "link", dispatch.ToolFunc(t.Link))
	reg.Register("memory", "children", dispatch.ToolFunc(t.Children))
	reg.Register("memory", "ancestors", dispatch.ToolFunc(t.Ancestors))
	reg.Register("memory", "roots", dispatch.ToolFunc(t.Roots))
	reg.Register("memory", "related", dispatch.ToolFunc(t.Related))
	reg.Register("memory", "subtree", dispatch.ToolFunc(t.Subtree))
	reg.Register("memory", "stats", dispatch.ToolFunc(t.Stats))
}

func (t *MemoryTools) Store(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	content, err := requiredString(params, "content")
	if err != nil {
		return nil, err
	}
	var relations []memory.RelationSpec
	if raw, ok := params["relations"].([]any); ok {
		for _, item := range raw {
			spec, ok := item.(map[string]any)
			if !ok {
				continue
			}
			relations = append(relations, memory.RelationSpec{
				TargetID: stringParam(spec, "target_id", ""),
				Relation: stringParam(spec, "relation", "relates_to"),
				Weight:   floatParam(spec, "weight", 1.0),
			})
		}
	}
	return t.engine.Store(ctx, memory.StoreInput{
		Content:    content,
		Name:       stringParam(params, "name", ""),
		EntityType: stringParam(params, "entity_type", ""),
		Tags:       stringListParam(params, "tags"),
		Metadata:   mapParam(params, "metadata"),
		Source:     stringParam(params, "source", ""),
		Relations:  relations,
	})
}

func (t *MemoryTools) Get(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	node, relations, err := t.engine.Get(ctx, id, boolParam(params, "include_relations", true))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"node":      node,
		"relations": relations,
	}, nil
}

func (t *MemoryTools) Search(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	results, err := t.engine.Search(ctx, memory.SearchInput{
		Query:          stringParam(params, "query", ""),
		Mode:           stringParam(params, "mode", "hybrid"),
		EntityType:     stringParam(params, "entity_type", ""),
		Tags:           stringListParam(params, "tags"),
		MaxResults:     intParam(params, "max_results", 10),
		TemporalFilter: stringParam(params, "temporal_filter", ""),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results": results,
		"count":   len(results),
	}, nil
}

func (t *MemoryTools) Update(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	var in memory.UpdateInput
	if v, ok := params["content"].(string); ok {
		in.Content = &v
	}
	if v, ok := params["name"].(string); ok {
		in.Name = &v
	}
	if _, ok := params["tags"]; ok {
		in.Tags = stringListParam(params, "tags")
	}
	in.Metadata = mapParam(params, "metadata")
	return t.engine.Update(ctx, id, in)
}

func (t *MemoryTools) Delete(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	return t.engine.Delete(ctx, id, boolParam(params, "cascade", false))
}

func (t *MemoryTools) Link(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	source, err := requiredString(params, "source_id")
	if err != nil {
		return nil, err
	}
	target, err := requiredString(params, "target_id")
	if err != nil {
		return nil, err
	}
	return t.engine.Link(ctx, memory.LinkInput{
		SourceID:      source,
		TargetID:      target,
		Relation:      stringParam(params, "relation", "relates_to"),
		Weight:        floatParam(params, "weight", 1.0),
		Bidirectional: boolParam(params, "bidirectional", false),
		Metadata:      mapParam(params, "metadata"),
		ValidFrom:     stringParam(params, "valid_from", ""),
		ValidUntil:    stringParam(params, "valid_until", ""),
	})
}

func (t *MemoryTools) Children(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	nodes, err := t.engine.Children(ctx, id)
	if err != nil {
		return nil, err
	}
	return nodesResponse(nodes), nil
}

func (t *MemoryTools) Ancestors(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	nodes, err := t.engine.Ancestors(ctx, id, intParam(params, "max_depth", 10))
	if err != nil {
		return nil, err
	}
	return nodesResponse(nodes), nil
}

func (t *MemoryTools) Roots(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	nodes, err := t.engine.Roots(ctx)
	if err != nil {
		return nil, err
	}
	return nodesResponse(nodes), nil
}

func (t *MemoryTools) Related(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	nodes, err := t.engine.Related(ctx, id, stringParam(params, "relation", ""))
	if err != nil {
		return nil, err
	}
	return nodesResponse(nodes), nil
}

func (t *MemoryTools) Subtree(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	id, err := requiredString(params, "node_id")
	if err != nil {
		return nil, err
	}
	nodes, err := t.engine.Subtree(ctx, id, intParam(params, "max_depth", 10))
	if err != nil {
		return nil, err
	}
	return nodesResponse(nodes), nil
}

func (t *MemoryTools) Stats(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	return t.engine.GraphStats(ctx)
}

func nodesResponse(nodes []memory.Node) map[string]any {
	return map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	}
}
