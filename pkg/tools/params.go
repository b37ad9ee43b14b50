// Package tools provides the concrete tool implementations registered into
// the dispatch registry: filesystem, shell, git, HTTP, workspace admin, and
// bridges onto the knowledge graph and plan engines.
//
// Tools receive params as decoded JSON (map[string]any) with secret
// templates already resolved by the dispatch pipeline.
package tools

import (
	"fmt"

	"github.com/hostbridge/hostbridge/pkg/apperr"
)

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func requiredString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", apperr.New(apperr.KindInvalidParam, "Missing required parameter '%s'", key)
	}
	return v, nil
}

// intParam accepts the numeric types JSON decoding and in-process callers
// produce.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func stringListParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}

// stringMapParam flattens a JSON object of scalars into string values, the
// shape env vars and headers arrive in.
func stringMapParam(params map[string]any, key string) map[string]string {
	raw := mapParam(params, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
