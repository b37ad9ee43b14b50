package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/pkg/audit"
	"github.com/hostbridge/hostbridge/pkg/config"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/hitl"
	"github.com/hostbridge/hostbridge/pkg/plan"
	"github.com/hostbridge/hostbridge/pkg/policy"
	"github.com/hostbridge/hostbridge/pkg/secrets"
	"github.com/hostbridge/hostbridge/pkg/store"
)

type fixture struct {
	server      *httptest.Server
	registry    *dispatch.Registry
	coordinator *hitl.Coordinator
	plans       *plan.Engine
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if cfg == nil {
		cfg = config.Default()
	}
	pol, err := policy.NewEngine(cfg, nil)
	require.NoError(t, err)

	sec := secrets.NewStore(filepath.Join(dir, "missing.env"), nil)
	auditLog := audit.NewLogger(db, sec, nil)
	coordinator := hitl.NewCoordinator(db, time.Minute, nil)
	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(registry, pol, sec, auditLog, coordinator, nil)
	plans := plan.NewEngine(db, coordinator, func(ctx context.Context, category, name string, params map[string]any) (any, error) {
		return dispatcher.Dispatch(ctx, category, name, params, dispatch.CallContext{Protocol: "plan"}, dispatch.Options{})
	}, nil)

	srv := httptest.NewServer(NewServer(dispatcher, registry, coordinator, auditLog, plans, nil).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, registry: registry, coordinator: coordinator, plans: plans}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeBody(t, resp)["status"])
}

func TestDispatchEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("fs", "read", dispatch.ToolFunc(func(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
		assert.Equal(t, "http", call.Protocol)
		return map[string]any{"content": "hi", "path": params["path"]}, nil
	}))

	resp := postJSON(t, f.server.URL+"/api/tools/fs/read", `{"path":"a.txt"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "hi", body["content"])
	assert.Equal(t, "a.txt", body["path"])
}

func TestDispatchUnknownToolProblemJSON(t *testing.T) {
	f := newFixture(t, nil)

	resp := postJSON(t, f.server.URL+"/api/tools/fs/nope", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	body := decodeBody(t, resp)
	assert.Equal(t, "not_found", body["title"])
	assert.Contains(t, body["detail"], "fs_nope")
	assert.Equal(t, "/api/tools/fs/nope", body["instance"])
}

func TestDispatchBlockedMapsTo403(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Categories = map[string]map[string]config.ToolPolicy{
		"fs": {"write": {Policy: "allow", BlockPatterns: []string{"*.pem"}}},
	}
	f := newFixture(t, cfg)
	f.registry.Register("fs", "write", dispatch.ToolFunc(func(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
		return nil, nil
	}))

	resp := postJSON(t, f.server.URL+"/api/tools/fs/write", `{"path":"key.pem","content":"x"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "security_error", decodeBody(t, resp)["title"])
}

func TestDispatchInvalidBody(t *testing.T) {
	f := newFixture(t, nil)

	resp := postJSON(t, f.server.URL+"/api/tools/fs/read", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHITLApproveFlow(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Categories = map[string]map[string]config.ToolPolicy{
		"deploy": {"run": {Policy: "hitl"}},
	}
	f := newFixture(t, cfg)
	f.registry.Register("deploy", "run", dispatch.ToolFunc(func(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
		return map[string]any{"deployed": true}, nil
	}))

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(f.server.URL+"/api/tools/deploy/run", "application/json", strings.NewReader(`{"target":"prod"}`))
		if err == nil {
			done <- resp
		}
	}()

	// Wait for the request to land in the pending queue.
	var requestID string
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.server.URL + "/api/hitl/pending")
		if err != nil {
			return false
		}
		body := decodeBody(t, resp)
		reqs, _ := body["requests"].([]any)
		if len(reqs) == 0 {
			return false
		}
		requestID = reqs[0].(map[string]any)["id"].(string)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	resp := postJSON(t, f.server.URL+"/api/hitl/"+requestID+"/approve", `{"reviewer":"alice","note":"ok"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", decodeBody(t, resp)["status"])

	select {
	case dispatchResp := <-done:
		assert.Equal(t, http.StatusOK, dispatchResp.StatusCode)
		assert.Equal(t, true, decodeBody(t, dispatchResp)["deployed"])
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after approval")
	}
}

func TestHITLRejectUnknownID(t *testing.T) {
	f := newFixture(t, nil)

	resp := postJSON(t, f.server.URL+"/api/hitl/no-such-id/reject", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditRecentEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("fs", "read", dispatch.ToolFunc(func(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
		return map[string]any{"ok": true}, nil
	}))
	_ = postJSON(t, f.server.URL+"/api/tools/fs/read", `{"path":"x"}`)

	resp, err := http.Get(f.server.URL + "/api/audit/recent?limit=10")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	resp, err = http.Get(f.server.URL + "/api/audit/recent?limit=0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPlanEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	created, err := f.plans.Create(context.Background(), plan.CreateInput{
		Name: "nightly",
		Tasks: []plan.TaskSpec{
			{ID: "t1", Name: "one", ToolCategory: "fs", ToolName: "read", Params: map[string]any{"path": "x"}},
		},
	})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/api/plans")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decodeBody(t, resp)["count"])

	resp, err = http.Get(f.server.URL + "/api/plans/" + created.PlanID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "nightly", body["name"])
	assert.Equal(t, "pending", body["status"])

	resp, err = http.Get(f.server.URL + "/api/plans/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCatalogEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("fs", "read", dispatch.ToolFunc(func(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
		return nil, nil
	}))
	f.registry.Register("shell", "execute", dispatch.ToolFunc(func(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
		return nil, nil
	}))

	resp, err := http.Get(f.server.URL + "/api/catalog")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["count"])
	tools := body["tools"].([]any)
	first := tools[0].(map[string]any)
	assert.Equal(t, "fs", first["category"])
	assert.Equal(t, "read", first["name"])
}
