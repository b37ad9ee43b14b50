package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/config"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
)

// localCfg disables the private-IP guard so requests can reach httptest
// servers on loopback.
func localCfg() config.HTTPConfig {
	return config.HTTPConfig{
		BlockPrivateIPs:        false,
		BlockMetadataEndpoints: true,
		MaxTimeoutSeconds:      10,
		MaxResponseSizeKB:      100,
	}
}

func guardedCfg() config.HTTPConfig {
	cfg := localCfg()
	cfg.BlockPrivateIPs = true
	return cfg
}

func TestHTTPRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tool := NewHTTPTools(localCfg(), nil)
	out, err := tool.Request(context.Background(), map[string]any{"url": srv.URL}, dispatch.CallContext{})
	require.NoError(t, err)
	m := asMap(t, out)
	assert.Equal(t, 200, m["status_code"])
	assert.Equal(t, `{"ok":true}`, m["body"])
	assert.Equal(t, "application/json", m["content_type"])
}

func TestHTTPRequestJSONBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tool := NewHTTPTools(localCfg(), nil)
	out, err := tool.Request(context.Background(), map[string]any{
		"url":       srv.URL,
		"method":    "post",
		"json_body": map[string]any{"name": "deploy"},
	}, dispatch.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, 201, asMap(t, out)["status_code"])
	assert.Equal(t, "deploy", got["name"])
}

func TestHTTPRequestBodyAndJSONBodyExclusive(t *testing.T) {
	tool := NewHTTPTools(localCfg(), nil)

	_, err := tool.Request(context.Background(), map[string]any{
		"url":       "http://example.com",
		"body":      "raw",
		"json_body": map[string]any{"a": 1},
	}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParam, apperr.KindOf(err))
}

func TestHTTPRequestMethodRejected(t *testing.T) {
	tool := NewHTTPTools(localCfg(), nil)

	_, err := tool.Request(context.Background(), map[string]any{
		"url":    "http://example.com",
		"method": "TRACE",
	}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParam, apperr.KindOf(err))
}

func TestHTTPRequestSchemeRejected(t *testing.T) {
	tool := NewHTTPTools(localCfg(), nil)

	_, err := tool.Request(context.Background(), map[string]any{"url": "ftp://example.com/file"}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
}

func TestHTTPRequestPrivateIPBlocked(t *testing.T) {
	tool := NewHTTPTools(guardedCfg(), nil)

	for _, url := range []string{
		"http://127.0.0.1:8080/admin",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
	} {
		_, err := tool.Request(context.Background(), map[string]any{"url": url}, dispatch.CallContext{})
		require.Error(t, err, url)
		assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err), url)
	}
}

func TestHTTPRequestMetadataHostnameBlocked(t *testing.T) {
	tool := NewHTTPTools(localCfg(), nil)

	_, err := tool.Request(context.Background(), map[string]any{
		"url": "http://metadata.google.internal/computeMetadata/v1/",
	}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "metadata")
}

func TestHTTPRequestDomainLists(t *testing.T) {
	cfg := localCfg()
	cfg.AllowDomains = []string{"*.example.com"}
	tool := NewHTTPTools(cfg, nil)

	_, err := tool.Request(context.Background(), map[string]any{"url": "http://other.org/x"}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "allowlist")

	cfg = localCfg()
	cfg.BlockDomains = []string{"evil.test"}
	tool = NewHTTPTools(cfg, nil)
	_, err = tool.Request(context.Background(), map[string]any{"url": "https://api.evil.test/"}, dispatch.CallContext{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
}

func TestHTTPRequestResponseTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3000; i++ {
			_, _ = w.Write([]byte("0123456789"))
		}
	}))
	defer srv.Close()

	cfg := localCfg()
	cfg.MaxResponseSizeKB = 1
	tool := NewHTTPTools(cfg, nil)
	out, err := tool.Request(context.Background(), map[string]any{"url": srv.URL}, dispatch.CallContext{})
	require.NoError(t, err)
	body := asMap(t, out)["body"].(string)
	assert.Contains(t, body, "[TRUNCATED: response exceeded 1 KB limit]")
}

func TestHTTPRequestNoFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	tool := NewHTTPTools(localCfg(), nil)
	out, err := tool.Request(context.Background(), map[string]any{
		"url":              srv.URL,
		"follow_redirects": false,
	}, dispatch.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, 302, asMap(t, out)["status_code"])
}
