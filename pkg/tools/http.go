package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/config"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
)

// Private and reserved networks rejected when SSRF protection is on.
var privateNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"169.254.0.0/16",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"255.255.255.255/32",
)

// Cloud metadata endpoints are blocked by hostname regardless of IP checks.
var metadataHostnames = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"169.254.170.2":            true,
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// HTTPTools makes outbound requests with SSRF and domain-policy checks.
type HTTPTools struct {
	cfg    config.HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPTools returns the http tool set.
func NewHTTPTools(cfg config.HTTPConfig, logger *slog.Logger) *HTTPTools {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	if cfg.MaxResponseSizeKB <= 0 {
		cfg.MaxResponseSizeKB = 100
	}
	return &HTTPTools{cfg: cfg, client: &http.Client{}, logger: logger}
}

// Register adds request under the http category.
func (t *HTTPTools) Register(reg *dispatch.Registry) {
	reg.Register("http", "request", dispatch.ToolFunc(t.Request))
}

// isPrivateIP checks the literal host string only. Hostnames pass; the
// network layer refuses unroutable addresses anyway, and a DNS lookup here
// would be a TOCTOU hazard.
func isPrivateIP(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func domainMatches(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimPrefix(pattern, "*."))
	host = strings.ToLower(host)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func (t *HTTPTools) checkTarget(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return apperr.New(apperr.KindInvalidParam, "Invalid URL: %v", err)
	}
	host := parsed.Hostname()
	scheme := strings.ToLower(parsed.Scheme)

	if scheme != "http" && scheme != "https" {
		return apperr.New(apperr.KindSecurity,
			"Unsupported scheme '%s'. Only http and https are allowed.", scheme)
	}
	if t.cfg.BlockMetadataEndpoints && metadataHostnames[host] {
		return apperr.New(apperr.KindSecurity,
			"Requests to '%s' are blocked. Cloud metadata endpoints are not allowed.", host)
	}
	if t.cfg.BlockPrivateIPs && isPrivateIP(host) {
		return apperr.New(apperr.KindSecurity,
			"Requests to private/reserved IP address '%s' are blocked (SSRF protection).", host)
	}
	if len(t.cfg.AllowDomains) > 0 {
		allowed := false
		for _, pattern := range t.cfg.AllowDomains {
			if domainMatches(host, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.New(apperr.KindSecurity,
				"Domain '%s' is not in the allowlist. Allowed domains: %s",
				host, strings.Join(t.cfg.AllowDomains, ", "))
		}
	}
	for _, pattern := range t.cfg.BlockDomains {
		if domainMatches(host, pattern) {
			return apperr.New(apperr.KindSecurity, "Domain '%s' is blocked by policy.", host)
		}
	}
	return nil
}

// Request performs one outbound HTTP request.
func (t *HTTPTools) Request(ctx context.Context, params map[string]any, call dispatch.CallContext) (any, error) {
	rawURL, err := requiredString(params, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(stringParam(params, "method", "GET"))
	if !allowedMethods[method] {
		names := make([]string, 0, len(allowedMethods))
		for m := range allowedMethods {
			names = append(names, m)
		}
		sort.Strings(names)
		return nil, apperr.New(apperr.KindInvalidParam,
			"HTTP method '%s' is not allowed. Allowed methods: %s", method, strings.Join(names, ", "))
	}

	if err := t.checkTarget(rawURL); err != nil {
		return nil, err
	}

	timeout := time.Duration(intParam(params, "timeout", 30)) * time.Second
	if ceiling := time.Duration(t.cfg.MaxTimeoutSeconds) * time.Second; timeout > ceiling {
		timeout = ceiling
	}

	body, hasBody := params["body"].(string)
	jsonBody, hasJSON := params["json_body"]
	if hasBody && hasJSON && jsonBody != nil {
		return nil, apperr.New(apperr.KindInvalidParam, "Provide either 'body' or 'json_body', not both.")
	}

	var reqBody io.Reader
	contentType := ""
	switch {
	case hasJSON && jsonBody != nil:
		encoded, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidParam, "Invalid json_body: %v", err)
		}
		reqBody = strings.NewReader(string(encoded))
		contentType = "application/json"
	case hasBody:
		reqBody = strings.NewReader(body)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reqBody)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidParam, "Invalid request: %v", err)
	}
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := t.client
	if !boolParam(params, "follow_redirects", true) {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	t.logger.Info("http_request_start", "method", method, "url", rawURL, "timeout", timeout.Seconds())

	start := time.Now()
	resp, err := client.Do(req)
	durationMS := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.New(apperr.KindTimeout,
				"HTTP request timed out after %ds: %v", int(timeout.Seconds()), err)
		}
		return nil, apperr.New(apperr.KindInternal, "HTTP request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	maxBytes := t.cfg.MaxResponseSizeKB * 1024
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "reading HTTP response: %v", err)
	}
	respBody := string(raw)
	if len(raw) > maxBytes {
		respBody = string(raw[:maxBytes]) +
			fmt.Sprintf("\n\n[TRUNCATED: response exceeded %d KB limit]", t.cfg.MaxResponseSizeKB)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	t.logger.Info("http_request_complete",
		"method", method,
		"url", resp.Request.URL.String(),
		"status_code", resp.StatusCode,
		"duration_ms", durationMS)

	return map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         respBody,
		"url":          resp.Request.URL.String(),
		"duration_ms":  durationMS,
		"content_type": resp.Header.Get("Content-Type"),
	}, nil
}
