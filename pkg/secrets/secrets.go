// Package secrets loads .env-format secrets and provides template
// resolution ({{secret:KEY}}) and audit-time masking.
//
// The ordering invariant enforced across HostBridge: resolution happens
// after the audit snapshot of the templated params is taken, so the audit
// store only ever sees {{secret:KEY}} strings, never resolved values.
package secrets

import (
	"bufio"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hostbridge/hostbridge/pkg/apperr"
)

const redactedMarker = "[REDACTED]"

var templateRe = regexp.MustCompile(`\{\{secret:([A-Za-z0-9_]+)\}\}`)

// Store holds the process-wide secret mapping. Reload replaces the mapping
// atomically; readers see either the old or the new map, never a mix.
type Store struct {
	mu     sync.RWMutex
	file   string
	values map[string]string
	logger *slog.Logger
}

// NewStore loads the secrets file at path. A missing file is not an error;
// it yields an empty mapping.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{file: path, values: map[string]string{}, logger: logger}
	s.load()
	return s
}

// load parses the .env file. Blank lines and # comments are ignored; the
// first = separates key from value; one layer of matching surrounding
// quotes is stripped; malformed lines are logged and skipped.
func (s *Store) load() {
	f, err := os.Open(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("secrets_file_not_found", "path", s.file)
			return
		}
		s.logger.Error("secrets_load_error", "path", s.file, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			s.logger.Warn("secrets_malformed_line", "path", s.file, "line", lineno)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("secrets_load_error", "path", s.file, "error", err)
		return
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	s.logger.Info("secrets_loaded", "count", len(values), "path", s.file)
}

// Reload re-reads the file and atomically replaces the mapping. Returns the
// new key count.
func (s *Store) Reload() int {
	s.mu.Lock()
	s.values = map[string]string{}
	s.mu.Unlock()
	s.load()
	return s.Count()
}

// ListKeys returns the sorted key names. Values are never returned.
func (s *Store) ListKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of loaded keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// ResolveString replaces every {{secret:KEY}} occurrence in value. A
// reference to a missing key fails with secret_not_found naming the key and
// the available key list (never values).
func (s *Store) ResolveString(value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing string
	out := templateRe.ReplaceAllStringFunc(value, func(m string) string {
		key := templateRe.FindStringSubmatch(m)[1]
		v, ok := s.values[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return m
		}
		return v
	})
	if missing != "" {
		available := strings.Join(s.listKeysLocked(), ", ")
		if available == "" {
			available = "(none)"
		}
		return "", apperr.New(apperr.KindSecretNotFound,
			"Secret key '%s' not found. Available keys: %s", missing, available)
	}
	return out, nil
}

func (s *Store) listKeysLocked() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResolveParams deep-copies params and resolves every string leaf, so the
// original templated form stays intact for auditing.
func (s *Store) ResolveParams(params map[string]any) (map[string]any, error) {
	resolved, err := s.resolveAny(params)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (s *Store) resolveAny(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return s.ResolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			r, err := s.resolveAny(vv)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			r, err := s.resolveAny(vv)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// MaskString replaces every literal secret value in text with [REDACTED].
func (s *Store) MaskString(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.values {
		if v != "" && strings.Contains(text, v) {
			text = strings.ReplaceAll(text, v, redactedMarker)
		}
	}
	return text
}

// MaskParams returns a deep copy of params with every string leaf masked.
func (s *Store) MaskParams(params map[string]any) map[string]any {
	return s.maskAny(params).(map[string]any)
}

func (s *Store) maskAny(value any) any {
	switch v := value.(type) {
	case string:
		return s.MaskString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			out[k] = s.maskAny(vv)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			out[i] = s.maskAny(vv)
		}
		return out
	default:
		return value
	}
}

// HasTemplates reports whether any string leaf in params contains a
// {{secret:KEY}} template.
func (s *Store) HasTemplates(params map[string]any) bool {
	return hasTemplatesAny(params)
}

func hasTemplatesAny(value any) bool {
	switch v := value.(type) {
	case string:
		return templateRe.MatchString(v)
	case map[string]any:
		for _, vv := range v {
			if hasTemplatesAny(vv) {
				return true
			}
		}
	case []any:
		for _, vv := range v {
			if hasTemplatesAny(vv) {
				return true
			}
		}
	}
	return false
}
