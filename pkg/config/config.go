// Package config loads HostBridge configuration from a YAML file with
// ${VAR:-default} environment substitution.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the admin API listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkspaceConfig holds the sandbox root.
type WorkspaceConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// SecretsConfig points at the .env-format secrets file.
type SecretsConfig struct {
	File string `yaml:"file"`
}

// HITLConfig controls approval request lifetimes.
type HITLConfig struct {
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// AuditConfig controls the audit store.
type AuditConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	LogLevel      string `yaml:"log_level"`
}

// DatabaseConfig points at the sqlite file backing all persistent state.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig controls the outbound HTTP tool: SSRF guards, domain lists,
// and response/timeout caps.
type HTTPConfig struct {
	BlockPrivateIPs        bool     `yaml:"block_private_ips"`
	BlockMetadataEndpoints bool     `yaml:"block_metadata_endpoints"`
	AllowDomains           []string `yaml:"allow_domains"`
	BlockDomains           []string `yaml:"block_domains"`
	MaxTimeoutSeconds      int      `yaml:"max_timeout_seconds"`
	MaxResponseSizeKB      int      `yaml:"max_response_size_kb"`
}

// ToolPolicy is the per-tool policy declaration. Policy and
// WorkspaceOverride are one of "allow", "block", "hitl". Condition is an
// optional CEL expression over {category, tool, params}; when it evaluates
// true the decision is lifted to hitl.
type ToolPolicy struct {
	Policy            string   `yaml:"policy"`
	WorkspaceOverride string   `yaml:"workspace_override"`
	HITLPatterns      []string `yaml:"hitl_patterns"`
	BlockPatterns     []string `yaml:"block_patterns"`
	Condition         string   `yaml:"condition"`
}

// ToolsConfig declares the default policy plus per-(category, tool) overrides.
type ToolsConfig struct {
	Defaults   ToolPolicy                       `yaml:"defaults"`
	Categories map[string]map[string]ToolPolicy `yaml:"categories"`
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	HITL      HITLConfig      `yaml:"hitl"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Tools     ToolsConfig     `yaml:"tools"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080},
		Workspace: WorkspaceConfig{BaseDir: "/workspace"},
		Secrets:   SecretsConfig{File: "/secrets/secrets.env"},
		HITL:      HITLConfig{DefaultTTLSeconds: 300},
		Audit:     AuditConfig{RetentionDays: 30, LogLevel: "INFO"},
		Database:  DatabaseConfig{Path: "/data/hostbridge.db"},
		HTTP: HTTPConfig{
			BlockPrivateIPs:        true,
			BlockMetadataEndpoints: true,
			MaxTimeoutSeconds:      60,
			MaxResponseSizeKB:      100,
		},
		Tools: ToolsConfig{
			Defaults: ToolPolicy{Policy: "allow", WorkspaceOverride: "hitl"},
		},
	}
}

var envExprRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the YAML file at path, substitutes ${VAR:-default} expressions
// from the process environment, and unmarshals over the defaults. A missing
// file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	substituted := envExprRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		groups := envExprRe.FindSubmatch(m)
		name, def := string(groups[1]), groups[2]
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if def != nil {
			return def
		}
		return m
	})

	if err := yaml.Unmarshal(substituted, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// PolicyFor returns the policy declared for (category, tool), falling back
// to the defaults when no override exists.
func (c *Config) PolicyFor(category, tool string) ToolPolicy {
	if byTool, ok := c.Tools.Categories[category]; ok {
		if p, ok := byTool[tool]; ok {
			return p
		}
	}
	return c.Tools.Defaults
}
