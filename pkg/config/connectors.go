package config

import (
	"fmt"
	"os"
	"regexp"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AuthType selects how a connector authenticates against its upstream.
type AuthType string

// Connector auth types.
const (
	AuthAPIKey AuthType = "apiKey"
	AuthBasic  AuthType = "basic"
	AuthOAuth  AuthType = "oauth"
	AuthNone   AuthType = "none"
)

// IsValid checks if the auth type is a known value.
func (t AuthType) IsValid() bool {
	switch t {
	case AuthAPIKey, AuthBasic, AuthOAuth, AuthNone:
		return true
	default:
		return false
	}
}

// AuthConfig holds a connector's credentials. Values support ${VAR}
// expansion so secrets stay in the environment.
type AuthConfig struct {
	Type        AuthType          `yaml:"type" validate:"required"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// RateLimitConfig holds the per-window request budgets. Zero disables a
// window.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second,omitempty" validate:"min=0"`
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty" validate:"min=0"`
	RequestsPerHour   int `yaml:"requests_per_hour,omitempty" validate:"min=0"`
}

// ConnectorConfig defines one connector instance for a tenant.
type ConnectorConfig struct {
	ID         string          `yaml:"id" validate:"required"`
	Type       string          `yaml:"type" validate:"required,oneof=siem edr threat_intel"`
	Endpoint   string          `yaml:"endpoint,omitempty"`
	Priority   int             `yaml:"priority" validate:"min=0"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
}

// TenantConfig defines one tenant and its connectors.
type TenantConfig struct {
	TenantID   string            `yaml:"tenant_id" validate:"required"`
	Connectors []ConnectorConfig `yaml:"connectors" validate:"dive"`
	// Settings holds per-tenant overrides read through the registry's
	// TTL cache.
	Settings map[string]string `yaml:"settings,omitempty"`
}

// SentinelYAML is the root of the sentinel.yaml file.
type SentinelYAML struct {
	Tenants []TenantConfig `yaml:"tenants" validate:"dive"`
	// HealthProbeSeconds is the connector health probe interval.
	HealthProbeSeconds int `yaml:"health_probe_seconds,omitempty" validate:"min=0"`
	// SettingsTTLSeconds is the per-tenant settings cache TTL.
	SettingsTTLSeconds int `yaml:"settings_ttl_seconds,omitempty" validate:"min=0"`
}

// builtinDefaults are merged under the user configuration (user wins).
func builtinDefaults() *SentinelYAML {
	return &SentinelYAML{
		HealthProbeSeconds: 30,
		SettingsTTLSeconds: 300,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConnectors parses sentinel.yaml: read, expand ${VAR}, unmarshal,
// merge built-in defaults, validate.
func LoadConnectors(path string) (*SentinelYAML, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseConnectors(raw)
}

// ParseConnectors parses already-read sentinel.yaml content.
func ParseConnectors(raw []byte) (*SentinelYAML, error) {
	var cfg SentinelYAML
	if err := yaml.Unmarshal(expandEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parsing connector configuration: %w", err)
	}

	if err := mergo.Merge(&cfg, builtinDefaults()); err != nil {
		return nil, fmt.Errorf("merging built-in defaults: %w", err)
	}

	for i := range cfg.Tenants {
		for j := range cfg.Tenants[i].Connectors {
			c := &cfg.Tenants[i].Connectors[j]
			if c.Auth.Type == "" {
				c.Auth.Type = AuthNone
			}
		}
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("connector configuration validation failed: %w", err)
	}
	for _, tenant := range cfg.Tenants {
		seen := make(map[string]bool, len(tenant.Connectors))
		for _, c := range tenant.Connectors {
			if seen[c.ID] {
				return nil, fmt.Errorf("tenant %s declares connector id %q twice", tenant.TenantID, c.ID)
			}
			seen[c.ID] = true
			if !c.Auth.Type.IsValid() {
				return nil, fmt.Errorf("connector %s: unknown auth type %q", c.ID, c.Auth.Type)
			}
		}
	}
	return &cfg, nil
}
