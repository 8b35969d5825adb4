// Package masking redacts sensitive material (credentials, tokens, keys)
// from alert and evidence payloads before they are persisted or published.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the default redaction rules applied to every payload.
// Invalid patterns are logged and skipped at startup.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"api_key", `(?i)(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_\-\.]{8,}`, `$1=***MASKED_API_KEY***`},
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9_\-\.=]{8,}`, `Bearer ***MASKED_TOKEN***`},
	{"password", `(?i)(password|passwd|pwd)["'\s:=]+\S+`, `$1=***MASKED_PASSWORD***`},
	{"basic_auth", `(?i)basic\s+[A-Za-z0-9+/=]{8,}`, `Basic ***MASKED_CREDENTIALS***`},
	{"private_key", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, `***MASKED_PRIVATE_KEY***`},
	{"aws_access_key", `AKIA[0-9A-Z]{16}`, `***MASKED_AWS_KEY***`},
}

// sensitiveKeys are payload keys whose string values are always replaced
// wholesale, regardless of value shape.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"credentials":   true,
}

// Service applies payload masking. Created once at startup; thread-safe and
// stateless aside from compiled patterns.
type Service struct {
	patterns []*CompiledPattern
	enabled  bool
}

// NewService compiles the built-in patterns. Disabled services pass
// payloads through untouched.
func NewService(enabled bool) *Service {
	s := &Service{enabled: enabled}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	slog.Info("Masking service initialized",
		"patterns", len(s.patterns), "enabled", enabled)
	return s
}

// MaskString applies every compiled pattern to the input.
func (s *Service) MaskString(data string) string {
	if !s.enabled {
		return data
	}
	for _, p := range s.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}

// MaskPayload returns a masked copy of the payload: sensitive keys are
// replaced wholesale, string values are pattern-masked, nested maps and
// slices are walked recursively. The input is not modified.
func (s *Service) MaskPayload(payload map[string]any) map[string]any {
	if !s.enabled || payload == nil {
		return payload
	}
	masked := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKeys[k] {
			masked[k] = "***MASKED***"
			continue
		}
		masked[k] = s.maskValue(v)
	}
	return masked
}

func (s *Service) maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.MaskString(val)
	case map[string]any:
		return s.MaskPayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.maskValue(item)
		}
		return out
	default:
		return v
	}
}
