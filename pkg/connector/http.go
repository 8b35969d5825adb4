package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
)

// httpConnector is the shared HTTP transport for the built-in connector
// types. Type-specific connectors embed it and declare their capabilities
// and produced data types.
type httpConnector struct {
	id       string
	ctype    string
	endpoint string
	auth     *authHandler
	client   *http.Client
}

func (c *httpConnector) Initialize(cfg config.ConnectorConfig) error {
	auth, err := newAuthHandler(cfg.Auth)
	if err != nil {
		return err
	}
	c.id = cfg.ID
	c.ctype = cfg.Type
	c.endpoint = cfg.Endpoint
	c.auth = auth
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// HealthCheck probes GET {endpoint}/health.
func (c *httpConnector) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	result, err := c.do(ctx, http.MethodGet, "/health", nil)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Health{Healthy: false, LatencyMs: latency, Detail: err.Error()}, err
	}
	detail, _ := result.Data["status"].(string)
	return Health{Healthy: true, LatencyMs: latency, Detail: detail}, nil
}

// Query POSTs the payload to {endpoint}/query.
func (c *httpConnector) Query(ctx context.Context, payload map[string]any) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/query", payload)
}

// Enrich POSTs the entity to {endpoint}/enrich.
func (c *httpConnector) Enrich(ctx context.Context, value, kind string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/enrich", map[string]any{
		"value": value,
		"kind":  kind,
	})
}

func (c *httpConnector) Shutdown(context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

// do performs one HTTP exchange, classifying failures at this boundary.
func (c *httpConnector) do(ctx context.Context, method, path string, body map[string]any) (*Result, error) {
	op := fmt.Sprintf("%s.%s", c.ctype, path)
	if c.endpoint == "" {
		return nil, faults.New(faults.KindValidation, op, "connector has no endpoint configured")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, faults.Wrap(faults.KindValidation, op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.auth.apply(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.ClassifyTransport(op, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ferr := faults.ClassifyTransport(op, resp.StatusCode, nil); ferr != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				ferr = ferr.WithRetryAfter(retryAfter)
			}
		}
		return nil, ferr
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, faults.ClassifyTransport(op, 0, err)
	}

	var result Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, faults.Wrap(faults.KindValidation, op, err)
		}
	}
	return &result, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// --- Built-in connector types ---

// SIEMConnector queries a SIEM for log and network events.
type SIEMConnector struct {
	httpConnector
}

// NewSIEM creates an uninitialized SIEM connector.
func NewSIEM() Connector { return &SIEMConnector{} }

// Capabilities lists the supported operations.
func (c *SIEMConnector) Capabilities() []string { return []string{"query", "enrich", "healthCheck"} }

// DataTypes lists the evidence types this connector produces.
func (c *SIEMConnector) DataTypes() []string { return []string{"log", "network", "alert"} }

// EDRConnector queries an endpoint detection and response platform.
type EDRConnector struct {
	httpConnector
}

// NewEDR creates an uninitialized EDR connector.
func NewEDR() Connector { return &EDRConnector{} }

// Capabilities lists the supported operations.
func (c *EDRConnector) Capabilities() []string { return []string{"query", "enrich", "healthCheck"} }

// DataTypes lists the evidence types this connector produces.
func (c *EDRConnector) DataTypes() []string { return []string{"process", "file"} }

// enrichmentCacheTTL bounds how long a threat-intel verdict is reused.
const enrichmentCacheTTL = 15 * time.Minute

// ThreatIntelConnector enriches indicators against a threat-intelligence
// feed, caching verdicts so repeated lookups of the same indicator within an
// investigation do not burn the upstream quota.
type ThreatIntelConnector struct {
	httpConnector
	cache *gocache.Cache
}

// NewThreatIntel creates an uninitialized threat-intel connector.
func NewThreatIntel() Connector {
	return &ThreatIntelConnector{
		cache: gocache.New(enrichmentCacheTTL, 2*enrichmentCacheTTL),
	}
}

// Enrich returns the cached verdict when present, otherwise queries the
// feed and caches the result.
func (c *ThreatIntelConnector) Enrich(ctx context.Context, value, kind string) (*Result, error) {
	cacheKey := kind + ":" + value
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(*Result), nil
	}
	result, err := c.httpConnector.Enrich(ctx, value, kind)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKey, result, gocache.DefaultExpiration)
	return result, nil
}

// Capabilities lists the supported operations.
func (c *ThreatIntelConnector) Capabilities() []string {
	return []string{"query", "enrich", "healthCheck"}
}

// DataTypes lists the evidence types this connector produces.
func (c *ThreatIntelConnector) DataTypes() []string { return []string{"enrichment"} }
