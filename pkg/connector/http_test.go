package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
)

func siemServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Connector) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewSIEM()
	require.NoError(t, c.Initialize(config.ConnectorConfig{
		ID:       "siem-1",
		Type:     "siem",
		Endpoint: srv.URL,
		Auth: config.AuthConfig{
			Type:        config.AuthAPIKey,
			Credentials: map[string]string{"api_key": "test-key-12345"},
		},
	}))
	return srv, c
}

func TestHTTPConnectorQuery(t *testing.T) {
	var gotAuth atomic.Value
	_, c := siemServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("X-API-Key"))
		assert.Equal(t, "/query", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Result{
			Records: []map[string]any{{"src_ip": "192.168.1.100"}},
		})
	})

	result, err := c.Query(context.Background(), map[string]any{"q": "src_ip:192.168.1.100"})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "192.168.1.100", result.Records[0]["src_ip"])
	assert.Equal(t, "test-key-12345", gotAuth.Load(), "api key header applied")
}

func TestHTTPConnectorClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		kind   faults.Kind
	}{
		{http.StatusUnauthorized, faults.KindAuth},
		{http.StatusTooManyRequests, faults.KindRateLimit},
		{http.StatusBadGateway, faults.KindServer5xx},
		{http.StatusBadRequest, faults.KindValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			_, c := siemServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tt.status)
			})
			_, err := c.Query(context.Background(), nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, faults.RetryAfterOf(err))
			}
		})
	}
}

func TestHTTPConnectorHonorsContextDeadline(t *testing.T) {
	_, c := siemServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Query(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindTimeout, faults.KindOf(err))
}

func TestHTTPConnectorHealthCheck(t *testing.T) {
	_, c := siemServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "ok"}})
	})

	health, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, "ok", health.Detail)
}

func TestThreatIntelEnrichmentCache(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Result{Data: map[string]any{"verdict": "malicious"}})
	}))
	t.Cleanup(srv.Close)

	c := NewThreatIntel()
	require.NoError(t, c.Initialize(config.ConnectorConfig{
		ID: "ti-1", Type: "threat_intel", Endpoint: srv.URL,
		Auth: config.AuthConfig{Type: config.AuthNone},
	}))

	for i := 0; i < 3; i++ {
		result, err := c.Enrich(context.Background(), "suspicious.com", "domain")
		require.NoError(t, err)
		assert.Equal(t, "malicious", result.Data["verdict"])
	}
	assert.EqualValues(t, 1, calls.Load(), "repeated lookups are served from cache")

	_, err := c.Enrich(context.Background(), "other.com", "domain")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAuthHandlerValidation(t *testing.T) {
	_, err := newAuthHandler(config.AuthConfig{Type: config.AuthAPIKey})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = newAuthHandler(config.AuthConfig{Type: config.AuthBasic,
		Credentials: map[string]string{"username": "u"}})
	assert.Error(t, err)

	_, err = newAuthHandler(config.AuthConfig{Type: config.AuthNone})
	assert.NoError(t, err)
}
