package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonharbour/sentinel/pkg/breaker"
	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
)

func newTestManaged(fake *fakeConnector, rates config.RateLimitConfig) (*Managed, *ident.FakeClock) {
	clk := ident.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	cfg := config.ConnectorConfig{
		ID:         "siem-1",
		Type:       "siem",
		Priority:   0,
		Auth:       config.AuthConfig{Type: config.AuthNone},
		RateLimits: rates,
	}
	_ = fake.Initialize(cfg)
	m := newManaged("tenant-1", cfg, fake,
		clk, breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}, nil)
	return m, clk
}

func TestManagedRateLimitRejection(t *testing.T) {
	fake := &fakeConnector{}
	m, clk := newTestManaged(fake, config.RateLimitConfig{RequestsPerSecond: 2})
	ctx := context.Background()

	_, err := m.Query(ctx, nil)
	require.NoError(t, err)
	_, err = m.Query(ctx, nil)
	require.NoError(t, err)

	_, err = m.Query(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimit, faults.KindOf(err))
	assert.Greater(t, faults.RetryAfterOf(err), time.Duration(0))
	assert.Equal(t, 2, fake.queryCount(), "rejected call never reaches the connector")

	info := m.Info()
	assert.EqualValues(t, 1, info.Metrics.RateLimitHits)

	// Tokens refill with the clock.
	clk.Advance(time.Second)
	_, err = m.Query(ctx, nil)
	assert.NoError(t, err)
}

func TestManagedBreakerTripsOnUpstreamFailures(t *testing.T) {
	fake := &fakeConnector{}
	m, clk := newTestManaged(fake, config.RateLimitConfig{})
	ctx := context.Background()

	fake.setQueryErr(faults.New(faults.KindServer5xx, "siem.query", "upstream returned 500"))
	for i := 0; i < 3; i++ {
		_, err := m.Query(ctx, nil)
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateOpen, m.BreakerState())

	_, err := m.Query(ctx, nil)
	assert.Equal(t, faults.KindCircuitOpen, faults.KindOf(err))
	assert.Equal(t, 3, fake.queryCount(), "open breaker fails fast")

	// Recovery: half-open probe succeeds and the breaker closes.
	fake.setQueryErr(nil)
	clk.Advance(30 * time.Second)
	_, err = m.Query(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, m.BreakerState())
}

func TestManagedValidationErrorsDoNotTripBreaker(t *testing.T) {
	fake := &fakeConnector{}
	m, _ := newTestManaged(fake, config.RateLimitConfig{})
	ctx := context.Background()

	fake.setQueryErr(faults.New(faults.KindValidation, "siem.query", "bad request"))
	for i := 0; i < 10; i++ {
		_, err := m.Query(ctx, nil)
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateClosed, m.BreakerState())
}

func TestManagedMetrics(t *testing.T) {
	fake := &fakeConnector{}
	m, _ := newTestManaged(fake, config.RateLimitConfig{})
	ctx := context.Background()

	_, _ = m.Query(ctx, nil)
	fake.setQueryErr(faults.New(faults.KindServer5xx, "siem.query", "boom"))
	_, _ = m.Query(ctx, nil)

	info := m.Info()
	assert.EqualValues(t, 2, info.Metrics.TotalQueries)
	assert.InDelta(t, 0.5, info.Metrics.ErrorRate, 1e-9)
	assert.Equal(t, models.ConnectorActive, info.Status)
	assert.Zero(t, info.InFlight)
}

func TestManagedResetBreaker(t *testing.T) {
	fake := &fakeConnector{}
	m, _ := newTestManaged(fake, config.RateLimitConfig{})
	ctx := context.Background()

	fake.setQueryErr(faults.New(faults.KindServer5xx, "siem.query", "boom"))
	for i := 0; i < 3; i++ {
		_, _ = m.Query(ctx, nil)
	}
	require.Equal(t, breaker.StateOpen, m.BreakerState())

	m.ResetBreaker()
	assert.Equal(t, breaker.StateClosed, m.BreakerState())
}
