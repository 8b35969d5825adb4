package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// newTestClient starts a disposable PostgreSQL container and returns a
// migrated client.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "test",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testEvent(seq int64) *models.Event {
	return &models.Event{
		Method: models.MethodRunMetrics,
		Params: models.EventParams{
			RunID: "run-1", AgentID: "orchestrator", ThreadID: "run-1",
			TurnID: fmt.Sprintf("turn-%d", seq), ItemID: fmt.Sprintf("item-%d", seq),
			Sequence: seq, TS: "2026-02-01T00:00:00Z",
			SchemaVersion: models.SchemaVersion,
		},
	}
}

func TestEventStoreRoundTrip(t *testing.T) {
	client := newTestClient(t)
	es := NewEventStore(client)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, es.AppendEvent(ctx, "t", "run-1", testEvent(seq)))
	}

	t.Run("duplicate sequence rejected by unique index", func(t *testing.T) {
		err := es.AppendEvent(ctx, "t", "run-1", testEvent(3))
		assert.ErrorIs(t, err, store.ErrDuplicateSequence)
	})

	t.Run("last sequence", func(t *testing.T) {
		last, err := es.LastSequence(ctx, "t", "run-1")
		require.NoError(t, err)
		assert.EqualValues(t, 5, last)

		none, err := es.LastSequence(ctx, "t", "run-unknown")
		require.NoError(t, err)
		assert.Zero(t, none)
	})

	t.Run("list from sequence", func(t *testing.T) {
		events, err := es.ListEvents(ctx, "t", "run-1", 2, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.EqualValues(t, i+3, ev.Params.Sequence)
			assert.Equal(t, models.MethodRunMetrics, ev.Method)
		}
	})

	t.Run("tenant isolation", func(t *testing.T) {
		events, err := es.ListEvents(ctx, "other-tenant", "run-1", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
