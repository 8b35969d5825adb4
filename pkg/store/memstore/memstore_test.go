package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

func TestInvestigationCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()

	inv := &models.Investigation{
		InvestigationID: "inv-1",
		TenantID:        "tenant-1",
		AlertID:         "alert-1",
		IdempotencyKey:  "idem-1",
		Priority:        4,
		Status:          models.StatusQueued,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.CreateInvestigation(ctx, inv))

	got, err := s.GetInvestigation(ctx, "tenant-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)

	got.Status = models.StatusPlanning
	require.NoError(t, s.UpdateInvestigation(ctx, got))
	got, err = s.GetInvestigation(ctx, "tenant-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlanning, got.Status)

	byKey, err := s.FindByIdempotencyKey(ctx, "tenant-1", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", byKey.InvestigationID)
}

func TestTenantIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateInvestigation(ctx, &models.Investigation{
		InvestigationID: "inv-1", TenantID: "tenant-a", Status: models.StatusQueued,
	}))
	require.NoError(t, s.AppendEvidence(ctx, &models.Evidence{
		EvidenceID: "ev-1", InvestigationID: "inv-1", TenantID: "tenant-a",
		Type: models.EvidenceNetwork, Source: "siem",
	}))

	_, err := s.GetInvestigation(ctx, "tenant-b", "inv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetEvidence(ctx, "tenant-b", "ev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListInvestigations(ctx, "tenant-b", models.InvestigationFilters{})
	require.NoError(t, err)
	assert.Empty(t, list.Investigations)

	results, total, err := s.SearchEvidence(ctx, "tenant-b", store.EvidenceFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestListInvestigationsFilterAndPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		status := models.StatusComplete
		if i%2 == 0 {
			status = models.StatusFailed
		}
		require.NoError(t, s.CreateInvestigation(ctx, &models.Investigation{
			InvestigationID: string(rune('a' + i)),
			TenantID:        "t",
			Status:          status,
			CreatedAt:       base.Add(time.Duration(i) * time.Hour),
		}))
	}

	list, err := s.ListInvestigations(ctx, "t", models.InvestigationFilters{Status: models.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 3, list.TotalCount)

	page, err := s.ListInvestigations(ctx, "t", models.InvestigationFilters{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalCount)
	assert.Len(t, page.Investigations, 2)
	// Newest first; offset 1 skips the newest.
	assert.Equal(t, "d", page.Investigations[0].InvestigationID)
}

func TestEventSequenceUniqueIndex(t *testing.T) {
	s := New()
	ctx := context.Background()

	mkEvent := func(seq int64) *models.Event {
		return &models.Event{
			Method: models.MethodRunStarted,
			Params: models.EventParams{
				RunID: "run-1", AgentID: "orchestrator", ThreadID: "th", TurnID: "tu",
				ItemID: "it", Sequence: seq, TS: "2026-02-01T00:00:00Z",
				SchemaVersion: models.SchemaVersion,
			},
		}
	}

	require.NoError(t, s.AppendEvent(ctx, "t", "run-1", mkEvent(1)))
	require.NoError(t, s.AppendEvent(ctx, "t", "run-1", mkEvent(2)))
	assert.ErrorIs(t, s.AppendEvent(ctx, "t", "run-1", mkEvent(2)), store.ErrDuplicateSequence)

	last, err := s.LastSequence(ctx, "t", "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	events, err := s.ListEvents(ctx, "t", "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 2, events[0].Params.Sequence)
}

func TestEvidenceSearch(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	rows := []*models.Evidence{
		{EvidenceID: "e1", InvestigationID: "inv-1", TenantID: "t", Type: models.EvidenceNetwork,
			Source: "siem", Timestamp: now, Confidence: 0.9,
			Entities: map[string][]string{"ip": {"192.168.1.100"}}},
		{EvidenceID: "e2", InvestigationID: "inv-1", TenantID: "t", Type: models.EvidenceProcess,
			Source: "edr", Timestamp: now.Add(time.Minute), Confidence: 0.5,
			Payload: map[string]any{"process": "powershell.exe"}},
		{EvidenceID: "e3", InvestigationID: "inv-2", TenantID: "t", Type: models.EvidenceNetwork,
			Source: "siem", Timestamp: now.Add(2 * time.Minute), Confidence: 0.95},
	}
	for _, ev := range rows {
		require.NoError(t, s.AppendEvidence(ctx, ev))
	}

	t.Run("by investigation", func(t *testing.T) {
		_, total, err := s.SearchEvidence(ctx, "t", store.EvidenceFilter{InvestigationID: "inv-1"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("by type and confidence", func(t *testing.T) {
		minConf := 0.8
		results, total, err := s.SearchEvidence(ctx, "t", store.EvidenceFilter{
			Types: []models.EvidenceType{models.EvidenceNetwork}, MinConfidence: &minConf,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		for _, ev := range results {
			assert.GreaterOrEqual(t, ev.Confidence, 0.8)
		}
	})

	t.Run("by entity", func(t *testing.T) {
		_, total, err := s.SearchEvidence(ctx, "t", store.EvidenceFilter{
			EntityKind: "ip", EntityValue: "192.168.1.100",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("free text over payload", func(t *testing.T) {
		_, total, err := s.SearchEvidence(ctx, "t", store.EvidenceFilter{Text: "powershell"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("pagination", func(t *testing.T) {
		results, total, err := s.SearchEvidence(ctx, "t", store.EvidenceFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, results, 2)
	})
}

func TestRelationshipsRequireBothEndpoints(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AppendEvidence(ctx, &models.Evidence{
		EvidenceID: "e1", InvestigationID: "inv-1", TenantID: "t", Type: models.EvidenceLog,
	}))

	err := s.AddRelationship(ctx, "t", &models.EvidenceRelationship{
		FromEvidenceID: "e1", ToEvidenceID: "missing", Kind: models.RelTemporal, Strength: 0.5,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AppendEvidence(ctx, &models.Evidence{
		EvidenceID: "e2", InvestigationID: "inv-1", TenantID: "t", Type: models.EvidenceLog,
	}))
	require.NoError(t, s.AddRelationship(ctx, "t", &models.EvidenceRelationship{
		FromEvidenceID: "e1", ToEvidenceID: "e2", Kind: models.RelTemporal, Strength: 0.5,
	}))

	rels, err := s.ListRelationships(ctx, "t", "inv-1")
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestFeedbackConsumption(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AppendFeedback(ctx, &models.Feedback{
		FeedbackID: "fb-1", InvestigationID: "inv-1", TenantID: "t",
		Type: models.FeedbackNote, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendFeedback(ctx, &models.Feedback{
		FeedbackID: "fb-2", InvestigationID: "inv-1", TenantID: "t",
		Type: models.FeedbackVerdictCorrection, CreatedAt: time.Now(),
	}))

	pending, err := s.PendingFeedback(ctx, "t", "inv-1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, s.MarkConsumed(ctx, "t", "fb-1"))
	pending, err = s.PendingFeedback(ctx, "t", "inv-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fb-2", pending[0].FeedbackID)

	all, err := s.ListFeedback(ctx, "t", "inv-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteInvestigationCascades(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateInvestigation(ctx, &models.Investigation{
		InvestigationID: "inv-1", TenantID: "t", IdempotencyKey: "k1",
	}))
	require.NoError(t, s.SavePlan(ctx, "t", &models.Plan{
		PlanID: "p1", InvestigationID: "inv-1",
		Steps: []*models.Step{{StepID: "s1", Type: models.StepTypeQuery}},
	}))
	require.NoError(t, s.AppendEvidence(ctx, &models.Evidence{
		EvidenceID: "e1", InvestigationID: "inv-1", TenantID: "t", Type: models.EvidenceLog,
	}))

	require.NoError(t, s.DeleteInvestigation(ctx, "t", "inv-1"))

	_, err := s.GetInvestigation(ctx, "t", "inv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetPlan(ctx, "t", "inv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetEvidence(ctx, "t", "e1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindByIdempotencyKey(ctx, "t", "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
