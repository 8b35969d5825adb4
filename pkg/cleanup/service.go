// Package cleanup provides data retention enforcement: terminal
// investigations older than the retention window are removed together with
// everything they own (plan, steps, evidence, relationships, feedback,
// event log).
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// Config holds retention settings.
type Config struct {
	// RetentionDays keeps terminal investigations this long.
	RetentionDays int
	// Interval between cleanup sweeps.
	Interval time.Duration
	// Tenants to sweep.
	Tenants []string
}

// Service periodically enforces the retention policy. All operations are
// idempotent.
type Service struct {
	cfg   Config
	store store.Store
	bus   *events.Bus
	clock ident.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg Config, st store.Store, bus *events.Bus, clock ident.Clock) *Service {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Service{cfg: cfg, store: st, bus: bus, clock: clock}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention_days", s.cfg.RetentionDays, "interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.SweepAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll runs one retention pass across every configured tenant.
func (s *Service) SweepAll(ctx context.Context) {
	for _, tenantID := range s.cfg.Tenants {
		removed, err := s.sweepTenant(ctx, tenantID)
		if err != nil {
			slog.Error("Retention sweep failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if removed > 0 {
			slog.Info("Retention sweep removed investigations",
				"tenant_id", tenantID, "count", removed)
		}
	}
}

func (s *Service) sweepTenant(ctx context.Context, tenantID string) (int, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed := 0

	for {
		page, err := s.store.ListInvestigations(ctx, tenantID, models.InvestigationFilters{
			CreatedBefore: &cutoff,
			Limit:         models.MaxListLimit,
		})
		if err != nil {
			return removed, err
		}

		deletedThisPage := 0
		for _, inv := range page.Investigations {
			if !inv.Status.IsTerminal() {
				continue
			}
			// The cleanup event goes out before the event log is deleted
			// with the investigation, so live subscribers see it.
			_, _ = s.bus.Publish(ctx, tenantID, inv.InvestigationID,
				models.MethodInvestigationCleanup, events.PublishInput{
					AgentID: "cleanup",
					Payload: map[string]any{
						"investigationId": inv.InvestigationID,
						"reason":          "retention",
					},
				})
			if err := s.store.DeleteInvestigation(ctx, tenantID, inv.InvestigationID); err != nil {
				slog.Warn("Failed to delete expired investigation",
					"investigation_id", inv.InvestigationID, "error", err)
				continue
			}
			removed++
			deletedThisPage++
		}

		if deletedThisPage == 0 || len(page.Investigations) < models.MaxListLimit {
			return removed, nil
		}
	}
}
