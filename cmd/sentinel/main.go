// Command sentinel runs the investigation orchestrator: config → stores →
// event bus → connector registry → agents → execution engine → orchestrator
// → HTTP API, with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/neonharbour/sentinel/pkg/agent"
	"github.com/neonharbour/sentinel/pkg/api"
	"github.com/neonharbour/sentinel/pkg/breaker"
	"github.com/neonharbour/sentinel/pkg/cleanup"
	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/connector"
	"github.com/neonharbour/sentinel/pkg/database"
	"github.com/neonharbour/sentinel/pkg/engine"
	"github.com/neonharbour/sentinel/pkg/events"
	"github.com/neonharbour/sentinel/pkg/evidence"
	"github.com/neonharbour/sentinel/pkg/ident"
	"github.com/neonharbour/sentinel/pkg/masking"
	"github.com/neonharbour/sentinel/pkg/metrics"
	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/orchestrator"
	"github.com/neonharbour/sentinel/pkg/store"
	"github.com/neonharbour/sentinel/pkg/store/memstore"
	"github.com/neonharbour/sentinel/pkg/version"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("Starting sentinel", "version", version.Full())

	if err := run(); err != nil {
		slog.Error("Fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRuntime()
	if err != nil {
		return err
	}

	connectorsPath := os.Getenv("SENTINEL_CONFIG")
	if connectorsPath == "" {
		connectorsPath = "sentinel.yaml"
	}
	tenants, err := config.LoadConnectors(connectorsPath)
	if err != nil {
		return err
	}

	clock := ident.SystemClock{}
	m := metrics.New()

	// In-memory store by default; the durable event log replaces the
	// in-memory one when a database is configured.
	mem := memstore.New()
	var eventStore store.EventStore = mem
	var dbClient *database.Client
	if database.Enabled() {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return err
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			return err
		}
		defer func() { _ = dbClient.Close() }()
		eventStore = database.NewEventStore(dbClient)
	}

	bus := events.NewBus(eventStore, clock)

	registry := connector.NewRegistry(clock,
		connector.WithProbeInterval(time.Duration(tenants.HealthProbeSeconds)*time.Second),
		connector.WithSettingsTTL(time.Duration(tenants.SettingsTTLSeconds)*time.Second),
		connector.WithBreakerConfig(breaker.Config{
			FailureThreshold: cfg.CircuitFailureThreshold,
			RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
		}),
		connector.WithStateChangeHook(func(change breaker.StateChange) {
			m.BreakerState.WithLabelValues(change.Name).
				Set(metrics.BreakerStateValue(string(change.To)))
			// Breaker names are tenantID/connectorID; transitions land on
			// the tenant's operational stream.
			if tenantID, _, ok := strings.Cut(change.Name, "/"); ok {
				_, err := bus.Publish(context.Background(), tenantID, "ops-"+tenantID,
					"stateChange", events.PublishInput{
						AgentID: "registry",
						Payload: map[string]any{
							"breaker": change.Name,
							"from":    string(change.From),
							"to":      string(change.To),
						},
					})
				if err != nil {
					slog.Warn("Failed to publish breaker state change", "error", err)
				}
			}
		}),
		connector.WithFailoverHook(func(e connector.FailoverEvent) {
			m.FailoversTotal.Inc()
			// Failovers are not tied to a single run; they land on the
			// tenant's operational stream.
			_, err := bus.Publish(context.Background(), e.TenantID, "ops-"+e.TenantID,
				models.MethodConnectorFailover, events.PublishInput{
					AgentID: "registry",
					Payload: map[string]any{
						"type": string(e.Type), "from": e.From, "to": e.To, "reason": e.Reason,
					},
				})
			if err != nil {
				slog.Warn("Failed to publish failover event", "error", err)
			}
		}),
	)
	registry.RegisterBuiltins()
	var tenantIDs []string
	for _, tenant := range tenants.Tenants {
		if err := registry.Configure(tenant); err != nil {
			return err
		}
		tenantIDs = append(tenantIDs, tenant.TenantID)
	}
	registry.Start(ctx)
	defer registry.Stop(context.Background())

	masker := masking.NewService(true)
	evidenceSvc := evidence.NewService(mem, evidence.NewCorrelator(evidence.DefaultTimeWindow), clock, masker)

	eng := engine.New(engine.Config{
		MaxParallelSteps: cfg.MaxParallelSteps,
		StepTimeout:      cfg.StepTimeout,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
	}, registry, evidenceSvc, bus, mem, clock)

	agentCfg := agent.BaseConfig{
		Timeout:    cfg.StepTimeout * 6,
		MaxRetries: cfg.MaxRetryAttempts,
	}
	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:  cfg.MaxConcurrentInvestigations,
		DefaultTimeout: cfg.DefaultInvestigationTimeout,
		QueueSoftLimit: cfg.QueueSoftLimit,
	}, orchestrator.Deps{
		Store:    mem,
		Bus:      bus,
		Engine:   eng,
		Registry: registry,
		Evidence: evidenceSvc,
		Planner: agent.NewBase(agent.NewPlanner(agent.PlannerConfig{
			StepTimeout: cfg.StepTimeout,
			MaxRetries:  cfg.MaxRetryAttempts,
		}), agentCfg),
		Analyst:   agent.NewBase(agent.NewAnalyst(), agentCfg),
		Responder: agent.NewBase(agent.NewResponder(), agentCfg),
		Clock:     clock,
	})
	orch.Start(ctx)
	defer orch.Stop()

	retention := cleanup.NewService(cleanup.Config{
		RetentionDays: cfg.RetentionDays,
		Interval:      time.Hour,
		Tenants:       tenantIDs,
	}, mem, bus, clock)
	retention.Start(ctx)
	defer retention.Stop()

	connManager := events.NewConnectionManager(bus, 10*time.Second)
	server := api.NewServer(orch, registry, evidenceSvc, connManager, m)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.HTTPPort) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
