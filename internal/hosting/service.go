package hosting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketfleet/hostd/internal/config"
	"github.com/marketfleet/hostd/internal/provider"
)

// Service wires the lifecycle manager and the two monitor loops around a
// shared store and provider client. Deploy, Stop, GetStatus and GetUsage are
// the only caller-facing operations; the monitors run in the background for
// the lifetime of the service.
type Service struct {
	cfg       config.HostingConfig
	store     *Store
	lifecycle *LifecycleManager
	health    *HealthMonitor
	billing   *BillingProcessor
	logger    *zap.Logger
}

func NewService(cfg config.HostingConfig, db *sql.DB, providerClient provider.Client, alerts Alerter, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if providerClient == nil {
		return nil, fmt.Errorf("provider client is required")
	}

	store := NewStore(db, logger.Named("store"))

	catalog, err := NewCatalog(store, logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("create catalog: %w", err)
	}

	lifecycle := NewLifecycleManager(store, providerClient, catalog, cfg.Pricing, cfg.Deploy, alerts, logger.Named("lifecycle"))
	health := NewHealthMonitor(cfg.Health, store, providerClient, lifecycle, logger.Named("health"))
	billing := NewBillingProcessor(cfg.Billing, store, lifecycle, cfg.Pricing, alerts, logger.Named("billing"))

	return &Service{
		cfg:       cfg,
		store:     store,
		lifecycle: lifecycle,
		health:    health,
		billing:   billing,
		logger:    logger,
	}, nil
}

// Start launches both monitor loops. The health monitor runs an eager first
// pass; the billing processor waits a full cycle.
func (s *Service) Start(ctx context.Context) {
	s.health.Start(ctx)
	s.billing.Start(ctx)
	s.logger.Info("hosting service started",
		zap.Int("health_interval_sec", s.cfg.Health.CheckIntervalSec),
		zap.Int("billing_interval_sec", s.cfg.Billing.CycleIntervalSec),
	)
}

// Stop halts both loops, letting in-flight per-instance operations finish
// within the loops' grace periods.
func (s *Service) Stop() {
	s.billing.Stop()
	s.health.Stop()
	s.logger.Info("hosting service stopped")
}

func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	return s.lifecycle.Deploy(ctx, req)
}

func (s *Service) StopInstance(ctx context.Context, instanceID, requesterID string) error {
	return s.lifecycle.Stop(ctx, instanceID, requesterID)
}

func (s *Service) GetStatus(ctx context.Context, instanceID, requesterID string) (HostedInstance, error) {
	return s.lifecycle.GetStatus(ctx, instanceID, requesterID)
}

func (s *Service) GetUsage(ctx context.Context, instanceID, requesterID string, from, to time.Time) (UsageSummary, error) {
	return s.lifecycle.GetUsage(ctx, instanceID, requesterID, from, to)
}

// Summary exposes the health monitor's fleet roll-up.
func (s *Service) Summary() (FleetSummary, error) {
	return s.health.Summary()
}
