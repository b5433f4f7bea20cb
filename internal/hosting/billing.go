package hosting

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketfleet/hostd/internal/config"
)

// BillingProcessor bills running instances for whole container-hours on a
// fixed cycle. Partial hours are never billed mid-cycle; they settle when the
// instance stops. Organizations that cannot cover the projected cost get the
// instance force-stopped instead of billed.
type BillingProcessor struct {
	cfg       config.BillingConfig
	store     *Store
	lifecycle *LifecycleManager
	pricing   config.PricingConfig
	alerts    Alerter
	logger    *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBillingProcessor(
	cfg config.BillingConfig,
	store *Store,
	lifecycle *LifecycleManager,
	pricing config.PricingConfig,
	alerts Alerter,
	logger *zap.Logger,
) *BillingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CycleIntervalSec <= 0 {
		cfg.CycleIntervalSec = 3600
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 16
	}

	return &BillingProcessor{
		cfg:       cfg,
		store:     store,
		lifecycle: lifecycle,
		pricing:   pricing,
		alerts:    alerts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (b *BillingProcessor) Start(parent context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(ctx)
}

func (b *BillingProcessor) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		b.logger.Warn("billing processor stop timeout")
	}
}

// No eager first run: an instance younger than one cycle has nothing billable,
// and restarting the process must not shorten anyone's billing interval.
func (b *BillingProcessor) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Duration(b.cfg.CycleIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.billingCycle(ctx)
		}
	}
}

// RunOnce executes a single billing cycle synchronously.
func (b *BillingProcessor) RunOnce(ctx context.Context) {
	b.billingCycle(ctx)
}

func (b *BillingProcessor) billingCycle(ctx context.Context) {
	interval := time.Duration(b.cfg.CycleIntervalSec) * time.Second
	cutoff := b.now().Add(-interval)

	instances, err := b.store.ListBillableInstances(cutoff)
	if err != nil {
		GetMetrics().RecordError("billing", "list_billable")
		b.logger.Error("failed to list billable instances", zap.Error(err))
		return
	}

	sem := make(chan struct{}, b.cfg.MaxConcurrentChecks)
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		sem <- struct{}{}
		go func(inst HostedInstance) {
			defer wg.Done()
			defer func() { <-sem }()
			b.billInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (b *BillingProcessor) billInstance(ctx context.Context, inst HostedInstance) {
	now := b.now()
	if inst.LastBillingAt.IsZero() {
		// Never billed and no anchor; should not happen since deploy sets
		// lastBillingAt = startedAt. Skip rather than guess an interval.
		b.logger.Warn("instance has no billing anchor", zap.String("instance_id", inst.ID))
		return
	}

	billedHours := math.Floor(now.Sub(inst.LastBillingAt).Hours())
	if billedHours < 1 {
		return
	}

	projected := billedHours * inst.BilledCostPerHour

	balance, err := b.store.OrganizationBalance(inst.OrganizationID)
	if err != nil {
		GetMetrics().RecordError("billing", "balance_query")
		b.logger.Error("failed to fetch organization balance",
			zap.String("instance_id", inst.ID),
			zap.String("organization_id", inst.OrganizationID),
			zap.Error(err),
		)
		return
	}

	if balance < projected {
		b.logger.Warn("insufficient funds; force-stopping instance",
			zap.String("instance_id", inst.ID),
			zap.String("organization_id", inst.OrganizationID),
			zap.Float64("balance", balance),
			zap.Float64("projected_cost", projected),
		)
		GetMetrics().RecordRemediation("insufficient_funds_stop")
		if err := b.lifecycle.ForceStop(ctx, inst.ID, StopReasonInsufficientFunds); err != nil {
			GetMetrics().RecordError("billing", "force_stop")
			b.logger.Error("insufficient-funds stop failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
			return
		}
		if b.alerts != nil {
			b.alerts.Notify(ctx, AlertEvent{
				Kind:           AlertInsufficientFunds,
				InstanceID:     inst.ID,
				AssetID:        inst.AssetID,
				OrganizationID: inst.OrganizationID,
				Reason:         StopReasonInsufficientFunds,
				At:             now,
			})
		}
		return
	}

	total := projected
	creator, platform := splitRevenue(total, b.pricing.CreatorRevenueShare)

	rec := UsageRecord{
		ID:              uuid.New().String(),
		InstanceID:      inst.ID,
		Quantity:        billedHours,
		Unit:            UnitContainerHour,
		UnitCost:        inst.BilledCostPerHour,
		TotalCost:       total,
		CreatorRevenue:  creator,
		PlatformRevenue: platform,
		RecordedAt:      now,
	}

	// lastBillingAt advances by exactly the billed whole hours so the unbilled
	// fraction keeps accruing toward the next cycle.
	advancedTo := inst.LastBillingAt.Add(time.Duration(billedHours) * time.Hour)
	if err := b.store.RecordBilledUsage(rec, inst.OrganizationID, advancedTo); err != nil {
		GetMetrics().RecordError("billing", "persist")
		b.logger.Error("failed to record billed usage",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}

	GetMetrics().RecordUsageRecord(total)
	b.logger.Info("billed instance",
		zap.String("instance_id", inst.ID),
		zap.Float64("hours", billedHours),
		zap.Float64("total_cost", total),
	)
}
