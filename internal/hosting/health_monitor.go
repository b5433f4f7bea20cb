package hosting

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfleet/hostd/internal/config"
	"github.com/marketfleet/hostd/internal/provider"
)

// HealthMonitor polls every running instance on a fixed interval, classifies
// its health from the provider's status query, and remediates sustained
// failures. It holds no state beyond the store; ticks that run late or are
// skipped are safe because every decision is gated on persisted timestamps.
type HealthMonitor struct {
	cfg       config.HealthConfig
	store     *Store
	provider  provider.Client
	lifecycle *LifecycleManager
	logger    *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewHealthMonitor(cfg config.HealthConfig, store *Store, providerClient provider.Client, lifecycle *LifecycleManager, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckIntervalSec <= 0 {
		cfg.CheckIntervalSec = 60
	}
	if cfg.CheckTimeoutSec <= 0 {
		cfg.CheckTimeoutSec = 10
	}
	if cfg.SustainedUnhealthySec <= 0 {
		cfg.SustainedUnhealthySec = 1800
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 16
	}

	return &HealthMonitor{
		cfg:       cfg,
		store:     store,
		provider:  providerClient,
		lifecycle: lifecycle,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *HealthMonitor) Start(parent context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx)
}

func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.logger.Warn("health monitor stop timeout")
	}
}

func (h *HealthMonitor) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(time.Duration(h.cfg.CheckIntervalSec) * time.Second)
	defer ticker.Stop()

	// Eager first pass so a restart doesn't leave the fleet unobserved for a
	// full interval.
	h.checkCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkCycle(ctx)
		}
	}
}

// RunOnce executes a single check cycle synchronously.
func (h *HealthMonitor) RunOnce(ctx context.Context) {
	h.checkCycle(ctx)
}

func (h *HealthMonitor) checkCycle(ctx context.Context) {
	instances, err := h.store.ListRunningInstances()
	if err != nil {
		GetMetrics().RecordError("health", "list_running")
		h.logger.Error("failed to list running instances", zap.Error(err))
		return
	}

	// Settle-all: every instance gets checked even when siblings fail, with
	// concurrency capped by the semaphore.
	sem := make(chan struct{}, h.cfg.MaxConcurrentChecks)
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		sem <- struct{}{}
		go func(inst HostedInstance) {
			defer wg.Done()
			defer func() { <-sem }()
			h.checkInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()

	if summary, err := h.Summary(); err == nil {
		GetMetrics().SetFleetGauges(summary)
	}
}

func (h *HealthMonitor) checkInstance(ctx context.Context, inst HostedInstance) {
	checkCtx, cancel := context.WithTimeout(ctx, time.Duration(h.cfg.CheckTimeoutSec)*time.Second)
	defer cancel()

	health := h.classify(checkCtx, inst)
	GetMetrics().RecordHealthCheck(string(health))

	now := h.now()
	unhealthySince := inst.UnhealthySince
	switch health {
	case HealthHealthy:
		unhealthySince = time.Time{}
	default:
		if unhealthySince.IsZero() {
			unhealthySince = now
		}
	}

	if err := h.store.UpdateHealth(inst.ID, health, now, unhealthySince); err != nil {
		GetMetrics().RecordError("health", "persist")
		h.logger.Error("failed to persist health check",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}

	if health == HealthUnhealthy {
		h.remediate(ctx, inst, now, unhealthySince)
	}
}

// classify maps the provider's view of the sandbox onto the health axis. A
// query error or timeout counts as unhealthy: an unreachable sandbox is not
// serving traffic whatever its true state.
func (h *HealthMonitor) classify(ctx context.Context, inst HostedInstance) HealthState {
	status, err := h.provider.Get(ctx, inst.ExternalDeploymentID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("health check timed out",
				zap.String("instance_id", inst.ID),
				zap.Int("timeout_sec", h.cfg.CheckTimeoutSec),
			)
		} else {
			h.logger.Warn("health check query failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
		return HealthUnhealthy
	}

	h.recordResourceMetrics(ctx, inst)

	switch status.Status {
	case "running":
		return HealthHealthy
	case "failed", "stopped":
		return HealthUnhealthy
	default:
		return HealthUnknown
	}
}

// recordResourceMetrics exports per-instance cpu/memory when the provider
// supports it. Best-effort: failure never changes the classification.
func (h *HealthMonitor) recordResourceMetrics(ctx context.Context, inst HostedInstance) {
	fetcher, ok := h.provider.(provider.MetricsFetcher)
	if !ok {
		return
	}

	metrics, err := fetcher.Metrics(ctx, inst.ExternalDeploymentID)
	if err != nil {
		h.logger.Debug("resource metrics unavailable",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}

	h.logger.Debug("instance resource usage",
		zap.String("instance_id", inst.ID),
		zap.Float64("cpu_percent", metrics.CPUPercent),
		zap.Float64("memory_used_mb", metrics.MemoryUsedMB),
	)
}

func (h *HealthMonitor) remediate(ctx context.Context, inst HostedInstance, now, unhealthySince time.Time) {
	threshold := time.Duration(h.cfg.SustainedUnhealthySec) * time.Second

	if now.Sub(unhealthySince) > threshold {
		h.logger.Warn("force-stopping instance unhealthy past threshold",
			zap.String("instance_id", inst.ID),
			zap.Duration("unhealthy_for", now.Sub(unhealthySince)),
		)
		GetMetrics().RecordRemediation("force_stop")
		if err := h.lifecycle.ForceStop(ctx, inst.ID, StopReasonUnhealthy); err != nil {
			GetMetrics().RecordError("health", "force_stop")
			h.logger.Error("remediation force-stop failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
		return
	}

	// Not yet sustained: nudge the sandbox if the provider can restart it.
	// Failure is non-fatal and leaves the instance unhealthy for the next tick.
	restarter, ok := h.provider.(provider.Restarter)
	if !ok {
		h.logger.Debug("provider does not support restart",
			zap.String("instance_id", inst.ID))
		return
	}

	GetMetrics().RecordRemediation("restart")
	if err := restarter.Restart(ctx, inst.ExternalDeploymentID); err != nil {
		h.logger.Warn("restart signal failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

// Summary reports fleet-level counts and aggregate hourly cost.
func (h *HealthMonitor) Summary() (FleetSummary, error) {
	instances, err := h.store.ListRunningInstances()
	if err != nil {
		return FleetSummary{}, err
	}

	summary := FleetSummary{Running: len(instances), GeneratedAt: h.now()}
	for _, inst := range instances {
		switch inst.HealthStatus {
		case HealthHealthy:
			summary.Healthy++
		case HealthUnhealthy:
			summary.Unhealthy++
		default:
			summary.Unknown++
		}
		summary.HourlyCostUSD += inst.BilledCostPerHour
	}

	return summary, nil
}
