package hosting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/marketfleet/hostd/internal/config"
	"github.com/marketfleet/hostd/internal/provider"
	"github.com/marketfleet/hostd/internal/shared"
)

// Stop reasons recorded on the instance row.
const (
	StopReasonRequested         = "requested"
	StopReasonUnhealthy         = "sustained_unhealthy"
	StopReasonInsufficientFunds = "insufficient_funds"
	StopReasonProviderTerminal  = "provider_terminal"
)

// LifecycleManager owns deploys, stops and the caller-facing read paths. The
// health monitor and billing processor force-stop through it so the stop
// semantics (provider delete, final settlement, idempotence) live in exactly
// one place.
type LifecycleManager struct {
	store    *Store
	provider provider.Client
	catalog  *Catalog
	pricing  config.PricingConfig
	deploy   config.DeployConfig
	alerts   Alerter
	logger   *zap.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func NewLifecycleManager(
	store *Store,
	providerClient provider.Client,
	catalog *Catalog,
	pricing config.PricingConfig,
	deploy config.DeployConfig,
	alerts Alerter,
	logger *zap.Logger,
) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deploy.MaxAttempts <= 0 {
		deploy.MaxAttempts = 3
	}
	if deploy.BackoffBaseSec <= 0 {
		deploy.BackoffBaseSec = 1
	}

	return &LifecycleManager{
		store:    store,
		provider: providerClient,
		catalog:  catalog,
		pricing:  pricing,
		deploy:   deploy,
		alerts:   alerts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    time.Sleep,
	}
}

// Deploy validates, prices and deploys one sandbox for a marketplace asset.
// Nothing is persisted until the provider create succeeds.
func (m *LifecycleManager) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	ctx = shared.WithCorrelationID(ctx, "")
	started := m.now()

	if err := validateResources(req); err != nil {
		GetMetrics().RecordDeploy("validation_error")
		return nil, err
	}

	asset, err := m.catalog.Asset(req.AssetID)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			GetMetrics().RecordDeploy("validation_error")
			return nil, newValidationError("asset_id", "asset %s not found", req.AssetID)
		}
		return nil, fmt.Errorf("look up asset %s: %w", req.AssetID, err)
	}

	version, err := m.resolveVersion(asset, req.VersionID)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			GetMetrics().RecordDeploy("validation_error")
			return nil, newValidationError("version_id", "no deployable version for asset %s", req.AssetID)
		}
		return nil, fmt.Errorf("resolve version for asset %s: %w", req.AssetID, err)
	}

	memoryMB, cpuUnits := optimizeResources(asset.Type, req.MemoryMB, req.CPUUnits)
	base := baseCostPerHour(m.pricing, memoryMB, cpuUnits, req.StorageGB)
	billed := billedCostPerHour(base, m.pricing.DefaultMarkupPercent)

	instanceID := uuid.New().String()
	spec := m.buildSpec(instanceID, asset, version, req, memoryMB, cpuUnits)

	m.logger.Info("deploying instance",
		shared.CorrelationField(ctx),
		zap.String("instance_id", instanceID),
		zap.String("asset_id", asset.ID),
		zap.String("version", version.Version),
		zap.Int("memory_mb", memoryMB),
		zap.Int("cpu_units", cpuUnits),
		zap.Float64("billed_cost_per_hour", billed),
	)

	sandbox, err := m.createWithRetry(ctx, req.AssetID, spec)
	if err != nil {
		GetMetrics().RecordDeploy("deployment_error")
		return nil, err
	}

	now := m.now()
	inst := HostedInstance{
		ID:                   instanceID,
		AssetID:              req.AssetID,
		VersionID:            version.ID,
		UserID:               req.UserID,
		OrganizationID:       req.OrganizationID,
		ExternalDeploymentID: sandbox.ID,
		PublicEndpoint:       sandbox.URL,
		InternalEndpoint:     sandbox.InternalURL,
		MemoryMB:             memoryMB,
		CPUUnits:             cpuUnits,
		StorageGB:            req.StorageGB,
		Status:               StatusStarting,
		HealthStatus:         HealthUnknown,
		BaseCostPerHour:      base,
		MarkupPercentage:     m.pricing.DefaultMarkupPercent,
		BilledCostPerHour:    billed,
		StartedAt:            now,
		LastBillingAt:        now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := m.store.InsertInstance(inst); err != nil {
		// The sandbox exists but the row does not; tear the sandbox down so
		// nothing unbilled keeps running.
		if delErr := m.provider.Delete(ctx, sandbox.ID); delErr != nil {
			m.logger.Error("failed to delete orphaned sandbox",
				zap.String("sandbox_id", sandbox.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("persist instance %s: %w", instanceID, err)
	}

	inst = m.confirmStarted(ctx, inst)

	GetMetrics().RecordDeploy("success")
	GetMetrics().RecordDeployDuration(m.now().Sub(started).Seconds())

	return &DeployResult{
		InstanceID:        inst.ID,
		PublicEndpoint:    inst.PublicEndpoint,
		InternalEndpoint:  inst.InternalEndpoint,
		Status:            inst.Status,
		BilledCostPerHour: inst.BilledCostPerHour,
	}, nil
}

func (m *LifecycleManager) resolveVersion(asset Asset, versionID string) (AssetVersion, error) {
	if versionID == "" {
		return m.catalog.LatestVersion(asset.ID)
	}

	version, err := m.catalog.Version(versionID)
	if err != nil {
		return AssetVersion{}, err
	}
	if version.AssetID != asset.ID {
		return AssetVersion{}, ErrVersionNotFound
	}

	return version, nil
}

func (m *LifecycleManager) buildSpec(instanceID string, asset Asset, version AssetVersion, req DeployRequest, memoryMB, cpuUnits int) provider.Spec {
	image := version.Image
	if image == "" {
		image = asset.Image
	}
	if image == "" {
		image = defaultImageForType(asset.Type)
	}

	// Merge order: asset defaults < version overrides < request overrides <
	// mandatory identity variables.
	env := make(map[string]string)
	for key, value := range asset.Env {
		env[key] = value
	}
	for key, value := range version.Env {
		env[key] = value
	}
	for key, value := range req.Env {
		env[key] = value
	}
	env["ASSET_ID"] = asset.ID
	env["VERSION_ID"] = version.ID
	env["USER_ID"] = req.UserID
	env["ASSET_TYPE"] = string(asset.Type)

	ports := version.Ports
	if len(ports) == 0 {
		ports = asset.Ports
	}

	return provider.Spec{
		Name:      "inst-" + instanceID,
		Image:     image,
		MemoryMB:  memoryMB,
		CPUUnits:  cpuUnits,
		StorageGB: req.StorageGB,
		Env:       env,
		Ports:     ports,
	}
}

func defaultImageForType(assetType AssetType) string {
	switch assetType {
	case AssetTypeMCP:
		return "registry.marketfleet.io/runtimes/mcp-server:latest"
	case AssetTypeAgent:
		return "registry.marketfleet.io/runtimes/agent:latest"
	case AssetTypeWorkflow:
		return "registry.marketfleet.io/runtimes/workflow-engine:latest"
	default:
		return "registry.marketfleet.io/runtimes/sandbox-base:latest"
	}
}

func (m *LifecycleManager) createWithRetry(ctx context.Context, assetID string, spec provider.Spec) (*provider.Sandbox, error) {
	var lastErr error

	for attempt := 1; attempt <= m.deploy.MaxAttempts; attempt++ {
		sandbox, err := m.provider.Create(ctx, spec)
		if err == nil {
			return sandbox, nil
		}

		lastErr = err
		m.logger.Warn("sandbox create attempt failed",
			zap.String("asset_id", assetID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !provider.IsRetryable(err) || attempt == m.deploy.MaxAttempts {
			break
		}

		backoff := time.Duration(float64(m.deploy.BackoffBaseSec)*math.Pow(2, float64(attempt))) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			m.sleep(backoff)
		}
	}

	return nil, &DeploymentError{AssetID: assetID, Attempts: m.deploy.MaxAttempts, Err: lastErr}
}

// confirmStarted promotes a freshly created instance to running when the
// provider already reports it as such. Failures leave the instance in
// starting; GetStatus reconciles it later.
func (m *LifecycleManager) confirmStarted(ctx context.Context, inst HostedInstance) HostedInstance {
	status, err := m.provider.Get(ctx, inst.ExternalDeploymentID)
	if err != nil || status.Status != "running" {
		return inst
	}

	inst.Status = StatusRunning
	inst.UpdatedAt = m.now()
	if err := m.store.UpdateInstance(inst); err != nil {
		m.logger.Warn("failed to promote instance to running",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}

	return inst
}

// Stop terminates an instance on behalf of its owner. Stopping an instance
// that is already stopped or failed is a no-op.
func (m *LifecycleManager) Stop(ctx context.Context, instanceID, requesterID string) error {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if requesterID != "" && inst.UserID != requesterID {
		return ErrNotOwner
	}

	return m.stopInstance(ctx, inst, StopReasonRequested)
}

// ForceStop terminates an instance without an ownership check. Used by the
// monitors for remediation and insufficient-funds shutdown.
func (m *LifecycleManager) ForceStop(ctx context.Context, instanceID, reason string) error {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return err
	}

	if err := m.stopInstance(ctx, inst, reason); err != nil {
		return err
	}

	if m.alerts != nil {
		m.alerts.Notify(ctx, AlertEvent{
			Kind:       AlertForceStop,
			InstanceID: inst.ID,
			AssetID:    inst.AssetID,
			Reason:     reason,
			At:         m.now(),
		})
	}

	return nil
}

func (m *LifecycleManager) stopInstance(ctx context.Context, inst HostedInstance, reason string) error {
	ctx = shared.WithCorrelationID(ctx, "")

	switch inst.Status {
	case StatusStopped, StatusStopping, StatusFailed:
		return nil
	}

	if inst.ExternalDeploymentID != "" {
		if err := m.provider.Delete(ctx, inst.ExternalDeploymentID); err != nil {
			GetMetrics().RecordError("lifecycle", "provider_delete")
			return fmt.Errorf("delete sandbox %s: %w", inst.ExternalDeploymentID, err)
		}
	}

	now := m.now()
	elapsed := now.Sub(inst.LastBillingAt)

	inst.Status = StatusStopped
	inst.StoppedAt = now
	inst.StopReason = reason
	inst.UpdatedAt = now
	if err := m.store.UpdateInstance(inst); err != nil {
		return err
	}

	m.logger.Info("instance stopped",
		shared.CorrelationField(ctx),
		zap.String("instance_id", inst.ID),
		zap.String("reason", reason),
	)

	// Final settlement: the fractional container-hours accrued since the last
	// billing cycle. May drive the organization balance negative.
	if !inst.LastBillingAt.IsZero() && elapsed > 0 {
		if err := m.settleUsage(inst, elapsed.Hours(), now); err != nil {
			m.logger.Error("final usage settlement failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
			return err
		}
	}

	return nil
}

func (m *LifecycleManager) settleUsage(inst HostedInstance, hours float64, now time.Time) error {
	total := hours * inst.BilledCostPerHour
	creator, platform := splitRevenue(total, m.pricing.CreatorRevenueShare)

	rec := UsageRecord{
		ID:              uuid.New().String(),
		InstanceID:      inst.ID,
		Quantity:        hours,
		Unit:            UnitContainerHour,
		UnitCost:        inst.BilledCostPerHour,
		TotalCost:       total,
		CreatorRevenue:  creator,
		PlatformRevenue: platform,
		RecordedAt:      now,
	}

	if err := m.store.RecordBilledUsage(rec, inst.OrganizationID, now); err != nil {
		return err
	}

	GetMetrics().RecordUsageRecord(total)
	return nil
}

// GetStatus returns the persisted instance, reconciled against a live
// provider query while the instance is starting or running. The read path
// never retries.
func (m *LifecycleManager) GetStatus(ctx context.Context, instanceID, requesterID string) (HostedInstance, error) {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return HostedInstance{}, err
	}
	if requesterID != "" && inst.UserID != requesterID {
		return HostedInstance{}, ErrNotOwner
	}

	if inst.Status != StatusStarting && inst.Status != StatusRunning {
		return inst, nil
	}

	live, err := m.provider.Get(ctx, inst.ExternalDeploymentID)
	if err != nil {
		m.logger.Warn("provider status query failed; returning persisted state",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return inst, nil
	}

	updated := inst
	now := m.now()
	switch live.Status {
	case "running":
		updated.Status = StatusRunning
	case "failed":
		updated.Status = StatusFailed
		updated.StoppedAt = now
		updated.StopReason = StopReasonProviderTerminal
	case "stopped":
		updated.Status = StatusStopped
		updated.StoppedAt = now
		updated.StopReason = StopReasonProviderTerminal
	default:
		return inst, nil
	}

	if updated.Status != inst.Status {
		updated.UpdatedAt = now
		if err := m.store.UpdateInstance(updated); err != nil {
			m.logger.Warn("failed to persist reconciled status",
				zap.String("instance_id", inst.ID), zap.Error(err))
			return inst, nil
		}
	}

	return updated, nil
}

// GetUsage aggregates the instance's usage records inside the window.
func (m *LifecycleManager) GetUsage(ctx context.Context, instanceID, requesterID string, from, to time.Time) (UsageSummary, error) {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return UsageSummary{}, err
	}
	if requesterID != "" && inst.UserID != requesterID {
		return UsageSummary{}, ErrNotOwner
	}

	records, err := m.store.ListUsageRecords(instanceID, from, to)
	if err != nil {
		return UsageSummary{}, err
	}

	return UsageSummary{
		InstanceID:      instanceID,
		Hours:           lo.SumBy(records, func(r UsageRecord) float64 { return r.Quantity }),
		TotalCost:       lo.SumBy(records, func(r UsageRecord) float64 { return r.TotalCost }),
		CreatorRevenue:  lo.SumBy(records, func(r UsageRecord) float64 { return r.CreatorRevenue }),
		PlatformRevenue: lo.SumBy(records, func(r UsageRecord) float64 { return r.PlatformRevenue }),
		Records:         len(records),
	}, nil
}
