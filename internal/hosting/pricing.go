package hosting

import "github.com/marketfleet/hostd/internal/config"

// Resource floors applied per asset type before pricing. Agents carry a model
// runtime and need the most headroom; MCP servers are the lightest.
type resourceFloor struct {
	memoryMB int
	cpuUnits int
}

var assetTypeFloors = map[AssetType]resourceFloor{
	AssetTypeMCP:      {memoryMB: 256, cpuUnits: 500},
	AssetTypeAgent:    {memoryMB: 512, cpuUnits: 1000},
	AssetTypeWorkflow: {memoryMB: 384, cpuUnits: 750},
}

// validateResources checks the hard bounds on a deploy request. Returns a
// ValidationError before any side effect when a bound is violated.
func validateResources(req DeployRequest) error {
	if req.AssetID == "" {
		return newValidationError("asset_id", "is required")
	}
	if req.UserID == "" {
		return newValidationError("user_id", "is required")
	}
	if req.OrganizationID == "" {
		return newValidationError("organization_id", "is required")
	}
	if req.MemoryMB < MinMemoryMB || req.MemoryMB > MaxMemoryMB {
		return newValidationError("memory_mb", "must be between %d and %d, got %d", MinMemoryMB, MaxMemoryMB, req.MemoryMB)
	}
	// Below-minimum cpu requests are raised by optimizeResources rather than
	// rejected; the persisted instance always ends up inside [250, 4000].
	if req.CPUUnits <= 0 || req.CPUUnits > MaxCPUUnits {
		return newValidationError("cpu_units", "must be between 1 and %d, got %d", MaxCPUUnits, req.CPUUnits)
	}
	if req.StorageGB < MinStorageGB || req.StorageGB > MaxStorageGB {
		return newValidationError("storage_gb", "must be between %d and %d, got %d", MinStorageGB, MaxStorageGB, req.StorageGB)
	}

	return nil
}

// optimizeResources raises memory and cpu to the per-asset-type floor, then
// clamps to the hard maxima. Unrecognized asset types get no floor.
func optimizeResources(assetType AssetType, memoryMB, cpuUnits int) (int, int) {
	if floor, ok := assetTypeFloors[assetType]; ok {
		if memoryMB < floor.memoryMB {
			memoryMB = floor.memoryMB
		}
		if cpuUnits < floor.cpuUnits {
			cpuUnits = floor.cpuUnits
		}
	}

	if cpuUnits < MinCPUUnits {
		cpuUnits = MinCPUUnits
	}
	if memoryMB > MaxMemoryMB {
		memoryMB = MaxMemoryMB
	}
	if cpuUnits > MaxCPUUnits {
		cpuUnits = MaxCPUUnits
	}

	return memoryMB, cpuUnits
}

// baseCostPerHour prices raw provider resources at the configured unit rates.
func baseCostPerHour(pricing config.PricingConfig, memoryMB, cpuUnits, storageGB int) float64 {
	return float64(memoryMB)*pricing.MemoryRatePerMBHour +
		float64(cpuUnits)*pricing.CPURatePerUnitHour +
		float64(storageGB)*pricing.StorageRatePerGBHour
}

// billedCostPerHour applies the platform markup on top of the base cost. The
// result is fixed at deploy time and never changes for the life of the
// instance.
func billedCostPerHour(base, markupPercent float64) float64 {
	return base * (1 + markupPercent/100)
}

// splitRevenue divides a billed total between the asset creator and the
// platform. The two shares always sum to the total.
func splitRevenue(total, creatorShare float64) (creator, platform float64) {
	creator = total * creatorShare
	platform = total - creator
	return creator, platform
}
