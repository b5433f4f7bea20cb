package hosting

import "time"

// InstanceStatus is the deployment/shutdown state machine of a hosted instance.
type InstanceStatus string

const (
	StatusPending  InstanceStatus = "pending"
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
	StatusFailed   InstanceStatus = "failed"
)

// HealthState is the health axis, independent of InstanceStatus and only
// meaningful while the instance is running.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// AssetType determines runtime image defaults and resource floors.
type AssetType string

const (
	AssetTypeMCP      AssetType = "mcp"
	AssetTypeAgent    AssetType = "agent"
	AssetTypeWorkflow AssetType = "workflow"
)

// Resource bounds enforced on every deploy request.
const (
	MinMemoryMB  = 128
	MaxMemoryMB  = 8192
	MinCPUUnits  = 250
	MaxCPUUnits  = 4000
	MinStorageGB = 1
	MaxStorageGB = 100
)

// HostedInstance is one deployed sandbox.
type HostedInstance struct {
	ID             string
	AssetID        string
	VersionID      string
	UserID         string
	OrganizationID string

	ExternalDeploymentID string
	PublicEndpoint       string
	InternalEndpoint     string

	MemoryMB  int
	CPUUnits  int
	StorageGB int

	Status       InstanceStatus
	HealthStatus HealthState
	StopReason   string

	BaseCostPerHour   float64
	MarkupPercentage  float64
	BilledCostPerHour float64

	StartedAt         time.Time
	StoppedAt         time.Time
	LastBillingAt     time.Time
	LastHealthCheckAt time.Time
	UnhealthySince    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UsageRecord is one billed interval. Rows are append-only.
type UsageRecord struct {
	ID              string
	InstanceID      string
	Quantity        float64
	Unit            string
	UnitCost        float64
	TotalCost       float64
	CreatorRevenue  float64
	PlatformRevenue float64
	RecordedAt      time.Time
}

const UnitContainerHour = "container-hour"

// Asset is a marketplace asset as recorded in the catalog. The catalog rows
// are owned by an external collaborator; this service only reads them.
type Asset struct {
	ID    string
	Name  string
	Type  AssetType
	Image string
	Env   map[string]string
	Ports []int
}

// AssetVersion is one published version of an asset. Version strings are
// semver; Image/Env/Ports override the asset defaults when set.
type AssetVersion struct {
	ID      string
	AssetID string
	Version string
	Image   string
	Env     map[string]string
	Ports   []int
}

// DeployRequest is the caller-facing input to Deploy. VersionID may be empty,
// in which case the highest published version of the asset is used.
type DeployRequest struct {
	AssetID        string
	VersionID      string
	UserID         string
	OrganizationID string
	MemoryMB       int
	CPUUnits       int
	StorageGB      int
	Env            map[string]string
}

type DeployResult struct {
	InstanceID        string
	PublicEndpoint    string
	InternalEndpoint  string
	Status            InstanceStatus
	BilledCostPerHour float64
}

// UsageSummary aggregates usage records over a window.
type UsageSummary struct {
	InstanceID      string
	Hours           float64
	TotalCost       float64
	CreatorRevenue  float64
	PlatformRevenue float64
	Records         int
}

// FleetSummary is the operational roll-up exposed by the health monitor.
type FleetSummary struct {
	Running       int
	Healthy       int
	Unhealthy     int
	Unknown       int
	HourlyCostUSD float64
	GeneratedAt   time.Time
}
