// Package provider talks to the external sandbox provider that actually runs
// hosted instances. The core treats the provider as an opaque create/get/delete
// capability; restart and metrics are optional extensions.
package provider

import "context"

// Spec describes the sandbox to create.
type Spec struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	MemoryMB  int               `json:"memory_mb"`
	CPUUnits  int               `json:"cpu_units"`
	StorageGB int               `json:"storage_gb"`
	Env       map[string]string `json:"env,omitempty"`
	Ports     []int             `json:"ports,omitempty"`
}

// Sandbox is the provider's handle for a created instance.
type Sandbox struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	InternalURL string `json:"internal_url"`
}

// Status is the provider's view of a sandbox. Known status values are
// "running", "failed" and "stopped"; anything else is treated as unknown by
// the health monitor.
type Status struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Metrics is a best-effort resource snapshot. Providers that cannot report
// metrics simply do not implement MetricsFetcher; values are never fabricated.
type Metrics struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryUsedMB float64 `json:"memory_used_mb"`
	DiskUsedGB   float64 `json:"disk_used_gb"`
}

// Client is the minimal sandbox provider surface the core depends on.
type Client interface {
	Create(ctx context.Context, spec Spec) (*Sandbox, error)
	Get(ctx context.Context, id string) (*Status, error)
	Delete(ctx context.Context, id string) error
}

// Restarter is an optional capability: a best-effort restart signal used
// during remediation. Absence means restart is simply skipped.
type Restarter interface {
	Restart(ctx context.Context, id string) error
}

// MetricsFetcher is an optional capability for resource metrics.
type MetricsFetcher interface {
	Metrics(ctx context.Context, id string) (*Metrics, error)
}
