package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marketfleet/hostd/internal/hosting"
)

func TestDeploySurvivesFlakyProvider(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps in real time")
	}

	h := newHostingHarness(t)
	h.seedOrg("org-1", 50)
	h.seedAsset("asset-1", "mcp", "registry.example.com/mcp:1")
	h.seedVersion("ver-1", "asset-1", "1.0.0")

	// First two creates return 500; the third attempt succeeds.
	h.provider.failNextCreates(2)

	result, err := h.lifecycle.Deploy(context.Background(), hosting.DeployRequest{
		AssetID:        "asset-1",
		UserID:         "user-1",
		OrganizationID: "org-1",
		MemoryMB:       256,
		CPUUnits:       500,
		StorageGB:      5,
	})
	if err != nil {
		t.Fatalf("deploy should survive two transient failures: %v", err)
	}

	inst, err := h.lifecycle.GetStatus(context.Background(), result.InstanceID, "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inst.Status != hosting.StatusRunning {
		t.Fatalf("expected running after retries, got %s", inst.Status)
	}
}

func TestDeployGivesUpAfterSustainedOutage(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps in real time")
	}

	h := newHostingHarness(t)
	h.seedOrg("org-1", 50)
	h.seedAsset("asset-1", "mcp", "registry.example.com/mcp:1")
	h.seedVersion("ver-1", "asset-1", "1.0.0")

	h.provider.failNextCreates(10)

	_, err := h.lifecycle.Deploy(context.Background(), hosting.DeployRequest{
		AssetID:        "asset-1",
		UserID:         "user-1",
		OrganizationID: "org-1",
		MemoryMB:       256,
		CPUUnits:       500,
		StorageGB:      5,
	})
	var derr *hosting.DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeploymentError after exhausted retries, got %v", err)
	}

	var rows int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM instances`).Scan(&rows); err != nil {
		t.Fatalf("count instances: %v", err)
	}
	if rows != 0 {
		t.Fatalf("failed deploy must not persist a row, found %d", rows)
	}
}

func TestSustainedFailureRemediation(t *testing.T) {
	h := newHostingHarness(t)
	h.seedOrg("org-1", 50)
	h.seedAsset("asset-1", "agent", "registry.example.com/agent:1")
	h.seedVersion("ver-1", "asset-1", "1.0.0")

	result, err := h.lifecycle.Deploy(context.Background(), hosting.DeployRequest{
		AssetID:        "asset-1",
		UserID:         "user-1",
		OrganizationID: "org-1",
		MemoryMB:       512,
		CPUUnits:       1000,
		StorageGB:      10,
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	inst, err := h.lifecycle.GetStatus(context.Background(), result.InstanceID, "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}

	// Sandbox fails: first tick classifies unhealthy and signals a restart.
	h.provider.setStatus(inst.ExternalDeploymentID, "failed")
	h.health.RunOnce(context.Background())

	checked, err := h.store.GetInstance(result.InstanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if checked.HealthStatus != hosting.HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", checked.HealthStatus)
	}
	if h.provider.restartCount() != 1 {
		t.Fatalf("expected one restart signal, got %d", h.provider.restartCount())
	}
	if checked.Status != hosting.StatusRunning {
		t.Fatalf("instance below threshold should keep running, got %s", checked.Status)
	}

	// Still failed past the sustained threshold: next tick force-stops.
	h.ageUnhealthySince(result.InstanceID, 35*time.Minute)
	h.rewindClock(result.InstanceID, 2*time.Hour, 30*time.Minute)
	h.health.RunOnce(context.Background())

	stopped, err := h.store.GetInstance(result.InstanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if stopped.Status != hosting.StatusStopped {
		t.Fatalf("expected force-stopped instance, got %s", stopped.Status)
	}
	if stopped.StopReason != hosting.StopReasonUnhealthy {
		t.Fatalf("expected sustained-unhealthy stop reason, got %s", stopped.StopReason)
	}

	// Final settlement for the half hour since the billing anchor.
	records, err := h.store.ListUsageRecords(result.InstanceID,
		time.Now().UTC().Add(-3*time.Hour), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one settlement record, got %d", len(records))
	}
}

func TestInsufficientFundsShutdown(t *testing.T) {
	h := newHostingHarness(t)
	h.seedOrg("org-poor", 0.01)
	h.seedAsset("asset-1", "workflow", "registry.example.com/wf:1")
	h.seedVersion("ver-1", "asset-1", "1.0.0")

	result, err := h.lifecycle.Deploy(context.Background(), hosting.DeployRequest{
		AssetID:        "asset-1",
		UserID:         "user-1",
		OrganizationID: "org-poor",
		MemoryMB:       512,
		CPUUnits:       1000,
		StorageGB:      10,
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	h.rewindClock(result.InstanceID, 3*time.Hour, 2*time.Hour)
	h.billing.RunOnce(context.Background())

	stopped, err := h.store.GetInstance(result.InstanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if stopped.Status != hosting.StatusStopped || stopped.StopReason != hosting.StopReasonInsufficientFunds {
		t.Fatalf("expected insufficient-funds stop, got %s/%s", stopped.Status, stopped.StopReason)
	}

	balance, err := h.store.OrganizationBalance("org-poor")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance >= 0.01 {
		t.Fatalf("final settlement should debit the organization, balance %f", balance)
	}
}
