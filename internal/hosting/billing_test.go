package hosting

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/marketfleet/hostd/internal/config"
)

func newTestBillingProcessor(t *testing.T, db *sql.DB, fake *fakeProvider, now time.Time) (*BillingProcessor, *LifecycleManager) {
	t.Helper()

	lifecycle := newTestLifecycle(t, db, fake)
	lifecycle.now = func() time.Time { return now }

	processor := NewBillingProcessor(config.BillingConfig{
		CycleIntervalSec:    3600,
		MaxConcurrentChecks: 4,
	}, lifecycle.store, lifecycle, testPricing(), nil, nil)
	processor.now = func() time.Time { return now }

	return processor, lifecycle
}

func TestBillingBillsWholeHoursOnly(t *testing.T) {
	db := setupHostingTestDB(t)
	insertTestOrg(t, db, "org-1", 100)
	fake := newFakeProvider()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	processor, lifecycle := newTestBillingProcessor(t, db, fake, now)

	// Running 2.5 hours since the last billing anchor at $0.10/hour.
	inst := testInstance("i-1", now.Add(-3*time.Hour))
	inst.LastBillingAt = now.Add(-150 * time.Minute)
	inst.BilledCostPerHour = 0.10
	if err := lifecycle.store.InsertInstance(inst); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	processor.RunOnce(context.Background())

	records, err := lifecycle.store.ListUsageRecords("i-1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one usage record, got %d", len(records))
	}

	rec := records[0]
	if rec.Quantity != 2 {
		t.Fatalf("expected exactly 2 whole hours billed, got %f", rec.Quantity)
	}
	if math.Abs(rec.TotalCost-0.20) > 1e-9 {
		t.Fatalf("expected total 0.20, got %f", rec.TotalCost)
	}
	if math.Abs(rec.CreatorRevenue-0.10) > 1e-9 || math.Abs(rec.PlatformRevenue-0.10) > 1e-9 {
		t.Fatalf("expected 50/50 split of 0.20, got %f/%f", rec.CreatorRevenue, rec.PlatformRevenue)
	}

	got, err := lifecycle.store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	// Advanced by exactly 2 hours, leaving the half hour unbilled.
	want := inst.LastBillingAt.Add(2 * time.Hour)
	if !got.LastBillingAt.Equal(want) {
		t.Fatalf("lastBillingAt should be %v, got %v", want, got.LastBillingAt)
	}

	balance, err := lifecycle.store.OrganizationBalance("org-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if math.Abs(balance-99.80) > 1e-9 {
		t.Fatalf("expected balance 99.80, got %f", balance)
	}
}

func TestBillingSkipsUnderOneHour(t *testing.T) {
	db := setupHostingTestDB(t)
	insertTestOrg(t, db, "org-1", 100)
	fake := newFakeProvider()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	processor, lifecycle := newTestBillingProcessor(t, db, fake, now)

	inst := testInstance("i-1", now.Add(-2*time.Hour))
	inst.LastBillingAt = now.Add(-30 * time.Minute)
	if err := lifecycle.store.InsertInstance(inst); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	processor.RunOnce(context.Background())

	records, err := lifecycle.store.ListUsageRecords("i-1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("partial hour must not be billed mid-cycle, got %d records", len(records))
	}

	got, err := lifecycle.store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if !got.LastBillingAt.Equal(inst.LastBillingAt) {
		t.Fatalf("lastBillingAt must be unchanged, got %v", got.LastBillingAt)
	}
}

func TestBillingSkipsYoungInstances(t *testing.T) {
	db := setupHostingTestDB(t)
	insertTestOrg(t, db, "org-1", 100)
	fake := newFakeProvider()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	processor, lifecycle := newTestBillingProcessor(t, db, fake, now)

	// Started half a cycle ago: not yet in the billable working set.
	inst := testInstance("i-1", now.Add(-30*time.Minute))
	if err := lifecycle.store.InsertInstance(inst); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	processor.RunOnce(context.Background())

	records, err := lifecycle.store.ListUsageRecords("i-1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("instance younger than one cycle must not be billed")
	}
}

func TestInsufficientFundsForceStopsWithFinalSettlement(t *testing.T) {
	db := setupHostingTestDB(t)
	insertTestOrg(t, db, "org-1", 0.05)
	fake := newFakeProvider()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	processor, lifecycle := newTestBillingProcessor(t, db, fake, now)

	inst := testInstance("i-1", now.Add(-3*time.Hour))
	inst.LastBillingAt = now.Add(-150 * time.Minute)
	inst.BilledCostPerHour = 0.10
	if err := lifecycle.store.InsertInstance(inst); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	fake.setStatus(inst.ExternalDeploymentID, "running")

	processor.RunOnce(context.Background())

	got, err := lifecycle.store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != StatusStopped || got.StopReason != StopReasonInsufficientFunds {
		t.Fatalf("expected insufficient-funds stop, got %s/%s", got.Status, got.StopReason)
	}
	if len(fake.deleted) != 1 {
		t.Fatalf("provider delete should run once, got %d", len(fake.deleted))
	}

	// No cycle record; exactly one final settlement covering the full 2.5
	// unbilled hours, driving the balance negative.
	records, err := lifecycle.store.ListUsageRecords("i-1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one settlement record, got %d", len(records))
	}
	if math.Abs(records[0].Quantity-2.5) > 1e-9 {
		t.Fatalf("expected 2.5 hours settled, got %f", records[0].Quantity)
	}

	balance, err := lifecycle.store.OrganizationBalance("org-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance >= 0 {
		t.Fatalf("final settlement should drive balance negative, got %f", balance)
	}
}

func TestBillingErrorIsolation(t *testing.T) {
	db := setupHostingTestDB(t)
	insertTestOrg(t, db, "org-1", 100)
	fake := newFakeProvider()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	processor, lifecycle := newTestBillingProcessor(t, db, fake, now)

	good := testInstance("i-good", now.Add(-2*time.Hour))
	good.BilledCostPerHour = 0.10

	// Organization row missing: the balance query fails for this one.
	orphan := testInstance("i-orphan", now.Add(-2*time.Hour))
	orphan.OrganizationID = "org-missing"

	for _, inst := range []HostedInstance{good, orphan} {
		if err := lifecycle.store.InsertInstance(inst); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	processor.RunOnce(context.Background())

	records, err := lifecycle.store.ListUsageRecords("i-good", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("sibling billing failure leaked: expected 1 record for i-good, got %d", len(records))
	}

	got, err := lifecycle.store.GetInstance("i-orphan")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("failed billing check must leave the instance running, got %s", got.Status)
	}
}
