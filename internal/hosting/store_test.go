package hosting

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marketfleet/hostd/internal/storage"
)

func setupHostingTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "hostd-*.db")
	if err != nil {
		t.Fatalf("create temp db failed: %v", err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatalf("close temp db file failed: %v", err)
	}

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpfile.Name())
	})

	runner := storage.NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	return db
}

func insertTestOrg(t *testing.T, db *sql.DB, id string, balance float64) {
	t.Helper()
	if _, err := db.Exec(`
		INSERT INTO organizations (id, credit_balance) VALUES (?, ?)
	`, id, balance); err != nil {
		t.Fatalf("insert organization: %v", err)
	}
}

func insertTestAsset(t *testing.T, db *sql.DB, id string, assetType AssetType, image string) {
	t.Helper()
	if _, err := db.Exec(`
		INSERT INTO assets (id, name, asset_type, image, env, ports)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, "asset "+id, string(assetType), image, `{"LOG_LEVEL":"info"}`, `[8080]`); err != nil {
		t.Fatalf("insert asset: %v", err)
	}
}

func insertTestVersion(t *testing.T, db *sql.DB, id, assetID, version, image string) {
	t.Helper()
	if _, err := db.Exec(`
		INSERT INTO asset_versions (id, asset_id, version, image, env, ports)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, assetID, version, image, `{}`, `[]`); err != nil {
		t.Fatalf("insert asset version: %v", err)
	}
}

func testInstance(id string, started time.Time) HostedInstance {
	return HostedInstance{
		ID:                   id,
		AssetID:              "asset-1",
		VersionID:            "ver-1",
		UserID:               "user-1",
		OrganizationID:       "org-1",
		ExternalDeploymentID: "sbx-" + id,
		PublicEndpoint:       "https://" + id + ".sandbox.example.com",
		InternalEndpoint:     "http://" + id + ".internal:8080",
		MemoryMB:             512,
		CPUUnits:             1000,
		StorageGB:            10,
		Status:               StatusRunning,
		HealthStatus:         HealthUnknown,
		BaseCostPerHour:      0.05,
		MarkupPercentage:     20,
		BilledCostPerHour:    0.06,
		StartedAt:            started,
		LastBillingAt:        started,
		CreatedAt:            started,
		UpdatedAt:            started,
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	db := setupHostingTestDB(t)
	store := NewStore(db, nil)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	inst := testInstance("i-1", started)
	if err := store.InsertInstance(inst); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	got, err := store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != StatusRunning || got.HealthStatus != HealthUnknown {
		t.Fatalf("unexpected state: status=%s health=%s", got.Status, got.HealthStatus)
	}
	if !got.StartedAt.Equal(started) || !got.LastBillingAt.Equal(started) {
		t.Fatalf("timestamps not preserved: started=%v lastBilling=%v", got.StartedAt, got.LastBillingAt)
	}
	if !got.StoppedAt.IsZero() || !got.UnhealthySince.IsZero() {
		t.Fatalf("nullable timestamps should be zero: stopped=%v unhealthySince=%v", got.StoppedAt, got.UnhealthySince)
	}
	if got.BilledCostPerHour != 0.06 {
		t.Fatalf("expected billed cost 0.06, got %f", got.BilledCostPerHour)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	db := setupHostingTestDB(t)
	store := NewStore(db, nil)

	if _, err := store.GetInstance("missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if err := store.UpdateInstance(testInstance("missing", time.Now().UTC())); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound on update, got %v", err)
	}
}

func TestUpdateHealthPersistsUnhealthySince(t *testing.T) {
	db := setupHostingTestDB(t)
	store := NewStore(db, nil)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.InsertInstance(testInstance("i-1", started)); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	checked := started.Add(5 * time.Minute)
	if err := store.UpdateHealth("i-1", HealthUnhealthy, checked, checked); err != nil {
		t.Fatalf("update health: %v", err)
	}

	got, err := store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.HealthStatus != HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got.HealthStatus)
	}
	if !got.LastHealthCheckAt.Equal(checked) || !got.UnhealthySince.Equal(checked) {
		t.Fatalf("health timestamps not persisted: checkAt=%v unhealthySince=%v", got.LastHealthCheckAt, got.UnhealthySince)
	}

	// Recovery clears unhealthy_since.
	if err := store.UpdateHealth("i-1", HealthHealthy, checked.Add(time.Minute), time.Time{}); err != nil {
		t.Fatalf("update health: %v", err)
	}
	got, err = store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if !got.UnhealthySince.IsZero() {
		t.Fatalf("expected cleared unhealthy_since, got %v", got.UnhealthySince)
	}
}

func TestListBillableInstancesCutoff(t *testing.T) {
	db := setupHostingTestDB(t)
	store := NewStore(db, nil)

	old := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)

	if err := store.InsertInstance(testInstance("i-old", old)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertInstance(testInstance("i-fresh", fresh)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	stopped := testInstance("i-stopped", old)
	stopped.Status = StatusStopped
	if err := store.InsertInstance(stopped); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cutoff := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	billable, err := store.ListBillableInstances(cutoff)
	if err != nil {
		t.Fatalf("list billable: %v", err)
	}
	if len(billable) != 1 || billable[0].ID != "i-old" {
		t.Fatalf("expected only i-old billable, got %+v", billable)
	}
}

func TestRecordBilledUsageAtomicity(t *testing.T) {
	db := setupHostingTestDB(t)
	store := NewStore(db, nil)
	insertTestOrg(t, db, "org-1", 10.0)

	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := store.InsertInstance(testInstance("i-1", started)); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	recordedAt := started.Add(2 * time.Hour)
	rec := UsageRecord{
		ID:              "rec-1",
		InstanceID:      "i-1",
		Quantity:        2,
		Unit:            UnitContainerHour,
		UnitCost:        0.06,
		TotalCost:       0.12,
		CreatorRevenue:  0.06,
		PlatformRevenue: 0.06,
		RecordedAt:      recordedAt,
	}
	if err := store.RecordBilledUsage(rec, "org-1", recordedAt); err != nil {
		t.Fatalf("record billed usage: %v", err)
	}

	balance, err := store.OrganizationBalance("org-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10.0-0.12 {
		t.Fatalf("expected balance 9.88, got %f", balance)
	}

	var ledgerRows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM credit_ledger WHERE organization_id = 'org-1'`).Scan(&ledgerRows); err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	if ledgerRows != 1 {
		t.Fatalf("expected 1 ledger row, got %d", ledgerRows)
	}

	inst, err := store.GetInstance("i-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if !inst.LastBillingAt.Equal(recordedAt) {
		t.Fatalf("last_billing_at not advanced: %v", inst.LastBillingAt)
	}

	records, err := store.ListUsageRecords("i-1", started, recordedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 1 || records[0].TotalCost != 0.12 {
		t.Fatalf("unexpected usage records: %+v", records)
	}
}

func TestGetAssetAndVersions(t *testing.T) {
	db := setupHostingTestDB(t)
	store := NewStore(db, nil)

	insertTestAsset(t, db, "asset-1", AssetTypeMCP, "registry.example.com/mcp:1")
	insertTestVersion(t, db, "ver-1", "asset-1", "1.0.0", "")
	insertTestVersion(t, db, "ver-2", "asset-1", "1.2.0", "registry.example.com/mcp:1.2")

	asset, err := store.GetAsset("asset-1")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if asset.Type != AssetTypeMCP || asset.Env["LOG_LEVEL"] != "info" || len(asset.Ports) != 1 {
		t.Fatalf("unexpected asset: %+v", asset)
	}

	if _, err := store.GetAsset("missing"); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
	if _, err := store.GetAssetVersion("missing"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}

	versions, err := store.ListAssetVersions("asset-1")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
}
