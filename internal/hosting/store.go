package hosting

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the typed persistence layer over the shared sqlite database. It is
// the only mutable state shared between the lifecycle manager and the two
// monitor loops.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{db: db, logger: logger}
}

const instanceColumns = `
	id, asset_id, version_id, user_id, organization_id,
	external_deployment_id, public_endpoint, internal_endpoint,
	memory_mb, cpu_units, storage_gb,
	status, health_status, stop_reason,
	base_cost_per_hour, markup_percentage, billed_cost_per_hour,
	started_at, stopped_at, last_billing_at, last_health_check_at, unhealthy_since,
	created_at, updated_at`

func (s *Store) InsertInstance(inst HostedInstance) error {
	_, err := s.db.Exec(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID, inst.AssetID, inst.VersionID, inst.UserID, inst.OrganizationID,
		inst.ExternalDeploymentID, inst.PublicEndpoint, inst.InternalEndpoint,
		inst.MemoryMB, inst.CPUUnits, inst.StorageGB,
		string(inst.Status), string(inst.HealthStatus), inst.StopReason,
		inst.BaseCostPerHour, inst.MarkupPercentage, inst.BilledCostPerHour,
		timeOrNil(inst.StartedAt), timeOrNil(inst.StoppedAt), timeOrNil(inst.LastBillingAt),
		timeOrNil(inst.LastHealthCheckAt), timeOrNil(inst.UnhealthySince),
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}

	return nil
}

func (s *Store) UpdateInstance(inst HostedInstance) error {
	result, err := s.db.Exec(`
		UPDATE instances SET
			external_deployment_id = ?,
			public_endpoint = ?,
			internal_endpoint = ?,
			status = ?,
			health_status = ?,
			stop_reason = ?,
			started_at = ?,
			stopped_at = ?,
			last_billing_at = ?,
			last_health_check_at = ?,
			unhealthy_since = ?,
			updated_at = ?
		WHERE id = ?
	`,
		inst.ExternalDeploymentID,
		inst.PublicEndpoint,
		inst.InternalEndpoint,
		string(inst.Status),
		string(inst.HealthStatus),
		inst.StopReason,
		timeOrNil(inst.StartedAt),
		timeOrNil(inst.StoppedAt),
		timeOrNil(inst.LastBillingAt),
		timeOrNil(inst.LastHealthCheckAt),
		timeOrNil(inst.UnhealthySince),
		formatTime(inst.UpdatedAt),
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance %s: rows affected: %w", inst.ID, err)
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

// UpdateHealth persists the outcome of a single health check. Every checked
// instance gets last_health_check_at advanced regardless of outcome.
func (s *Store) UpdateHealth(instanceID string, health HealthState, checkedAt, unhealthySince time.Time) error {
	_, err := s.db.Exec(`
		UPDATE instances SET
			health_status = ?,
			last_health_check_at = ?,
			unhealthy_since = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(health),
		formatTime(checkedAt),
		timeOrNil(unhealthySince),
		formatTime(checkedAt),
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("update health for instance %s: %w", instanceID, err)
	}

	return nil
}

func (s *Store) GetInstance(id string) (HostedInstance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HostedInstance{}, ErrInstanceNotFound
		}
		return HostedInstance{}, fmt.Errorf("get instance %s: %w", id, err)
	}

	return inst, nil
}

func (s *Store) ListRunningInstances() ([]HostedInstance, error) {
	rows, err := s.db.Query(`SELECT ` + instanceColumns + ` FROM instances WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("list running instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// ListBillableInstances returns running instances whose startedAt is at or
// before the cutoff, i.e. instances old enough to have accrued a full cycle.
func (s *Store) ListBillableInstances(cutoff time.Time) ([]HostedInstance, error) {
	rows, err := s.db.Query(`
		SELECT `+instanceColumns+`
		FROM instances
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= ?
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list billable instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

func (s *Store) InsertUsageRecord(rec UsageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, instance_id, quantity, unit, unit_cost, total_cost, creator_revenue, platform_revenue, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.InstanceID, rec.Quantity, rec.Unit, rec.UnitCost,
		rec.TotalCost, rec.CreatorRevenue, rec.PlatformRevenue, formatTime(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage record %s: %w", rec.ID, err)
	}

	return nil
}

// RecordBilledUsage atomically appends a usage record, debits the owning
// organization's credit balance with a matching ledger entry, and advances the
// instance's last_billing_at.
func (s *Store) RecordBilledUsage(rec UsageRecord, organizationID string, lastBillingAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin billing transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO usage_records (id, instance_id, quantity, unit, unit_cost, total_cost, creator_revenue, platform_revenue, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.InstanceID, rec.Quantity, rec.Unit, rec.UnitCost,
		rec.TotalCost, rec.CreatorRevenue, rec.PlatformRevenue, formatTime(rec.RecordedAt),
	); err != nil {
		return fmt.Errorf("insert usage record %s: %w", rec.ID, err)
	}

	if _, err := tx.Exec(`
		UPDATE organizations SET credit_balance = credit_balance - ? WHERE id = ?
	`, rec.TotalCost, organizationID); err != nil {
		return fmt.Errorf("debit organization %s: %w", organizationID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO credit_ledger (id, organization_id, instance_id, amount, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.ID+"-debit", organizationID, rec.InstanceID, rec.TotalCost,
		rec.Unit, formatTime(rec.RecordedAt),
	); err != nil {
		return fmt.Errorf("ledger entry for organization %s: %w", organizationID, err)
	}

	if _, err := tx.Exec(`
		UPDATE instances SET last_billing_at = ?, updated_at = ? WHERE id = ?
	`, formatTime(lastBillingAt), formatTime(rec.RecordedAt), rec.InstanceID); err != nil {
		return fmt.Errorf("advance last_billing_at for instance %s: %w", rec.InstanceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit billing transaction: %w", err)
	}

	return nil
}

func (s *Store) ListUsageRecords(instanceID string, from, to time.Time) ([]UsageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, instance_id, quantity, unit, unit_cost, total_cost, creator_revenue, platform_revenue, recorded_at
		FROM usage_records
		WHERE instance_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at ASC
	`, instanceID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("list usage records for instance %s: %w", instanceID, err)
	}
	defer rows.Close()

	records := make([]UsageRecord, 0)
	for rows.Next() {
		var (
			rec        UsageRecord
			recordedAt string
		)
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.Quantity, &rec.Unit, &rec.UnitCost,
			&rec.TotalCost, &rec.CreatorRevenue, &rec.PlatformRevenue, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		parsed, err := parseTimestamp(recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at for usage record %s: %w", rec.ID, err)
		}
		rec.RecordedAt = parsed
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *Store) OrganizationBalance(organizationID string) (float64, error) {
	var balance float64
	err := s.db.QueryRow(`SELECT credit_balance FROM organizations WHERE id = ?`, organizationID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("organization %s not found", organizationID)
		}
		return 0, fmt.Errorf("balance for organization %s: %w", organizationID, err)
	}

	return balance, nil
}

func (s *Store) GetAsset(id string) (Asset, error) {
	row := s.db.QueryRow(`SELECT id, name, asset_type, image, env, ports FROM assets WHERE id = ?`, id)

	var (
		asset    Asset
		typeRaw  string
		envRaw   string
		portsRaw string
	)
	if err := row.Scan(&asset.ID, &asset.Name, &typeRaw, &asset.Image, &envRaw, &portsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrAssetNotFound
		}
		return Asset{}, fmt.Errorf("get asset %s: %w", id, err)
	}

	asset.Type = AssetType(typeRaw)
	if err := decodeJSONColumns(envRaw, portsRaw, &asset.Env, &asset.Ports); err != nil {
		return Asset{}, fmt.Errorf("decode asset %s: %w", id, err)
	}

	return asset, nil
}

func (s *Store) GetAssetVersion(id string) (AssetVersion, error) {
	row := s.db.QueryRow(`SELECT id, asset_id, version, image, env, ports FROM asset_versions WHERE id = ?`, id)

	version, err := scanAssetVersion(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssetVersion{}, ErrVersionNotFound
		}
		return AssetVersion{}, fmt.Errorf("get asset version %s: %w", id, err)
	}

	return version, nil
}

func (s *Store) ListAssetVersions(assetID string) ([]AssetVersion, error) {
	rows, err := s.db.Query(`SELECT id, asset_id, version, image, env, ports FROM asset_versions WHERE asset_id = ?`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list versions for asset %s: %w", assetID, err)
	}
	defer rows.Close()

	versions := make([]AssetVersion, 0)
	for rows.Next() {
		version, err := scanAssetVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan version for asset %s: %w", assetID, err)
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func scanAssetVersion(scan func(dest ...interface{}) error) (AssetVersion, error) {
	var (
		version  AssetVersion
		envRaw   string
		portsRaw string
	)
	if err := scan(&version.ID, &version.AssetID, &version.Version, &version.Image, &envRaw, &portsRaw); err != nil {
		return AssetVersion{}, err
	}
	if err := decodeJSONColumns(envRaw, portsRaw, &version.Env, &version.Ports); err != nil {
		return AssetVersion{}, err
	}

	return version, nil
}

func decodeJSONColumns(envRaw, portsRaw string, env *map[string]string, ports *[]int) error {
	if envRaw == "" {
		envRaw = "{}"
	}
	if portsRaw == "" {
		portsRaw = "[]"
	}
	if err := json.Unmarshal([]byte(envRaw), env); err != nil {
		return fmt.Errorf("decode env: %w", err)
	}
	if err := json.Unmarshal([]byte(portsRaw), ports); err != nil {
		return fmt.Errorf("decode ports: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func collectInstances(rows *sql.Rows) ([]HostedInstance, error) {
	instances := make([]HostedInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

func scanInstance(row rowScanner) (HostedInstance, error) {
	var (
		inst              HostedInstance
		statusRaw         string
		healthRaw         string
		startedAt         sql.NullString
		stoppedAt         sql.NullString
		lastBillingAt     sql.NullString
		lastHealthCheckAt sql.NullString
		unhealthySince    sql.NullString
		createdAt         string
		updatedAt         string
	)

	if err := row.Scan(
		&inst.ID, &inst.AssetID, &inst.VersionID, &inst.UserID, &inst.OrganizationID,
		&inst.ExternalDeploymentID, &inst.PublicEndpoint, &inst.InternalEndpoint,
		&inst.MemoryMB, &inst.CPUUnits, &inst.StorageGB,
		&statusRaw, &healthRaw, &inst.StopReason,
		&inst.BaseCostPerHour, &inst.MarkupPercentage, &inst.BilledCostPerHour,
		&startedAt, &stoppedAt, &lastBillingAt, &lastHealthCheckAt, &unhealthySince,
		&createdAt, &updatedAt,
	); err != nil {
		return HostedInstance{}, err
	}

	inst.Status = InstanceStatus(statusRaw)
	inst.HealthStatus = HealthState(healthRaw)

	fields := []struct {
		name  string
		value sql.NullString
		dest  *time.Time
	}{
		{"started_at", startedAt, &inst.StartedAt},
		{"stopped_at", stoppedAt, &inst.StoppedAt},
		{"last_billing_at", lastBillingAt, &inst.LastBillingAt},
		{"last_health_check_at", lastHealthCheckAt, &inst.LastHealthCheckAt},
		{"unhealthy_since", unhealthySince, &inst.UnhealthySince},
	}
	for _, field := range fields {
		if !field.value.Valid {
			continue
		}
		parsed, err := parseTimestamp(field.value.String)
		if err != nil {
			return HostedInstance{}, fmt.Errorf("parse %s for instance %s: %w", field.name, inst.ID, err)
		}
		*field.dest = parsed
	}

	for name, pair := range map[string]struct {
		raw  string
		dest *time.Time
	}{
		"created_at": {createdAt, &inst.CreatedAt},
		"updated_at": {updatedAt, &inst.UpdatedAt},
	} {
		parsed, err := parseTimestamp(pair.raw)
		if err != nil {
			return HostedInstance{}, fmt.Errorf("parse %s for instance %s: %w", name, inst.ID, err)
		}
		*pair.dest = parsed
	}

	return inst, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
