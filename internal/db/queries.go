package db

import (
	"context"

	"github.com/nucleus-ads/adsgateway/internal/models"
)

const tenantColumns = `id, name, api_key, tier, daily_quota, paused, created_at, updated_at`

func scanTenant(row interface{ Scan(dest ...any) error }) (*models.Tenant, error) {
	var tenant models.Tenant
	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.APIKey,
		&tenant.Tier,
		&tenant.DailyQuota,
		&tenant.Paused,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (db *DB) GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	query := `
        SELECT ` + tenantColumns + `
        FROM tenants
        WHERE api_key = $1
    `
	return scanTenant(db.Pool.QueryRow(ctx, query, apiKey))
}

func (db *DB) GetTenantByID(ctx context.Context, id int) (*models.Tenant, error) {
	query := `
        SELECT ` + tenantColumns + `
        FROM tenants
        WHERE id = $1
    `
	return scanTenant(db.Pool.QueryRow(ctx, query, id))
}

func (db *DB) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	query := `
        SELECT ` + tenantColumns + `
        FROM tenants
        ORDER BY id
    `
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (db *DB) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	query := `
        INSERT INTO tenants (name, api_key, tier, daily_quota, paused)
        VALUES ($1, $2, $3, $4, false)
        RETURNING id, created_at, updated_at
    `
	return db.Pool.QueryRow(ctx, query,
		tenant.Name,
		tenant.APIKey,
		tenant.Tier,
		tenant.DailyQuota,
	).Scan(&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt)
}

func (db *DB) SetTenantTier(ctx context.Context, id int, tier models.Tier) error {
	query := `UPDATE tenants SET tier = $2, updated_at = NOW() WHERE id = $1`
	_, err := db.Pool.Exec(ctx, query, id, tier)
	return err
}

func (db *DB) SetTenantDailyQuota(ctx context.Context, id int, quota int64) error {
	query := `UPDATE tenants SET daily_quota = $2, updated_at = NOW() WHERE id = $1`
	_, err := db.Pool.Exec(ctx, query, id, quota)
	return err
}

func (db *DB) SetTenantPaused(ctx context.Context, id int, paused bool) error {
	query := `UPDATE tenants SET paused = $2, updated_at = NOW() WHERE id = $1`
	_, err := db.Pool.Exec(ctx, query, id, paused)
	return err
}

func (db *DB) RotateAPIKey(ctx context.Context, id int, apiKey string) error {
	query := `UPDATE tenants SET api_key = $2, updated_at = NOW() WHERE id = $1`
	_, err := db.Pool.Exec(ctx, query, id, apiKey)
	return err
}

func (db *DB) LogAccess(ctx context.Context, log *models.AccessLog) error {
	query := `
        INSERT INTO access_logs (tenant_id, endpoint, method, status_code, response_time_ms, quota_units, cache_hit)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err := db.Pool.Exec(ctx, query,
		log.TenantID,
		log.Endpoint,
		log.Method,
		log.StatusCode,
		log.ResponseTimeMs,
		log.QuotaUnits,
		log.CacheHit,
	)
	return err
}
