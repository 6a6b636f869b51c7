package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// TenantAdminRepository reads the admin roster maintained by the tenant
// management surface.
type TenantAdminRepository struct {
	pool *pgxpool.Pool
}

func NewTenantAdminRepository(pool *pgxpool.Pool) *TenantAdminRepository {
	return &TenantAdminRepository{pool: pool}
}

func (r *TenantAdminRepository) IsAdmin(ctx context.Context, tenantID, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenant_admins WHERE tenant_id = $1 AND user_id = $2)`, tenantID, userID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "select tenant admin")
	}
	return exists, nil
}
