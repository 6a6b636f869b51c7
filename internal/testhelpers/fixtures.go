package testhelpers

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Truncate empties every table the service writes to.
func Truncate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE payments, webhook_events, subscriptions, subscription_events, tenant_admins, plans`)
	return err
}

func InsertPlan(ctx context.Context, pool *pgxpool.Pool, planID int64, price string, durationDays int, active bool) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO plans (plan_id, name, price, duration_days, active) VALUES ($1, $2, $3::numeric, $4, $5)`,
		planID, "plan", price, durationDays, active)
	return err
}

func InsertTenantAdmin(ctx context.Context, pool *pgxpool.Pool, tenantID, userID string) error {
	_, err := pool.Exec(ctx, `INSERT INTO tenant_admins (tenant_id, user_id) VALUES ($1, $2)`, tenantID, userID)
	return err
}
