package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const subscriptionColumns = `tenant_id, plan_id, started_at, expires_at, status, last_payer_id, last_payment_id, updated_at`

// Activation describes one paid period being applied to a tenant.
type Activation struct {
	TenantID     string
	PlanID       int64
	PayerID      string
	PaymentID    string
	DurationDays int
	At           time.Time
	// Extend stacks the new period on top of an unexpired one instead of
	// restarting from At.
	Extend bool
}

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Activate creates or renews the tenant's subscription inside tx.
func (r *SubscriptionRepository) Activate(ctx context.Context, tx pgx.Tx, a Activation) (*SubscriptionEntity, error) {
	query := `INSERT INTO subscriptions (tenant_id, plan_id, started_at, expires_at, status, last_payer_id, last_payment_id, updated_at)
	          VALUES ($1, $2, $3::timestamptz, $3::timestamptz + make_interval(days => $4::int), 'active', $5, $6, $3::timestamptz)
	          ON CONFLICT (tenant_id) DO UPDATE SET
	              plan_id         = EXCLUDED.plan_id,
	              started_at      = CASE
	                                    WHEN $7::bool AND subscriptions.status = 'active' AND subscriptions.expires_at > EXCLUDED.started_at
	                                        THEN subscriptions.started_at
	                                    ELSE EXCLUDED.started_at END,
	              expires_at      = CASE
	                                    WHEN $7::bool
	                                        THEN GREATEST(subscriptions.expires_at, EXCLUDED.started_at) + make_interval(days => $4::int)
	                                    ELSE EXCLUDED.expires_at END,
	              status          = 'active',
	              last_payer_id   = EXCLUDED.last_payer_id,
	              last_payment_id = EXCLUDED.last_payment_id,
	              updated_at      = EXCLUDED.updated_at
	          RETURNING ` + subscriptionColumns
	entity, err := scanSubscription(tx.QueryRow(ctx, query, a.TenantID, a.PlanID, a.At, a.DurationDays, a.PayerID,
		a.PaymentID, a.Extend))
	if err != nil {
		return nil, errors.Wrap(err, "upsert subscription")
	}
	return entity, nil
}

func (r *SubscriptionRepository) GetByTenant(ctx context.Context, tenantID string) (*SubscriptionEntity, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1`
	entity, err := scanSubscription(r.pool.QueryRow(ctx, query, tenantID))
	if err != nil {
		return nil, notFoundOr(err, "select subscription")
	}
	return entity, nil
}

// ExpireDue marks active subscriptions whose period ended before now.
func (r *SubscriptionRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE subscriptions SET status = 'expired', updated_at = $1 WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "expire subscriptions")
	}
	return tag.RowsAffected(), nil
}

func scanSubscription(row pgx.Row) (*SubscriptionEntity, error) {
	var e SubscriptionEntity
	err := row.Scan(&e.TenantID, &e.PlanID, &e.StartedAt, &e.ExpiresAt, &e.Status, &e.LastPayerID, &e.LastPaymentID,
		&e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
