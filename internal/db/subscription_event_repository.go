package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const subscriptionEventColumns = `id, tenant_id, payment_id, payload::text, created_at, scheduled_at, published_at,
	publish_attempts, error`

type SubscriptionEventRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionEventRepository(pool *pgxpool.Pool) *SubscriptionEventRepository {
	return &SubscriptionEventRepository{pool: pool}
}

func (r *SubscriptionEventRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return BeginTx(ctx, r.pool)
}

// Create schedules an event for publishing. It runs inside the caller's
// transaction so the event exists if and only if that transaction commits.
func (r *SubscriptionEventRepository) Create(ctx context.Context, tx pgx.Tx, entity *SubscriptionEventEntity) error {
	query := `INSERT INTO subscription_events (id, tenant_id, payment_id, payload, created_at, scheduled_at)
	          VALUES ($1, $2, $3, $4::jsonb, $5, $5)`
	_, err := tx.Exec(ctx, query, entity.ID, entity.TenantID, entity.PaymentID, entity.Payload, entity.CreatedAt)
	return errors.Wrap(err, "insert subscription event")
}

// GetUnpublished locks up to limit due events, skipping rows held by other
// producers.
func (r *SubscriptionEventRepository) GetUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*SubscriptionEventEntity, error) {
	query := `SELECT ` + subscriptionEventColumns + ` FROM subscription_events
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= NOW()
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unpublished subscription events")
	}
	defer rows.Close()

	var events []*SubscriptionEventEntity
	for rows.Next() {
		var e SubscriptionEventEntity
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PaymentID, &e.Payload, &e.CreatedAt, &e.ScheduledAt,
			&e.PublishedAt, &e.PublishAttempts, &e.Error); err != nil {
			return nil, errors.Wrap(err, "scan subscription event")
		}
		events = append(events, &e)
	}
	return events, errors.Wrap(rows.Err(), "iterate subscription events")
}

func (r *SubscriptionEventRepository) Update(ctx context.Context, tx pgx.Tx, entity *SubscriptionEventEntity) error {
	query := `UPDATE subscription_events
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error)
	return errors.Wrap(err, "update subscription event")
}

func (r *SubscriptionEventRepository) GetByPaymentID(ctx context.Context, paymentID string) ([]*SubscriptionEventEntity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionEventColumns+` FROM subscription_events WHERE payment_id = $1`, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "select subscription events")
	}
	defer rows.Close()

	var events []*SubscriptionEventEntity
	for rows.Next() {
		var e SubscriptionEventEntity
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PaymentID, &e.Payload, &e.CreatedAt, &e.ScheduledAt,
			&e.PublishedAt, &e.PublishAttempts, &e.Error); err != nil {
			return nil, errors.Wrap(err, "scan subscription event")
		}
		events = append(events, &e)
	}
	return events, errors.Wrap(rows.Err(), "iterate subscription events")
}
