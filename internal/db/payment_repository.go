package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const paymentColumns = `payment_id, tenant_id, plan_id, payer_id, status, amount::text, qr_image, qr_payload,
	payment_link, external_reference, created_at, updated_at, paid_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return BeginTx(ctx, r.pool)
}

// Create inserts a pending payment. A second insert for the same payment id
// fails.
func (r *PaymentRepository) Create(ctx context.Context, entity *PaymentEntity) error {
	query := `INSERT INTO payments (payment_id, tenant_id, plan_id, payer_id, status, amount, qr_image, qr_payload,
	          payment_link, external_reference, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, 'pending', $5::numeric, $6, $7, $8, $9, $10, $10)`
	_, err := r.pool.Exec(ctx, query, entity.PaymentID, entity.TenantID, entity.PlanID, entity.PayerID,
		entity.Amount.StringFixed(2), entity.QRImage, entity.QRPayload, entity.PaymentLink, entity.ExternalReference,
		entity.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert payment")
	}
	entity.Status = PaymentPending
	entity.UpdatedAt = entity.CreatedAt
	return nil
}

// CreateIfAbsent inserts a pending payment unless one with the same id
// exists, reporting whether a row was written.
func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, entity *PaymentEntity) (bool, error) {
	query := `INSERT INTO payments (payment_id, tenant_id, plan_id, payer_id, status, amount, qr_image, qr_payload,
	          payment_link, external_reference, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, 'pending', $5::numeric, $6, $7, $8, $9, $10, $10)
	          ON CONFLICT (payment_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, entity.PaymentID, entity.TenantID, entity.PlanID, entity.PayerID,
		entity.Amount.StringFixed(2), entity.QRImage, entity.QRPayload, entity.PaymentLink, entity.ExternalReference,
		entity.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert payment if absent")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, paymentID string) (*PaymentEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`
	entity, err := scanPayment(r.pool.QueryRow(ctx, query, paymentID))
	if err != nil {
		return nil, notFoundOr(err, "select payment")
	}
	return entity, nil
}

// MarkPaid is the only write to payments.status. It flips a pending payment
// to paid and returns it; flipped is false when the payment is missing or
// already paid, in which case nothing was written.
func (r *PaymentRepository) MarkPaid(ctx context.Context, tx pgx.Tx, paymentID string, paidAt time.Time) (entity *PaymentEntity, flipped bool, err error) {
	query := `UPDATE payments SET status = 'paid', paid_at = $2, updated_at = $2
	          WHERE payment_id = $1 AND status = 'pending'
	          RETURNING ` + paymentColumns
	entity, err = scanPayment(tx.QueryRow(ctx, query, paymentID, paidAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "mark payment paid")
	}
	return entity, true, nil
}

func (r *PaymentRepository) StatusByID(ctx context.Context, tx pgx.Tx, paymentID string) (PaymentStatus, error) {
	var status PaymentStatus
	err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE payment_id = $1`, paymentID).Scan(&status)
	if err != nil {
		return "", notFoundOr(err, "select payment status")
	}
	return status, nil
}

// ListStalePending returns the oldest pending payments created before
// createdBefore.
func (r *PaymentRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*PaymentEntity, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
	          WHERE status = 'pending' AND created_at < $1
	          ORDER BY created_at
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale pending payments")
	}
	defer rows.Close()

	var payments []*PaymentEntity
	for rows.Next() {
		entity, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payment")
		}
		payments = append(payments, entity)
	}
	return payments, errors.Wrap(rows.Err(), "iterate payments")
}

func scanPayment(row pgx.Row) (*PaymentEntity, error) {
	var entity PaymentEntity
	var amount string
	err := row.Scan(&entity.PaymentID, &entity.TenantID, &entity.PlanID, &entity.PayerID, &entity.Status, &amount,
		&entity.QRImage, &entity.QRPayload, &entity.PaymentLink, &entity.ExternalReference, &entity.CreatedAt,
		&entity.UpdatedAt, &entity.PaidAt)
	if err != nil {
		return nil, err
	}
	entity.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrap(err, "parse payment amount")
	}
	return &entity, nil
}
