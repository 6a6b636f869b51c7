package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const maxErrorMessageLength = 500

type WebhookEventRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepository(pool *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{pool: pool}
}

// Record stores a new event in processing state keyed by its hash and
// claimed at ReceivedAt. When the hash is already known nothing but the
// duplicate counter changes; inserted is false and status reports the stored
// event's state.
func (r *WebhookEventRepository) Record(ctx context.Context, entity *WebhookEventEntity) (inserted bool, status WebhookStatus, err error) {
	query := `INSERT INTO webhook_events (event_hash, event_type, payment_id, raw_payload, status, received_at, last_seen_at, claimed_at)
	          VALUES ($1, $2, $3, $4, 'processing', $5, $5, $5)
	          ON CONFLICT (event_hash) DO UPDATE
	              SET duplicate_count = webhook_events.duplicate_count + 1,
	                  last_seen_at    = EXCLUDED.last_seen_at
	          RETURNING (xmax = 0), status`
	err = r.pool.QueryRow(ctx, query, entity.EventHash, entity.EventType, entity.PaymentID, entity.RawPayload,
		entity.ReceivedAt).Scan(&inserted, &status)
	if err != nil {
		return false, "", errors.Wrap(err, "insert webhook event")
	}
	return inserted, status, nil
}

// Reclaim moves an event back to processing, claimed at now. A failed event
// is always taken over; one still processing only when its claim is older
// than staleBefore, which covers a delivery that died before recording its
// result. Only one of several concurrent callers gets true.
func (r *WebhookEventRepository) Reclaim(ctx context.Context, eventHash string, now, staleBefore time.Time) (bool, error) {
	query := `UPDATE webhook_events
	          SET status = 'processing', error_message = NULL, processed_at = NULL, claimed_at = $2
	          WHERE event_hash = $1
	            AND (status = 'failed' OR (status = 'processing' AND claimed_at < $3))`
	tag, err := r.pool.Exec(ctx, query, eventHash, now, staleBefore)
	if err != nil {
		return false, errors.Wrap(err, "reclaim webhook event")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, eventHash string, at time.Time) error {
	query := `UPDATE webhook_events SET status = 'processed', processed_at = $2, error_message = NULL
	          WHERE event_hash = $1 AND status = 'processing'`
	_, err := r.pool.Exec(ctx, query, eventHash, at)
	return errors.Wrap(err, "mark webhook event processed")
}

func (r *WebhookEventRepository) MarkFailed(ctx context.Context, eventHash, message string, at time.Time) error {
	query := `UPDATE webhook_events SET status = 'failed', processed_at = $2, error_message = $3
	          WHERE event_hash = $1 AND status = 'processing'`
	_, err := r.pool.Exec(ctx, query, eventHash, at, truncate(message, maxErrorMessageLength))
	return errors.Wrap(err, "mark webhook event failed")
}

func (r *WebhookEventRepository) GetByHash(ctx context.Context, eventHash string) (*WebhookEventEntity, error) {
	query := `SELECT event_hash, event_type, payment_id, raw_payload, status, error_message, duplicate_count,
	          received_at, last_seen_at, claimed_at, processed_at
	          FROM webhook_events WHERE event_hash = $1`
	var e WebhookEventEntity
	err := r.pool.QueryRow(ctx, query, eventHash).Scan(&e.EventHash, &e.EventType, &e.PaymentID, &e.RawPayload,
		&e.Status, &e.ErrorMessage, &e.DuplicateCount, &e.ReceivedAt, &e.LastSeenAt, &e.ClaimedAt, &e.ProcessedAt)
	if err != nil {
		return nil, notFoundOr(err, "select webhook event")
	}
	return &e, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
