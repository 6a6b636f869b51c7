package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"pix-billing/internal/apperr"
	"pix-billing/internal/config"
	"pix-billing/internal/confirmation"
	"pix-billing/internal/db"
	"pix-billing/internal/logcontext"
	"pix-billing/internal/payload"

	"github.com/VictoriaMetrics/metrics"
)

type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	// Ignored events were recorded but need no confirmation: other event
	// types and bodies that could not be decoded.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

var ErrInvalidToken = apperr.New(apperr.Unauthorized, "invalid webhook token")

var (
	webhookUnauthorizedCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="unauthorized"}`)
	webhookDuplicateCounter    = metrics.GetOrCreateCounter(`webhook_events_total{result="duplicate"}`)
	webhookReclaimedCounter    = metrics.GetOrCreateCounter(`webhook_events_total{result="reclaimed"}`)
	webhookAcceptedCounter     = metrics.GetOrCreateCounter(`webhook_events_total{result="accepted"}`)
	webhookIgnoredCounter      = metrics.GetOrCreateCounter(`webhook_events_total{result="ignored"}`)
	webhookFailedCounter       = metrics.GetOrCreateCounter(`webhook_events_total{result="failed"}`)
)

type Result struct {
	Outcome      Outcome
	Event        string
	PaymentID    string
	EventHash    string
	Confirmation *confirmation.Result
}

type EventStore interface {
	Record(ctx context.Context, entity *db.WebhookEventEntity) (bool, db.WebhookStatus, error)
	Reclaim(ctx context.Context, eventHash string, now, staleBefore time.Time) (bool, error)
	MarkProcessed(ctx context.Context, eventHash string, at time.Time) error
	MarkFailed(ctx context.Context, eventHash, message string, at time.Time) error
}

type Confirmer interface {
	Confirm(ctx context.Context, paymentID string) (confirmation.Result, error)
}

type Ingestor struct {
	tokenDigest [sha256.Size]byte
	events      EventStore
	confirmer   Confirmer
	lease       time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewIngestor(cfg config.Webhook, events EventStore, confirmer Confirmer, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		tokenDigest: sha256.Sum256([]byte(cfg.Token)),
		events:      events,
		confirmer:   confirmer,
		lease:       time.Duration(cfg.ProcessingLeaseMs) * time.Millisecond,
		now:         time.Now,
		logger:      logger,
	}
}

// Authenticate compares digests so the comparison time does not depend on
// the provided token's length or content.
func (i *Ingestor) Authenticate(provided string) bool {
	digest := sha256.Sum256([]byte(provided))
	return subtle.ConstantTimeCompare(digest[:], i.tokenDigest[:]) == 1
}

func EventHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Ingest records the raw notification and, for the first delivery of a
// body, runs the confirmation. Redeliveries of an already recorded body are
// reported as Duplicate, except when the earlier delivery failed or has held
// the event in processing for longer than the lease: then one redelivery
// takes the event over and processes it again. An error is
// returned only when the body could not be recorded or the confirmation
// failed, so the provider delivers it again.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, providedToken string) (Result, error) {
	if !i.Authenticate(providedToken) {
		webhookUnauthorizedCounter.Inc()
		i.logger.WarnContext(ctx, "Rejected webhook with invalid token")
		return Result{}, ErrInvalidToken
	}

	hash := EventHash(raw)
	ctx = logcontext.AppendCtx(ctx, slog.String("event_hash", hash))

	notification, parseErr := payload.Parse(raw)
	result := Result{
		Event:     notification.Event,
		PaymentID: notification.Payment.ID,
		EventHash: hash,
	}

	inserted, status, err := i.events.Record(ctx, &db.WebhookEventEntity{
		EventHash:  hash,
		EventType:  notification.Event,
		PaymentID:  notification.Payment.ID,
		RawPayload: string(raw),
		ReceivedAt: i.now(),
	})
	if err != nil {
		i.logger.ErrorContext(ctx, "Error recording webhook event", "error", err)
		return Result{}, err
	}

	if !inserted {
		reclaimed := false
		if status != db.WebhookProcessed {
			now := i.now()
			reclaimed, err = i.events.Reclaim(ctx, hash, now, now.Add(-i.lease))
			if err != nil {
				i.logger.ErrorContext(ctx, "Error reclaiming webhook event", "error", err)
				return Result{}, err
			}
		}
		if !reclaimed {
			webhookDuplicateCounter.Inc()
			i.logger.InfoContext(ctx, "Duplicate webhook ignored", "status", status)
			result.Outcome = Duplicate
			return result, nil
		}
		webhookReclaimedCounter.Inc()
		i.logger.InfoContext(ctx, "Reprocessing webhook event", "previous_status", status)
	}

	if parseErr != nil {
		i.fail(ctx, hash, fmt.Sprintf("malformed payload: %v", parseErr))
		result.Outcome = Ignored
		return result, nil
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("payment_id", notification.Payment.ID))

	if !notification.ConfirmsPayment() {
		i.processed(ctx, hash)
		webhookIgnoredCounter.Inc()
		i.logger.InfoContext(ctx, "Webhook event type needs no confirmation", "event", notification.Event)
		result.Outcome = Ignored
		return result, nil
	}

	if notification.Payment.ID == "" {
		i.fail(ctx, hash, "payment id missing from notification")
		result.Outcome = Ignored
		return result, nil
	}

	confirmed, err := i.confirmer.Confirm(ctx, notification.Payment.ID)
	if err != nil {
		i.fail(ctx, hash, err.Error())
		return result, apperr.Wrap(apperr.Internal, "payment confirmation failed", err)
	}

	result.Outcome = Accepted
	result.Confirmation = &confirmed

	if confirmed.Outcome == confirmation.NotFound {
		// kept as failed so a later redelivery can retry once the payment exists
		i.fail(ctx, hash, "payment not found")
		return result, nil
	}

	i.processed(ctx, hash)
	webhookAcceptedCounter.Inc()
	return result, nil
}

func (i *Ingestor) processed(ctx context.Context, hash string) {
	if err := i.events.MarkProcessed(ctx, hash, i.now()); err != nil {
		i.logger.ErrorContext(ctx, "Error marking webhook event processed", "error", err)
	}
}

func (i *Ingestor) fail(ctx context.Context, hash, message string) {
	webhookFailedCounter.Inc()
	i.logger.WarnContext(ctx, "Webhook event failed", "reason", message)
	if err := i.events.MarkFailed(ctx, hash, message, i.now()); err != nil {
		i.logger.ErrorContext(ctx, "Error marking webhook event failed", "error", err)
	}
}
