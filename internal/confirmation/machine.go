// Package confirmation owns the only transition a payment can make, from
// pending to paid, and the subscription activation that follows it.
package confirmation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pix-billing/internal/config"
	"pix-billing/internal/db"
	"pix-billing/internal/logcontext"
	"pix-billing/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type Outcome int

const (
	// NotFound means no local payment has the id. It is not retried.
	NotFound Outcome = iota
	// Activated is the first confirmation; the subscription was activated or renewed.
	Activated
	// AlreadyPaid is a repeated confirmation and changed nothing.
	AlreadyPaid
	// PaidUnclaimed marks a payment for the placeholder tenant as paid
	// without activating anything.
	PaidUnclaimed
)

var outcomeNames = map[Outcome]string{
	NotFound:      "not_found",
	Activated:     "activated",
	AlreadyPaid:   "already_paid",
	PaidUnclaimed: "paid_unclaimed",
}

func (o Outcome) String() string {
	return outcomeNames[o]
}

var (
	confirmErrorCounter = metrics.GetOrCreateCounter(`payment_confirmations_total{outcome="error"}`)
	confirmCounters     = map[Outcome]*metrics.Counter{
		NotFound:      metrics.GetOrCreateCounter(`payment_confirmations_total{outcome="not_found"}`),
		Activated:     metrics.GetOrCreateCounter(`payment_confirmations_total{outcome="activated"}`),
		AlreadyPaid:   metrics.GetOrCreateCounter(`payment_confirmations_total{outcome="already_paid"}`),
		PaidUnclaimed: metrics.GetOrCreateCounter(`payment_confirmations_total{outcome="paid_unclaimed"}`),
	}
)

type Result struct {
	Outcome      Outcome
	Payment      *db.PaymentEntity
	Subscription *db.SubscriptionEntity
}

// Activated reports whether this call performed the activation.
func (r Result) Activated() bool {
	return r.Outcome == Activated
}

// Paid reports whether the payment is paid after the call.
func (r Result) Paid() bool {
	return r.Outcome != NotFound
}

type PaymentStore interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, paymentID string, paidAt time.Time) (*db.PaymentEntity, bool, error)
	StatusByID(ctx context.Context, tx pgx.Tx, paymentID string) (db.PaymentStatus, error)
}

type SubscriptionStore interface {
	Activate(ctx context.Context, tx pgx.Tx, a db.Activation) (*db.SubscriptionEntity, error)
}

type EventStore interface {
	Create(ctx context.Context, tx pgx.Tx, entity *db.SubscriptionEventEntity) error
}

type PlanFinder interface {
	GetByID(ctx context.Context, planID int64) (*db.PlanEntity, error)
}

type Machine struct {
	payments          PaymentStore
	subscriptions     SubscriptionStore
	events            EventStore
	plans             PlanFinder
	unclaimedTenantID string
	extend            bool
	now               func() time.Time
	logger            *slog.Logger
}

func NewMachine(payments PaymentStore, subscriptions SubscriptionStore, events EventStore, plans PlanFinder,
	cfg config.Subscription, logger *slog.Logger) *Machine {
	return &Machine{
		payments:          payments,
		subscriptions:     subscriptions,
		events:            events,
		plans:             plans,
		unclaimedTenantID: cfg.UnclaimedTenantID,
		extend:            cfg.RenewalPolicy == config.RenewalExtend,
		now:               time.Now,
		logger:            logger,
	}
}

// Confirm marks the payment paid and activates the tenant's subscription in
// one transaction. Concurrent calls for the same payment are serialized by
// the conditional update in MarkPaid: exactly one of them sees Activated
// (or PaidUnclaimed), the rest see AlreadyPaid. A returned error means
// nothing was written and the payment is still pending.
func (m *Machine) Confirm(ctx context.Context, paymentID string) (Result, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("payment_id", paymentID))

	result, err := m.confirm(ctx, paymentID)
	if err != nil {
		confirmErrorCounter.Inc()
		m.logger.ErrorContext(ctx, "Error confirming payment", "error", err)
		return Result{}, err
	}

	confirmCounters[result.Outcome].Inc()
	m.logger.InfoContext(ctx, "Payment confirmation finished", "outcome", result.Outcome.String())
	return result, nil
}

func (m *Machine) confirm(ctx context.Context, paymentID string) (Result, error) {
	tx, err := m.payments.BeginTx(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx)

	now := m.now()
	payment, flipped, err := m.payments.MarkPaid(ctx, tx, paymentID, now)
	if err != nil {
		return Result{}, err
	}

	if !flipped {
		_, err := m.payments.StatusByID(ctx, tx, paymentID)
		if errors.Is(err, db.ErrNotFound) {
			m.logger.WarnContext(ctx, "Confirmation for unknown payment")
			return Result{Outcome: NotFound}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: AlreadyPaid}, nil
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("tenant_id", payment.TenantID))

	if payment.TenantID == m.unclaimedTenantID {
		if err := tx.Commit(ctx); err != nil {
			return Result{}, errors.Wrap(err, "commit unclaimed payment")
		}
		m.logger.WarnContext(ctx, "Payment for unclaimed tenant marked paid without activation",
			"payer_id", payment.PayerID, "plan_id", payment.PlanID)
		return Result{Outcome: PaidUnclaimed, Payment: payment}, nil
	}

	plan, err := m.plans.GetByID(ctx, payment.PlanID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup plan %d for paid payment: %w", payment.PlanID, err)
	}

	subscription, err := m.subscriptions.Activate(ctx, tx, db.Activation{
		TenantID:     payment.TenantID,
		PlanID:       plan.PlanID,
		PayerID:      payment.PayerID,
		PaymentID:    payment.PaymentID,
		DurationDays: plan.DurationDays,
		At:           now,
		Extend:       m.extend,
	})
	if err != nil {
		return Result{}, err
	}

	if err := m.enqueueActivated(ctx, tx, payment, subscription, now); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, errors.Wrap(err, "commit confirmation")
	}

	return Result{Outcome: Activated, Payment: payment, Subscription: subscription}, nil
}

func (m *Machine) enqueueActivated(ctx context.Context, tx pgx.Tx, payment *db.PaymentEntity,
	subscription *db.SubscriptionEntity, now time.Time) error {
	event := message.SubscriptionActivated{
		ID:         uuid.New(),
		Type:       message.TypeSubscriptionActivated,
		TenantID:   subscription.TenantID,
		PlanID:     subscription.PlanID,
		PaymentID:  payment.PaymentID,
		PayerID:    payment.PayerID,
		StartedAt:  subscription.StartedAt,
		ExpiresAt:  subscription.ExpiresAt,
		OccurredAt: now,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return m.events.Create(ctx, tx, &db.SubscriptionEventEntity{
		ID:        event.ID,
		TenantID:  event.TenantID,
		PaymentID: event.PaymentID,
		Payload:   string(payload),
		CreatedAt: now,
	})
}
