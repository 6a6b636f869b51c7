// Package verify lets users check a payment on demand instead of waiting for
// the provider's webhook.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"pix-billing/internal/access"
	"pix-billing/internal/apperr"
	"pix-billing/internal/charge"
	"pix-billing/internal/confirmation"
	"pix-billing/internal/db"
	"pix-billing/internal/logcontext"
	"pix-billing/internal/provider"
)

type PaymentStore interface {
	GetByID(ctx context.Context, paymentID string) (*db.PaymentEntity, error)
	CreateIfAbsent(ctx context.Context, entity *db.PaymentEntity) (bool, error)
}

type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*provider.Payment, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, caller access.Caller, payment *db.PaymentEntity) (access.Role, error)
	IsSuperadmin(caller access.Caller) bool
}

type Confirmer interface {
	Confirm(ctx context.Context, paymentID string) (confirmation.Result, error)
}

type Result struct {
	PaymentID      string
	Status         db.PaymentStatus
	Outcome        string
	Activated      bool
	ProviderStatus string
}

type Verifier struct {
	payments  PaymentStore
	provider  PaymentFetcher
	guard     Authorizer
	confirmer Confirmer
	now       func() time.Time
	logger    *slog.Logger
}

func NewVerifier(payments PaymentStore, fetcher PaymentFetcher, guard Authorizer, confirmer Confirmer, logger *slog.Logger) *Verifier {
	return &Verifier{
		payments:  payments,
		provider:  fetcher,
		guard:     guard,
		confirmer: confirmer,
		now:       time.Now,
		logger:    logger,
	}
}

var errPaymentNotFound = apperr.NotFoundf("payment not found")

// Status returns the stored payment if caller may see it.
func (v *Verifier) Status(ctx context.Context, caller access.Caller, paymentID string) (*db.PaymentEntity, error) {
	payment, err := v.payments.GetByID(ctx, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errPaymentNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "payment lookup failed", err)
	}
	if _, err := v.guard.Authorize(ctx, caller, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// Verify asks the provider whether the payment settled and, if so, runs the
// confirmation. Calling it repeatedly is safe. Superadmins may verify a
// payment that has no local row; it is rebuilt from the provider's external
// reference first.
func (v *Verifier) Verify(ctx context.Context, caller access.Caller, paymentID string) (*Result, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("payment_id", paymentID))

	var remote *provider.Payment
	payment, err := v.payments.GetByID(ctx, paymentID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if !v.guard.IsSuperadmin(caller) {
			return nil, errPaymentNotFound
		}
		payment, remote, err = v.recoverPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, apperr.Wrap(apperr.Internal, "payment lookup failed", err)
	default:
		if _, err := v.guard.Authorize(ctx, caller, payment); err != nil {
			return nil, err
		}
	}

	if payment.Status == db.PaymentPaid {
		return &Result{PaymentID: paymentID, Status: db.PaymentPaid, Outcome: confirmation.AlreadyPaid.String()}, nil
	}

	if remote == nil {
		remote, err = v.provider.GetPayment(ctx, paymentID)
		if err != nil {
			v.logger.ErrorContext(ctx, "Error fetching payment status from provider", "error", err)
			return nil, provider.Classify(err)
		}
	}

	if !provider.IsPaidStatus(remote.Status) {
		return &Result{
			PaymentID:      paymentID,
			Status:         db.PaymentPending,
			Outcome:        "pending",
			ProviderStatus: remote.Status,
		}, nil
	}

	confirmed, err := v.confirmer.Confirm(ctx, paymentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "payment confirmation failed", err)
	}
	if !confirmed.Paid() {
		return nil, errPaymentNotFound
	}

	return &Result{
		PaymentID:      paymentID,
		Status:         db.PaymentPaid,
		Outcome:        confirmed.Outcome.String(),
		Activated:      confirmed.Activated(),
		ProviderStatus: remote.Status,
	}, nil
}

// recoverPayment stores a pending row for a provider charge whose local
// insert was lost.
func (v *Verifier) recoverPayment(ctx context.Context, paymentID string) (*db.PaymentEntity, *provider.Payment, error) {
	remote, err := v.provider.GetPayment(ctx, paymentID)
	if provider.StatusCode(err) == http.StatusNotFound {
		return nil, nil, errPaymentNotFound
	}
	if err != nil {
		return nil, nil, provider.Classify(err)
	}

	ref, err := charge.ParseExternalReference(remote.ExternalReference)
	if err != nil {
		v.logger.WarnContext(ctx, "Provider payment cannot be recovered", "error", err)
		return nil, nil, errPaymentNotFound
	}

	entity := &db.PaymentEntity{
		PaymentID:         remote.ID,
		TenantID:          ref.TenantID,
		PlanID:            ref.PlanID,
		PayerID:           ref.PayerID,
		Amount:            remote.Value.Decimal,
		PaymentLink:       remote.InvoiceURL,
		ExternalReference: remote.ExternalReference,
		CreatedAt:         v.now(),
		Status:            db.PaymentPending,
	}
	inserted, err := v.payments.CreateIfAbsent(ctx, entity)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "payment could not be stored", err)
	}
	if !inserted {
		// raced with the original insert; use the stored row
		stored, err := v.payments.GetByID(ctx, paymentID)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.Internal, "payment lookup failed", err)
		}
		return stored, remote, nil
	}

	v.logger.WarnContext(ctx, "Recovered payment missing from local store",
		"tenant_id", ref.TenantID, "plan_id", ref.PlanID, "payer_id", ref.PayerID)
	return entity, remote, nil
}
