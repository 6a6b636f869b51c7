// Package charge creates PIX charges for subscription purchases.
package charge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"
	_ "time/tzdata"

	"pix-billing/internal/apperr"
	"pix-billing/internal/config"
	"pix-billing/internal/db"
	"pix-billing/internal/logcontext"
	"pix-billing/internal/provider"
	"pix-billing/internal/taxid"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"
)

const (
	defaultQRAttempts   = 3
	defaultQRIntervalMs = 1_000
	defaultEmailDomain  = "users.noreply.local"
	dueDateLayout       = "2006-01-02"
)

var (
	chargeSuccessCounter   = metrics.GetOrCreateCounter(`charges_total{result="success"}`)
	chargeRejectedCounter  = metrics.GetOrCreateCounter(`charges_total{result="rejected"}`)
	chargeUpstreamCounter  = metrics.GetOrCreateCounter(`charges_total{result="upstream_error"}`)
	chargeQRTimeoutCounter = metrics.GetOrCreateCounter(`charges_total{result="qr_timeout"}`)
	chargeOrphanCounter    = metrics.GetOrCreateCounter(`charges_total{result="orphaned"}`)

	emailUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

type Provider interface {
	CreateCustomer(ctx context.Context, req provider.CustomerRequest) (*provider.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*provider.Customer, error)
	UpdateCustomerTaxID(ctx context.Context, customerID, taxID string) error
	CreatePayment(ctx context.Context, req provider.PaymentRequest) (*provider.Payment, error)
	GetPixQRCode(ctx context.Context, paymentID string) (*provider.PixQRCode, error)
}

type PaymentStore interface {
	Create(ctx context.Context, entity *db.PaymentEntity) error
}

type PlanFinder interface {
	GetByID(ctx context.Context, planID int64) (*db.PlanEntity, error)
}

type Request struct {
	TenantID string
	PlanID   int64
	PayerID  string
	TaxID    string
	Email    string
	Name     string
}

type Charge struct {
	PaymentID   string
	QRImage     string
	QRPayload   string
	ExpiresAt   string
	DueDate     string
	Amount      decimal.Decimal
	PaymentLink string
}

type Workflow struct {
	provider       Provider
	payments       PaymentStore
	plans          PlanFinder
	qrAttempts     int
	qrInterval     time.Duration
	fallbackDomain string
	location       *time.Location
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

func NewWorkflow(p Provider, payments PaymentStore, plans PlanFinder, cfg config.Provider, logger *slog.Logger) (*Workflow, error) {
	location := time.UTC
	if cfg.DueDateLocation != "" {
		var err error
		location, err = time.LoadLocation(cfg.DueDateLocation)
		if err != nil {
			return nil, fmt.Errorf("load due date location: %w", err)
		}
	}

	attempts := cfg.QRAttempts
	if attempts <= 0 {
		attempts = defaultQRAttempts
	}
	intervalMs := cfg.QRIntervalMs
	if intervalMs <= 0 {
		intervalMs = defaultQRIntervalMs
	}

	domain := cfg.FallbackEmailDomain
	if domain == "" {
		domain = defaultEmailDomain
	}

	return &Workflow{
		provider:       p,
		payments:       payments,
		plans:          plans,
		qrAttempts:     attempts,
		qrInterval:     time.Duration(intervalMs) * time.Millisecond,
		fallbackDomain: domain,
		location:       location,
		now:            time.Now,
		sleep:          sleepCtx,
		logger:         logger,
	}, nil
}

// Create registers the payer with the provider, opens a PIX charge for the
// plan price due tomorrow and waits for its QR code. The local pending
// payment is written only once the QR code exists; a failure after the
// provider accepted the charge leaves an orphaned provider charge, which is
// logged and otherwise tolerated.
func (w *Workflow) Create(ctx context.Context, req Request) (*Charge, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("tenant_id", req.TenantID))

	normalized, err := taxid.Normalize(req.TaxID)
	if err != nil {
		chargeRejectedCounter.Inc()
		return nil, err
	}
	if req.TenantID == "" || req.PayerID == "" || req.PlanID <= 0 {
		chargeRejectedCounter.Inc()
		return nil, apperr.Validationf("tenant, payer and plan are required")
	}

	plan, err := w.plans.GetByID(ctx, req.PlanID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !plan.Active) {
		chargeRejectedCounter.Inc()
		return nil, apperr.NotFoundf("plan not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "plan lookup failed", err)
	}

	customerID, err := w.ensureCustomer(ctx, req, normalized)
	if err != nil {
		return nil, err
	}

	now := w.now().In(w.location)
	dueDate := now.AddDate(0, 0, 1).Format(dueDateLayout)
	reference := ExternalReference(Reference{TenantID: req.TenantID, PlanID: plan.PlanID, PayerID: req.PayerID}, now)
	correlation := []any{
		"plan_id", plan.PlanID, "payer_id", req.PayerID, "customer_id", customerID, "external_reference", reference,
	}

	payment, err := w.provider.CreatePayment(ctx, provider.PaymentRequest{
		Customer:          customerID,
		Value:             provider.NewAmount(plan.Price),
		DueDate:           dueDate,
		Description:       "Assinatura " + plan.Name,
		ExternalReference: reference,
	})
	if err != nil {
		chargeUpstreamCounter.Inc()
		w.logger.ErrorContext(ctx, "Provider customer exists but charge creation failed",
			append(correlation, "error", err)...)
		return nil, provider.Classify(err)
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("payment_id", payment.ID))

	qr, err := w.waitForQRCode(ctx, payment.ID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Provider charge created but QR code unavailable, charge orphaned",
			append(correlation, "provider_payment_id", payment.ID, "error", err)...)
		return nil, err
	}

	entity := &db.PaymentEntity{
		PaymentID:         payment.ID,
		TenantID:          req.TenantID,
		PlanID:            plan.PlanID,
		PayerID:           req.PayerID,
		Amount:            plan.Price,
		QRImage:           qr.EncodedImage,
		QRPayload:         qr.Payload,
		PaymentLink:       payment.InvoiceURL,
		ExternalReference: reference,
		CreatedAt:         w.now(),
	}
	if err := w.payments.Create(ctx, entity); err != nil {
		chargeOrphanCounter.Inc()
		w.logger.ErrorContext(ctx, "Provider charge created but local payment not stored",
			append(correlation, "provider_payment_id", payment.ID, "error", err)...)
		return nil, apperr.Wrap(apperr.Internal, "payment could not be stored", err)
	}

	chargeSuccessCounter.Inc()
	w.logger.InfoContext(ctx, "Charge created", correlation...)

	expiresAt := qr.ExpirationDate
	if expiresAt == "" {
		expiresAt = dueDate
	}

	return &Charge{
		PaymentID:   payment.ID,
		QRImage:     qr.EncodedImage,
		QRPayload:   qr.Payload,
		ExpiresAt:   expiresAt,
		DueDate:     dueDate,
		Amount:      plan.Price,
		PaymentLink: payment.InvoiceURL,
	}, nil
}

// ensureCustomer creates the provider customer, or reuses the one already
// registered under the same e-mail.
func (w *Workflow) ensureCustomer(ctx context.Context, req Request, normalizedTaxID string) (string, error) {
	email := req.Email
	if email == "" {
		email = w.fallbackEmail(req.PayerID)
	}
	name := req.Name
	if name == "" {
		name = "Cliente " + req.PayerID
	}

	customer, err := w.provider.CreateCustomer(ctx, provider.CustomerRequest{
		Name:    name,
		Email:   email,
		CpfCnpj: normalizedTaxID,
	})
	if err == nil {
		return customer.ID, nil
	}
	if !provider.IsEmailInUse(err) {
		chargeUpstreamCounter.Inc()
		w.logger.ErrorContext(ctx, "Error creating provider customer", "payer_id", req.PayerID, "error", err)
		return "", provider.Classify(err)
	}

	existing, err := w.provider.FindCustomerByEmail(ctx, email)
	if err != nil {
		chargeUpstreamCounter.Inc()
		w.logger.ErrorContext(ctx, "E-mail in use but customer lookup failed", "payer_id", req.PayerID, "error", err)
		return "", provider.Classify(err)
	}

	if err := w.provider.UpdateCustomerTaxID(ctx, existing.ID, normalizedTaxID); err != nil {
		w.logger.WarnContext(ctx, "Could not update tax id of existing customer",
			"customer_id", existing.ID, "error", err)
	}
	return existing.ID, nil
}

// waitForQRCode polls until the provider has generated the QR code. 404
// means not generated yet; any other failure ends the wait.
func (w *Workflow) waitForQRCode(ctx context.Context, paymentID string) (*provider.PixQRCode, error) {
	var lastErr error
	for attempt := 1; attempt <= w.qrAttempts; attempt++ {
		qr, err := w.provider.GetPixQRCode(ctx, paymentID)
		if err == nil {
			return qr, nil
		}
		if provider.StatusCode(err) != http.StatusNotFound {
			chargeUpstreamCounter.Inc()
			return nil, provider.Classify(err)
		}

		lastErr = err
		w.logger.InfoContext(ctx, "QR code not ready yet", "attempt", attempt)
		if attempt < w.qrAttempts {
			if err := w.sleep(ctx, w.qrInterval); err != nil {
				return nil, err
			}
		}
	}

	chargeQRTimeoutCounter.Inc()
	return nil, apperr.Wrap(apperr.Timeout, "QR code not ready, try again", lastErr)
}

func (w *Workflow) fallbackEmail(payerID string) string {
	return "payer-" + emailUnsafe.ReplaceAllString(payerID, "") + "@" + w.fallbackDomain
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
