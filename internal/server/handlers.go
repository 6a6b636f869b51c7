package server

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"pix-billing/internal/apperr"
	"pix-billing/internal/charge"
	"pix-billing/internal/webhook"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type createRequest struct {
	TenantID string `json:"tenant_id" validate:"required,max=64"`
	PlanID   int64  `json:"plan_id" validate:"required,gt=0"`
	TaxID    string `json:"tax_id" validate:"required,max=32"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Name     string `json:"name" validate:"omitempty,max=120"`
}

type createResponse struct {
	PaymentID   string `json:"payment_id"`
	QRCode      string `json:"qrcode"`
	CopiaCola   string `json:"copia_cola"`
	Expiracao   string `json:"expiracao"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	DueDate     string `json:"due_date"`
	PaymentLink string `json:"payment_link,omitempty"`
}

type webhookResponse struct {
	Status    string `json:"status"`
	Event     string `json:"event,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

type statusResponse struct {
	PaymentID   string     `json:"payment_id"`
	TenantID    string     `json:"tenant_id"`
	PlanID      int64      `json:"plan_id"`
	Status      string     `json:"status"`
	Amount      string     `json:"amount"`
	PaymentLink string     `json:"payment_link,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

type verifyResponse struct {
	PaymentID      string `json:"payment_id"`
	Status         string `json:"status"`
	Activated      bool   `json:"activated"`
	Outcome        string `json:"outcome"`
	ProviderStatus string `json:"provider_status,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "request body must be a JSON object", err)
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Email = strings.TrimSpace(req.Email)

	if err := s.validate.Struct(req); err != nil {
		return validationError(err)
	}

	created, err := s.deps.Charges.Create(c.UserContext(), charge.Request{
		TenantID: req.TenantID,
		PlanID:   req.PlanID,
		PayerID:  callerFrom(c).ID,
		TaxID:    req.TaxID,
		Email:    req.Email,
		Name:     req.Name,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(createResponse{
		PaymentID:   created.PaymentID,
		QRCode:      "data:image/png;base64," + created.QRImage,
		CopiaCola:   created.QRPayload,
		Expiracao:   created.ExpiresAt,
		Status:      "pending",
		Amount:      created.Amount.StringFixed(2),
		DueDate:     created.DueDate,
		PaymentLink: created.PaymentLink,
	})
}

func (s *Server) handleWebhook(c *fiber.Ctx) error {
	// fiber reuses the request buffer after the handler returns
	raw := append([]byte(nil), c.Body()...)

	result, err := s.deps.Webhooks.Ingest(c.UserContext(), raw, c.Get(s.cfg.Webhook.TokenHeader))
	if err != nil {
		return err
	}

	status := "success"
	if result.Outcome == webhook.Duplicate {
		status = "duplicate"
	}
	return c.JSON(webhookResponse{Status: status, Event: result.Event, PaymentID: result.PaymentID})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	payment, err := s.deps.Payments.Status(c.UserContext(), callerFrom(c), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(statusResponse{
		PaymentID:   payment.PaymentID,
		TenantID:    payment.TenantID,
		PlanID:      payment.PlanID,
		Status:      string(payment.Status),
		Amount:      payment.Amount.StringFixed(2),
		PaymentLink: payment.PaymentLink,
		CreatedAt:   payment.CreatedAt,
		UpdatedAt:   payment.UpdatedAt,
		PaidAt:      payment.PaidAt,
	})
}

func (s *Server) handleVerify(c *fiber.Ctx) error {
	result, err := s.deps.Payments.Verify(c.UserContext(), callerFrom(c), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(verifyResponse{
		PaymentID:      result.PaymentID,
		Status:         string(result.Status),
		Activated:      result.Activated,
		Outcome:        result.Outcome,
		ProviderStatus: result.ProviderStatus,
	})
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Wrap(apperr.Validation, "invalid request", err)
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validationf(fe.Field() + " is required")
	case "email":
		return apperr.Validationf(fe.Field() + " must be a valid e-mail address")
	default:
		return apperr.Validationf(fe.Field() + " is invalid")
	}
}
