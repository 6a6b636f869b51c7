package charge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pix-billing/internal/apperr"
	"pix-billing/internal/config"
	"pix-billing/internal/db"
	"pix-billing/internal/provider"

	"github.com/h2non/gock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "http://asaas.test"

// 2026-03-10 12:00 in São Paulo
var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type memoryPayments struct {
	mu      sync.Mutex
	created []*db.PaymentEntity
	err     error
}

func (m *memoryPayments) Create(_ context.Context, entity *db.PaymentEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	entity.Status = db.PaymentPending
	m.created = append(m.created, entity)
	return nil
}

type stubPlans map[int64]*db.PlanEntity

func (s stubPlans) GetByID(_ context.Context, planID int64) (*db.PlanEntity, error) {
	if plan, ok := s[planID]; ok {
		return plan, nil
	}
	return nil, db.ErrNotFound
}

var plans = stubPlans{
	1: {PlanID: 1, Name: "Mensal", Price: decimal.RequireFromString("20.00"), DurationDays: 30, Active: true},
	2: {PlanID: 2, Name: "Antigo", Price: decimal.RequireFromString("10.00"), DurationDays: 30, Active: false},
}

func newTestWorkflow(t *testing.T, payments *memoryPayments) (*Workflow, *[]time.Duration) {
	t.Helper()

	hc := &http.Client{}
	gock.InterceptClient(hc)
	t.Cleanup(func() { gock.RestoreClient(hc) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Provider{
		BaseURL:             testHost + "/v3",
		APIKey:              "test-key",
		MaxAttempts:         3,
		BackoffBaseMs:       1,
		QRAttempts:          3,
		QRIntervalMs:        1_000,
		FallbackEmailDomain: "users.noreply.local",
		DueDateLocation:     "America/Sao_Paulo",
	}

	w, err := NewWorkflow(provider.NewClient(cfg, logger, provider.WithHTTPClient(hc)), payments, plans, cfg, logger)
	require.NoError(t, err)

	var sleeps []time.Duration
	w.now = func() time.Time { return fixedNow }
	w.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return w, &sleeps
}

func validRequest() Request {
	return Request{TenantID: "tenant-1", PlanID: 1, PayerID: "user-1", TaxID: "123.456.789-09"}
}

func mockCustomerCreated() {
	gock.New(testHost).
		Post("/v3/customers").
		MatchType("json").
		JSON(map[string]string{"name": "Cliente user-1", "email": "payer-user-1@users.noreply.local", "cpfCnpj": "12345678909"}).
		Reply(200).
		JSON(map[string]string{"id": "cus_1"})
}

func mockPaymentCreated() {
	gock.New(testHost).
		Post("/v3/payments").
		MatchType("json").
		JSON(map[string]any{
			"customer":          "cus_1",
			"billingType":       "PIX",
			"value":             20.00,
			"dueDate":           "2026-03-11",
			"description":       "Assinatura Mensal",
			"externalReference": "tenant:tenant-1|plan:1|payer:user-1|ts:1773154800",
		}).
		Reply(200).
		JSON(map[string]any{"id": "pay_1", "status": "PENDING", "value": 20.0, "invoiceUrl": "https://sandbox/i/pay_1"})
}

func mockQRCode(statuses ...int) {
	for _, status := range statuses {
		reply := gock.New(testHost).Get("/v3/payments/pay_1/pixQrCode").Reply(status)
		if status == 200 {
			reply.JSON(map[string]string{
				"encodedImage":   "iVBORw0KGgo=",
				"payload":        "00020101021226820014br.gov.bcb.pix",
				"expirationDate": "2026-03-11 23:59:59",
			})
		}
	}
}

func TestWorkflow_CreateSuccessAfterQRNotReady(t *testing.T) {
	defer gock.Off()
	mockCustomerCreated()
	mockPaymentCreated()
	mockQRCode(404, 404, 200)

	payments := &memoryPayments{}
	w, sleeps := newTestWorkflow(t, payments)

	charge, err := w.Create(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, "pay_1", charge.PaymentID)
	assert.Equal(t, "2026-03-11", charge.DueDate)
	assert.Equal(t, "2026-03-11 23:59:59", charge.ExpiresAt)
	assert.Equal(t, "00020101021226820014br.gov.bcb.pix", charge.QRPayload)
	assert.True(t, decimal.RequireFromString("20.00").Equal(charge.Amount))
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *sleeps)

	require.Len(t, payments.created, 1)
	stored := payments.created[0]
	assert.Equal(t, db.PaymentPending, stored.Status)
	assert.Equal(t, "tenant-1", stored.TenantID)
	assert.Equal(t, "user-1", stored.PayerID)
	assert.True(t, decimal.RequireFromString("20.00").Equal(stored.Amount))
	assert.Equal(t, "iVBORw0KGgo=", stored.QRImage)
	assert.Equal(t, "https://sandbox/i/pay_1", stored.PaymentLink)
	assert.True(t, gock.IsDone())
}

func TestWorkflow_QRNeverReadyTimesOut(t *testing.T) {
	defer gock.Off()
	mockCustomerCreated()
	mockPaymentCreated()
	mockQRCode(404, 404, 404)

	payments := &memoryPayments{}
	w, _ := newTestWorkflow(t, payments)

	_, err := w.Create(context.Background(), validRequest())
	assert.True(t, apperr.Is(err, apperr.Timeout))
	assert.Empty(t, payments.created)
	assert.True(t, gock.IsDone())
}

func TestWorkflow_QRUpstreamErrorAborts(t *testing.T) {
	defer gock.Off()
	mockCustomerCreated()
	mockPaymentCreated()
	mockQRCode(403)

	payments := &memoryPayments{}
	w, sleeps := newTestWorkflow(t, payments)

	_, err := w.Create(context.Background(), validRequest())
	assert.True(t, apperr.Is(err, apperr.UpstreamRejected))
	assert.Empty(t, *sleeps)
	assert.Empty(t, payments.created)
}

func TestWorkflow_ChargeUnavailable(t *testing.T) {
	defer gock.Off()
	mockCustomerCreated()
	for i := 0; i < 3; i++ {
		gock.New(testHost).Post("/v3/payments").Reply(503)
	}

	payments := &memoryPayments{}
	w, _ := newTestWorkflow(t, payments)

	_, err := w.Create(context.Background(), validRequest())
	assert.True(t, apperr.Is(err, apperr.UpstreamTransient))
	assert.Equal(t, "payment provider unavailable, try again", apperr.PublicMessage(err))
	assert.Empty(t, payments.created)
	assert.True(t, gock.IsDone())
}

func TestWorkflow_ExistingEmailReusesCustomer(t *testing.T) {
	defer gock.Off()
	gock.New(testHost).
		Post("/v3/customers").
		Reply(400).
		JSON(map[string]any{"errors": []map[string]string{
			{"code": "invalid_email", "description": "O email informado já está em uso."},
		}})
	gock.New(testHost).
		Get("/v3/customers").
		MatchParam("email", "buyer@example.com").
		Reply(200).
		JSON(map[string]any{"data": []map[string]string{{"id": "cus_1"}}})
	gock.New(testHost).
		Post("/v3/customers/cus_1").
		Reply(400).
		JSON(map[string]any{"errors": []map[string]string{{"code": "invalid_cpfCnpj"}}})
	mockPaymentCreated()
	mockQRCode(200)

	payments := &memoryPayments{}
	w, _ := newTestWorkflow(t, payments)

	req := validRequest()
	req.Email = "buyer@example.com"
	charge, err := w.Create(context.Background(), req)
	require.NoError(t, err, "tax id update failure is best effort")
	assert.Equal(t, "pay_1", charge.PaymentID)
	assert.Len(t, payments.created, 1)
	assert.True(t, gock.IsDone())
}

func TestWorkflow_CustomerRejected(t *testing.T) {
	defer gock.Off()
	gock.New(testHost).
		Post("/v3/customers").
		Reply(400).
		JSON(map[string]any{"errors": []map[string]string{{"code": "invalid_cpfCnpj", "description": "CPF inválido"}}})

	payments := &memoryPayments{}
	w, _ := newTestWorkflow(t, payments)

	_, err := w.Create(context.Background(), validRequest())
	assert.True(t, apperr.Is(err, apperr.UpstreamRejected))
	assert.Empty(t, payments.created)
	assert.True(t, gock.IsDone(), "no charge is attempted")
}

func TestWorkflow_ValidationAndPlanErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		kind   apperr.Kind
	}{
		{name: "ten digit tax id", mutate: func(r *Request) { r.TaxID = "1234567890" }, kind: apperr.Validation},
		{name: "missing tenant", mutate: func(r *Request) { r.TenantID = "" }, kind: apperr.Validation},
		{name: "unknown plan", mutate: func(r *Request) { r.PlanID = 42 }, kind: apperr.NotFound},
		{name: "inactive plan", mutate: func(r *Request) { r.PlanID = 2 }, kind: apperr.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()

			payments := &memoryPayments{}
			w, _ := newTestWorkflow(t, payments)

			req := validRequest()
			tt.mutate(&req)

			_, err := w.Create(context.Background(), req)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Empty(t, payments.created)
			assert.False(t, gock.HasUnmatchedRequest(), "no provider call is made")
		})
	}
}

func TestWorkflow_StoreFailureAfterQR(t *testing.T) {
	defer gock.Off()
	mockCustomerCreated()
	mockPaymentCreated()
	mockQRCode(200)

	payments := &memoryPayments{err: errors.New("connection lost")}
	w, _ := newTestWorkflow(t, payments)

	_, err := w.Create(context.Background(), validRequest())
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
	assert.True(t, gock.IsDone())
}

func TestExternalReference_RoundTrip(t *testing.T) {
	raw := ExternalReference(Reference{TenantID: "tenant-9", PlanID: 3, PayerID: "user-4"}, fixedNow)
	assert.Equal(t, "tenant:tenant-9|plan:3|payer:user-4|ts:1773154800", raw)

	ref, err := ParseExternalReference(raw)
	require.NoError(t, err)
	assert.Equal(t, Reference{TenantID: "tenant-9", PlanID: 3, PayerID: "user-4"}, ref)

	_, err = ParseExternalReference("garbage")
	assert.Error(t, err)
	_, err = ParseExternalReference("tenant:x|plan:abc")
	assert.Error(t, err)
	_, err = ParseExternalReference("tenant:%zz|plan:1")
	assert.Error(t, err)
}

func TestExternalReference_EscapesSeparators(t *testing.T) {
	want := Reference{TenantID: "acme|plan:9", PlanID: 2, PayerID: "user:1|ts:0"}
	raw := ExternalReference(want, fixedNow)
	assert.Equal(t, 3, strings.Count(raw, "|"))

	got, err := ParseExternalReference(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseExternalReference_WithoutPayer(t *testing.T) {
	ref, err := ParseExternalReference("tenant:tenant-7|plan:1|ts:1773154800")
	require.NoError(t, err)
	assert.Equal(t, Reference{TenantID: "tenant-7", PlanID: 1}, ref)
}
