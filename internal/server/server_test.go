package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pix-billing/internal/access"
	"pix-billing/internal/apperr"
	"pix-billing/internal/charge"
	"pix-billing/internal/config"
	"pix-billing/internal/db"
	"pix-billing/internal/verify"
	"pix-billing/internal/webhook"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "bot-key"

type fakeCharges struct {
	got charge.Request
	err error
}

func (f *fakeCharges) Create(_ context.Context, req charge.Request) (*charge.Charge, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &charge.Charge{
		PaymentID: "pay_123",
		QRImage:   "iVBORw0KGgo=",
		QRPayload: "00020126580014br.gov.bcb.pix",
		ExpiresAt: "2026-03-11 23:59:59",
		DueDate:   "2026-03-11",
		Amount:    decimal.RequireFromString("20"),
	}, nil
}

type fakeWebhooks struct {
	result webhook.Result
	err    error
	token  string
	raw    string
}

func (f *fakeWebhooks) Ingest(_ context.Context, raw []byte, token string) (webhook.Result, error) {
	f.raw, f.token = string(raw), token
	return f.result, f.err
}

type fakePayments struct {
	payment *db.PaymentEntity
	result  *verify.Result
	err     error
	caller  access.Caller
}

func (f *fakePayments) Status(_ context.Context, caller access.Caller, _ string) (*db.PaymentEntity, error) {
	f.caller = caller
	return f.payment, f.err
}

func (f *fakePayments) Verify(_ context.Context, caller access.Caller, _ string) (*verify.Result, error) {
	f.caller = caller
	return f.result, f.err
}

func newTestServer(deps Deps, limits config.RateLimit) *Server {
	cfg := &config.Config{
		Auth:      config.Auth{APIKeys: []string{"other-key", apiKey}},
		Webhook:   config.Webhook{TokenHeader: "asaas-access-token"},
		RateLimit: limits,
	}
	return New(cfg, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func authHeaders(caller string) map[string]string {
	return map[string]string{"X-API-Key": apiKey, "X-Caller-ID": caller}
}

func TestLiveness(t *testing.T) {
	s := newTestServer(Deps{}, config.RateLimit{})

	status, _ := do(t, s, http.MethodGet, "/liveness", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		headers        map[string]string
		chargeErr      error
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "created",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"123.456.789-09","email":"ana@example.com"}`,
			headers:        authHeaders("user-1"),
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing api key",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`,
			headers:        map[string]string{"X-Caller-ID": "user-1"},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "unauthorized",
		},
		{
			name:           "missing caller",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`,
			headers:        map[string]string{"X-API-Key": apiKey},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "unauthorized",
		},
		{
			name:           "bearer token",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`,
			headers:        map[string]string{"Authorization": "Bearer " + apiKey, "X-Caller-ID": "user-1"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing plan",
			body:           `{"tenant_id":"t1","tax_id":"12345678909"}`,
			headers:        authHeaders("user-1"),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "validation",
		},
		{
			name:           "bad email",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909","email":"nope"}`,
			headers:        authHeaders("user-1"),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "validation",
		},
		{
			name:           "malformed body",
			body:           `{"tenant_id":`,
			headers:        authHeaders("user-1"),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "validation",
		},
		{
			name:           "provider unavailable",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`,
			headers:        authHeaders("user-1"),
			chargeErr:      apperr.Upstream(true, errors.New("503 from provider")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "upstream_unavailable",
		},
		{
			name:           "qr timeout",
			body:           `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`,
			headers:        authHeaders("user-1"),
			chargeErr:      apperr.New(apperr.Timeout, "QR code not ready"),
			expectedStatus: http.StatusGatewayTimeout,
			expectedError:  "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			charges := &fakeCharges{err: tt.chargeErr}
			s := newTestServer(Deps{Charges: charges}, config.RateLimit{})

			status, body := do(t, s, http.MethodPost, "/pix/create", tt.body, tt.headers)

			assert.Equal(t, tt.expectedStatus, status)
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, body["error"])
				assert.NotEmpty(t, body["message"])
				return
			}
			assert.Equal(t, "pay_123", body["payment_id"])
			assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", body["qrcode"])
			assert.Equal(t, "00020126580014br.gov.bcb.pix", body["copia_cola"])
			assert.Equal(t, "2026-03-11 23:59:59", body["expiracao"])
			assert.Equal(t, "20.00", body["amount"])
			assert.Equal(t, "user-1", charges.got.PayerID)
			assert.Equal(t, int64(1), charges.got.PlanID)
		})
	}
}

func TestCreate_UpstreamMessageIsGeneric(t *testing.T) {
	charges := &fakeCharges{err: apperr.Upstream(false, errors.New("invalid cpfCnpj for customer cus_1"))}
	s := newTestServer(Deps{Charges: charges}, config.RateLimit{})

	status, body := do(t, s, http.MethodPost, "/pix/create",
		`{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`, authHeaders("user-1"))

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "payment provider unavailable, try again", body["message"])
}

func TestCreate_RateLimitedPerCaller(t *testing.T) {
	s := newTestServer(Deps{Charges: &fakeCharges{}}, config.RateLimit{Create: 2})
	body := `{"tenant_id":"t1","plan_id":1,"tax_id":"12345678909"}`

	for i := 0; i < 2; i++ {
		status, _ := do(t, s, http.MethodPost, "/pix/create", body, authHeaders("user-1"))
		assert.Equal(t, http.StatusCreated, status)
	}

	status, resp := do(t, s, http.MethodPost, "/pix/create", body, authHeaders("user-1"))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", resp["message"])

	// another caller has its own budget
	status, _ = do(t, s, http.MethodPost, "/pix/create", body, authHeaders("user-2"))
	assert.Equal(t, http.StatusCreated, status)
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name           string
		result         webhook.Result
		err            error
		expectedStatus int
		expectedBody   map[string]any
	}{
		{
			name:           "accepted",
			result:         webhook.Result{Outcome: webhook.Accepted, Event: "PAYMENT_RECEIVED", PaymentID: "pay_1"},
			expectedStatus: http.StatusOK,
			expectedBody:   map[string]any{"status": "success", "event": "PAYMENT_RECEIVED", "payment_id": "pay_1"},
		},
		{
			name:           "ignored event type",
			result:         webhook.Result{Outcome: webhook.Ignored, Event: "PAYMENT_CREATED", PaymentID: "pay_1"},
			expectedStatus: http.StatusOK,
			expectedBody:   map[string]any{"status": "success", "event": "PAYMENT_CREATED", "payment_id": "pay_1"},
		},
		{
			name:           "duplicate",
			result:         webhook.Result{Outcome: webhook.Duplicate, Event: "PAYMENT_RECEIVED", PaymentID: "pay_1"},
			expectedStatus: http.StatusOK,
			expectedBody:   map[string]any{"status": "duplicate", "event": "PAYMENT_RECEIVED", "payment_id": "pay_1"},
		},
		{
			name:           "bad token",
			err:            webhook.ErrInvalidToken,
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   map[string]any{"error": "unauthorized", "message": "invalid webhook token"},
		},
		{
			name:           "confirmation failed",
			err:            apperr.Wrap(apperr.Internal, "confirmation failed", errors.New("deadlock detected")),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   map[string]any{"error": "internal", "message": "internal error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := &fakeWebhooks{result: tt.result, err: tt.err}
			s := newTestServer(Deps{Webhooks: hooks}, config.RateLimit{})

			raw := `{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_1"}}`
			status, body := do(t, s, http.MethodPost, "/pix/webhook", raw,
				map[string]string{"asaas-access-token": "secret"})

			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedBody, body)
			assert.Equal(t, "secret", hooks.token)
			assert.Equal(t, raw, hooks.raw)
		})
	}
}

func TestStatus(t *testing.T) {
	created := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	payments := &fakePayments{payment: &db.PaymentEntity{
		PaymentID: "pay_1",
		TenantID:  "t1",
		PlanID:    1,
		Status:    db.PaymentPending,
		Amount:    decimal.RequireFromString("20"),
		CreatedAt: created,
		UpdatedAt: created,
	}}
	s := newTestServer(Deps{Payments: payments}, config.RateLimit{})

	status, body := do(t, s, http.MethodGet, "/pix/status/pay_1", "", authHeaders("user-1"))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pay_1", body["payment_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "20.00", body["amount"])
	assert.Equal(t, "2026-03-10T15:00:00Z", body["created_at"])
	assert.Equal(t, access.Caller{ID: "user-1"}, payments.caller)
}

func TestStatus_Forbidden(t *testing.T) {
	s := newTestServer(Deps{Payments: &fakePayments{err: access.ErrForbidden}}, config.RateLimit{})

	status, body := do(t, s, http.MethodGet, "/pix/status/pay_1", "", authHeaders("stranger"))

	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["error"])
}

func TestVerify(t *testing.T) {
	payments := &fakePayments{result: &verify.Result{
		PaymentID:      "pay_1",
		Status:         db.PaymentPaid,
		Outcome:        "activated",
		Activated:      true,
		ProviderStatus: "RECEIVED",
	}}
	s := newTestServer(Deps{Payments: payments}, config.RateLimit{})

	status, body := do(t, s, http.MethodPost, "/pix/verify/pay_1", "", authHeaders("user-1"))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{
		"payment_id":      "pay_1",
		"status":          "paid",
		"activated":       true,
		"outcome":         "activated",
		"provider_status": "RECEIVED",
	}, body)
}

func TestVerify_NotFound(t *testing.T) {
	s := newTestServer(Deps{Payments: &fakePayments{err: apperr.NotFoundf("payment not found")}}, config.RateLimit{})

	status, body := do(t, s, http.MethodPost, "/pix/verify/missing", "", authHeaders("user-1"))

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "payment not found", body["message"])
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(Deps{}, config.RateLimit{})

	status, body := do(t, s, http.MethodGet, "/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestKeySet(t *testing.T) {
	keys := newKeySet([]string{"a", "b"})

	assert.True(t, keys.contains("a"))
	assert.True(t, keys.contains("b"))
	assert.False(t, keys.contains("c"))
	assert.False(t, keys.contains(""))
}
