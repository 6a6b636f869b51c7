package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pix-billing/internal/payload"
	"pix-billing/internal/provider"

	"github.com/google/uuid"
)

const contentType = "application/json"

// 1x1 transparent PNG
const placeholderQRImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type WebhookTarget struct {
	URL    string
	Header string
	Token  string
}

type mockPayment struct {
	provider.Payment
	qrPolls int
}

// Sandbox is an in-memory stand-in for the provider's customer, payment and
// PIX QR code endpoints.
type Sandbox struct {
	mu         sync.Mutex
	customers  map[string]*provider.Customer
	payments   map[string]*mockPayment
	qrNotReady int
	webhook    WebhookTarget
	client     *http.Client
	logger     *slog.Logger
}

func NewSandbox(qrNotReady int, webhook WebhookTarget, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		customers:  make(map[string]*provider.Customer),
		payments:   make(map[string]*mockPayment),
		qrNotReady: qrNotReady,
		webhook:    webhook,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Routes mounts the provider API under basePath (for example "/v3") and the
// sandbox controls under /sandbox.
func (s *Sandbox) Routes(basePath string) http.Handler {
	basePath = strings.TrimRight(basePath, "/")
	mux := http.NewServeMux()

	mux.Handle("POST "+basePath+"/customers", s.requireToken(s.createCustomer))
	mux.Handle("GET "+basePath+"/customers", s.requireToken(s.listCustomers))
	mux.Handle("POST "+basePath+"/customers/{id}", s.requireToken(s.updateCustomer))
	mux.Handle("POST "+basePath+"/payments", s.requireToken(s.createPayment))
	mux.Handle("GET "+basePath+"/payments/{id}", s.requireToken(s.getPayment))
	mux.Handle("GET "+basePath+"/payments/{id}/pixQrCode", s.requireToken(s.getQRCode))

	mux.HandleFunc("POST /sandbox/pay/{id}", s.pay)
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Sandbox) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access_token") == "" {
			writeErrors(w, http.StatusUnauthorized, "invalid_access_token", "A chave de API fornecida é inválida")
			return
		}
		next(w, r)
	})
}

func (s *Sandbox) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req provider.CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_object", "Corpo da requisição inválido")
		return
	}
	if req.CpfCnpj == "" {
		writeErrors(w, http.StatusBadRequest, "invalid_cpfCnpj", "O CPF/CNPJ informado é inválido")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.customers {
		if req.Email != "" && strings.EqualFold(c.Email, req.Email) {
			writeErrors(w, http.StatusBadRequest, "invalid_email", "O email informado já está em uso")
			return
		}
	}

	customer := &provider.Customer{
		ID:      "cus_" + shortID(),
		Name:    req.Name,
		Email:   req.Email,
		CpfCnpj: req.CpfCnpj,
	}
	s.customers[customer.ID] = customer
	writeJSON(w, http.StatusOK, customer)
}

func (s *Sandbox) listCustomers(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	s.mu.Lock()
	defer s.mu.Unlock()

	data := []provider.Customer{}
	for _, c := range s.customers {
		if email == "" || strings.EqualFold(c.Email, email) {
			data = append(data, *c)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "totalCount": len(data)})
}

func (s *Sandbox) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var req provider.CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_object", "Corpo da requisição inválido")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[r.PathValue("id")]
	if !ok {
		writeErrors(w, http.StatusNotFound, "not_found", "Cliente não encontrado")
		return
	}
	if req.CpfCnpj != "" {
		customer.CpfCnpj = req.CpfCnpj
	}
	writeJSON(w, http.StatusOK, customer)
}

func (s *Sandbox) createPayment(w http.ResponseWriter, r *http.Request) {
	var req provider.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_object", "Corpo da requisição inválido")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[req.Customer]; !ok {
		writeErrors(w, http.StatusBadRequest, "invalid_customer", "Cliente inexistente")
		return
	}
	if req.BillingType != "PIX" {
		writeErrors(w, http.StatusBadRequest, "invalid_billingType", "Somente PIX é suportado no sandbox")
		return
	}

	id := "pay_" + shortID()
	payment := &mockPayment{Payment: provider.Payment{
		ID:                id,
		Customer:          req.Customer,
		Status:            "PENDING",
		Value:             req.Value,
		DueDate:           req.DueDate,
		InvoiceURL:        "https://sandbox.local/i/" + id,
		ExternalReference: req.ExternalReference,
	}}
	s.payments[id] = payment
	writeJSON(w, http.StatusOK, payment.Payment)
}

func (s *Sandbox) getPayment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[r.PathValue("id")]
	if !ok {
		writeErrors(w, http.StatusNotFound, "not_found", "Cobrança não encontrada")
		return
	}
	writeJSON(w, http.StatusOK, payment.Payment)
}

// getQRCode answers 404 for the first qrNotReady polls of every payment,
// like a provider that is still generating the code.
func (s *Sandbox) getQRCode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[r.PathValue("id")]
	if !ok {
		writeErrors(w, http.StatusNotFound, "not_found", "Cobrança não encontrada")
		return
	}

	payment.qrPolls++
	if payment.qrPolls <= s.qrNotReady {
		writeErrors(w, http.StatusNotFound, "not_found", "QR Code ainda não disponível")
		return
	}

	writeJSON(w, http.StatusOK, provider.PixQRCode{
		EncodedImage:   placeholderQRImage,
		Payload:        "00020126580014br.gov.bcb.pix0136" + payment.ID + "5204000053039865802BR6304ABCD",
		ExpirationDate: payment.DueDate + " 23:59:59",
	})
}

type webhookPayment struct {
	ID                string          `json:"id"`
	Customer          string          `json:"customer"`
	Status            string          `json:"status"`
	Value             provider.Amount `json:"value"`
	ExternalReference string          `json:"externalReference"`
}

type webhookBody struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Payment webhookPayment `json:"payment"`
}

// pay settles a payment and notifies the service. ?deliveries=N sends the
// same body N times to exercise deduplication.
func (s *Sandbox) pay(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	payment, ok := s.payments[r.PathValue("id")]
	if ok {
		payment.Status = "RECEIVED"
	}
	var snapshot provider.Payment
	if ok {
		snapshot = payment.Payment
	}
	s.mu.Unlock()

	if !ok {
		writeErrors(w, http.StatusNotFound, "not_found", "Cobrança não encontrada")
		return
	}

	deliveries, err := strconv.Atoi(r.URL.Query().Get("deliveries"))
	if err != nil || deliveries < 1 {
		deliveries = 1
	}

	body, err := json.Marshal(webhookBody{
		ID:    "evt_" + shortID(),
		Event: payload.EventPaymentReceived,
		Payment: webhookPayment{
			ID:                snapshot.ID,
			Customer:          snapshot.Customer,
			Status:            snapshot.Status,
			Value:             snapshot.Value,
			ExternalReference: snapshot.ExternalReference,
		},
	})
	if err != nil {
		writeErrors(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	statuses := make([]int, 0, deliveries)
	for i := 0; i < deliveries; i++ {
		status, err := s.deliver(r, body)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "Webhook delivery failed", "payment_id", snapshot.ID, "error", err)
			writeErrors(w, http.StatusBadGateway, "webhook_failed", err.Error())
			return
		}
		statuses = append(statuses, status)
	}

	writeJSON(w, http.StatusOK, map[string]any{"payment": snapshot, "webhook_statuses": statuses})
}

func (s *Sandbox) deliver(r *http.Request, body []byte) (int, error) {
	if s.webhook.URL == "" {
		return 0, errors.New("no webhook url configured")
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(s.webhook.Header, s.webhook.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	s.logger.InfoContext(r.Context(), "Webhook delivered", "url", s.webhook.URL, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]string{{"code": code, "description": description}},
	})
}
