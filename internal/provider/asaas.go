package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pix-billing/internal/apperr"
)

var ErrCustomerNotFound = errors.New("customer not found")

// StatusError is a provider response outside the expected status for the
// operation.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, truncateBody(e.Body))
}

// Transient reports whether the provider was unavailable rather than
// rejecting the request.
func (e *StatusError) Transient() bool {
	return IsRetryableStatus(e.StatusCode)
}

func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsEmailInUse reports whether a customer creation failed because another
// customer already owns the e-mail address.
func IsEmailInUse(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode != http.StatusBadRequest && se.StatusCode != http.StatusConflict {
		return false
	}

	var resp errorResponse
	if json.Unmarshal(se.Body, &resp) != nil {
		return false
	}
	for _, e := range resp.Errors {
		text := strings.ToLower(e.Code + " " + e.Description)
		if !strings.Contains(text, "email") && !strings.Contains(text, "e-mail") {
			continue
		}
		if se.StatusCode == http.StatusConflict || containsAny(text, "already", "exist", "in use", "já", "cadastrad") {
			return true
		}
	}
	return false
}

// Classify maps a provider failure onto the service's error kinds. Callers
// never see provider text.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return apperr.Upstream(se.Transient(), err)
	case errors.Is(err, ErrCustomerNotFound):
		return apperr.Upstream(false, err)
	default:
		// transport failures and deadlines that outlived the retries
		return apperr.Upstream(true, err)
	}
}

func (c *Client) CreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, error) {
	var customer Customer
	if err := c.callJSON(ctx, http.MethodPost, "/customers", req, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindCustomerByEmail returns the first customer registered with email or
// ErrCustomerNotFound.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	var list customerList
	path := "/customers?email=" + url.QueryEscape(email)
	if err := c.callJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, ErrCustomerNotFound
	}
	return &list.Data[0], nil
}

func (c *Client) UpdateCustomerTaxID(ctx context.Context, customerID, taxID string) error {
	return c.callJSON(ctx, http.MethodPost, "/customers/"+url.PathEscape(customerID),
		map[string]string{"cpfCnpj": taxID}, nil)
}

func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if req.BillingType == "" {
		req.BillingType = billingTypePix
	}
	var payment Payment
	if err := c.callJSON(ctx, http.MethodPost, "/payments", req, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	if err := c.callJSON(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPixQRCode returns a *StatusError with 404 while the provider is still
// generating the code.
func (c *Client) GetPixQRCode(ctx context.Context, paymentID string) (*PixQRCode, error) {
	var qr PixQRCode
	path := "/payments/" + url.PathEscape(paymentID) + "/pixQrCode"
	if err := c.callJSON(ctx, http.MethodGet, path, nil, &qr); err != nil {
		return nil, err
	}
	return &qr, nil
}

func (c *Client) callJSON(ctx context.Context, method, path string, body, out any) error {
	status, payload, err := c.Call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &StatusError{Method: method, Path: path, StatusCode: status, Body: payload}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
