package provider

import "github.com/shopspring/decimal"

const billingTypePix = "PIX"

// Payment statuses reported once the PIX transfer settled.
var paidStatuses = map[string]bool{
	"RECEIVED":         true,
	"CONFIRMED":        true,
	"RECEIVED_IN_CASH": true,
}

func IsPaidStatus(status string) bool {
	return paidStatuses[status]
}

// Amount encodes as a bare JSON number with two decimal places.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

type CustomerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	CpfCnpj string `json:"cpfCnpj"`
}

type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	CpfCnpj string `json:"cpfCnpj"`
}

type customerList struct {
	Data []Customer `json:"data"`
}

type PaymentRequest struct {
	Customer          string `json:"customer"`
	BillingType       string `json:"billingType"`
	Value             Amount `json:"value"`
	DueDate           string `json:"dueDate"`
	Description       string `json:"description,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

type Payment struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	Value             Amount `json:"value"`
	DueDate           string `json:"dueDate"`
	InvoiceURL        string `json:"invoiceUrl"`
	ExternalReference string `json:"externalReference"`
}

type PixQRCode struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type errorResponse struct {
	Errors []apiError `json:"errors"`
}
