// Package payload holds the provider's webhook body.
package payload

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentReceived  = "PAYMENT_RECEIVED"
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"
)

type Payment struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"externalReference"`
	Value             decimal.Decimal `json:"value"`
}

type Notification struct {
	ID      string  `json:"id"`
	Event   string  `json:"event"`
	Payment Payment `json:"payment"`
}

// ConfirmsPayment reports whether the event means the money arrived.
func (n Notification) ConfirmsPayment() bool {
	return n.Event == EventPaymentReceived || n.Event == EventPaymentConfirmed
}

func Parse(raw []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(raw, &n)
	return n, err
}
