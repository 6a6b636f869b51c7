package message

import (
	"time"

	"github.com/google/uuid"
)

const TypeSubscriptionActivated = "subscription.activated"

// SubscriptionActivated is published for every first confirmation of a
// payment that activated or renewed a tenant's subscription.
type SubscriptionActivated struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenantId"`
	PlanID     int64     `json:"planId"`
	PaymentID  string    `json:"paymentId"`
	PayerID    string    `json:"payerId"`
	StartedAt  time.Time `json:"startedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	OccurredAt time.Time `json:"occurredAt"`
}
