package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type PaymentEntity struct {
	PaymentID         string
	TenantID          string
	PlanID            int64
	PayerID           string
	Status            PaymentStatus
	Amount            decimal.Decimal
	QRImage           string
	QRPayload         string
	PaymentLink       string
	ExternalReference string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

type WebhookStatus string

const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

type WebhookEventEntity struct {
	EventHash      string
	EventType      string
	PaymentID      string
	RawPayload     string
	Status         WebhookStatus
	ErrorMessage   *string
	DuplicateCount int
	ReceivedAt     time.Time
	LastSeenAt     time.Time
	ClaimedAt      time.Time
	ProcessedAt    *time.Time
}

type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
)

type SubscriptionEntity struct {
	TenantID      string
	PlanID        int64
	StartedAt     time.Time
	ExpiresAt     time.Time
	Status        SubscriptionStatus
	LastPayerID   string
	LastPaymentID string
	UpdatedAt     time.Time
}

type PlanEntity struct {
	PlanID       int64           `json:"plan_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	DurationDays int             `json:"duration_days"`
	Active       bool            `json:"active"`
}

type SubscriptionEventEntity struct {
	ID              uuid.UUID
	TenantID        string
	PaymentID       string
	Payload         string
	CreatedAt       time.Time
	ScheduledAt     *time.Time
	PublishedAt     *time.Time
	PublishAttempts int
	Error           *string
}
