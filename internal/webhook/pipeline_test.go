package webhook

import (
	"context"
	"io"
	"log"
	"log/slog"
	"testing"
	"time"

	"pix-billing/internal/config"
	"pix-billing/internal/confirmation"
	"pix-billing/internal/db"
	"pix-billing/internal/testhelpers"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// PipelineTestSuite drives webhook deliveries through the real repositories
// and confirmation machine.
type PipelineTestSuite struct {
	suite.Suite
	pgContainer   *testhelpers.PostgresContainer
	pool          *pgxpool.Pool
	payments      *db.PaymentRepository
	subscriptions *db.SubscriptionRepository
	outbox        *db.SubscriptionEventRepository
	webhooks      *db.WebhookEventRepository
	ingestor      *Ingestor
	ctx           context.Context
}

func (s *PipelineTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.payments = db.NewPaymentRepository(pool)
	s.subscriptions = db.NewSubscriptionRepository(pool)
	s.outbox = db.NewSubscriptionEventRepository(pool)
	s.webhooks = db.NewWebhookEventRepository(pool)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := confirmation.NewMachine(s.payments, s.subscriptions, s.outbox, db.NewPlanRepository(pool),
		config.Subscription{UnclaimedTenantID: "unclaimed", RenewalPolicy: config.RenewalReset}, logger)
	s.ingestor = NewIngestor(config.Webhook{Token: testToken, ProcessingLeaseMs: 60_000}, s.webhooks, machine, logger)
}

func (s *PipelineTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PipelineTestSuite) SetupTest() {
	if err := testhelpers.Truncate(s.ctx, s.pool); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
	if err := testhelpers.InsertPlan(s.ctx, s.pool, 1, "20.00", 30, true); err != nil {
		log.Fatalf("error inserting plan: %s", err)
	}
	err := s.payments.Create(s.ctx, &db.PaymentEntity{
		PaymentID: "pay_1",
		TenantID:  "tenant-1",
		PlanID:    1,
		PayerID:   "payer-1",
		Amount:    decimal.RequireFromString("20.00"),
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(s.T(), err)
}

func (s *PipelineTestSuite) TestRedeliveredPaymentReceivedActivatesOnce() {
	t := s.T()

	before := time.Now()
	first, err := s.ingestor.Ingest(s.ctx, []byte(receivedPayload), testToken)
	require.NoError(t, err)
	assert.Equal(t, Accepted, first.Outcome)
	require.NotNil(t, first.Confirmation)
	assert.True(t, first.Confirmation.Activated())

	second, err := s.ingestor.Ingest(s.ctx, []byte(receivedPayload), testToken)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, second.Outcome)
	assert.Nil(t, second.Confirmation)

	event, err := s.webhooks.GetByHash(s.ctx, EventHash([]byte(receivedPayload)))
	require.NoError(t, err)
	assert.Equal(t, db.WebhookProcessed, event.Status)
	assert.Equal(t, 1, event.DuplicateCount)
	assert.Nil(t, event.ErrorMessage)

	payment, err := s.payments.GetByID(s.ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, db.PaymentPaid, payment.Status)

	sub, err := s.subscriptions.GetByTenant(s.ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, db.SubscriptionActive, sub.Status)
	assert.Equal(t, int64(1), sub.PlanID)
	assert.Equal(t, "pay_1", sub.LastPaymentID)
	assert.WithinDuration(t, before.AddDate(0, 0, 30), sub.ExpiresAt, time.Minute)

	events, err := s.outbox.GetByPaymentID(s.ctx, "pay_1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func (s *PipelineTestSuite) TestPaymentArrivingLaterIsConfirmedOnRedelivery() {
	t := s.T()

	body := []byte(`{"id":"evt_9","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_late","status":"CONFIRMED"}}`)

	result, err := s.ingestor.Ingest(s.ctx, body, testToken)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
	assert.False(t, result.Confirmation.Paid())

	event, err := s.webhooks.GetByHash(s.ctx, EventHash(body))
	require.NoError(t, err)
	assert.Equal(t, db.WebhookFailed, event.Status)

	err = s.payments.Create(s.ctx, &db.PaymentEntity{
		PaymentID: "pay_late",
		TenantID:  "tenant-2",
		PlanID:    1,
		PayerID:   "payer-2",
		Amount:    decimal.RequireFromString("20.00"),
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	result, err = s.ingestor.Ingest(s.ctx, body, testToken)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
	assert.True(t, result.Confirmation.Activated())

	event, err = s.webhooks.GetByHash(s.ctx, EventHash(body))
	require.NoError(t, err)
	assert.Equal(t, db.WebhookProcessed, event.Status)
	assert.Equal(t, 1, event.DuplicateCount)

	sub, err := s.subscriptions.GetByTenant(s.ctx, "tenant-2")
	require.NoError(t, err)
	assert.Equal(t, db.SubscriptionActive, sub.Status)
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}
