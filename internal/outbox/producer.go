// Package outbox relays committed subscription events to Kafka.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"pix-billing/internal/config"
	"pix-billing/internal/db"
	"pix-billing/internal/logcontext"
	"pix-billing/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs  = 500
	defaultFetchSize          = 200
	defaultRescheduleDelayMs  = 10_000
	defaultMaxPublishAttempts = 3
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`outbox_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`outbox_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`outbox_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`outbox_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`outbox_producer_duration_milliseconds`)

	// per event metrics
	producerEventsPublishedCounter   = metrics.GetOrCreateCounter(`outbox_producer_events_total{result="published"}`)
	producerEventsMaxAttemptsCounter = metrics.GetOrCreateCounter(`outbox_producer_events_total{result="max_attempts_reached"}`)
	producerEventsRescheduledCounter = metrics.GetOrCreateCounter(`outbox_producer_events_total{result="rescheduled"}`)
)

type EventStore interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	GetUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*db.SubscriptionEventEntity, error)
	Update(ctx context.Context, tx pgx.Tx, entity *db.SubscriptionEventEntity) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	repo               EventStore
	writer             MessageWriter
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	now                func() time.Time
	logger             *slog.Logger
}

func NewProducer(repo EventStore, writer MessageWriter, cfg config.Outbox, logger *slog.Logger) *Producer {
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(orDefault(cfg.PollingIntervalMs, defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:          orDefault(cfg.FetchSize, defaultFetchSize),
		retryDelay:         time.Duration(orDefault(cfg.RescheduleDelayMs, defaultRescheduleDelayMs)) * time.Millisecond,
		maxPublishAttempts: orDefault(cfg.MaxPublishAttempts, defaultMaxPublishAttempts),
		now:                time.Now,
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping outbox producer")
				return
			}
		}
	}()
}

// Process publishes one batch of due events. Rows stay locked until the
// batch outcome is written back, so concurrent producers never publish the
// same event twice within a poll.
func (p *Producer) Process(ctx context.Context) {
	startTime := time.Now()
	ctx = logcontext.AppendCtx(ctx, slog.String("run_id", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	events, err := p.repo.GetUnpublished(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unpublished subscription events", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(events) == 0 {
		p.logger.DebugContext(ctx, "No unpublished subscription events found")
		producerSuccessCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Writing subscription events to Kafka", "count", len(events))
	publishErr := p.writer.WriteMessages(ctx, toKafkaMessages(events)...)
	if publishErr != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", publishErr)
		producerErrorKafkaCounter.Inc()
	}

	now := p.now()
	for _, event := range events {
		eventCtx := logcontext.AppendCtx(ctx, slog.String("event_id", event.ID.String()))

		event.PublishAttempts++

		if publishErr != nil {
			errMsg := publishErr.Error()
			event.Error = &errMsg

			if event.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(eventCtx, "Max publish attempts reached for subscription event")
				event.ScheduledAt = nil
				producerEventsMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(event.PublishAttempts) * p.retryDelay)
				event.ScheduledAt = &scheduledAt
				producerEventsRescheduledCounter.Inc()
			}
		} else {
			event.ScheduledAt = nil
			event.PublishedAt = &now
			event.Error = nil
			producerEventsPublishedCounter.Inc()
		}

		if err := p.repo.Update(eventCtx, tx, event); err != nil {
			p.logger.ErrorContext(eventCtx, "Error updating subscription event", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
		return
	}

	producerSuccessCounter.Inc()
	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

// events are keyed by tenant so one tenant's activations stay ordered
func toKafkaMessages(events []*db.SubscriptionEventEntity) []kafka.Message {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		messages = append(messages, kafka.Message{
			Key:   []byte(event.TenantID),
			Value: []byte(event.Payload),
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(message.TypeSubscriptionActivated)},
				{Key: "payment_id", Value: []byte(event.PaymentID)},
			},
		})
	}
	return messages
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
