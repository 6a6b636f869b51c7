// Package reconcile catches payments whose webhook never arrived.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pix-billing/internal/config"
	"pix-billing/internal/confirmation"
	"pix-billing/internal/db"
	"pix-billing/internal/logcontext"
	"pix-billing/internal/provider"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultIntervalMs   = 300_000
	defaultStaleAfterMs = 120_000
	defaultBatchSize    = 50
	defaultWorkers      = 5
)

var (
	reconcileRunErrorCounter = metrics.GetOrCreateCounter(`reconciler_runs_total{result="fetching_failed"}`)
	reconcileRunCounter      = metrics.GetOrCreateCounter(`reconciler_runs_total{result="success"}`)
	reconcileConfirmed       = metrics.GetOrCreateCounter(`reconciler_payments_total{result="confirmed"}`)
	reconcileStillPending    = metrics.GetOrCreateCounter(`reconciler_payments_total{result="pending"}`)
	reconcileFailed          = metrics.GetOrCreateCounter(`reconciler_payments_total{result="failed"}`)
	reconcileExpired         = metrics.GetOrCreateCounter(`reconciler_subscriptions_expired_total`)

	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`reconciler_duration_milliseconds`)
)

type PaymentLister interface {
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*db.PaymentEntity, error)
}

type SubscriptionExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*provider.Payment, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, paymentID string) (confirmation.Result, error)
}

// Summary counts what one run did.
type Summary struct {
	Checked   int
	Confirmed int
	Pending   int
	Failed    int
	Expired   int64
}

type Reconciler struct {
	payments      PaymentLister
	subscriptions SubscriptionExpirer
	provider      PaymentFetcher
	confirmer     Confirmer
	interval      time.Duration
	staleAfter    time.Duration
	batchSize     int
	workers       int
	now           func() time.Time
	logger        *slog.Logger
}

func NewReconciler(payments PaymentLister, subscriptions SubscriptionExpirer, fetcher PaymentFetcher, confirmer Confirmer,
	cfg config.Reconcile, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		payments:      payments,
		subscriptions: subscriptions,
		provider:      fetcher,
		confirmer:     confirmer,
		interval:      time.Duration(orDefault(cfg.IntervalMs, defaultIntervalMs)) * time.Millisecond,
		staleAfter:    time.Duration(orDefault(cfg.StaleAfterMs, defaultStaleAfterMs)) * time.Millisecond,
		batchSize:     orDefault(cfg.BatchSize, defaultBatchSize),
		workers:       orDefault(cfg.Workers, defaultWorkers),
		now:           time.Now,
		logger:        logger,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping reconciler")
				return
			}
		}
	}()
}

// RunOnce checks one batch of stale pending payments against the provider
// and expires subscriptions whose period ended.
func (r *Reconciler) RunOnce(ctx context.Context) Summary {
	startTime := time.Now()
	ctx = logcontext.AppendCtx(ctx, slog.String("run_id", uuid.New().String()))

	var summary Summary
	defer func() {
		reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	now := r.now()
	expired, err := r.subscriptions.ExpireDue(ctx, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error expiring subscriptions", "error", err)
	} else if expired > 0 {
		reconcileExpired.Add(int(expired))
		r.logger.InfoContext(ctx, "Expired subscriptions", "count", expired)
	}
	summary.Expired = expired

	payments, err := r.payments.ListStalePending(ctx, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching stale pending payments", "error", err)
		reconcileRunErrorCounter.Inc()
		return summary
	}
	if len(payments) == 0 {
		r.logger.InfoContext(ctx, "No stale pending payments found")
		reconcileRunCounter.Inc()
		return summary
	}

	r.logger.InfoContext(ctx, "Reconciling stale pending payments", "count", len(payments))

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(r.workers)
	for _, payment := range payments {
		group.Go(func() error {
			outcome := r.syncPayment(ctx, payment)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case syncConfirmed:
				summary.Confirmed++
			case syncPending:
				summary.Pending++
			default:
				summary.Failed++
			}
			return nil
		})
	}
	_ = group.Wait()

	summary.Checked = len(payments)
	reconcileRunCounter.Inc()
	r.logger.InfoContext(ctx, "Reconciliation finished",
		"checked", summary.Checked, "confirmed", summary.Confirmed, "pending", summary.Pending, "failed", summary.Failed)
	return summary
}

type syncOutcome int

const (
	syncFailed syncOutcome = iota
	syncPending
	syncConfirmed
)

func (r *Reconciler) syncPayment(ctx context.Context, payment *db.PaymentEntity) syncOutcome {
	ctx = logcontext.AppendCtx(ctx, slog.String("payment_id", payment.PaymentID))

	remote, err := r.provider.GetPayment(ctx, payment.PaymentID)
	if err != nil {
		reconcileFailed.Inc()
		r.logger.WarnContext(ctx, "Error fetching provider payment", "error", err)
		return syncFailed
	}

	if !provider.IsPaidStatus(remote.Status) {
		reconcileStillPending.Inc()
		return syncPending
	}

	result, err := r.confirmer.Confirm(ctx, payment.PaymentID)
	if err != nil {
		reconcileFailed.Inc()
		return syncFailed
	}

	reconcileConfirmed.Inc()
	r.logger.InfoContext(ctx, "Reconciled payment settled at provider",
		"provider_status", remote.Status, "outcome", result.Outcome.String())
	return syncConfirmed
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
