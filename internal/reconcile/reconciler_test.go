package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pix-billing/internal/config"
	"pix-billing/internal/confirmation"
	"pix-billing/internal/db"
	"pix-billing/internal/provider"

	"github.com/stretchr/testify/assert"
)

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type stubPayments struct {
	payments      []*db.PaymentEntity
	err           error
	createdBefore time.Time
	limit         int
}

func (s *stubPayments) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*db.PaymentEntity, error) {
	s.createdBefore, s.limit = createdBefore, limit
	return s.payments, s.err
}

type stubExpirer struct{ expired int64 }

func (s stubExpirer) ExpireDue(context.Context, time.Time) (int64, error) { return s.expired, nil }

type stubProvider map[string]string

func (s stubProvider) GetPayment(_ context.Context, id string) (*provider.Payment, error) {
	status, ok := s[id]
	if !ok {
		return nil, &provider.StatusError{StatusCode: 503}
	}
	return &provider.Payment{ID: id, Status: status}, nil
}

type recordingConfirmer struct {
	mu        sync.Mutex
	confirmed []string
	failFor   string
}

func (r *recordingConfirmer) Confirm(_ context.Context, id string) (confirmation.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.failFor {
		return confirmation.Result{}, errors.New("tx aborted")
	}
	r.confirmed = append(r.confirmed, id)
	return confirmation.Result{Outcome: confirmation.Activated}, nil
}

func TestReconciler_RunOnce(t *testing.T) {
	payments := &stubPayments{payments: []*db.PaymentEntity{
		{PaymentID: "pay_received"},
		{PaymentID: "pay_confirmed"},
		{PaymentID: "pay_pending"},
		{PaymentID: "pay_unreachable"},
		{PaymentID: "pay_broken"},
	}}
	remote := stubProvider{
		"pay_received":  "RECEIVED",
		"pay_confirmed": "CONFIRMED",
		"pay_pending":   "PENDING",
		"pay_broken":    "RECEIVED",
	}
	confirmer := &recordingConfirmer{failFor: "pay_broken"}

	r := NewReconciler(payments, stubExpirer{expired: 2}, remote, confirmer, config.Reconcile{
		StaleAfterMs: 60_000,
		BatchSize:    10,
		Workers:      3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return fixedNow }

	summary := r.RunOnce(context.Background())

	assert.Equal(t, 5, summary.Checked)
	assert.Equal(t, 2, summary.Confirmed)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, int64(2), summary.Expired)
	assert.ElementsMatch(t, []string{"pay_received", "pay_confirmed"}, confirmer.confirmed)

	assert.Equal(t, fixedNow.Add(-time.Minute), payments.createdBefore)
	assert.Equal(t, 10, payments.limit)
}

func TestReconciler_RunOnceListFailure(t *testing.T) {
	payments := &stubPayments{err: errors.New("connection refused")}
	confirmer := &recordingConfirmer{}

	r := NewReconciler(payments, stubExpirer{}, stubProvider{}, confirmer, config.Reconcile{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	summary := r.RunOnce(context.Background())
	assert.Zero(t, summary.Checked)
	assert.Empty(t, confirmer.confirmed)
	assert.Equal(t, defaultBatchSize, payments.limit)
}
