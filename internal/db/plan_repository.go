package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

// GetByID returns ErrNotFound for unknown plans. Inactive plans are returned
// with Active false.
func (r *PlanRepository) GetByID(ctx context.Context, planID int64) (*PlanEntity, error) {
	query := `SELECT plan_id, name, price::text, duration_days, active FROM plans WHERE plan_id = $1`

	var plan PlanEntity
	var price string
	err := r.pool.QueryRow(ctx, query, planID).Scan(&plan.PlanID, &plan.Name, &price, &plan.DurationDays, &plan.Active)
	if err != nil {
		return nil, notFoundOr(err, "select plan")
	}
	plan.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, errors.Wrap(err, "parse plan price")
	}
	return &plan, nil
}
