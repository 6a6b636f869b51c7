// Package plancache is a read-through cache for plans. Plans are the only
// entity this service caches; payments and subscriptions are always read
// from the database.
package plancache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pix-billing/internal/config"
	"pix-billing/internal/db"

	"github.com/VictoriaMetrics/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL    = 5 * time.Minute
	lookupTimeout = 10 * time.Second
)

var (
	cacheHitCounter   = metrics.GetOrCreateCounter(`plan_cache_total{result="hit"}`)
	cacheMissCounter  = metrics.GetOrCreateCounter(`plan_cache_total{result="miss"}`)
	cacheErrorCounter = metrics.GetOrCreateCounter(`plan_cache_total{result="redis_error"}`)
)

type PlanFinder interface {
	GetByID(ctx context.Context, planID int64) (*db.PlanEntity, error)
}

type Cache struct {
	source PlanFinder
	rdb    redis.Cmdable
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// New wraps source. A nil rdb disables caching and every lookup goes to
// source.
func New(source PlanFinder, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{source: source, rdb: rdb, ttl: ttl, logger: logger}
}

func NewRedisClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func key(planID int64) string {
	return "plan:" + strconv.FormatInt(planID, 10)
}

// GetByID serves from Redis when possible. Redis failures are logged and the
// lookup falls back to source; concurrent misses for the same plan share one
// source query.
func (c *Cache) GetByID(ctx context.Context, planID int64) (*db.PlanEntity, error) {
	if c.rdb == nil {
		return c.source.GetByID(ctx, planID)
	}

	k := key(planID)
	data, err := c.rdb.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		var plan db.PlanEntity
		if jsonErr := json.Unmarshal(data, &plan); jsonErr == nil {
			cacheHitCounter.Inc()
			return &plan, nil
		}
		c.logger.WarnContext(ctx, "Discarding undecodable cached plan", "plan_id", planID)
	case err != redis.Nil:
		cacheErrorCounter.Inc()
		c.logger.WarnContext(ctx, "Error reading plan cache", "plan_id", planID, "error", err)
	}

	cacheMissCounter.Inc()
	ch := c.group.DoChan(k, func() (any, error) {
		// shared by every waiter, so one caller going away must not cancel it
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		plan, err := c.source.GetByID(shared, planID)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(plan)
		if err == nil {
			err = c.rdb.Set(shared, k, encoded, c.ttl).Err()
		}
		if err != nil {
			cacheErrorCounter.Inc()
			c.logger.WarnContext(shared, "Error writing plan cache", "plan_id", planID, "error", err)
		}
		return plan, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*db.PlanEntity), nil
	}
}

// Invalidate drops the cached copy of a plan after it was edited.
func (c *Cache) Invalidate(ctx context.Context, planID int64) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, key(planID)).Err()
}
