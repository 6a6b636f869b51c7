package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"pix-billing/internal/access"
	"pix-billing/internal/apperr"
	"pix-billing/internal/config"
	"pix-billing/internal/logcontext"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	"github.com/google/uuid"
)

const (
	headerAPIKey    = "X-API-Key"
	headerCallerID  = "X-Caller-ID"
	headerRequestID = "X-Request-ID"

	localsCaller = "caller"
)

var errUnauthenticated = apperr.New(apperr.Unauthorized, "missing or invalid credentials")

// NewLimiterStorage returns Redis storage for rate limit counters, or nil
// when Redis is not configured.
func NewLimiterStorage(cfg config.Redis) fiber.Storage {
	if !cfg.Enabled() {
		return nil
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: cfg.DB,
		Reset:    false,
	})
}

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(headerRequestID, id)
		c.SetUserContext(logcontext.AppendCtx(c.UserContext(), slog.String("request_id", id)))
		return c.Next()
	}
}

// keySet compares digests so the check time does not depend on where the
// keys differ.
type keySet struct {
	digests [][sha256.Size]byte
}

func newKeySet(keys []string) *keySet {
	set := &keySet{}
	for _, k := range keys {
		set.digests = append(set.digests, sha256.Sum256([]byte(k)))
	}
	return set
}

func (s *keySet) contains(key string) bool {
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	found := 0
	for _, d := range s.digests {
		found |= subtle.ConstantTimeCompare(d[:], digest[:])
	}
	return found == 1
}

func (s *Server) requireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(headerAPIKey)
		if key == "" {
			key = strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		}
		if !s.apiKeys.contains(key) {
			return errUnauthenticated
		}

		callerID := strings.TrimSpace(c.Get(headerCallerID))
		if callerID == "" {
			return errUnauthenticated
		}
		c.Locals(localsCaller, access.Caller{ID: callerID})
		c.SetUserContext(logcontext.AppendCtx(c.UserContext(), slog.String("caller_id", callerID)))
		return c.Next()
	}
}

func callerFrom(c *fiber.Ctx) access.Caller {
	caller, _ := c.Locals(localsCaller).(access.Caller)
	return caller
}

func byIP(c *fiber.Ctx) string {
	return c.IP()
}

func byCaller(c *fiber.Ctx) string {
	return callerFrom(c).ID
}

// rateLimit allows perMinute requests per key on one route. A non-positive
// limit disables it.
func (s *Server) rateLimit(route string, perMinute int, key func(*fiber.Ctx) string) fiber.Handler {
	return limiter.New(limiter.Config{
		Next: func(*fiber.Ctx) bool {
			return perMinute <= 0
		},
		Max:        perMinute,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ratelimit:" + route + ":" + key(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(errorResponse{
				Error:   "rate_limited",
				Message: "rate limit exceeded",
			})
		},
		Storage: s.deps.LimiterStorage,
	})
}
