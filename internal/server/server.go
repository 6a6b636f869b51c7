// Package server exposes the PIX endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"

	"pix-billing/internal/access"
	"pix-billing/internal/apperr"
	"pix-billing/internal/charge"
	"pix-billing/internal/config"
	"pix-billing/internal/db"
	"pix-billing/internal/metrics"
	"pix-billing/internal/verify"
	"pix-billing/internal/webhook"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

type ChargeCreator interface {
	Create(ctx context.Context, req charge.Request) (*charge.Charge, error)
}

type WebhookIngestor interface {
	Ingest(ctx context.Context, raw []byte, providedToken string) (webhook.Result, error)
}

type PaymentVerifier interface {
	Status(ctx context.Context, caller access.Caller, paymentID string) (*db.PaymentEntity, error)
	Verify(ctx context.Context, caller access.Caller, paymentID string) (*verify.Result, error)
}

type Deps struct {
	Charges  ChargeCreator
	Webhooks WebhookIngestor
	Payments PaymentVerifier
	// LimiterStorage shares rate limit counters between instances. Nil keeps
	// them in memory.
	LimiterStorage fiber.Storage
}

type Server struct {
	app      *fiber.App
	deps     Deps
	cfg      *config.Config
	apiKeys  *keySet
	validate *validator.Validate
	logger   *slog.Logger
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		apiKeys:  newKeySet(cfg.Auth.APIKeys),
		validate: newValidator(),
		logger:   logger,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "pix-billing",
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(requestID())

	s.app.Get("/liveness", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	s.app.Get("/metrics", adaptor.HTTPHandlerFunc(metrics.Handler))

	limits := s.cfg.RateLimit
	auth := s.requireAPIKey()

	pix := s.app.Group("/pix")
	pix.Post("/webhook", s.rateLimit("webhook", limits.Webhook, byIP), s.handleWebhook)
	pix.Post("/create", auth, s.rateLimit("create", limits.Create, byCaller), s.handleCreate)
	pix.Get("/status/:id", auth, s.rateLimit("status", limits.Status, byCaller), s.handleStatus)
	pix.Post("/verify/:id", auth, s.rateLimit("verify", limits.Verify, byCaller), s.handleVerify)
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen() error {
	return s.app.Listen(":" + s.cfg.Server.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(errorResponse{Error: fiberErrorKind(fe.Code), Message: fe.Message})
	}

	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if status >= fiber.StatusInternalServerError {
		s.logger.ErrorContext(c.UserContext(), "Request failed", "path", c.Path(), "status", status, "error", err)
	} else {
		s.logger.InfoContext(c.UserContext(), "Request rejected", "path", c.Path(), "status", status, "error", err)
	}

	return c.Status(status).JSON(errorResponse{Error: kind.String(), Message: apperr.PublicMessage(err)})
}

// errors raised by fiber itself (unknown route, oversized body)
func fiberErrorKind(code int) string {
	switch {
	case code == fiber.StatusNotFound || code == fiber.StatusMethodNotAllowed:
		return apperr.NotFound.String()
	case code == fiber.StatusTooManyRequests:
		return "rate_limited"
	case code < fiber.StatusInternalServerError:
		return apperr.Validation.String()
	default:
		return apperr.Internal.String()
	}
}
