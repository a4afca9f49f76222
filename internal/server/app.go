// Package server builds the fiber application: error mapping, CORS and
// request logging shared by every route.
package server

import (
	"errors"
	"strings"

	"expense-backend/internal/apperr"
	"expense-backend/internal/logging"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// ErrorHandler renders errors as {"error": ..., "kind": ...}. Internal
// details of persistence and provider failures are logged, not returned.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error": fe.Message,
			})
		}

		kind := apperr.KindOf(err)
		if kind == "" {
			log.Error("unexpected error", zap.String("path", c.Path()), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "unexpected server error",
			})
		}
		if kind == apperr.KindExternalService {
			log.Error("upstream failure", zap.String("path", c.Path()), zap.Error(err))
		}

		body := fiber.Map{
			"error": apperr.Message(err),
			"kind":  kind,
		}
		if apperr.Retryable(err) {
			body["retryable"] = true
		}
		return c.Status(apperr.HTTPStatus(err)).JSON(body)
	}
}

// New returns an app with the shared middleware installed. corsOrigins is a
// comma separated list; empty disables CORS.
func New(corsOrigins string, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logging.Middleware(log))

	if corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(origins, ","),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Extraction-Secret",
			AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		}))
	}
	return app
}
