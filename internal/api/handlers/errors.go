package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/cache/redis"
	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/logger"
	"github.com/sitegraph/backend/pkg/vectormath"
)

// statusFor maps engine errors onto HTTP status codes. Order matters:
// ErrSuggestionNotFound also matches ErrInvalidSuggestionState.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrPageNotFound),
		errors.Is(err, models.ErrSuggestionNotFound),
		errors.Is(err, redis.ErrTaskNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrInvalidSuggestionState),
		errors.Is(err, models.ErrGenerationInProgress):
		return fiber.StatusConflict
	case errors.Is(err, vectormath.ErrDimensionMismatch),
		errors.Is(err, vectormath.ErrEmptyVector):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, msg string, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error(msg, zap.String("path", c.Path()), zap.Error(err))
	} else {
		logger.Debug(msg, zap.String("path", c.Path()), zap.Error(err))
	}

	body := fiber.Map{"error": msg}
	if status < fiber.StatusInternalServerError || status == fiber.StatusServiceUnavailable {
		body["detail"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
