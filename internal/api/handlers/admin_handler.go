package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/logger"
)

type AdminHandler struct {
	breakers *circuitbreaker.Registry
}

func NewAdminHandler(breakers *circuitbreaker.Registry) *AdminHandler {
	return &AdminHandler{breakers: breakers}
}

func (h *AdminHandler) ListBreakers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"breakers": h.breakers.Snapshots()})
}

func (h *AdminHandler) ResetBreaker(c *fiber.Ctx) error {
	name := c.Params("name")
	cb, ok := h.breakers.Lookup(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown circuit breaker"})
	}

	cb.Reset()
	logger.Warn("Circuit breaker reset by operator", zap.String("name", name), zap.String("ip", c.IP()))

	return c.JSON(cb.Snapshot())
}
