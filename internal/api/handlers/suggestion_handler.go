package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/internal/suggest"
)

type SuggestionService interface {
	Generate(ctx context.Context, siteID string, force bool) (*suggest.Result, error)
	List(ctx context.Context, siteID string, status models.SuggestionStatus, limit int) ([]models.Suggestion, error)
	Clear(ctx context.Context, siteID string, status models.SuggestionStatus) (int64, error)
	Accept(ctx context.Context, siteID, id, anchor string) (*models.Suggestion, error)
	Reject(ctx context.Context, siteID, id, reason string) (*models.Suggestion, error)
}

const statusHint = "status must be one of pending, accepted, rejected, superseded"

type SuggestionHandler struct {
	service SuggestionService
}

func NewSuggestionHandler(service SuggestionService) *SuggestionHandler {
	return &SuggestionHandler{service: service}
}

// Generate serves cached suggestions, or starts a generation run. A queued
// run answers 202 with the task id.
func (h *SuggestionHandler) Generate(c *fiber.Ctx) error {
	siteID := c.Params("siteId")
	force := c.QueryBool("refresh", false)

	result, err := h.service.Generate(c.UserContext(), siteID, force)
	if err != nil {
		return respondError(c, "Failed to generate suggestions", err)
	}

	if result.Source == suggest.SourceProcessing {
		return c.Status(fiber.StatusAccepted).JSON(result)
	}
	return c.JSON(result)
}

func (h *SuggestionHandler) List(c *fiber.Ctx) error {
	status := models.SuggestionStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return badRequest(c, statusHint)
	}

	limit := c.QueryInt("limit", 100)
	if limit < 0 {
		return badRequest(c, "limit must be >= 0")
	}

	suggestions, err := h.service.List(c.UserContext(), c.Params("siteId"), status, limit)
	if err != nil {
		return respondError(c, "Failed to list suggestions", err)
	}

	return c.JSON(fiber.Map{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

func (h *SuggestionHandler) Clear(c *fiber.Ctx) error {
	status := models.SuggestionStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return badRequest(c, statusHint)
	}

	deleted, err := h.service.Clear(c.UserContext(), c.Params("siteId"), status)
	if err != nil {
		return respondError(c, "Failed to clear suggestions", err)
	}

	return c.JSON(fiber.Map{"deleted": deleted})
}

func (h *SuggestionHandler) Accept(c *fiber.Ctx) error {
	var req struct {
		AnchorText string `json:"anchor_text"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	s, err := h.service.Accept(c.UserContext(), c.Params("siteId"), c.Params("id"), req.AnchorText)
	if err != nil {
		return respondError(c, "Failed to accept suggestion", err)
	}
	return c.JSON(s)
}

func (h *SuggestionHandler) Reject(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	s, err := h.service.Reject(c.UserContext(), c.Params("siteId"), c.Params("id"), req.Reason)
	if err != nil {
		return respondError(c, "Failed to reject suggestion", err)
	}
	return c.JSON(s)
}
