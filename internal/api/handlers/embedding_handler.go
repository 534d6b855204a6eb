package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/sitegraph/backend/internal/embedding"
)

type Backfiller interface {
	Backfill(ctx context.Context, siteID string, force bool) (*embedding.Result, error)
}

type EmbeddingHandler struct {
	backfiller Backfiller
}

func NewEmbeddingHandler(backfiller Backfiller) *EmbeddingHandler {
	return &EmbeddingHandler{backfiller: backfiller}
}

func (h *EmbeddingHandler) Backfill(c *fiber.Ctx) error {
	result, err := h.backfiller.Backfill(c.UserContext(), c.Params("siteId"), c.QueryBool("force", false))
	if err != nil {
		return respondError(c, "Failed to backfill embeddings", err)
	}
	return c.JSON(result)
}
