package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/sitegraph/backend/internal/onpage"
	"github.com/sitegraph/backend/internal/storage/models"
)

type SiteAuditor interface {
	RunAudit(ctx context.Context, siteID string) (*models.AuditResult, error)
}

type PageScorer interface {
	AuditPage(ctx context.Context, siteID, pageID, targetKeyword string) (*onpage.Result, error)
}

type AuditHandler struct {
	auditor SiteAuditor
	scorer  PageScorer
}

func NewAuditHandler(auditor SiteAuditor, scorer PageScorer) *AuditHandler {
	return &AuditHandler{auditor: auditor, scorer: scorer}
}

func (h *AuditHandler) RunAudit(c *fiber.Ctx) error {
	result, err := h.auditor.RunAudit(c.UserContext(), c.Params("siteId"))
	if err != nil {
		return respondError(c, "Failed to run site audit", err)
	}
	return c.JSON(result)
}

func (h *AuditHandler) AuditPage(c *fiber.Ctx) error {
	result, err := h.scorer.AuditPage(c.UserContext(), c.Params("siteId"), c.Params("pageId"), c.Query("keyword"))
	if err != nil {
		return respondError(c, "Failed to audit page", err)
	}
	return c.JSON(result)
}
