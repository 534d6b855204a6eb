package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/sitegraph/backend/internal/metrics"
)

type Handlers struct {
	Audit       *AuditHandler
	Suggestions *SuggestionHandler
	Embeddings  *EmbeddingHandler
	Tasks       *TaskHandler
	Admin       *AdminHandler
	Health      *HealthHandler
}

// Register mounts the API under /api/v1. Nil handlers leave their routes out.
func Register(app *fiber.App, h Handlers, middleware ...fiber.Handler) {
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1", middleware...)

	if h.Health != nil {
		api.Get("/health", h.Health.Health)
		api.Get("/ready", h.Health.Ready)
	}

	sites := api.Group("/sites/:siteId")

	if h.Audit != nil {
		sites.Get("/audit", h.Audit.RunAudit)
		sites.Get("/pages/:pageId/onpage", h.Audit.AuditPage)
	}

	if h.Suggestions != nil {
		sites.Get("/suggestions", h.Suggestions.Generate)
		sites.Get("/suggestions/list", h.Suggestions.List)
		sites.Delete("/suggestions", h.Suggestions.Clear)
		sites.Post("/suggestions/:id/accept", h.Suggestions.Accept)
		sites.Post("/suggestions/:id/reject", h.Suggestions.Reject)
	}

	if h.Embeddings != nil {
		sites.Post("/embeddings/backfill", h.Embeddings.Backfill)
	}

	if h.Tasks != nil {
		api.Get("/tasks/:id", h.Tasks.GetTask)
		api.Get("/ws/tasks/:id", h.Tasks.Upgrade, websocket.New(h.Tasks.StreamTask))
	}

	if h.Admin != nil {
		api.Get("/admin/breakers", h.Admin.ListBreakers)
		api.Post("/admin/breakers/:name/reset", h.Admin.ResetBreaker)
	}
}
