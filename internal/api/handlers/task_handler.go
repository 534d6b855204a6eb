package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/cache/redis"
	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/logger"
)

type TaskStatusReader interface {
	GetStatus(ctx context.Context, taskID string) (*models.TaskStatus, error)
}

type TaskHandler struct {
	tasks        TaskStatusReader
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewTaskHandler(tasks TaskStatusReader) *TaskHandler {
	return &TaskHandler{
		tasks:        tasks,
		pollInterval: 500 * time.Millisecond,
		maxWait:      15 * time.Minute,
	}
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	if h.tasks == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Task queue is disabled"})
	}

	status, err := h.tasks.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, "Failed to get task status", err)
	}
	return c.JSON(status)
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *TaskHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// StreamTask pushes the task status every time it changes and closes the
// connection once the task reaches a terminal state.
func (h *TaskHandler) StreamTask(c *websocket.Conn) {
	taskID := c.Params("id")
	logger.Info("Task stream opened", zap.String("task_id", taskID))

	defer func() {
		c.Close()
		logger.Info("Task stream closed", zap.String("task_id", taskID))
	}()

	if h.tasks == nil {
		h.sendError(c, "Task queue is disabled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.maxWait)
	defer cancel()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last models.TaskState
	var lastUpdate time.Time
	for {
		status, err := h.tasks.GetStatus(ctx, taskID)
		if err != nil {
			if errors.Is(err, redis.ErrTaskNotFound) {
				h.sendError(c, "Task not found")
			} else {
				logger.Error("Failed to read task status", zap.String("task_id", taskID), zap.Error(err))
				h.sendError(c, "Failed to read task status")
			}
			return
		}

		if status.State != last || !status.UpdatedAt.Equal(lastUpdate) {
			last, lastUpdate = status.State, status.UpdatedAt
			if err := c.WriteJSON(fiber.Map{"type": "status", "status": status}); err != nil {
				logger.Debug("Task stream write failed", zap.String("task_id", taskID), zap.Error(err))
				return
			}
		}

		if status.State.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			h.sendError(c, "Timed out waiting for task")
			return
		case <-ticker.C:
		}
	}
}

func (h *TaskHandler) sendError(c *websocket.Conn, msg string) {
	_ = c.WriteJSON(fiber.Map{
		"type":  "error",
		"error": msg,
	})
}
