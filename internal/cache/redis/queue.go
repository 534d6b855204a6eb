package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/logger"
)

const (
	TaskKindSuggestions = "generate_suggestions"

	taskStatusTTL = 24 * time.Hour
	siteTaskTTL   = time.Hour
)

var ErrTaskNotFound = errors.New("task not found")

type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SiteID     string    `json:"site_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskQueue is a Redis list of JSON tasks. At most one suggestion task per
// site is outstanding at a time.
type TaskQueue struct {
	client *Client
	name   string
	now    func() time.Time
}

func NewTaskQueue(client *Client, name string) *TaskQueue {
	return &TaskQueue{client: client, name: name, now: time.Now}
}

func siteTaskKey(siteID string) string {
	return keyPrefix + "tasks:site:" + siteID
}

func taskStatusKey(taskID string) string {
	return keyPrefix + "tasks:status:" + taskID
}

// EnqueueSuggestionTask returns the id of the outstanding task for the site
// if there is one, otherwise pushes a new task.
func (q *TaskQueue) EnqueueSuggestionTask(ctx context.Context, siteID string) (string, error) {
	c := q.client
	rdb := c.client
	taskID := uuid.New().String()

	var claimed bool
	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = rdb.SetNX(ctx, siteTaskKey(siteID), taskID, siteTaskTTL).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to claim site task: %w", err)
	}
	if !claimed {
		existing, found, err := c.getBytes(ctx, siteTaskKey(siteID))
		if err != nil {
			return "", fmt.Errorf("failed to read site task: %w", err)
		}
		if found {
			logger.Debug("Suggestion task already queued",
				zap.String("site_id", siteID),
				zap.String("task_id", string(existing)),
			)
			return string(existing), nil
		}
		// The claim expired between SETNX and GET; take it now.
		err = c.executeWithRetry(ctx, func(ctx context.Context) error {
			return rdb.Set(ctx, siteTaskKey(siteID), taskID, siteTaskTTL).Err()
		})
		if err != nil {
			return "", fmt.Errorf("failed to claim site task: %w", err)
		}
	}

	now := q.now().UTC()
	task := Task{ID: taskID, Kind: TaskKindSuggestions, SiteID: siteID, EnqueuedAt: now}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	release := func() {
		_ = c.executeWithRetry(ctx, func(ctx context.Context) error {
			return rdb.Del(ctx, siteTaskKey(siteID)).Err()
		})
	}

	status := models.TaskStatus{TaskID: taskID, SiteID: siteID, State: models.TaskQueued, UpdatedAt: now}
	if err := q.SetStatus(ctx, status); err != nil {
		release()
		return "", err
	}

	err = c.executeWithRetry(ctx, func(ctx context.Context) error {
		return rdb.LPush(ctx, q.name, payload).Err()
	})
	if err != nil {
		release()
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	logger.Info("Task enqueued",
		zap.String("queue", q.name),
		zap.String("task_id", taskID),
		zap.String("site_id", siteID),
	)
	return taskID, nil
}

// Dequeue blocks up to timeout for the next task. It returns nil, nil when
// the wait times out or ctx is cancelled while waiting.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	var res []string
	err := q.client.executeWithRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = q.client.client.BRPop(ctx, timeout, q.name).Result()
		// A shutdown interrupting the wait says nothing about redis health.
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			res = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}
	if res == nil {
		return nil, ctx.Err()
	}

	// BRPOP replies with [queue, payload].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// Complete records the terminal status and frees the site for new tasks.
func (q *TaskQueue) Complete(ctx context.Context, task *Task, generated int, taskErr error) error {
	status := models.TaskStatus{
		TaskID:    task.ID,
		SiteID:    task.SiteID,
		State:     models.TaskCompleted,
		Generated: generated,
		UpdatedAt: q.now().UTC(),
	}
	if taskErr != nil {
		status.State = models.TaskFailed
		status.Error = taskErr.Error()
	}

	if err := q.SetStatus(ctx, status); err != nil {
		return err
	}

	err := q.client.executeWithRetry(ctx, func(ctx context.Context) error {
		_, err := compareAndDelete.Run(ctx, q.client.client, []string{siteTaskKey(task.SiteID)}, task.ID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release site task: %w", err)
	}
	return nil
}

func (q *TaskQueue) MarkRunning(ctx context.Context, task *Task) error {
	return q.SetStatus(ctx, models.TaskStatus{
		TaskID:    task.ID,
		SiteID:    task.SiteID,
		State:     models.TaskRunning,
		UpdatedAt: q.now().UTC(),
	})
}

func (q *TaskQueue) SetStatus(ctx context.Context, status models.TaskStatus) error {
	if err := q.client.setJSON(ctx, taskStatusKey(status.TaskID), status, taskStatusTTL); err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	return nil
}

func (q *TaskQueue) GetStatus(ctx context.Context, taskID string) (*models.TaskStatus, error) {
	var status models.TaskStatus
	found, err := q.client.getJSON(ctx, taskStatusKey(taskID), &status)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return &status, nil
}

func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.client.executeWithRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.client.client.LLen(ctx, q.name).Result()
		return err
	})
	return n, err
}
