package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 3 * time.Second}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Ready pings every dependency concurrently and answers 503 if any is down.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	results := make(map[string]string, len(h.deps))
	ready := true
	type outcome struct {
		name string
		err  error
	}
	out := make(chan outcome, len(h.deps))

	var g errgroup.Group
	for name, dep := range h.deps {
		name, dep := name, dep
		g.Go(func() error {
			out <- outcome{name: name, err: dep.Ping(ctx)}
			return nil
		})
	}
	_ = g.Wait()
	close(out)

	for o := range out {
		if o.err != nil {
			results[o.name] = o.err.Error()
			ready = false
			continue
		}
		results[o.name] = "ok"
	}

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":       "not_ready",
			"dependencies": results,
		})
	}
	return c.JSON(fiber.Map{
		"status":       "ready",
		"dependencies": results,
	})
}
