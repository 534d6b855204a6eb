package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/logger"
	"github.com/sitegraph/backend/pkg/retry"
)

const keyPrefix = "sitegraph:"

type Client struct {
	client      *redis.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, host string, port int, password string, db int, cb *circuitbreaker.CircuitBreaker, retryConfig retry.Config) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewFromClient(client).WithBreaker(cb, retryConfig), nil
}

// NewFromClient wraps an existing go-redis client. Commands run unguarded
// until WithBreaker is called.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

// WithBreaker routes every command except Ping through cb with retries.
func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker, retryConfig retry.Config) *Client {
	c.cb = cb
	c.retryConfig = retryConfig
	return c
}

// executeWithRetry runs operation behind the breaker. Misses and lost
// races are results, not failures, so operations must map redis.Nil to a
// nil error themselves.
func (c *Client) executeWithRetry(ctx context.Context, operation func(ctx context.Context) error) error {
	if c.cb == nil {
		return operation(ctx)
	}

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			return operation(ctx)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: redis: %w", models.ErrDependencyFailure, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func embeddingKey(textHash string) string {
	return keyPrefix + "embedding:" + textHash
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, embeddingKey(textHash), data, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, found, err := c.getBytes(ctx, embeddingKey(textHash))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

func (c *Client) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// getBytes reports a missing key as found == false with a nil error.
func (c *Client) getBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	found := false
	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		v, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		data, found = v, true
		return nil
	})
	return data, found, err
}

func (c *Client) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, found, err := c.getBytes(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}
