// Package app wires configuration into the stores and engines shared by the
// api, worker and backfill binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/api/handlers"
	"github.com/sitegraph/backend/internal/audit"
	"github.com/sitegraph/backend/internal/cache/redis"
	"github.com/sitegraph/backend/internal/embedding"
	"github.com/sitegraph/backend/internal/graph/neo4j"
	"github.com/sitegraph/backend/internal/llm"
	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/internal/onpage"
	"github.com/sitegraph/backend/internal/orphans"
	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/internal/storage/sqlite"
	"github.com/sitegraph/backend/internal/suggest"
	"github.com/sitegraph/backend/internal/tasks"
	"github.com/sitegraph/backend/internal/vector/milvus"
	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/config"
	"github.com/sitegraph/backend/pkg/logger"
	"github.com/sitegraph/backend/pkg/retry"
	"github.com/sitegraph/backend/pkg/vectormath"
)

// App holds every long-lived client and engine.
type App struct {
	Config   *config.Config
	Breakers *circuitbreaker.Registry

	Graph   *neo4j.Client
	Vectors *milvus.Client
	SQLite  *sqlite.Client
	Redis   *redis.Client // nil when redis.enabled is false
	Queue   *redis.TaskQueue
	LLM     *llm.Client

	Audit       *audit.Engine
	OnPage      *onpage.Scorer
	Orphans     *orphans.Detector
	Suggestions *suggest.Service
	Backfiller  *embedding.Backfiller
}

// BreakerConfig converts the breaker section and reports transitions to
// Prometheus.
func BreakerConfig(cfg config.BreakerConfig) circuitbreaker.Config {
	c := circuitbreaker.DefaultConfig()
	c.FailureThreshold = uint32(cfg.Threshold)
	c.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	c.OnStateChange = metrics.ObserveBreaker
	c.Logger = logger.Named("circuitbreaker")
	return c
}

// RetryConfig converts the retry section. Open circuits and domain errors
// are never retried.
func RetryConfig(cfg config.RetryConfig) retry.Config {
	return retry.Config{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        Retryable,
		Logger:         logger.Named("retry"),
	}
}

func Retryable(err error) bool {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, models.ErrPageNotFound),
		errors.Is(err, models.ErrInvalidSuggestionState),
		errors.Is(err, vectormath.ErrDimensionMismatch),
		errors.Is(err, vectormath.ErrEmptyVector):
		return false
	}
	return true
}

func SuggestConfig(cfg config.SuggestConfig) suggest.Config {
	return suggest.Config{
		MaxDistance:      cfg.MaxDistance,
		AuthorityFloor:   cfg.AuthorityFloor,
		ImpactMultiplier: cfg.ImpactMultiplier,
		PersistCap:       cfg.PersistCap,
		ResponseCap:      cfg.ResponseCap,
		LockTTL:          time.Duration(cfg.LockTTLSec) * time.Second,
	}
}

func OnPageConfig(cfg config.OnPageConfig) onpage.Config {
	return onpage.Config{
		MinTitleLength:     cfg.MinTitleLength,
		MaxTitleLength:     cfg.MaxTitleLength,
		MinInternalLinks:   cfg.MinInternalLinks,
		MaxInternalLinks:   cfg.MaxInternalLinks,
		MinContentWords:    cfg.MinContentWords,
		MinKeywordDensity:  cfg.MinKeywordDensity,
		MaxKeywordDensity:  cfg.MaxKeywordDensity,
		CountSkippedChecks: cfg.CountSkippedChecks,
	}
}

// New connects every store and builds the engines on top of them. On error
// whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		Breakers: circuitbreaker.NewRegistry(BreakerConfig(cfg.Breaker)),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close(context.Background())
		}
	}()

	retryCfg := RetryConfig(cfg.Retry)

	var err error
	a.SQLite, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err = a.SQLite.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a.Graph, err = neo4j.NewClient(ctx, neo4j.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
		Timeout:  time.Duration(cfg.Neo4j.TimeoutSec) * time.Second,
	}, a.Breakers.Get("neo4j"), retryCfg)
	if err != nil {
		return nil, err
	}

	a.Vectors, err = milvus.NewClient(ctx, milvus.Config{
		Endpoint:       cfg.Milvus.Endpoint,
		APIKey:         cfg.Milvus.APIKey,
		CollectionName: cfg.Milvus.CollectionName,
		VectorDim:      cfg.Milvus.VectorDim,
	}, a.Breakers.Get("milvus"), retryCfg)
	if err != nil {
		return nil, err
	}
	if err = a.Vectors.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	deps := suggest.Deps{Graph: a.Graph, Embeddings: a.Vectors, Store: a.SQLite}
	var cache embedding.Cache

	if cfg.Redis.Enabled {
		a.Redis, err = redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB,
			a.Breakers.Get("redis"), retryCfg)
		if err != nil {
			return nil, err
		}
		deps.Locker = redis.NewLocker(a.Redis)
		cache = a.Redis
		if cfg.Queue.Enabled {
			a.Queue = redis.NewTaskQueue(a.Redis, cfg.Queue.Name)
			deps.Queue = a.Queue
		}
	} else {
		logger.Warn("Redis disabled: using in-process locks and inline generation")
	}

	a.LLM = llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	}, a.Breakers.Get("llm"), retryCfg)

	a.Orphans = orphans.NewDetector(a.Vectors, a.Graph, orphans.Config{
		Neighbors:    cfg.Orphans.Neighbors,
		ForeignRatio: cfg.Orphans.ForeignRatio,
	}, logger.Named("orphans"))
	a.Audit = audit.NewEngine(a.Graph, a.Orphans, audit.Config{ThinContentWords: cfg.Audit.ThinContentWords}, logger.Named("audit"))
	a.OnPage = onpage.NewScorer(a.Graph, OnPageConfig(cfg.OnPage), logger.Named("onpage"))
	a.Suggestions = suggest.NewService(deps, SuggestConfig(cfg.Suggest), logger.Named("suggest"))

	backfillCfg := embedding.DefaultConfig()
	backfillCfg.CacheTTL = time.Duration(cfg.LLM.EmbeddingCacheTTL) * time.Second
	a.Backfiller = embedding.NewBackfiller(a.Graph, a.Vectors, a.LLM, cache, backfillCfg, logger.Named("embedding"))

	ready = true
	return a, nil
}

// Handlers builds the HTTP handlers over the engines.
func (a *App) Handlers() handlers.Handlers {
	deps := map[string]handlers.Pinger{
		"neo4j":  a.Graph,
		"milvus": a.Vectors,
		"sqlite": a.SQLite,
	}
	var taskStatus handlers.TaskStatusReader
	if a.Redis != nil {
		deps["redis"] = a.Redis
	}
	if a.Queue != nil {
		taskStatus = a.Queue
	}

	return handlers.Handlers{
		Audit:       handlers.NewAuditHandler(a.Audit, a.OnPage),
		Suggestions: handlers.NewSuggestionHandler(a.Suggestions),
		Embeddings:  handlers.NewEmbeddingHandler(a.Backfiller),
		Tasks:       handlers.NewTaskHandler(taskStatus),
		Admin:       handlers.NewAdminHandler(a.Breakers),
		Health:      handlers.NewHealthHandler(deps),
	}
}

// Worker builds the queue consumer. It returns nil when the queue is
// disabled.
func (a *App) Worker() *tasks.Worker {
	if a.Queue == nil {
		return nil
	}
	cfg := tasks.DefaultConfig()
	cfg.Workers = a.Config.Queue.Workers
	cfg.TaskTimeout = time.Duration(a.Config.Suggest.LockTTLSec) * time.Second
	return tasks.NewWorker(a.Queue, a.Suggestions, cfg, logger.Named("tasks"))
}

func (a *App) Close(ctx context.Context) {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.Vectors != nil {
		if err := a.Vectors.Close(); err != nil {
			logger.Warn("Failed to close milvus", zap.Error(err))
		}
	}
	if a.Graph != nil {
		if err := a.Graph.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j", zap.Error(err))
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			logger.Warn("Failed to close sqlite", zap.Error(err))
		}
	}
}
