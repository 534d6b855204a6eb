// Package suggest generates, caches and reviews internal link suggestions.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/internal/storage/models"
)

type Source string

const (
	SourceCache      Source = "cache"
	SourceCalculated Source = "calculated"
	SourceProcessing Source = "processing"
)

// ErrQueueUnavailable makes Generate fall back to inline computation.
var ErrQueueUnavailable = errors.New("task queue unavailable")

type GraphStore interface {
	GetTsprResults(ctx context.Context, siteID string) ([]models.AuthorityRecord, error)
	GetAllLinks(ctx context.Context, siteID string) ([]models.Edge, error)
	CreateLink(ctx context.Context, siteID, sourceID, targetID, anchor string) error
}

type EmbeddingStore interface {
	GetEmbeddings(ctx context.Context, siteID string) ([]models.Embedding, error)
}

// Store is the analytics store holding suggestion records. An empty status
// matches every status and a limit <= 0 means no limit.
type Store interface {
	GetTopSuggestions(ctx context.Context, siteID string, status models.SuggestionStatus, limit int) ([]models.Suggestion, error)
	// SaveSuggestions stores one generation run and supersedes the pending
	// rows of earlier runs.
	SaveSuggestions(ctx context.Context, siteID, generationID string, suggestions []models.Suggestion) error
	UpdateSuggestionStatus(ctx context.Context, siteID, id string, status models.SuggestionStatus, meta models.StatusUpdate) (*models.Suggestion, error)
	ClearSuggestions(ctx context.Context, siteID string, status models.SuggestionStatus) (int64, error)
}

type TaskQueue interface {
	EnqueueSuggestionTask(ctx context.Context, siteID string) (string, error)
}

type Config struct {
	MaxDistance      float64
	AuthorityFloor   float64
	ImpactMultiplier float64
	PersistCap       int
	ResponseCap      int
	LockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDistance:      0.8,
		AuthorityFloor:   0.0001,
		ImpactMultiplier: 1.2,
		PersistCap:       1000,
		ResponseCap:      100,
		LockTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDistance <= 0 {
		c.MaxDistance = d.MaxDistance
	}
	if c.AuthorityFloor <= 0 {
		c.AuthorityFloor = d.AuthorityFloor
	}
	if c.ImpactMultiplier <= 0 {
		c.ImpactMultiplier = d.ImpactMultiplier
	}
	if c.PersistCap <= 0 {
		c.PersistCap = d.PersistCap
	}
	if c.ResponseCap <= 0 {
		c.ResponseCap = d.ResponseCap
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

type Result struct {
	Source         Source              `json:"source"`
	TaskID         string              `json:"task_id,omitempty"`
	Suggestions    []models.Suggestion `json:"suggestions"`
	TotalGenerated int                 `json:"total_generated,omitempty"`
}

type Deps struct {
	Graph      GraphStore
	Embeddings EmbeddingStore
	Store      Store
	// Locker defaults to an in-process LocalLocker.
	Locker Locker
	// Queue is optional; without it every miss is computed inline.
	Queue TaskQueue
}

type Service struct {
	graph      GraphStore
	embeddings EmbeddingStore
	store      Store
	locker     Locker
	queue      TaskQueue
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		graph:      deps.Graph,
		embeddings: deps.Embeddings,
		store:      deps.Store,
		locker:     deps.Locker,
		queue:      deps.Queue,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

func lockKey(siteID string) string {
	return "sitegraph:lock:suggestions:" + siteID
}

// Generate returns cached pending suggestions unless force is set. On a miss
// the work is handed to the task queue, or computed inline when no queue is
// reachable.
func (s *Service) Generate(ctx context.Context, siteID string, force bool) (*Result, error) {
	if !force {
		cached, err := s.cached(ctx, siteID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			s.record(cached)
			return cached, nil
		}
	}

	if s.queue != nil {
		taskID, err := s.queue.EnqueueSuggestionTask(ctx, siteID)
		if err == nil {
			s.logger.Info("Suggestion generation queued",
				zap.String("site_id", siteID),
				zap.String("task_id", taskID),
			)
			result := &Result{Source: SourceProcessing, TaskID: taskID, Suggestions: []models.Suggestion{}}
			s.record(result)
			return result, nil
		}
		s.logger.Warn("Task queue unavailable, generating inline",
			zap.String("site_id", siteID),
			zap.Error(err),
		)
	}

	result, err := s.generateLocked(ctx, siteID, !force)
	if errors.Is(err, models.ErrGenerationInProgress) {
		result = &Result{Source: SourceProcessing, Suggestions: []models.Suggestion{}}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	s.record(result)
	return result, nil
}

// Regenerate recomputes suggestions for a site unconditionally. It returns
// models.ErrGenerationInProgress when another run holds the site lock.
func (s *Service) Regenerate(ctx context.Context, siteID string) (*Result, error) {
	return s.generateLocked(ctx, siteID, false)
}

func (s *Service) cached(ctx context.Context, siteID string) (*Result, error) {
	existing, err := s.store.GetTopSuggestions(ctx, siteID, models.StatusPending, s.cfg.ResponseCap)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached suggestions: %w", err)
	}
	if len(existing) == 0 {
		metrics.CacheMisses.WithLabelValues("suggestions").Inc()
		return nil, nil
	}
	metrics.CacheHits.WithLabelValues("suggestions").Inc()
	return &Result{Source: SourceCache, Suggestions: existing}, nil
}

func (s *Service) generateLocked(ctx context.Context, siteID string, recheckCache bool) (*Result, error) {
	lock, acquired, err := s.locker.TryLock(ctx, lockKey(siteID), s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire generation lock: %w", err)
	}
	if !acquired {
		s.logger.Info("Suggestion generation already running", zap.String("site_id", siteID))
		return nil, models.ErrGenerationInProgress
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release generation lock",
				zap.String("site_id", siteID),
				zap.Error(err),
			)
		}
	}()

	if recheckCache {
		cached, err := s.cached(ctx, siteID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	return s.generate(ctx, siteID)
}

func (s *Service) generate(ctx context.Context, siteID string) (*Result, error) {
	startTime := s.now()

	authority, err := s.graph.GetTsprResults(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load authority scores: %w", err)
	}
	embeddings, err := s.embeddings.GetEmbeddings(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	edges, err := s.graph.GetAllLinks(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load link graph: %w", err)
	}
	existing, err := s.store.GetTopSuggestions(ctx, siteID, "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing suggestions: %w", err)
	}

	// Pending and superseded pairs are refreshed in place and keep their id.
	reusableIDs := make(map[string]string)
	var reviewed []models.Suggestion
	for _, sg := range existing {
		switch sg.Status {
		case models.StatusPending, models.StatusSuperseded:
			reusableIDs[sg.PairKey()] = sg.ID
		default:
			reviewed = append(reviewed, sg)
		}
	}

	candidates, err := Candidates(Snapshot{
		SiteID:     siteID,
		Authority:  authority,
		Embeddings: embeddings,
		Edges:      edges,
		Reviewed:   reviewed,
	}, s.cfg)
	if err != nil {
		return nil, err
	}

	generationID := uuid.New().String()
	now := s.now().UTC().Truncate(time.Second)
	for i := range candidates {
		c := &candidates[i]
		if id, ok := reusableIDs[c.PairKey()]; ok {
			c.ID = id
		} else {
			c.ID = uuid.New().String()
		}
		c.GenerationID = generationID
		c.CreatedAt = now
		c.UpdatedAt = now
	}

	// An empty run is saved too so it supersedes the previous pending set.
	if err := s.store.SaveSuggestions(ctx, siteID, generationID, candidates); err != nil {
		return nil, fmt.Errorf("failed to save suggestions: %w", err)
	}

	metrics.SuggestionsGenerated.Observe(float64(len(candidates)))
	metrics.GenerationDuration.Observe(s.now().Sub(startTime).Seconds())

	s.logger.Info("Link suggestions generated",
		zap.String("site_id", siteID),
		zap.String("generation_id", generationID),
		zap.Int("pages", len(authority)),
		zap.Int("embeddings", len(embeddings)),
		zap.Int("edges", len(edges)),
		zap.Int("suggestions", len(candidates)),
	)

	returned := candidates
	if len(returned) > s.cfg.ResponseCap {
		returned = returned[:s.cfg.ResponseCap]
	}
	if returned == nil {
		returned = []models.Suggestion{}
	}

	return &Result{
		Source:         SourceCalculated,
		Suggestions:    returned,
		TotalGenerated: len(candidates),
	}, nil
}

// Accept marks a pending suggestion accepted and writes the link edge. An
// empty anchor keeps the suggested one. The edge write is best effort.
func (s *Service) Accept(ctx context.Context, siteID, id, anchor string) (*models.Suggestion, error) {
	updated, err := s.store.UpdateSuggestionStatus(ctx, siteID, id, models.StatusAccepted, models.StatusUpdate{FinalAnchor: anchor})
	if err != nil {
		metrics.ReviewActions.WithLabelValues("accept", "error").Inc()
		return nil, err
	}
	metrics.ReviewActions.WithLabelValues("accept", "ok").Inc()

	if err := s.graph.CreateLink(ctx, siteID, updated.SourcePageID, updated.TargetPageID, updated.FinalAnchor); err != nil {
		s.logger.Error("Failed to create link for accepted suggestion",
			zap.String("site_id", siteID),
			zap.String("suggestion_id", id),
			zap.Error(err),
		)
	}

	s.logger.Info("Suggestion accepted",
		zap.String("site_id", siteID),
		zap.String("suggestion_id", id),
		zap.String("anchor", updated.FinalAnchor),
	)
	return updated, nil
}

func (s *Service) Reject(ctx context.Context, siteID, id, reason string) (*models.Suggestion, error) {
	updated, err := s.store.UpdateSuggestionStatus(ctx, siteID, id, models.StatusRejected, models.StatusUpdate{RejectReason: reason})
	if err != nil {
		metrics.ReviewActions.WithLabelValues("reject", "error").Inc()
		return nil, err
	}
	metrics.ReviewActions.WithLabelValues("reject", "ok").Inc()

	s.logger.Info("Suggestion rejected",
		zap.String("site_id", siteID),
		zap.String("suggestion_id", id),
		zap.String("reason", reason),
	)
	return updated, nil
}

func (s *Service) List(ctx context.Context, siteID string, status models.SuggestionStatus, limit int) ([]models.Suggestion, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidSuggestionState, status)
	}
	return s.store.GetTopSuggestions(ctx, siteID, status, limit)
}

// Clear deletes suggestion records for a site, optionally only one status.
func (s *Service) Clear(ctx context.Context, siteID string, status models.SuggestionStatus) (int64, error) {
	if status != "" && !status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", models.ErrInvalidSuggestionState, status)
	}
	n, err := s.store.ClearSuggestions(ctx, siteID, status)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Suggestions cleared",
		zap.String("site_id", siteID),
		zap.String("status", string(status)),
		zap.Int64("deleted", n),
	)
	return n, nil
}

func (s *Service) record(r *Result) {
	metrics.SuggestionRequests.WithLabelValues(string(r.Source)).Inc()
}
