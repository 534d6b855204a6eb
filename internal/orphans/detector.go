// Package orphans finds pages whose nearest semantic neighbours mostly sit in
// other topic clusters.
package orphans

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/vectormath"
)

type EmbeddingStore interface {
	GetEmbeddings(ctx context.Context, siteID string) ([]models.Embedding, error)
}

type PageLister interface {
	GetPagesBySite(ctx context.Context, siteID string) ([]models.Page, error)
}

type Config struct {
	Neighbors    int
	ForeignRatio float64
}

func DefaultConfig() Config {
	return Config{Neighbors: 5, ForeignRatio: 0.7}
}

type Detector struct {
	embeddings EmbeddingStore
	pages      PageLister
	cfg        Config
	logger     *zap.Logger
}

func NewDetector(embeddings EmbeddingStore, pages PageLister, cfg Config, logger *zap.Logger) *Detector {
	d := DefaultConfig()
	if cfg.Neighbors <= 0 {
		cfg.Neighbors = d.Neighbors
	}
	if cfg.ForeignRatio <= 0 {
		cfg.ForeignRatio = d.ForeignRatio
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{embeddings: embeddings, pages: pages, cfg: cfg, logger: logger}
}

func (d *Detector) GetSemanticOrphans(ctx context.Context, siteID string) ([]models.Orphan, error) {
	embeddings, err := d.embeddings.GetEmbeddings(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}

	ids, err := Detect(embeddings, d.cfg)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Orphan{}, nil
	}

	pages, err := d.pages.GetPagesBySite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pages: %w", err)
	}
	urls := make(map[string]string, len(pages))
	for _, p := range pages {
		urls[p.PageID] = p.URL
	}

	orphans := make([]models.Orphan, 0, len(ids))
	for _, id := range ids {
		orphans = append(orphans, models.Orphan{PageID: id, URL: urls[id]})
	}

	d.logger.Debug("Semantic orphans detected",
		zap.String("site_id", siteID),
		zap.Int("embeddings", len(embeddings)),
		zap.Int("orphans", len(orphans)),
	)

	return orphans, nil
}

// Detect returns the ids, sorted, of clustered pages where more than
// ForeignRatio of the nearest Neighbors belong to a different cluster.
func Detect(embeddings []models.Embedding, cfg Config) ([]string, error) {
	if len(embeddings) < 2 {
		return nil, nil
	}

	clusterOf := make(map[string]string, len(embeddings))
	for _, e := range embeddings {
		clusterOf[e.PageID] = e.ClusterID
	}

	var orphans []string
	for i, e := range embeddings {
		if e.ClusterID == "" {
			continue
		}

		candidates := make([]vectormath.Candidate, 0, len(embeddings)-1)
		for j, other := range embeddings {
			if i == j {
				continue
			}
			candidates = append(candidates, vectormath.Candidate{ID: other.PageID, Vector: other.Vector})
		}

		neighbors, err := vectormath.KNearestNeighbors(e.Vector, candidates, cfg.Neighbors)
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", e.PageID, err)
		}
		if len(neighbors) == 0 {
			continue
		}

		foreign := 0
		for _, n := range neighbors {
			if clusterOf[n.ID] != e.ClusterID {
				foreign++
			}
		}
		if float64(foreign)/float64(len(neighbors)) > cfg.ForeignRatio {
			orphans = append(orphans, e.PageID)
		}
	}

	sort.Strings(orphans)
	return orphans, nil
}
