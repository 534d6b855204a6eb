// Package embedding keeps the embedding store in step with page text: pages
// whose text has no vector, or whose text changed since it was embedded, are
// embedded and upserted.
package embedding

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/internal/vector/milvus"
	"github.com/sitegraph/backend/pkg/utils"
)

type PageSource interface {
	GetPagesWithText(ctx context.Context, siteID string) ([]models.Page, error)
}

type VectorStore interface {
	GetTextHashes(ctx context.Context, siteID string) (map[string]string, error)
	Upsert(ctx context.Context, records []milvus.Record) error
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache stores vectors by text hash. Optional.
type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Config struct {
	BatchSize   int
	Concurrency int
	// MaxChars truncates page text before embedding.
	MaxChars int
	CacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		Concurrency: 4,
		MaxChars:    8000,
		CacheTTL:    24 * time.Hour,
	}
}

type Result struct {
	SiteID    string `json:"site_id"`
	Pages     int    `json:"pages"`
	Embedded  int    `json:"embedded"`
	CacheHits int    `json:"cache_hits"`
	Unchanged int    `json:"unchanged"`
}

type Backfiller struct {
	pages    PageSource
	vectors  VectorStore
	embedder Embedder
	cache    Cache
	cfg      Config
	logger   *zap.Logger
}

func NewBackfiller(pages PageSource, vectors VectorStore, embedder Embedder, cache Cache, cfg Config, logger *zap.Logger) *Backfiller {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{
		pages:    pages,
		vectors:  vectors,
		embedder: embedder,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
	}
}

type pending struct {
	page models.Page
	text string
	hash string
}

// Backfill embeds every page of the site whose stored text hash is missing
// or stale. With force set, every page with text is re-embedded.
func (b *Backfiller) Backfill(ctx context.Context, siteID string, force bool) (*Result, error) {
	start := time.Now()

	pages, err := b.pages.GetPagesWithText(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("%w: pages: %w", models.ErrDependencyFailure, err)
	}
	hashes, err := b.vectors.GetTextHashes(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings: %w", models.ErrDependencyFailure, err)
	}

	res := &Result{SiteID: siteID, Pages: len(pages)}
	var todo []pending
	for _, p := range pages {
		text := PageText(p, b.cfg.MaxChars)
		if text == "" {
			continue
		}
		hash := utils.ContentHash(text)
		if !force && hashes[p.PageID] == hash {
			res.Unchanged++
			continue
		}
		todo = append(todo, pending{page: p, text: text, hash: hash})
	}

	var embedded, hits atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	for i := 0; i < len(todo); i += b.cfg.BatchSize {
		end := i + b.cfg.BatchSize
		if end > len(todo) {
			end = len(todo)
		}
		batch := todo[i:end]

		g.Go(func() error {
			n, h, err := b.embedBatch(gctx, siteID, batch)
			if err != nil {
				return err
			}
			embedded.Add(int64(n))
			hits.Add(int64(h))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.logger.Error("Embedding backfill failed",
			zap.String("site_id", siteID),
			zap.Int64("embedded", embedded.Load()),
			zap.Error(err),
		)
		return nil, err
	}

	res.Embedded = int(embedded.Load())
	res.CacheHits = int(hits.Load())
	metrics.EmbeddingsBackfilled.Add(float64(res.Embedded))

	b.logger.Info("Embedding backfill completed",
		zap.String("site_id", siteID),
		zap.Int("pages", res.Pages),
		zap.Int("embedded", res.Embedded),
		zap.Int("cache_hits", res.CacheHits),
		zap.Int("unchanged", res.Unchanged),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (b *Backfiller) embedBatch(ctx context.Context, siteID string, batch []pending) (int, int, error) {
	vectors := make([][]float32, len(batch))
	var missTexts []string
	var missIdx []int
	hits := 0

	for i, p := range batch {
		if v, ok := b.cached(ctx, p.hash); ok {
			vectors[i] = v
			hits++
			continue
		}
		missTexts = append(missTexts, p.text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		generated, err := b.embedder.GenerateBatchEmbeddings(ctx, missTexts)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: embedder: %w", models.ErrDependencyFailure, err)
		}
		if len(generated) != len(missTexts) {
			return 0, 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(generated), len(missTexts))
		}
		for j, idx := range missIdx {
			vectors[idx] = generated[j]
			b.store(ctx, batch[idx].hash, generated[j])
		}
	}

	records := make([]milvus.Record, len(batch))
	for i, p := range batch {
		records[i] = milvus.Record{
			SiteID:    siteID,
			PageID:    p.page.PageID,
			ClusterID: p.page.ClusterID,
			TextHash:  p.hash,
			Vector:    vectors[i],
		}
	}
	if err := b.vectors.Upsert(ctx, records); err != nil {
		return 0, 0, fmt.Errorf("%w: embeddings: %w", models.ErrDependencyFailure, err)
	}
	return len(batch), hits, nil
}

// cached treats cache errors as misses.
func (b *Backfiller) cached(ctx context.Context, hash string) ([]float32, bool) {
	if b.cache == nil {
		return nil, false
	}
	v, ok, err := b.cache.GetEmbedding(ctx, hash)
	if err != nil {
		b.logger.Warn("Embedding cache read failed", zap.String("text_hash", hash), zap.Error(err))
		return nil, false
	}
	if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return v, true
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()
	return nil, false
}

func (b *Backfiller) store(ctx context.Context, hash string, v []float32) {
	if b.cache == nil {
		return
	}
	if err := b.cache.SetEmbedding(ctx, hash, v, b.cfg.CacheTTL); err != nil {
		b.logger.Warn("Embedding cache write failed", zap.String("text_hash", hash), zap.Error(err))
	}
}

var whitespace = regexp.MustCompile(`\s+`)

// PageText is the text a page is embedded from: its extracted text, or the
// visible body text of its HTML, collapsed and truncated to maxChars runes.
func PageText(p models.Page, maxChars int) string {
	text := p.Text
	if strings.TrimSpace(text) == "" && p.HTML != "" {
		text = visibleText(p.HTML)
	}

	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars])
	}
	return text
}

func visibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, nav, footer, header, aside").Remove()
	return doc.Find("body").Text()
}
