// Package milvus is the embedding store: one vector per page, keyed by site
// and page id.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/logger"
	"github.com/sitegraph/backend/pkg/retry"
	"github.com/sitegraph/backend/pkg/vectormath"
)

const (
	fieldKey       = "page_key"
	fieldSiteID    = "site_id"
	fieldPageID    = "page_id"
	fieldClusterID = "cluster_id"
	fieldTextHash  = "text_hash"
	fieldEmbedding = "embedding"

	queryPageSize = 1000
)

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	Timeout        time.Duration
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

// Record is one stored page embedding.
type Record struct {
	SiteID    string
	PageID    string
	ClusterID string
	TextHash  string
	Vector    []float32
}

func NewClient(ctx context.Context, cfg Config, cb *circuitbreaker.CircuitBreaker, retryConfig retry.Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if retryConfig.Logger == nil {
		retryConfig.Logger = logger.GetLogger()
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		timeout:        cfg.Timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) Ping(ctx context.Context) error {
	_, err := m.client.HasCollection(ctx, m.collectionName)
	return err
}

func (m *Client) executeWithRetry(ctx context.Context, operation func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			return operation(ctx)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: milvus: %w", models.ErrDependencyFailure, err)
	}
	return nil
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return m.client.LoadCollection(ctx, m.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Page embeddings per site",
		Fields: []*entity.Field{
			{
				Name:       fieldKey,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     fieldSiteID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldPageID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldClusterID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldTextHash,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func siteFilter(siteID string) string {
	return fieldSiteID + " == " + strconv.Quote(siteID)
}

// pageFilter selects a site's rows whose primary key sorts after afterKey.
// Walking the key keeps every query inside Milvus's offset+limit window.
func pageFilter(siteID, afterKey string) string {
	if afterKey == "" {
		return siteFilter(siteID)
	}
	return siteFilter(siteID) + " && " + fieldKey + " > " + strconv.Quote(afterKey)
}

// lastKey returns the largest primary key in a query batch.
func lastKey(columns []entity.Column) string {
	var last string
	for _, col := range columns {
		c, ok := col.(*entity.ColumnVarChar)
		if !ok || c.Name() != fieldKey {
			continue
		}
		for _, k := range c.Data() {
			if k > last {
				last = k
			}
		}
	}
	return last
}

func pageKey(siteID, pageID string) string {
	return siteID + ":" + pageID
}

// GetEmbeddings pages through every stored vector of a site.
func (m *Client) GetEmbeddings(ctx context.Context, siteID string) ([]models.Embedding, error) {
	records, err := m.query(ctx, siteID, []string{fieldPageID, fieldClusterID, fieldEmbedding})
	if err != nil {
		return nil, err
	}

	embeddings := make([]models.Embedding, 0, len(records))
	for _, r := range records {
		embeddings = append(embeddings, models.Embedding{
			SiteID:    siteID,
			PageID:    r.PageID,
			ClusterID: r.ClusterID,
			Vector:    vectormath.Float64s(r.Vector),
		})
	}

	logger.Debug("Embeddings loaded", zap.String("site_id", siteID), zap.Int("count", len(embeddings)))
	return embeddings, nil
}

// GetTextHashes maps page id to the hash of the text its vector was built from.
func (m *Client) GetTextHashes(ctx context.Context, siteID string) (map[string]string, error) {
	records, err := m.query(ctx, siteID, []string{fieldPageID, fieldTextHash})
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string, len(records))
	for _, r := range records {
		hashes[r.PageID] = r.TextHash
	}
	return hashes, nil
}

func (m *Client) query(ctx context.Context, siteID string, fields []string) ([]Record, error) {
	fields = append([]string{fieldKey}, fields...)

	var records []Record
	after := ""
	for {
		var columns []entity.Column
		err := m.executeWithRetry(ctx, func(ctx context.Context) error {
			rs, err := m.client.Query(ctx, m.collectionName, nil, pageFilter(siteID, after), fields,
				client.WithLimit(queryPageSize))
			if err != nil {
				return err
			}
			columns = rs
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query embeddings for site %s: %w", siteID, err)
		}

		batch, err := recordsFromColumns(siteID, columns)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
		if len(batch) < queryPageSize {
			return records, nil
		}

		next := lastKey(columns)
		if next == "" || next <= after {
			return nil, fmt.Errorf("milvus returned no page keys past %q for site %s", after, siteID)
		}
		after = next
	}
}

func (m *Client) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	keys := make([]string, len(records))
	sites := make([]string, len(records))
	pages := make([]string, len(records))
	clusters := make([]string, len(records))
	hashes := make([]string, len(records))
	vectors := make([][]float32, len(records))

	for i, r := range records {
		if len(r.Vector) != m.vectorDim {
			return fmt.Errorf("page %s: vector has dimension %d, collection expects %d", r.PageID, len(r.Vector), m.vectorDim)
		}
		keys[i] = pageKey(r.SiteID, r.PageID)
		sites[i] = r.SiteID
		pages[i] = r.PageID
		clusters[i] = r.ClusterID
		hashes[i] = r.TextHash
		vectors[i] = r.Vector
	}

	err := m.executeWithRetry(ctx, func(ctx context.Context) error {
		_, err := m.client.Upsert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnVarChar(fieldKey, keys),
			entity.NewColumnVarChar(fieldSiteID, sites),
			entity.NewColumnVarChar(fieldPageID, pages),
			entity.NewColumnVarChar(fieldClusterID, clusters),
			entity.NewColumnVarChar(fieldTextHash, hashes),
			entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, vectors),
		)
		if err != nil {
			return err
		}
		return m.client.Flush(ctx, m.collectionName, false)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert embeddings: %w", err)
	}

	logger.Info("Embeddings upserted", zap.Int("count", len(records)))
	return nil
}

func recordsFromColumns(siteID string, columns []entity.Column) ([]Record, error) {
	var (
		pageIDs  []string
		clusters []string
		hashes   []string
		vectors  [][]float32
	)

	for _, col := range columns {
		switch c := col.(type) {
		case *entity.ColumnVarChar:
			switch c.Name() {
			case fieldPageID:
				pageIDs = c.Data()
			case fieldClusterID:
				clusters = c.Data()
			case fieldTextHash:
				hashes = c.Data()
			}
		case *entity.ColumnFloatVector:
			if c.Name() == fieldEmbedding {
				vectors = c.Data()
			}
		}
	}

	if vectors != nil && len(vectors) != len(pageIDs) {
		return nil, fmt.Errorf("milvus returned %d vectors for %d pages", len(vectors), len(pageIDs))
	}

	records := make([]Record, len(pageIDs))
	for i, id := range pageIDs {
		records[i] = Record{SiteID: siteID, PageID: id}
		if i < len(clusters) {
			records[i].ClusterID = clusters[i]
		}
		if i < len(hashes) {
			records[i].TextHash = hashes[i]
		}
		if vectors != nil {
			records[i].Vector = vectors[i]
		}
	}
	return records, nil
}
