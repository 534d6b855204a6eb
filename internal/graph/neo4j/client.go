// Package neo4j is the page/graph store: crawled pages as (:Page) nodes and
// internal links as [:LINKS_TO] relationships, scoped by site_id.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/logger"
	"github.com/sitegraph/backend/pkg/retry"
)

type Config struct {
	URI      string
	Username string
	Password string
	Database string
	Timeout  time.Duration
}

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, cfg Config, cb *circuitbreaker.CircuitBreaker, retryConfig retry.Config) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if retryConfig.Logger == nil {
		retryConfig.Logger = logger.GetLogger()
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))

	return &Client{
		driver:      driver,
		database:    cfg.Database,
		timeout:     cfg.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// executeWithRetry runs operation in a fresh session, retried inside the
// breaker. Failures are reported as models.ErrDependencyFailure.
func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   mode,
			})
			defer session.Close(ctx)
			return operation(session)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: neo4j: %w", models.ErrDependencyFailure, err)
	}
	return nil
}

func (c *Client) collect(ctx context.Context, query string, params map[string]any, each func(*neo4j.Record)) error {
	return c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, params)
		if err != nil {
			return err
		}
		for result.Next(ctx) {
			each(result.Record())
		}
		return result.Err()
	})
}

const pageFields = `
	p.site_id AS site_id,
	p.page_id AS page_id,
	p.url AS url,
	p.title AS title,
	p.h1 AS h1,
	p.status_code AS status_code,
	p.word_count AS word_count,
	p.canonical_id AS canonical_id,
	p.link_count_internal AS link_count_internal,
	p.cluster_id AS cluster_id,
	p.tspr AS authority_score`

func (c *Client) GetPagesBySite(ctx context.Context, siteID string) ([]models.Page, error) {
	query := `
		MATCH (p:Page {site_id: $site_id})
		RETURN ` + pageFields + `
		ORDER BY p.page_id
	`

	pages := []models.Page{}
	err := c.collect(ctx, query, map[string]any{"site_id": siteID}, func(record *neo4j.Record) {
		pages = append(pages, pageFromRecord(record))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pages for site %s: %w", siteID, err)
	}

	logger.Debug("Pages loaded from graph", zap.String("site_id", siteID), zap.Int("pages", len(pages)))
	return pages, nil
}

// GetPageByID returns models.ErrPageNotFound when no page matches.
func (c *Client) GetPageByID(ctx context.Context, siteID, pageID string) (*models.Page, error) {
	query := `
		MATCH (p:Page {site_id: $site_id, page_id: $page_id})
		RETURN ` + pageFields + `,
			p.text AS text,
			p.html AS html
		LIMIT 1
	`

	var page *models.Page
	err := c.collect(ctx, query, map[string]any{"site_id": siteID, "page_id": pageID}, func(record *neo4j.Record) {
		p := pageFromRecord(record)
		page = &p
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", pageID, err)
	}
	if page == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrPageNotFound, pageID)
	}
	return page, nil
}

// GetPagesWithText lists pages that carry extracted text or raw HTML, for
// embedding.
func (c *Client) GetPagesWithText(ctx context.Context, siteID string) ([]models.Page, error) {
	query := `
		MATCH (p:Page {site_id: $site_id})
		WHERE coalesce(p.text, '') <> '' OR coalesce(p.html, '') <> ''
		RETURN p.page_id AS page_id, p.url AS url, p.cluster_id AS cluster_id,
			p.text AS text, p.html AS html
		ORDER BY p.page_id
	`

	pages := []models.Page{}
	err := c.collect(ctx, query, map[string]any{"site_id": siteID}, func(record *neo4j.Record) {
		pages = append(pages, models.Page{
			SiteID:    siteID,
			PageID:    stringValue(record, "page_id"),
			URL:       stringValue(record, "url"),
			ClusterID: stringValue(record, "cluster_id"),
			Text:      stringValue(record, "text"),
			HTML:      stringValue(record, "html"),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get page texts for site %s: %w", siteID, err)
	}
	return pages, nil
}

// GetTsprResults reads the precomputed authority score and cluster of every
// page in the site.
func (c *Client) GetTsprResults(ctx context.Context, siteID string) ([]models.AuthorityRecord, error) {
	query := `
		MATCH (p:Page {site_id: $site_id})
		RETURN p.page_id AS page_id,
			p.url AS url,
			coalesce(p.tspr, 0.0) AS authority_score,
			coalesce(p.cluster_id, '') AS cluster_id
		ORDER BY authority_score DESC, page_id
	`

	records := []models.AuthorityRecord{}
	err := c.collect(ctx, query, map[string]any{"site_id": siteID}, func(record *neo4j.Record) {
		records = append(records, models.AuthorityRecord{
			PageID:         stringValue(record, "page_id"),
			URL:            stringValue(record, "url"),
			AuthorityScore: floatValue(record, "authority_score"),
			ClusterID:      stringValue(record, "cluster_id"),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get authority scores for site %s: %w", siteID, err)
	}
	return records, nil
}

func (c *Client) GetAllLinks(ctx context.Context, siteID string) ([]models.Edge, error) {
	query := `
		MATCH (s:Page {site_id: $site_id})-[:LINKS_TO]->(t:Page {site_id: $site_id})
		RETURN DISTINCT s.page_id AS source, t.page_id AS target
	`

	edges := []models.Edge{}
	err := c.collect(ctx, query, map[string]any{"site_id": siteID}, func(record *neo4j.Record) {
		edges = append(edges, models.Edge{
			Source: stringValue(record, "source"),
			Target: stringValue(record, "target"),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get links for site %s: %w", siteID, err)
	}

	logger.Debug("Link graph loaded", zap.String("site_id", siteID), zap.Int("edges", len(edges)))
	return edges, nil
}

// CreateLink merges a LINKS_TO edge for an accepted suggestion.
func (c *Client) CreateLink(ctx context.Context, siteID, sourceID, targetID, anchor string) error {
	query := `
		MATCH (s:Page {site_id: $site_id, page_id: $source_id})
		MATCH (t:Page {site_id: $site_id, page_id: $target_id})
		MERGE (s)-[r:LINKS_TO]->(t)
		SET r.anchor = $anchor,
		    r.origin = 'suggestion',
		    r.created_at = timestamp()
		RETURN count(r) AS created
	`

	var created int64
	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]any{
			"site_id":   siteID,
			"source_id": sourceID,
			"target_id": targetID,
			"anchor":    anchor,
		})
		if err != nil {
			return err
		}
		if result.Next(ctx) {
			created = intValue(result.Record(), "created")
		}
		return result.Err()
	})
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s or %s", models.ErrPageNotFound, sourceID, targetID)
	}

	logger.Debug("Link created in graph",
		zap.String("site_id", siteID),
		zap.String("source", sourceID),
		zap.String("target", targetID),
	)
	return nil
}
