// Package audit runs the site-wide structural audit: a fixed set of rules over
// every page of a site plus the externally computed semantic orphans, folded
// into a single 0-100 health score.
package audit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/internal/storage/models"
)

// PageLister reads every page of a site.
type PageLister interface {
	GetPagesBySite(ctx context.Context, siteID string) ([]models.Page, error)
}

// OrphanFinder reports the pages an upstream process considers semantically
// orphaned.
type OrphanFinder interface {
	GetSemanticOrphans(ctx context.Context, siteID string) ([]models.Orphan, error)
}

type Config struct {
	ThinContentWords int
}

func DefaultConfig() Config {
	return Config{ThinContentWords: 300}
}

// severityWeight is the share of one page's health lost per affected page.
var severityWeight = map[models.Severity]float64{
	models.SeverityCritical: 1.0,
	models.SeverityWarning:  0.5,
	models.SeverityNotice:   0.1,
}

type Engine struct {
	pages   PageLister
	orphans OrphanFinder
	cfg     Config
	logger  *zap.Logger
}

func NewEngine(pages PageLister, orphans OrphanFinder, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ThinContentWords <= 0 {
		cfg.ThinContentWords = DefaultConfig().ThinContentWords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{pages: pages, orphans: orphans, cfg: cfg, logger: logger}
}

// RunAudit reads both inputs in full before evaluating anything; a failed read
// fails the whole audit.
func (e *Engine) RunAudit(ctx context.Context, siteID string) (*models.AuditResult, error) {
	startTime := time.Now()

	pages, err := e.pages.GetPagesBySite(ctx, siteID)
	if err != nil {
		metrics.AuditTotal.WithLabelValues("site", "error").Inc()
		return nil, fmt.Errorf("failed to load pages for audit: %w", err)
	}

	orphans, err := e.orphans.GetSemanticOrphans(ctx, siteID)
	if err != nil {
		metrics.AuditTotal.WithLabelValues("site", "error").Inc()
		return nil, fmt.Errorf("failed to load semantic orphans: %w", err)
	}

	result := Evaluate(siteID, pages, orphans, e.cfg)

	metrics.AuditTotal.WithLabelValues("site", "success").Inc()
	metrics.AuditDuration.WithLabelValues("site").Observe(time.Since(startTime).Seconds())
	metrics.HealthScore.Observe(float64(result.HealthScore))

	e.logger.Info("Site audit completed",
		zap.String("site_id", siteID),
		zap.Int("pages", len(pages)),
		zap.Int("issues", len(result.Issues)),
		zap.Int("health_score", result.HealthScore),
		zap.Duration("duration", time.Since(startTime)),
	)

	return result, nil
}

// Evaluate applies the structural rules in their fixed order. Only rules with
// at least one affected page produce an issue.
func Evaluate(siteID string, pages []models.Page, orphans []models.Orphan, cfg Config) *models.AuditResult {
	if cfg.ThinContentWords <= 0 {
		cfg.ThinContentWords = DefaultConfig().ThinContentWords
	}

	candidates := []models.Issue{
		{
			Type:           models.IssueBrokenLinks,
			Severity:       models.SeverityWarning,
			AffectedPages:  countBroken(pages),
			Description:    "Pages returning 404 Not Found",
			Recommendation: "Fix or redirect broken URLs and update the links pointing at them",
		},
		{
			Type:           models.IssueDuplicateTitles,
			Severity:       models.SeverityWarning,
			AffectedPages:  countDuplicateTitles(pages),
			Description:    "Pages sharing the same title tag",
			Recommendation: "Give every page a unique, descriptive title",
		},
		{
			Type:           models.IssueMissingH1,
			Severity:       models.SeverityWarning,
			AffectedPages:  countMissingH1(pages),
			Description:    "Pages without an H1 heading",
			Recommendation: "Add a single H1 describing the page topic",
		},
		{
			Type:           models.IssueThinContent,
			Severity:       models.SeverityNotice,
			AffectedPages:  countThin(pages, cfg.ThinContentWords),
			Description:    fmt.Sprintf("Pages with fewer than %d words", cfg.ThinContentWords),
			Recommendation: "Expand thin pages or consolidate them into stronger ones",
		},
		{
			Type:           models.IssueOrphanPages,
			Severity:       models.SeverityWarning,
			AffectedPages:  len(orphans),
			Description:    "Pages semantically isolated from their topic cluster",
			Recommendation: "Link orphaned pages from related content in the same cluster",
		},
		{
			Type:           models.IssueMissingCanonical,
			Severity:       models.SeverityNotice,
			AffectedPages:  countMissingCanonical(pages),
			Description:    "Pages without a canonical reference",
			Recommendation: "Declare a canonical URL to avoid duplicate content",
		},
	}

	issues := make([]models.Issue, 0, len(candidates))
	for _, issue := range candidates {
		if issue.AffectedPages > 0 {
			issues = append(issues, issue)
		}
	}

	return &models.AuditResult{
		SiteID:      siteID,
		Issues:      issues,
		HealthScore: HealthScore(issues, len(pages)),
		TotalPages:  len(pages),
	}
}

// HealthScore is 100 minus the weighted share of affected pages, clamped to
// [0, 100]. A site with no pages scores 100.
func HealthScore(issues []models.Issue, totalPages int) int {
	if totalPages <= 0 {
		return 100
	}

	var weighted float64
	for _, issue := range issues {
		weighted += severityWeight[issue.Severity] * float64(issue.AffectedPages)
	}

	score := math.Round(100 - 100*weighted/float64(totalPages))
	return int(math.Max(0, math.Min(100, score)))
}

func countBroken(pages []models.Page) int {
	n := 0
	for _, p := range pages {
		if p.StatusCode == 404 {
			n++
		}
	}
	return n
}

func countDuplicateTitles(pages []models.Page) int {
	byTitle := make(map[string]int)
	for _, p := range pages {
		if p.Title != "" {
			byTitle[p.Title]++
		}
	}

	n := 0
	for _, count := range byTitle {
		if count > 1 {
			n += count
		}
	}
	return n
}

func countMissingH1(pages []models.Page) int {
	n := 0
	for _, p := range pages {
		if p.H1 == "" {
			n++
		}
	}
	return n
}

func countThin(pages []models.Page, threshold int) int {
	n := 0
	for _, p := range pages {
		if p.WordCount < threshold {
			n++
		}
	}
	return n
}

func countMissingCanonical(pages []models.Page) int {
	n := 0
	for _, p := range pages {
		if p.CanonicalID == "" {
			n++
		}
	}
	return n
}
