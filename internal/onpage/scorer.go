// Package onpage scores a single page against ten on-page SEO checks.
package onpage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/internal/storage/models"
)

// PageGetter fetches one page. Implementations return models.ErrPageNotFound
// when the page does not exist.
type PageGetter interface {
	GetPageByID(ctx context.Context, siteID, pageID string) (*models.Page, error)
}

type Config struct {
	MinTitleLength    int
	MaxTitleLength    int
	MinInternalLinks  int
	MaxInternalLinks  int
	MinContentWords   int
	MinKeywordDensity float64
	MaxKeywordDensity float64
	// CountSkippedChecks keeps a not-applicable keywordDensity check in the
	// denominator as a failed check.
	CountSkippedChecks bool
}

func DefaultConfig() Config {
	return Config{
		MinTitleLength:    30,
		MaxTitleLength:    60,
		MinInternalLinks:  3,
		MaxInternalLinks:  100,
		MinContentWords:   300,
		MinKeywordDensity: 0.5,
		MaxKeywordDensity: 3.0,
	}
}

// withDefaults fills zero or negative thresholds from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinTitleLength <= 0 {
		c.MinTitleLength = d.MinTitleLength
	}
	if c.MaxTitleLength <= 0 {
		c.MaxTitleLength = d.MaxTitleLength
	}
	if c.MinInternalLinks <= 0 {
		c.MinInternalLinks = d.MinInternalLinks
	}
	if c.MaxInternalLinks <= 0 {
		c.MaxInternalLinks = d.MaxInternalLinks
	}
	if c.MinContentWords <= 0 {
		c.MinContentWords = d.MinContentWords
	}
	if c.MinKeywordDensity <= 0 {
		c.MinKeywordDensity = d.MinKeywordDensity
	}
	if c.MaxKeywordDensity <= 0 {
		c.MaxKeywordDensity = d.MaxKeywordDensity
	}
	return c
}

type Issue struct {
	Type           string          `json:"type"`
	Severity       models.Severity `json:"severity"`
	Message        string          `json:"message"`
	Recommendation string          `json:"recommendation"`
}

type Checks struct {
	Title           bool `json:"title"`
	MetaDescription bool `json:"metaDescription"`
	H1              bool `json:"h1"`
	HeaderHierarchy bool `json:"headerHierarchy"`
	ImageAlt        bool `json:"imageAlt"`
	InternalLinks   bool `json:"internalLinks"`
	ContentLength   bool `json:"contentLength"`
	KeywordDensity  bool `json:"keywordDensity"`
	Schema          bool `json:"schema"`
	Canonical       bool `json:"canonical"`
}

const totalChecks = 10

func (c Checks) passed() int {
	n := 0
	for _, ok := range []bool{
		c.Title, c.MetaDescription, c.H1, c.HeaderHierarchy, c.ImageAlt,
		c.InternalLinks, c.ContentLength, c.KeywordDensity, c.Schema, c.Canonical,
	} {
		if ok {
			n++
		}
	}
	return n
}

type Result struct {
	PageID      string   `json:"page_id"`
	Score       int      `json:"score"`
	Issues      []Issue  `json:"issues"`
	Checks      Checks   `json:"checks"`
	Skipped     []string `json:"skipped,omitempty"`
	TotalChecks int      `json:"total_checks"`
}

type Scorer struct {
	pages  PageGetter
	cfg    Config
	logger *zap.Logger
}

func NewScorer(pages PageGetter, cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{pages: pages, cfg: cfg.withDefaults(), logger: logger}
}

func (s *Scorer) AuditPage(ctx context.Context, siteID, pageID, targetKeyword string) (*Result, error) {
	start := time.Now()

	page, err := s.pages.GetPageByID(ctx, siteID, pageID)
	if err != nil {
		metrics.AuditTotal.WithLabelValues("page", "error").Inc()
		if errors.Is(err, models.ErrPageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load page %s: %w", pageID, err)
	}
	if page == nil {
		metrics.AuditTotal.WithLabelValues("page", "error").Inc()
		return nil, fmt.Errorf("%w: %s", models.ErrPageNotFound, pageID)
	}

	result, err := Score(page, targetKeyword, s.cfg)
	if err != nil {
		metrics.AuditTotal.WithLabelValues("page", "error").Inc()
		return nil, err
	}

	metrics.AuditTotal.WithLabelValues("page", "success").Inc()
	metrics.AuditDuration.WithLabelValues("page").Observe(time.Since(start).Seconds())

	s.logger.Debug("On-page audit completed",
		zap.String("site_id", siteID),
		zap.String("page_id", pageID),
		zap.Int("score", result.Score),
		zap.Int("issues", len(result.Issues)),
	)

	return result, nil
}

// Score evaluates page without any I/O.
func Score(page *models.Page, targetKeyword string, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	result := &Result{PageID: page.PageID, Issues: []Issue{}}
	checks := &result.Checks

	titleLen := len([]rune(page.Title))
	switch {
	case titleLen == 0:
		result.add("title", models.SeverityCritical, "Missing title tag",
			fmt.Sprintf("Add a descriptive title tag (%d-%d characters)", cfg.MinTitleLength, cfg.MaxTitleLength))
	case titleLen < cfg.MinTitleLength || titleLen > cfg.MaxTitleLength:
		result.add("title", models.SeverityWarning,
			fmt.Sprintf("Title length is %d characters (optimal: %d-%d)", titleLen, cfg.MinTitleLength, cfg.MaxTitleLength),
			fmt.Sprintf("Adjust title length to %d-%d characters", cfg.MinTitleLength, cfg.MaxTitleLength))
	default:
		checks.Title = true
	}

	if page.H1 == "" {
		result.add("h1", models.SeverityCritical, "Missing H1 tag", "Add a unique H1 tag with the target keyword")
	} else {
		checks.H1 = true
	}

	if page.WordCount < cfg.MinContentWords {
		result.add("content", models.SeverityWarning,
			fmt.Sprintf("Content is too short (%d words)", page.WordCount),
			fmt.Sprintf("Aim for at least %d words", cfg.MinContentWords))
	} else {
		checks.ContentLength = true
	}

	links := page.LinkCountInternal
	switch {
	case links < cfg.MinInternalLinks:
		result.add("internal_links", models.SeverityWarning,
			fmt.Sprintf("Only %d internal links found (too few)", links),
			fmt.Sprintf("Add at least %d internal links to related content", cfg.MinInternalLinks))
	case links > cfg.MaxInternalLinks:
		result.add("internal_links", models.SeverityNotice,
			fmt.Sprintf("Too many internal links (%d)", links),
			fmt.Sprintf("Consider reducing to under %d links", cfg.MaxInternalLinks))
	default:
		checks.InternalLinks = true
	}

	keywordApplicable := targetKeyword != "" && page.Text != ""
	if keywordApplicable {
		density, err := KeywordDensity(page.Text, targetKeyword, page.WordCount)
		if err != nil {
			return nil, err
		}
		if density < cfg.MinKeywordDensity || density > cfg.MaxKeywordDensity {
			result.add("keyword", models.SeverityNotice,
				fmt.Sprintf("Keyword density is %.2f%% (optimal: %.1f-%.1f%%)", density, cfg.MinKeywordDensity, cfg.MaxKeywordDensity),
				fmt.Sprintf("Adjust keyword usage to %.1f-%.1f%% density", cfg.MinKeywordDensity, cfg.MaxKeywordDensity))
		} else {
			checks.KeywordDensity = true
		}
	} else {
		result.Skipped = append(result.Skipped, "keywordDensity")
	}

	if page.CanonicalID == "" {
		result.add("canonical", models.SeverityNotice, "Missing canonical tag",
			"Add a canonical tag to avoid duplicate content issues")
	} else {
		checks.Canonical = true
	}

	// metaDescription, headerHierarchy, imageAlt and schema need the raw
	// markup; without it they stay false.
	if page.HTML != "" {
		markup, err := InspectHTML(page.HTML)
		if err != nil {
			return nil, fmt.Errorf("failed to parse page markup: %w", err)
		}
		markup.apply(result)
	}

	denominator := totalChecks
	if !keywordApplicable && !cfg.CountSkippedChecks {
		denominator--
	}
	result.TotalChecks = denominator
	result.Score = int(math.Round(float64(checks.passed()) / float64(denominator) * 100))

	return result, nil
}

func (r *Result) add(issueType string, severity models.Severity, message, recommendation string) {
	r.Issues = append(r.Issues, Issue{
		Type:           issueType,
		Severity:       severity,
		Message:        message,
		Recommendation: recommendation,
	})
}
