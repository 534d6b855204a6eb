package onpage

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitegraph/backend/internal/storage/models"
)

const (
	minMetaDescription = 50
	maxMetaDescription = 160
)

// Markup holds the facts extracted from a page's raw HTML.
type Markup struct {
	MetaDescription string
	Headings        []int
	Images          int
	ImagesNoAlt     int
	HasSchema       bool
}

func InspectHTML(html string) (*Markup, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	m := &Markup{}
	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		m.MetaDescription = strings.TrimSpace(content)
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		m.Headings = append(m.Headings, int(name[1]-'0'))
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		m.Images++
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			m.ImagesNoAlt++
		}
	})

	m.HasSchema = doc.Find(`script[type="application/ld+json"], [itemscope]`).Length() > 0

	return m, nil
}

// hierarchyValid requires exactly one h1 and no skipped level going deeper.
func (m *Markup) hierarchyValid() bool {
	h1 := 0
	prev := 0
	for _, level := range m.Headings {
		if level == 1 {
			h1++
		}
		if prev > 0 && level > prev+1 {
			return false
		}
		prev = level
	}
	return h1 == 1
}

func (m *Markup) apply(r *Result) {
	descLen := len([]rune(m.MetaDescription))
	switch {
	case descLen == 0:
		r.add("meta_description", models.SeverityWarning, "Missing meta description",
			fmt.Sprintf("Add a meta description (%d-%d characters)", minMetaDescription, maxMetaDescription))
	case descLen < minMetaDescription || descLen > maxMetaDescription:
		r.add("meta_description", models.SeverityNotice,
			fmt.Sprintf("Meta description length is %d characters", descLen),
			fmt.Sprintf("Keep the meta description between %d and %d characters", minMetaDescription, maxMetaDescription))
	default:
		r.Checks.MetaDescription = true
	}

	if m.hierarchyValid() {
		r.Checks.HeaderHierarchy = true
	} else {
		r.add("header_hierarchy", models.SeverityNotice, "Heading levels are skipped or H1 is not unique",
			"Use a single H1 and nest H2-H6 without skipping levels")
	}

	if m.ImagesNoAlt == 0 {
		r.Checks.ImageAlt = true
	} else {
		r.add("image_alt", models.SeverityWarning,
			fmt.Sprintf("%d of %d images have no alt text", m.ImagesNoAlt, m.Images),
			"Describe every image with alt text")
	}

	if m.HasSchema {
		r.Checks.Schema = true
	} else {
		r.add("schema", models.SeverityNotice, "No structured data found",
			"Add JSON-LD structured data describing the page")
	}
}
