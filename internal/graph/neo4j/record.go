package neo4j

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sitegraph/backend/internal/storage/models"
)

// Missing keys and null properties read as zero values.

func stringValue(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intValue(record *neo4j.Record, key string) int64 {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func floatValue(record *neo4j.Record, key string) float64 {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func pageFromRecord(record *neo4j.Record) models.Page {
	return models.Page{
		SiteID:            stringValue(record, "site_id"),
		PageID:            stringValue(record, "page_id"),
		URL:               stringValue(record, "url"),
		Title:             stringValue(record, "title"),
		H1:                stringValue(record, "h1"),
		StatusCode:        int(intValue(record, "status_code")),
		WordCount:         int(intValue(record, "word_count")),
		CanonicalID:       stringValue(record, "canonical_id"),
		LinkCountInternal: int(intValue(record, "link_count_internal")),
		Text:              stringValue(record, "text"),
		HTML:              stringValue(record, "html"),
		ClusterID:         stringValue(record, "cluster_id"),
		AuthorityScore:    floatValue(record, "authority_score"),
	}
}
