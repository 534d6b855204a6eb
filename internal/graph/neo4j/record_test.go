package neo4j

import (
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"

	"github.com/sitegraph/backend/internal/storage/models"
)

func TestPageFromRecord(t *testing.T) {
	record := &neo4j.Record{
		Keys: []string{
			"site_id", "page_id", "url", "title", "h1", "status_code", "word_count",
			"canonical_id", "link_count_internal", "cluster_id", "authority_score",
		},
		Values: []any{
			"example.com", "p1", "https://example.com/a", "Title", "Heading", int64(200), int64(450),
			nil, int64(7), "c1", 0.25,
		},
	}

	assert.Equal(t, models.Page{
		SiteID:            "example.com",
		PageID:            "p1",
		URL:               "https://example.com/a",
		Title:             "Title",
		H1:                "Heading",
		StatusCode:        200,
		WordCount:         450,
		LinkCountInternal: 7,
		ClusterID:         "c1",
		AuthorityScore:    0.25,
	}, pageFromRecord(record))
}

func TestRecordValues(t *testing.T) {
	record := &neo4j.Record{
		Keys:   []string{"i", "f", "s", "n"},
		Values: []any{int64(3), float64(2), 42, nil},
	}

	assert.Equal(t, int64(3), intValue(record, "i"))
	assert.Equal(t, int64(2), intValue(record, "f"))
	assert.Equal(t, 3.0, floatValue(record, "i"))
	assert.Equal(t, "", stringValue(record, "s"))
	assert.Equal(t, "", stringValue(record, "n"))
	assert.Zero(t, floatValue(record, "missing"))
}
