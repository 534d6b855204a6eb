package suggest

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/vectormath"
)

const sameClusterReason = "Same Cluster"

// UnclusteredID groups pages that have no cluster; they are paired with each
// other like any other cluster.
const UnclusteredID = "unknown"

// Snapshot is the read-only input of one generation run. Dedup and scoring
// both read from the same snapshot.
type Snapshot struct {
	SiteID     string
	Authority  []models.AuthorityRecord
	Embeddings []models.Embedding
	Edges      []models.Edge
	// Reviewed are pairs with an accepted or rejected record; they are never
	// suggested again.
	Reviewed []models.Suggestion
}

type page struct {
	rec    models.AuthorityRecord
	vector []float64
}

// Candidates produces every qualifying same-cluster pair, sorted by impact
// descending, then source and target id ascending, capped at cfg.PersistCap.
func Candidates(snap Snapshot, cfg Config) ([]models.Suggestion, error) {
	cfg = cfg.withDefaults()

	vectors := make(map[string][]float64, len(snap.Embeddings))
	dim := -1
	for _, e := range snap.Embeddings {
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("page %s: %w", e.PageID, vectormath.ErrEmptyVector)
		}
		if dim == -1 {
			dim = len(e.Vector)
		} else if len(e.Vector) != dim {
			return nil, fmt.Errorf("page %s has dimension %d, expected %d: %w",
				e.PageID, len(e.Vector), dim, vectormath.ErrDimensionMismatch)
		}
		vectors[e.PageID] = e.Vector
	}

	edges := make(map[string]struct{}, len(snap.Edges))
	for _, e := range snap.Edges {
		edges[e.Key()] = struct{}{}
	}
	reviewed := make(map[string]struct{}, len(snap.Reviewed))
	for _, s := range snap.Reviewed {
		reviewed[s.PairKey()] = struct{}{}
	}

	clusters := make(map[string][]page)
	var clusterOrder []string
	for _, rec := range snap.Authority {
		vec, ok := vectors[rec.PageID]
		if !ok {
			continue
		}
		clusterID := rec.ClusterID
		if clusterID == "" {
			clusterID = UnclusteredID
		}
		if _, seen := clusters[clusterID]; !seen {
			clusterOrder = append(clusterOrder, clusterID)
		}
		clusters[clusterID] = append(clusters[clusterID], page{rec: rec, vector: vec})
	}

	var out []models.Suggestion
	for _, clusterID := range clusterOrder {
		members := clusters[clusterID]
		for _, src := range members {
			for _, dst := range members {
				if src.rec.PageID == dst.rec.PageID {
					continue
				}
				pair := models.Edge{Source: src.rec.PageID, Target: dst.rec.PageID}
				if _, exists := edges[pair.Key()]; exists {
					continue
				}
				if _, done := reviewed[pair.Key()]; done {
					continue
				}

				distance, err := vectormath.L2Distance(src.vector, dst.vector)
				if err != nil {
					return nil, err
				}
				if distance > cfg.MaxDistance {
					continue
				}

				similarity := 1 - distance
				if similarity < 0 {
					similarity = 0
				}
				authority := dst.rec.AuthorityScore
				if authority < cfg.AuthorityFloor {
					authority = cfg.AuthorityFloor
				}

				out = append(out, models.Suggestion{
					SiteID:          snap.SiteID,
					SourcePageID:    src.rec.PageID,
					TargetPageID:    dst.rec.PageID,
					SourceURL:       src.rec.URL,
					TargetURL:       dst.rec.URL,
					ClusterID:       clusterID,
					SimilarityScore: similarity,
					TargetAuthority: dst.rec.AuthorityScore,
					ImpactScore:     similarity * authority * cfg.ImpactMultiplier * 100,
					Reason:          sameClusterReason,
					SuggestedAnchor: SuggestedAnchor(dst.rec.URL),
					Status:          models.StatusPending,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImpactScore != out[j].ImpactScore {
			return out[i].ImpactScore > out[j].ImpactScore
		}
		if out[i].SourcePageID != out[j].SourcePageID {
			return out[i].SourcePageID < out[j].SourcePageID
		}
		return out[i].TargetPageID < out[j].TargetPageID
	})

	if len(out) > cfg.PersistCap {
		out = out[:cfg.PersistCap]
	}
	return out, nil
}

// SuggestedAnchor derives default anchor text from the last path segment of
// the target URL.
func SuggestedAnchor(rawURL string) string {
	segment := ""
	if u, err := url.Parse(rawURL); err == nil {
		segment = path.Base(strings.TrimRight(u.Path, "/"))
		if segment == "." || segment == "/" {
			segment = u.Host
		}
	}
	if segment == "" {
		segment = rawURL
	}
	segment = strings.NewReplacer("-", " ", "_", " ").Replace(segment)
	return "Learn more about " + segment
}
