package suggest

import (
	"context"
	"sort"
	"sync"

	"github.com/sitegraph/backend/internal/storage/models"
)

type fakeGraph struct {
	mu        sync.Mutex
	authority []models.AuthorityRecord
	edges     []models.Edge
	created   []models.Edge
	anchors   []string
	linkErr   error
	tsprCalls int
}

func (g *fakeGraph) GetTsprResults(_ context.Context, _ string) ([]models.AuthorityRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tsprCalls++
	return g.authority, nil
}

func (g *fakeGraph) GetAllLinks(_ context.Context, _ string) ([]models.Edge, error) {
	return g.edges, nil
}

func (g *fakeGraph) CreateLink(_ context.Context, _, source, target, anchor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.linkErr != nil {
		return g.linkErr
	}
	g.created = append(g.created, models.Edge{Source: source, Target: target})
	g.anchors = append(g.anchors, anchor)
	return nil
}

func (g *fakeGraph) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tsprCalls
}

type fakeEmbeddings struct {
	embeddings []models.Embedding
	err        error
}

func (e *fakeEmbeddings) GetEmbeddings(_ context.Context, _ string) ([]models.Embedding, error) {
	return e.embeddings, e.err
}

// fakeStore mirrors the SQLite store: pending rows are upserted by pair, older
// runs are superseded and status changes only apply to pending rows.
type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]models.Suggestion
	saves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]models.Suggestion)}
}

func (s *fakeStore) GetTopSuggestions(_ context.Context, siteID string, status models.SuggestionStatus, limit int) ([]models.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Suggestion
	for _, sg := range s.rows {
		if sg.SiteID != siteID {
			continue
		}
		if status != "" && sg.Status != status {
			continue
		}
		out = append(out, sg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImpactScore != out[j].ImpactScore {
			return out[i].ImpactScore > out[j].ImpactScore
		}
		return out[i].PairKey() < out[j].PairKey()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) SaveSuggestions(_ context.Context, siteID, generationID string, suggestions []models.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++

	for _, sg := range suggestions {
		replaced := false
		for id, existing := range s.rows {
			if existing.SiteID == sg.SiteID && existing.PairKey() == sg.PairKey() {
				if existing.Status == models.StatusPending || existing.Status == models.StatusSuperseded {
					sg.ID = id
					sg.Status = models.StatusPending
					s.rows[id] = sg
				}
				replaced = true
				break
			}
		}
		if !replaced {
			if sg.Status == "" {
				sg.Status = models.StatusPending
			}
			s.rows[sg.ID] = sg
		}
	}

	for id, sg := range s.rows {
		if sg.SiteID == siteID && sg.Status == models.StatusPending && sg.GenerationID != generationID {
			sg.Status = models.StatusSuperseded
			s.rows[id] = sg
		}
	}
	return nil
}

func (s *fakeStore) UpdateSuggestionStatus(_ context.Context, siteID, id string, status models.SuggestionStatus, meta models.StatusUpdate) (*models.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.rows[id]
	if !ok || sg.SiteID != siteID {
		return nil, models.ErrSuggestionNotFound
	}
	if sg.Status != models.StatusPending {
		return nil, models.ErrInvalidSuggestionState
	}
	sg.Status = status
	if status == models.StatusAccepted {
		sg.FinalAnchor = meta.FinalAnchor
		if sg.FinalAnchor == "" {
			sg.FinalAnchor = sg.SuggestedAnchor
		}
	}
	sg.RejectReason = meta.RejectReason
	s.rows[id] = sg
	return &sg, nil
}

func (s *fakeStore) ClearSuggestions(_ context.Context, siteID string, status models.SuggestionStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sg := range s.rows {
		if sg.SiteID == siteID && (status == "" || sg.Status == status) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fakeQueue struct {
	taskID string
	err    error
	sites  []string
}

func (q *fakeQueue) EnqueueSuggestionTask(_ context.Context, siteID string) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.sites = append(q.sites, siteID)
	return q.taskID, nil
}
