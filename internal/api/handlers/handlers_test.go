package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sitegraph/backend/internal/cache/redis"
	"github.com/sitegraph/backend/internal/embedding"
	"github.com/sitegraph/backend/internal/onpage"
	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/internal/suggest"
	"github.com/sitegraph/backend/pkg/circuitbreaker"
	"github.com/sitegraph/backend/pkg/logger"
	"github.com/sitegraph/backend/pkg/vectormath"
)

type fakeAuditor struct{ err error }

func (f *fakeAuditor) RunAudit(_ context.Context, siteID string) (*models.AuditResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.AuditResult{SiteID: siteID, Issues: []models.Issue{}, HealthScore: 100}, nil
}

type fakeScorer struct{}

func (fakeScorer) AuditPage(_ context.Context, _, pageID, keyword string) (*onpage.Result, error) {
	if pageID == "missing" {
		return nil, fmt.Errorf("%w: %s", models.ErrPageNotFound, pageID)
	}
	skipped := []string{}
	if keyword == "" {
		skipped = append(skipped, "keywordDensity")
	}
	return &onpage.Result{PageID: pageID, Score: 80, Issues: []onpage.Issue{}, Skipped: skipped}, nil
}

type fakeSuggestions struct {
	generateErr error
	source      suggest.Source
	lastForce   bool
	lastStatus  models.SuggestionStatus
	lastLimit   int
	lastAnchor  string
	lastReason  string
}

func (f *fakeSuggestions) Generate(_ context.Context, _ string, force bool) (*suggest.Result, error) {
	f.lastForce = force
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	res := &suggest.Result{Source: f.source, Suggestions: []models.Suggestion{}}
	if f.source == suggest.SourceProcessing {
		res.TaskID = "task-1"
	}
	return res, nil
}

func (f *fakeSuggestions) List(_ context.Context, _ string, status models.SuggestionStatus, limit int) ([]models.Suggestion, error) {
	f.lastStatus, f.lastLimit = status, limit
	return []models.Suggestion{{ID: "s1", Status: models.StatusPending}}, nil
}

func (f *fakeSuggestions) Clear(_ context.Context, _ string, status models.SuggestionStatus) (int64, error) {
	f.lastStatus = status
	return 3, nil
}

func (f *fakeSuggestions) Accept(_ context.Context, _, id, anchor string) (*models.Suggestion, error) {
	f.lastAnchor = anchor
	switch id {
	case "missing":
		return nil, fmt.Errorf("%w: %s", models.ErrSuggestionNotFound, id)
	case "reviewed":
		return nil, models.ErrInvalidSuggestionState
	}
	return &models.Suggestion{ID: id, Status: models.StatusAccepted, FinalAnchor: anchor}, nil
}

func (f *fakeSuggestions) Reject(_ context.Context, _, id, reason string) (*models.Suggestion, error) {
	f.lastReason = reason
	return &models.Suggestion{ID: id, Status: models.StatusRejected, RejectReason: reason}, nil
}

type fakeBackfiller struct{}

func (fakeBackfiller) Backfill(_ context.Context, siteID string, force bool) (*embedding.Result, error) {
	if force {
		return &embedding.Result{SiteID: siteID, Pages: 2, Embedded: 2}, nil
	}
	return &embedding.Result{SiteID: siteID, Pages: 2, Unchanged: 2}, nil
}

type fakeTasks struct{}

func (fakeTasks) GetStatus(_ context.Context, id string) (*models.TaskStatus, error) {
	if id == "t1" {
		return &models.TaskStatus{TaskID: "t1", SiteID: "example.com", State: models.TaskRunning}, nil
	}
	return nil, fmt.Errorf("%w: %s", redis.ErrTaskNotFound, id)
}

type testApp struct {
	app         *fiber.App
	suggestions *fakeSuggestions
	breakers    *circuitbreaker.Registry
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	breakers.Get("neo4j")
	suggestions := &fakeSuggestions{source: suggest.SourceCache}

	app := fiber.New()
	Register(app, Handlers{
		Audit:       NewAuditHandler(&fakeAuditor{}, fakeScorer{}),
		Suggestions: NewSuggestionHandler(suggestions),
		Embeddings:  NewEmbeddingHandler(fakeBackfiller{}),
		Tasks:       NewTaskHandler(fakeTasks{}),
		Admin:       NewAdminHandler(breakers),
		Health: NewHealthHandler(map[string]Pinger{
			"sqlite": PingFunc(func(context.Context) error { return nil }),
		}),
	})
	return &testApp{app: app, suggestions: suggestions, breakers: breakers}
}

func (a *testApp) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestRunAudit(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "GET", "/api/v1/sites/example.com/audit", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "example.com", body["site_id"])
	assert.Equal(t, float64(100), body["health_score"])
}

func TestAuditPage(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "GET", "/api/v1/sites/example.com/pages/p1/onpage?keyword=go", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(80), body["score"])

	status, _ = a.do(t, "GET", "/api/v1/sites/example.com/pages/missing/onpage", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestGenerateSuggestions(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "GET", "/api/v1/sites/example.com/suggestions", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "cache", body["source"])
	assert.False(t, a.suggestions.lastForce)

	a.suggestions.source = suggest.SourceProcessing
	status, body = a.do(t, "GET", "/api/v1/sites/example.com/suggestions?refresh=true", "")
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "task-1", body["task_id"])
	assert.True(t, a.suggestions.lastForce)
}

func TestGenerateSuggestions_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("candidates: %w", vectormath.ErrDimensionMismatch), fiber.StatusUnprocessableEntity},
		{fmt.Errorf("%w: neo4j: %w", models.ErrDependencyFailure, circuitbreaker.ErrCircuitOpen), fiber.StatusServiceUnavailable},
		{models.ErrGenerationInProgress, fiber.StatusConflict},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			a := newTestApp(t)
			a.suggestions.generateErr = tc.err

			status, body := a.do(t, "GET", "/api/v1/sites/example.com/suggestions", "")
			assert.Equal(t, tc.status, status)
			assert.Equal(t, "Failed to generate suggestions", body["error"])
		})
	}
}

func TestListAndClearSuggestions(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "GET", "/api/v1/sites/example.com/suggestions/list?status=pending&limit=5", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, models.StatusPending, a.suggestions.lastStatus)
	assert.Equal(t, 5, a.suggestions.lastLimit)

	status, _ = a.do(t, "GET", "/api/v1/sites/example.com/suggestions/list?status=bogus", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = a.do(t, "GET", "/api/v1/sites/example.com/suggestions/list?limit=-1", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = a.do(t, "DELETE", "/api/v1/sites/example.com/suggestions?status=rejected", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["deleted"])
	assert.Equal(t, models.StatusRejected, a.suggestions.lastStatus)
}

func TestClearSuggestions_LeavesLoggingToService(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })

	a := newTestApp(t)
	status, _ := a.do(t, "DELETE", "/api/v1/sites/example.com/suggestions?status=superseded", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.StatusSuperseded, a.suggestions.lastStatus)
	assert.Zero(t, logs.FilterMessage("Suggestions cleared").Len())
}

func TestReviewSuggestions(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "POST", "/api/v1/sites/example.com/suggestions/s1/accept", `{"anchor_text":"read more"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "read more", a.suggestions.lastAnchor)

	status, _ = a.do(t, "POST", "/api/v1/sites/example.com/suggestions/s1/accept", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, a.suggestions.lastAnchor)

	status, _ = a.do(t, "POST", "/api/v1/sites/example.com/suggestions/missing/accept", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = a.do(t, "POST", "/api/v1/sites/example.com/suggestions/reviewed/accept", "")
	assert.Equal(t, fiber.StatusConflict, status)

	status, body = a.do(t, "POST", "/api/v1/sites/example.com/suggestions/s2/reject", `{"reason":"off topic"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "off topic", body["reject_reason"])

	status, _ = a.do(t, "POST", "/api/v1/sites/example.com/suggestions/s2/reject", `{"reason":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestBackfill(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "POST", "/api/v1/sites/example.com/embeddings/backfill?force=true", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["embedded"])
}

func TestGetTask(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "GET", "/api/v1/tasks/t1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "running", body["state"])

	status, _ = a.do(t, "GET", "/api/v1/tasks/nope", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = a.do(t, "GET", "/api/v1/ws/tasks/t1", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
}

func TestBreakerAdmin(t *testing.T) {
	a := newTestApp(t)

	cb := a.breakers.Get("neo4j")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	status, body := a.do(t, "GET", "/api/v1/admin/breakers", "")
	assert.Equal(t, fiber.StatusOK, status)
	list := body["breakers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "OPEN", list[0].(map[string]any)["state"])

	status, body = a.do(t, "POST", "/api/v1/admin/breakers/neo4j/reset", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "CLOSED", body["state"])
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	status, _ = a.do(t, "POST", "/api/v1/admin/breakers/unknown/reset", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestHealthAndReady(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = a.do(t, "GET", "/api/v1/ready", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["dependencies"].(map[string]any)["sqlite"])

	down := fiber.New()
	Register(down, Handlers{Health: NewHealthHandler(map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})})
	req := httptest.NewRequest("GET", "/api/v1/ready", nil)
	resp, err := down.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
