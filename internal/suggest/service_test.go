package suggest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sitegraph/backend/internal/storage/models"
)

type fixture struct {
	graph      *fakeGraph
	embeddings *fakeEmbeddings
	store      *fakeStore
}

func newFixture() *fixture {
	snap := twoPageSnapshot(0.3, 0.5, 0.8)
	return &fixture{
		graph:      &fakeGraph{authority: snap.Authority},
		embeddings: &fakeEmbeddings{embeddings: snap.Embeddings},
		store:      newFakeStore(),
	}
}

func (f *fixture) service(queue TaskQueue, locker Locker) *Service {
	deps := Deps{Graph: f.graph, Embeddings: f.embeddings, Store: f.store, Locker: locker}
	if queue != nil {
		deps.Queue = queue
	}
	return NewService(deps, DefaultConfig(), nil)
}

func TestGenerate_InlineThenCache(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCalculated, first.Source)
	assert.Equal(t, 2, first.TotalGenerated)
	require.Len(t, first.Suggestions, 2)
	for _, sg := range first.Suggestions {
		assert.NotEmpty(t, sg.ID)
		assert.NotEmpty(t, sg.GenerationID)
	}

	second, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Suggestions, second.Suggestions)
	assert.Equal(t, 1, f.graph.calls(), "cache hit must not recompute")
}

func TestGenerate_ForceRefreshKeepsPendingIDs(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)

	second, err := svc.Generate(ctx, "site", true)
	require.NoError(t, err)
	assert.Equal(t, SourceCalculated, second.Source)
	assert.Equal(t, 2, f.graph.calls())

	pending, err := f.store.GetTopSuggestions(ctx, "site", models.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "regeneration must not duplicate pending pairs")
	assert.ElementsMatch(t, ids(first.Suggestions), ids(pending))
}

func TestGenerate_ForceRefreshSupersedesStalePairs(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	require.Len(t, first.Suggestions, 2)

	f.graph.edges = []models.Edge{{Source: "a", Target: "b"}}

	forced, err := svc.Generate(ctx, "site", true)
	require.NoError(t, err)
	require.Len(t, forced.Suggestions, 1)
	assert.Equal(t, "b->a", forced.Suggestions[0].PairKey())

	cached, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, cached.Source)
	require.Len(t, cached.Suggestions, 1)
	assert.Equal(t, "b->a", cached.Suggestions[0].PairKey())
	assert.Equal(t, forced.Suggestions[0].GenerationID, cached.Suggestions[0].GenerationID)

	superseded, err := svc.List(ctx, "site", models.StatusSuperseded, 0)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, "a->b", superseded[0].PairKey())

	_, err = svc.Accept(ctx, "site", superseded[0].ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
}

func TestGenerate_EmptyRunSupersedesPending(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)

	f.graph.edges = []models.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}}
	forced, err := svc.Generate(ctx, "site", true)
	require.NoError(t, err)
	assert.Empty(t, forced.Suggestions)

	pending, err := f.store.GetTopSuggestions(ctx, "site", models.StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGenerate_ReviewedPairsNotResuggested(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	_, err = svc.Reject(ctx, "site", first.Suggestions[0].ID, "off topic")
	require.NoError(t, err)

	again, err := svc.Generate(ctx, "site", true)
	require.NoError(t, err)
	assert.Equal(t, 1, again.TotalGenerated)
	assert.NotEqual(t, first.Suggestions[0].PairKey(), again.Suggestions[0].PairKey())
}

func TestGenerate_OffloadsToQueue(t *testing.T) {
	f := newFixture()
	queue := &fakeQueue{taskID: "task-1"}
	svc := f.service(queue, nil)

	result, err := svc.Generate(context.Background(), "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceProcessing, result.Source)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Empty(t, result.Suggestions)
	assert.Equal(t, []string{"site"}, queue.sites)
	assert.Zero(t, f.graph.calls())
}

func TestGenerate_QueueFailureFallsBackInline(t *testing.T) {
	f := newFixture()
	svc := f.service(&fakeQueue{err: ErrQueueUnavailable}, nil)

	result, err := svc.Generate(context.Background(), "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCalculated, result.Source)
	assert.Len(t, result.Suggestions, 2)
}

func TestGenerate_LockHeldReturnsProcessing(t *testing.T) {
	f := newFixture()
	locker := NewLocalLocker()
	svc := f.service(nil, locker)
	ctx := context.Background()

	held, ok, err := locker.TryLock(ctx, lockKey("site"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceProcessing, result.Source)
	assert.Zero(t, f.store.saveCount())

	_, err = svc.Regenerate(ctx, "site")
	assert.ErrorIs(t, err, models.ErrGenerationInProgress)

	require.NoError(t, held.Unlock(ctx))
	result, err = svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCalculated, result.Source)
}

type blockingEmbeddings struct {
	inner   *fakeEmbeddings
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEmbeddings) GetEmbeddings(ctx context.Context, siteID string) ([]models.Embedding, error) {
	close(b.entered)
	<-b.release
	return b.inner.GetEmbeddings(ctx, siteID)
}

func TestGenerate_ConcurrentRequestsWriteOnce(t *testing.T) {
	f := newFixture()
	blocking := &blockingEmbeddings{inner: f.embeddings, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(Deps{Graph: f.graph, Embeddings: blocking, Store: f.store}, DefaultConfig(), nil)
	ctx := context.Background()

	done := make(chan *Result, 1)
	go func() {
		r, err := svc.Generate(ctx, "site", false)
		if err != nil {
			r = nil
		}
		done <- r
	}()

	<-blocking.entered
	loser, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, SourceProcessing, loser.Source)

	close(blocking.release)
	winner := <-done
	require.NotNil(t, winner)
	assert.Equal(t, SourceCalculated, winner.Source)
	assert.Equal(t, 1, f.store.saveCount())
}

func TestGenerate_EmbeddingFailureAborts(t *testing.T) {
	f := newFixture()
	f.embeddings.err = errors.New("milvus down")
	svc := f.service(nil, nil)

	_, err := svc.Generate(context.Background(), "site", false)
	assert.ErrorContains(t, err, "milvus down")
	assert.Zero(t, f.store.saveCount())
}

func TestAccept(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	target := gen.Suggestions[0]

	accepted, err := svc.Accept(ctx, "site", target.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, target.SuggestedAnchor, accepted.FinalAnchor)
	assert.Equal(t, []models.Edge{{Source: target.SourcePageID, Target: target.TargetPageID}}, f.graph.created)
	assert.Equal(t, []string{target.SuggestedAnchor}, f.graph.anchors)

	_, err = svc.Accept(ctx, "site", target.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
}

func TestAccept_CustomAnchorAndLinkFailure(t *testing.T) {
	f := newFixture()
	f.graph.linkErr = errors.New("neo4j down")
	svc := f.service(nil, nil)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)

	accepted, err := svc.Accept(ctx, "site", gen.Suggestions[0].ID, "Go testing guide")
	require.NoError(t, err, "edge write failure is not surfaced")
	assert.Equal(t, "Go testing guide", accepted.FinalAnchor)
}

func TestAcceptRejected(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	id := gen.Suggestions[0].ID

	rejected, err := svc.Reject(ctx, "site", id, "not relevant")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, "not relevant", rejected.RejectReason)

	_, err = svc.Accept(ctx, "site", id, "")
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
	_, err = svc.Reject(ctx, "site", id, "twice")
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
	assert.Empty(t, f.graph.created)
}

func TestAcceptUnknown(t *testing.T) {
	svc := newFixture().service(nil, nil)

	_, err := svc.Accept(context.Background(), "site", "missing", "")
	assert.ErrorIs(t, err, models.ErrSuggestionNotFound)
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
}

func TestListAndClear(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)
	_, err = svc.Accept(ctx, "site", gen.Suggestions[0].ID, "")
	require.NoError(t, err)

	accepted, err := svc.List(ctx, "site", models.StatusAccepted, 10)
	require.NoError(t, err)
	assert.Len(t, accepted, 1)

	all, err := svc.List(ctx, "site", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.List(ctx, "site", "bogus", 10)
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)

	n, err := svc.Clear(ctx, "site", models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err = svc.List(ctx, "site", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func ids(in []models.Suggestion) []string {
	out := make([]string, 0, len(in))
	for _, sg := range in {
		out = append(out, sg.ID)
	}
	return out
}

func TestClear_LogsOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture()
	svc := NewService(Deps{Graph: f.graph, Embeddings: f.embeddings, Store: f.store}, DefaultConfig(), zap.New(core))
	ctx := context.Background()

	_, err := svc.Generate(ctx, "site", false)
	require.NoError(t, err)

	n, err := svc.Clear(ctx, "site", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries := logs.FilterMessage("Suggestions cleared").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["deleted"])
}
