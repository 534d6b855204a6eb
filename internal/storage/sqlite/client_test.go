package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitegraph/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "sitegraph.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func suggestion(id, source, target string, impact float64) models.Suggestion {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Suggestion{
		ID:              id,
		SiteID:          "example.com",
		SourcePageID:    source,
		TargetPageID:    target,
		SourceURL:       "https://example.com/" + source,
		TargetURL:       "https://example.com/" + target,
		ClusterID:       "c1",
		SimilarityScore: 0.7,
		TargetAuthority: 0.5,
		ImpactScore:     impact,
		Reason:          "Same Cluster",
		SuggestedAnchor: "Learn more about " + target,
		Status:          models.StatusPending,
		GenerationID:    "gen-1",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSaveAndGetTopSuggestions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{
		suggestion("s1", "a", "b", 10),
		suggestion("s2", "b", "a", 30),
		suggestion("s3", "a", "c", 30),
	}))

	got, err := c.GetTopSuggestions(ctx, "example.com", models.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"s3", "s2", "s1"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, suggestion("s3", "a", "c", 30), got[0])

	limited, err := c.GetTopSuggestions(ctx, "example.com", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	other, err := c.GetTopSuggestions(ctx, "other.com", "", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSaveSuggestions_UpsertsPendingPairs(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{suggestion("s1", "a", "b", 10)}))

	refreshed := suggestion("s-new", "a", "b", 42)
	refreshed.GenerationID = "gen-2"
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-2", []models.Suggestion{refreshed}))

	got, err := c.GetTopSuggestions(ctx, "example.com", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, 42.0, got[0].ImpactScore)
	assert.Equal(t, "gen-2", got[0].GenerationID)
}

func TestSaveSuggestions_SupersedesOlderRuns(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{
		suggestion("s1", "a", "b", 10),
		suggestion("s2", "b", "a", 20),
	}))

	second := suggestion("s2-new", "b", "a", 25)
	second.GenerationID = "gen-2"
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-2", []models.Suggestion{second}))

	pending, err := c.GetTopSuggestions(ctx, "example.com", models.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].ID)
	assert.Equal(t, "gen-2", pending[0].GenerationID)

	stale, err := c.GetSuggestion(ctx, "example.com", "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuperseded, stale.Status)

	_, err = c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusAccepted, models.StatusUpdate{})
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)

	// A later run that produces the pair again revives the same row.
	third := suggestion("s1-new", "a", "b", 12)
	third.GenerationID = "gen-3"
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-3", []models.Suggestion{third}))

	pending, err = c.GetTopSuggestions(ctx, "example.com", models.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].ID)
	assert.Equal(t, 12.0, pending[0].ImpactScore)

	counts, err := c.CountByStatus(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusSuperseded])

	// An empty run supersedes everything still pending.
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-4", nil))
	pending, err = c.GetTopSuggestions(ctx, "example.com", models.StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSaveSuggestions_LeavesReviewedRows(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{suggestion("s1", "a", "b", 10)}))
	_, err := c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusRejected, models.StatusUpdate{RejectReason: "no"})
	require.NoError(t, err)

	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{suggestion("s2", "a", "b", 99)}))

	got, err := c.GetSuggestion(ctx, "example.com", "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, 10.0, got.ImpactScore)
}

func TestUpdateSuggestionStatus(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{
		suggestion("s1", "a", "b", 10),
		suggestion("s2", "a", "c", 10),
	}))

	accepted, err := c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusAccepted, models.StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, "Learn more about b", accepted.FinalAnchor)

	_, err = c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusAccepted, models.StatusUpdate{})
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
	_, err = c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusRejected, models.StatusUpdate{})
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)

	custom, err := c.UpdateSuggestionStatus(ctx, "example.com", "s2", models.StatusAccepted, models.StatusUpdate{FinalAnchor: "read the guide"})
	require.NoError(t, err)
	assert.Equal(t, "read the guide", custom.FinalAnchor)

	_, err = c.UpdateSuggestionStatus(ctx, "example.com", "missing", models.StatusAccepted, models.StatusUpdate{})
	assert.ErrorIs(t, err, models.ErrSuggestionNotFound)

	_, err = c.UpdateSuggestionStatus(ctx, "other.com", "s2", models.StatusRejected, models.StatusUpdate{})
	assert.ErrorIs(t, err, models.ErrSuggestionNotFound)

	_, err = c.UpdateSuggestionStatus(ctx, "example.com", "s2", models.StatusPending, models.StatusUpdate{})
	assert.ErrorIs(t, err, models.ErrInvalidSuggestionState)
}

func TestRejectRecordsReason(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{suggestion("s1", "a", "b", 10)}))

	rejected, err := c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusRejected, models.StatusUpdate{RejectReason: "off topic"})
	require.NoError(t, err)
	assert.Equal(t, "off topic", rejected.RejectReason)
	assert.Empty(t, rejected.FinalAnchor)
}

func TestClearAndCount(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.SaveSuggestions(ctx, "example.com", "gen-1", []models.Suggestion{
		suggestion("s1", "a", "b", 10),
		suggestion("s2", "a", "c", 10),
		suggestion("s3", "b", "c", 10),
	}))
	_, err := c.UpdateSuggestionStatus(ctx, "example.com", "s1", models.StatusAccepted, models.StatusUpdate{})
	require.NoError(t, err)

	counts, err := c.CountByStatus(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusAccepted])
	assert.Equal(t, 0, counts[models.StatusRejected])

	n, err := c.ClearSuggestions(ctx, "example.com", models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.ClearSuggestions(ctx, "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveSuggestions_RollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewFromDB(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO link_suggestions")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = c.SaveSuggestions(context.Background(), "example.com", "gen-1", []models.Suggestion{
		suggestion("s1", "a", "b", 10),
		suggestion("s2", "a", "c", 10),
	})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSuggestions_SupersedeFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO link_suggestions")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET status = 'superseded'").
		WithArgs(sqlmock.AnyArg(), "example.com", "gen-1").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = NewFromDB(db).SaveSuggestions(context.Background(), "example.com", "gen-1", []models.Suggestion{
		suggestion("s1", "a", "b", 10),
	})
	assert.ErrorContains(t, err, "failed to supersede pending suggestions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSuggestions_BeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("locked"))

	err = NewFromDB(db).SaveSuggestions(context.Background(), "example.com", "gen-1", []models.Suggestion{suggestion("s1", "a", "b", 10)})
	assert.ErrorContains(t, err, "failed to begin transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTopSuggestions_QueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM link_suggestions").
		WithArgs("example.com", "pending", 5).
		WillReturnError(errors.New("no such table"))

	_, err = NewFromDB(db).GetTopSuggestions(context.Background(), "example.com", models.StatusPending, 5)
	assert.ErrorContains(t, err, "no such table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSuggestionStatus_ExecFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE link_suggestions").WillReturnError(errors.New("busy"))

	_, err = NewFromDB(db).UpdateSuggestionStatus(context.Background(), "example.com", "s1", models.StatusAccepted, models.StatusUpdate{})
	assert.ErrorContains(t, err, "busy")
	assert.NotErrorIs(t, err, models.ErrInvalidSuggestionState)
	assert.NoError(t, mock.ExpectationsWereMet())
}
