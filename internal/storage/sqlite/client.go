package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/pkg/logger"
)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return NewFromDB(db), nil
}

// NewFromDB wraps an already opened database.
func NewFromDB(db *sql.DB) *Client {
	return &Client{db: db, now: time.Now}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS link_suggestions (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		source_page_id TEXT NOT NULL,
		target_page_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		target_url TEXT NOT NULL DEFAULT '',
		cluster_id TEXT NOT NULL DEFAULT '',
		similarity_score REAL NOT NULL,
		target_authority REAL NOT NULL,
		impact_score REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		suggested_anchor TEXT NOT NULL DEFAULT '',
		final_anchor TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'rejected', 'superseded')),
		generation_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (site_id, source_page_id, target_page_id)
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_site_status ON link_suggestions(site_id, status, impact_score DESC);
	CREATE INDEX IF NOT EXISTS idx_suggestions_generation ON link_suggestions(generation_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const suggestionColumns = `id, site_id, source_page_id, target_page_id, source_url, target_url, cluster_id,
	similarity_score, target_authority, impact_score, reason, suggested_anchor, final_anchor,
	reject_reason, status, generation_id, created_at, updated_at`

// SaveSuggestions stores one generation run in a single transaction. A pair
// that already has a pending or superseded row is refreshed in place, becomes
// pending again and keeps its id; reviewed rows are left untouched. Pending
// rows of the site that belong to any other run are marked superseded, so the
// pending set is always exactly the latest run.
func (c *Client) SaveSuggestions(ctx context.Context, siteID, generationID string, suggestions []models.Suggestion) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO link_suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, source_page_id, target_page_id) DO UPDATE SET
			source_url = excluded.source_url,
			target_url = excluded.target_url,
			cluster_id = excluded.cluster_id,
			similarity_score = excluded.similarity_score,
			target_authority = excluded.target_authority,
			impact_score = excluded.impact_score,
			reason = excluded.reason,
			suggested_anchor = excluded.suggested_anchor,
			status = 'pending',
			generation_id = excluded.generation_id,
			updated_at = excluded.updated_at
		WHERE link_suggestions.status IN ('pending', 'superseded')
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare suggestion insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range suggestions {
		status := s.Status
		if status == "" {
			status = models.StatusPending
		}
		_, err := stmt.ExecContext(ctx,
			s.ID,
			s.SiteID,
			s.SourcePageID,
			s.TargetPageID,
			s.SourceURL,
			s.TargetURL,
			s.ClusterID,
			s.SimilarityScore,
			s.TargetAuthority,
			s.ImpactScore,
			s.Reason,
			s.SuggestedAnchor,
			s.FinalAnchor,
			s.RejectReason,
			string(status),
			s.GenerationID,
			s.CreatedAt.Unix(),
			s.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert suggestion %s: %w", s.PairKey(), err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE link_suggestions
		SET status = 'superseded', updated_at = ?
		WHERE site_id = ? AND status = 'pending' AND generation_id <> ?
	`, c.now().Unix(), siteID, generationID)
	if err != nil {
		return fmt.Errorf("failed to supersede pending suggestions: %w", err)
	}
	superseded, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit suggestions: %w", err)
	}

	logger.Debug("Suggestions saved",
		zap.String("site_id", siteID),
		zap.String("generation_id", generationID),
		zap.Int("count", len(suggestions)),
		zap.Int64("superseded", superseded),
	)
	return nil
}

// GetTopSuggestions orders by impact descending, then source and target id.
// An empty status matches all rows and limit <= 0 returns everything.
func (c *Client) GetTopSuggestions(ctx context.Context, siteID string, status models.SuggestionStatus, limit int) ([]models.Suggestion, error) {
	var sb strings.Builder
	args := []any{siteID}

	sb.WriteString(`SELECT ` + suggestionColumns + ` FROM link_suggestions WHERE site_id = ?`)
	if status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, string(status))
	}
	sb.WriteString(` ORDER BY impact_score DESC, source_page_id, target_page_id`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer rows.Close()

	suggestions := []models.Suggestion{}
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestions: %w", err)
	}

	return suggestions, nil
}

func (c *Client) GetSuggestion(ctx context.Context, siteID, id string) (*models.Suggestion, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM link_suggestions WHERE site_id = ? AND id = ?`, siteID, id)

	s, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrSuggestionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSuggestionStatus moves a pending row to status. The update is
// conditional on the row still being pending, so a second review of the same
// row fails with models.ErrInvalidSuggestionState.
func (c *Client) UpdateSuggestionStatus(ctx context.Context, siteID, id string, status models.SuggestionStatus, meta models.StatusUpdate) (*models.Suggestion, error) {
	if status != models.StatusAccepted && status != models.StatusRejected {
		return nil, fmt.Errorf("%w: cannot transition to %q", models.ErrInvalidSuggestionState, status)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE link_suggestions
		SET status = ?,
			final_anchor = CASE WHEN ? = 'accepted' THEN COALESCE(NULLIF(?, ''), suggested_anchor) ELSE final_anchor END,
			reject_reason = CASE WHEN ? = 'rejected' THEN ? ELSE reject_reason END,
			updated_at = ?
		WHERE site_id = ? AND id = ? AND status = 'pending'
	`,
		string(status),
		string(status), meta.FinalAnchor,
		string(status), meta.RejectReason,
		c.now().Unix(),
		siteID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update suggestion status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	current, err := c.GetSuggestion(ctx, siteID, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: suggestion %s is %s", models.ErrInvalidSuggestionState, id, current.Status)
	}

	logger.Info("Suggestion status updated",
		zap.String("site_id", siteID),
		zap.String("suggestion_id", id),
		zap.String("status", string(status)),
	)
	return current, nil
}

func (c *Client) ClearSuggestions(ctx context.Context, siteID string, status models.SuggestionStatus) (int64, error) {
	query := `DELETE FROM link_suggestions WHERE site_id = ?`
	args := []any{siteID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear suggestions: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus reports how many rows a site has per status.
func (c *Client) CountByStatus(ctx context.Context, siteID string) (map[models.SuggestionStatus]int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM link_suggestions WHERE site_id = ? GROUP BY status`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to count suggestions: %w", err)
	}
	defer rows.Close()

	counts := map[models.SuggestionStatus]int{
		models.StatusPending:    0,
		models.StatusAccepted:   0,
		models.StatusRejected:   0,
		models.StatusSuperseded: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.SuggestionStatus(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row scanner) (*models.Suggestion, error) {
	var s models.Suggestion
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.ID,
		&s.SiteID,
		&s.SourcePageID,
		&s.TargetPageID,
		&s.SourceURL,
		&s.TargetURL,
		&s.ClusterID,
		&s.SimilarityScore,
		&s.TargetAuthority,
		&s.ImpactScore,
		&s.Reason,
		&s.SuggestedAnchor,
		&s.FinalAnchor,
		&s.RejectReason,
		&status,
		&s.GenerationID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan suggestion: %w", err)
	}

	s.Status = models.SuggestionStatus(status)
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}
