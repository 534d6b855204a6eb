package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPageNotFound           = errors.New("page not found")
	ErrInvalidSuggestionState = errors.New("invalid suggestion state")
	// ErrSuggestionNotFound matches ErrInvalidSuggestionState under errors.Is.
	ErrSuggestionNotFound   = fmt.Errorf("suggestion not found: %w", ErrInvalidSuggestionState)
	ErrDependencyFailure    = errors.New("dependency failure")
	ErrGenerationInProgress = errors.New("suggestion generation already in progress")
)

// Page is a crawled page as stored in the page graph.
type Page struct {
	SiteID            string  `json:"site_id"`
	PageID            string  `json:"page_id"`
	URL               string  `json:"url"`
	Title             string  `json:"title"`
	H1                string  `json:"h1"`
	StatusCode        int     `json:"status_code"`
	WordCount         int     `json:"word_count"`
	CanonicalID       string  `json:"canonical_id,omitempty"`
	LinkCountInternal int     `json:"link_count_internal"`
	Text              string  `json:"text,omitempty"`
	HTML              string  `json:"-"`
	ClusterID         string  `json:"cluster_id,omitempty"`
	AuthorityScore    float64 `json:"authority_score"`
}

type Embedding struct {
	SiteID    string    `json:"site_id"`
	PageID    string    `json:"page_id"`
	Vector    []float64 `json:"vector"`
	ClusterID string    `json:"cluster_id"`
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Key is the set-membership key for a directed edge.
func (e Edge) Key() string {
	return e.Source + "->" + e.Target
}

// AuthorityRecord is one row of the upstream TSPR results.
type AuthorityRecord struct {
	PageID         string  `json:"page_id"`
	URL            string  `json:"url"`
	AuthorityScore float64 `json:"authority_score"`
	ClusterID      string  `json:"cluster_id"`
}

type Orphan struct {
	PageID string `json:"page_id,omitempty"`
	URL    string `json:"url"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityNotice   Severity = "notice"
)

type IssueType string

const (
	IssueBrokenLinks      IssueType = "broken_links"
	IssueDuplicateTitles  IssueType = "duplicate_titles"
	IssueMissingH1        IssueType = "missing_h1"
	IssueThinContent      IssueType = "thin_content"
	IssueOrphanPages      IssueType = "orphan_pages"
	IssueMissingCanonical IssueType = "missing_canonical"
)

type Issue struct {
	Type           IssueType `json:"type"`
	Severity       Severity  `json:"severity"`
	AffectedPages  int       `json:"affected_page_count"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
}

type AuditResult struct {
	SiteID      string  `json:"site_id"`
	Issues      []Issue `json:"issues"`
	HealthScore int     `json:"health_score"`
	TotalPages  int     `json:"total_pages"`
}

type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "pending"
	StatusAccepted SuggestionStatus = "accepted"
	StatusRejected SuggestionStatus = "rejected"

	// StatusSuperseded marks a pending row that a later generation run no
	// longer produced.
	StatusSuperseded SuggestionStatus = "superseded"
)

func (s SuggestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusSuperseded:
		return true
	}
	return false
}

type Suggestion struct {
	ID              string           `json:"id"`
	SiteID          string           `json:"site_id"`
	SourcePageID    string           `json:"source_page_id"`
	TargetPageID    string           `json:"target_page_id"`
	SourceURL       string           `json:"source_url"`
	TargetURL       string           `json:"target_url"`
	ClusterID       string           `json:"cluster_id"`
	SimilarityScore float64          `json:"similarity_score"`
	TargetAuthority float64          `json:"target_authority"`
	ImpactScore     float64          `json:"impact_score"`
	Reason          string           `json:"reason"`
	SuggestedAnchor string           `json:"suggested_anchor"`
	FinalAnchor     string           `json:"final_anchor,omitempty"`
	RejectReason    string           `json:"reject_reason,omitempty"`
	Status          SuggestionStatus `json:"status"`
	GenerationID    string           `json:"generation_id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// PairKey identifies the directed source/target pair of a suggestion.
func (s Suggestion) PairKey() string {
	return s.SourcePageID + "->" + s.TargetPageID
}

// StatusUpdate carries the reviewer metadata stored with a status change.
type StatusUpdate struct {
	FinalAnchor  string
	RejectReason string
}

type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	SiteID    string    `json:"site_id"`
	State     TaskState `json:"state"`
	Generated int       `json:"generated"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
