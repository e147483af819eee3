package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxQueryLen bounds the research query. Queries flow into the agent
// service prompt and into a Postgres TEXT column; a megabyte of
// caller-controlled text serves neither.
const MaxQueryLen = 8 * 1024

// DefaultListLimit is the page size for list endpoints when the caller
// doesn't specify one.
const DefaultListLimit = 10

// MaxListLimit caps the page size for list endpoints.
const MaxListLimit = 100

// ValidateQuery checks that a research query is present and bounded.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query is required and must be a non-empty string")
	}
	if len(query) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d bytes", MaxQueryLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// StartResearchRequest is the request body for POST /research.
type StartResearchRequest struct {
	Query  string  `json:"query"`
	UserID *string `json:"userId,omitempty"`
}

// StartResearchResponse is the 202 response for POST /research.
type StartResearchResponse struct {
	ResearchID  string `json:"researchId"`
	ProgressURL string `json:"progressUrl"`
}

// CreateProgressRequest is the request body for POST /research-progress.
type CreateProgressRequest struct {
	ResearchID string  `json:"researchId"`
	Query      string  `json:"query"`
	UserID     *string `json:"userId,omitempty"`
}

// PatchProgressRequest is the request body for PATCH
// /research-progress/{researchId}. All fields are optional; the handler
// applies the present ones in a fixed order (subtask update, log append,
// questions replace, error, result) and always re-derives overall status.
type PatchProgressRequest struct {
	AgentID      string             `json:"agentId,omitempty"`
	Description  string             `json:"description,omitempty"`
	Status       *SubtaskStatus     `json:"status,omitempty"`
	Progress     *SubtaskProgress   `json:"progress,omitempty"`
	Message      string             `json:"message,omitempty"`
	Level        LogLevel           `json:"level,omitempty"`
	Questions    []ResearchQuestion `json:"questions,omitempty"`
	ErrorMessage *string            `json:"errorMessage,omitempty"`
	Result       map[string]any     `json:"result,omitempty"`
}

// PatchProgressResponse is the 200 response for the PATCH endpoint.
type PatchProgressResponse struct {
	Status          ResearchStatus `json:"status"`
	OverallProgress int            `json:"overallProgress"`
}

// ProgressView is the polling read view of one research run.
type ProgressView struct {
	ResearchID      string             `json:"researchId"`
	Query           string             `json:"query"`
	Status          ResearchStatus     `json:"status"`
	OverallProgress int                `json:"overallProgress"`
	Questions       []ResearchQuestion `json:"questions"`
	Subtasks        []SubtaskRecord    `json:"subtasks"`
	Logs            []ProgressLogEntry `json:"logs"`
	StartedAt       time.Time          `json:"startedAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	ErrorMessage    *string            `json:"errorMessage,omitempty"`
	Result          map[string]any     `json:"result,omitempty"`
}

// ProgressSummary is the list-view projection of one research run.
// Deliberately omits logs and subtask detail.
type ProgressSummary struct {
	ResearchID      string         `json:"researchId"`
	Query           string         `json:"query"`
	Status          ResearchStatus `json:"status"`
	OverallProgress int            `json:"overallProgress"`
	UserID          *string        `json:"userId,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// ProgressFilter selects research runs for list queries.
type ProgressFilter struct {
	Status *ResearchStatus
	UserID *string
	Limit  int
}

// ProgressEvent is the payload published on every progress mutation,
// consumed by SSE subscribers watching a run.
type ProgressEvent struct {
	ResearchID      string         `json:"researchId"`
	Status          ResearchStatus `json:"status"`
	OverallProgress int            `json:"overallProgress"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ResultSearchRequest is the request body for POST /research-results/search.
type ResultSearchRequest struct {
	Query  string   `json:"query"`
	Fields []string `json:"fields,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// UpdateTagsRequest is the request body for PATCH /research-results/{id}/tags.
type UpdateTagsRequest struct {
	Tags []string `json:"tags"`
}

// MonthlyCount is one month's result count in aggregate statistics.
type MonthlyCount struct {
	Month string `json:"month"` // "2026-08"
	Count int    `json:"count"`
}

// QueryCount is one query string's frequency in aggregate statistics.
type QueryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// ResultStats is the response for GET /research-results/stats.
type ResultStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	Monthly    []MonthlyCount `json:"monthly"`
	TopQueries []QueryCount   `json:"topQueries"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
