package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driveline-ai/driveline/internal/model"
)

const resultColumns = `id, research_id, query, result, sources, metadata, user_id, tags, status, created_at, updated_at`

// SaveResult persists a research result. A zero ID gets a fresh uuid;
// timestamps are stamped here.
func (db *DB) SaveResult(ctx context.Context, r *model.ResearchResult) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Sources == nil {
		r.Sources = []string{}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if r.Status == "" {
		r.Status = model.ResultStatusCompleted
	}

	err := db.withTxRetry(ctx, "save result", func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO research_results (`+resultColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.ResearchID, r.Query, r.Result, r.Sources, r.Metadata,
			r.UserID, r.Tags, string(r.Status), r.CreatedAt, r.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save result: %w", err)
	}
	return nil
}

// FindResultByID retrieves a result by its uuid or by its researchId.
func (db *DB) FindResultByID(ctx context.Context, idOrResearchID string) (*model.ResearchResult, error) {
	var row pgx.Row
	if id, err := uuid.Parse(idOrResearchID); err == nil {
		row = db.pool.QueryRow(ctx,
			`SELECT `+resultColumns+` FROM research_results WHERE id = $1 OR research_id = $2`,
			id, idOrResearchID)
	} else {
		row = db.pool.QueryRow(ctx,
			`SELECT `+resultColumns+` FROM research_results WHERE research_id = $1`,
			idOrResearchID)
	}

	r, err := scanResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: result %s: %w", idOrResearchID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: find result: %w", err)
	}
	return r, nil
}

// searchableFields maps caller-selectable search fields to SQL predicates.
// The result summary lives under the jsonb result payload.
var searchableFields = map[string]string{
	"query":   `query ILIKE $1`,
	"summary": `result->>'summary' ILIKE $1`,
	"tags":    `EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t ILIKE $1)`,
}

// SearchResults matches textQuery case-insensitively against the given
// fields (default: query, summary, tags), newest first.
func (db *DB) SearchResults(ctx context.Context, textQuery string, fields []string, limit int) ([]model.ResearchResult, error) {
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}
	if len(fields) == 0 {
		fields = []string{"query", "summary", "tags"}
	}

	var preds []string
	for _, f := range fields {
		if pred, ok := searchableFields[f]; ok {
			preds = append(preds, pred)
		}
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("storage: search results: no valid fields in %v", fields)
	}

	pattern := "%" + escapeLike(textQuery) + "%"
	query := `SELECT ` + resultColumns + ` FROM research_results
		 WHERE (` + strings.Join(preds, " OR ") + `)
		 ORDER BY created_at DESC LIMIT $2`

	rows, err := db.pool.Query(ctx, query, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search results: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// escapeLike escapes LIKE metacharacters so user text matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// FindResultsByDateRange returns results created within [start, end], newest first.
func (db *DB) FindResultsByDateRange(ctx context.Context, start, end time.Time) ([]model.ResearchResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM research_results
		 WHERE created_at >= $1 AND created_at <= $2
		 ORDER BY created_at DESC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: find results by date range: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// FindResultsByStatus returns results with the given status, newest first.
func (db *DB) FindResultsByStatus(ctx context.Context, status model.ResultStatus) ([]model.ResearchResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM research_results
		 WHERE status = $1 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage: find results by status: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// AggregateResultStats computes the result statistics view: total count,
// per-status histogram, monthly counts for the trailing 12 months, and
// the ten most frequent query strings.
func (db *DB) AggregateResultStats(ctx context.Context) (*model.ResultStats, error) {
	stats := &model.ResultStats{ByStatus: make(map[string]int)}

	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM research_results`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("storage: count results: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM research_results GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: status histogram: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan status histogram: %w", err)
		}
		stats.ByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.pool.Query(ctx,
		`SELECT to_char(date_trunc('month', created_at), 'YYYY-MM') AS month, COUNT(*)
		 FROM research_results
		 WHERE created_at >= date_trunc('month', now()) - INTERVAL '11 months'
		 GROUP BY month ORDER BY month`)
	if err != nil {
		return nil, fmt.Errorf("storage: monthly counts: %w", err)
	}
	for rows.Next() {
		var mc model.MonthlyCount
		if err := rows.Scan(&mc.Month, &mc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan monthly count: %w", err)
		}
		stats.Monthly = append(stats.Monthly, mc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.pool.Query(ctx,
		`SELECT query, COUNT(*) AS n FROM research_results
		 GROUP BY query ORDER BY n DESC, query LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("storage: top queries: %w", err)
	}
	for rows.Next() {
		var qc model.QueryCount
		if err := rows.Scan(&qc.Query, &qc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan top query: %w", err)
		}
		stats.TopQueries = append(stats.TopQueries, qc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// UpdateResultTags replaces a result's tags.
func (db *DB) UpdateResultTags(ctx context.Context, id uuid.UUID, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE research_results SET tags = $2, updated_at = $3 WHERE id = $1`,
		id, tags, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: update result tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: result %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteResult removes a result by id.
func (db *DB) DeleteResult(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM research_results WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: result %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanResult(row pgx.Row) (*model.ResearchResult, error) {
	var r model.ResearchResult
	var status string
	if err := row.Scan(
		&r.ID, &r.ResearchID, &r.Query, &r.Result, &r.Sources, &r.Metadata,
		&r.UserID, &r.Tags, &status, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = model.ResultStatus(status)
	return &r, nil
}

func collectResults(rows pgx.Rows) ([]model.ResearchResult, error) {
	var results []model.ResearchResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan result: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}
