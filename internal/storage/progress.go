package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/driveline-ai/driveline/internal/model"
)

const progressColumns = `research_id, query, status, overall_progress, questions, subtasks, logs,
	started_at, completed_at, error_message, user_id, result, created_at, updated_at`

// CreateProgress inserts a new research progress aggregate.
// Returns ErrDuplicate if the researchId already exists.
func (db *DB) CreateProgress(ctx context.Context, p *model.ResearchProgress) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO research_progress (`+progressColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ResearchID, p.Query, string(p.Status), p.OverallProgress,
		p.Questions, p.Subtasks, p.Logs,
		p.StartedAt, p.CompletedAt, p.ErrorMessage, p.UserID, p.Result,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("storage: create progress %s: %w", p.ResearchID, ErrDuplicate)
		}
		return fmt.Errorf("storage: create progress: %w", err)
	}
	return nil
}

// GetProgress retrieves a progress aggregate by researchId.
func (db *DB) GetProgress(ctx context.Context, researchID string) (*model.ResearchProgress, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM research_progress WHERE research_id = $1`, researchID)
	p, err := scanProgress(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: progress %s: %w", researchID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get progress: %w", err)
	}
	return p, nil
}

// MutateProgress applies fn to the aggregate identified by researchId
// inside a transaction holding a row lock, then writes the aggregate back.
// The row lock gives single-writer-per-id semantics: two racing updates
// for the same run serialize instead of losing writes. On commit a
// progress event is published on ChannelProgress for SSE subscribers.
//
// Returns the mutated aggregate, or ErrNotFound if the id is unknown.
// Transient conflicts (deadlock, serialization failure) re-run the whole
// transaction, fn included, against a freshly locked row.
func (db *DB) MutateProgress(ctx context.Context, researchID string, fn func(*model.ResearchProgress) error) (*model.ResearchProgress, error) {
	var p *model.ResearchProgress
	err := db.withTxRetry(ctx, "mutate progress", func() error {
		var err error
		p, err = db.mutateProgressTx(ctx, researchID, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (db *DB) mutateProgressTx(ctx context.Context, researchID string, fn func(*model.ResearchProgress) error) (*model.ResearchProgress, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin mutate progress: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM research_progress WHERE research_id = $1 FOR UPDATE`,
		researchID)
	p, err := scanProgress(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: progress %s: %w", researchID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: lock progress: %w", err)
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE research_progress
		 SET query = $2, status = $3, overall_progress = $4, questions = $5,
		     subtasks = $6, logs = $7, started_at = $8, completed_at = $9,
		     error_message = $10, user_id = $11, result = $12, updated_at = $13
		 WHERE research_id = $1`,
		p.ResearchID, p.Query, string(p.Status), p.OverallProgress,
		p.Questions, p.Subtasks, p.Logs, p.StartedAt, p.CompletedAt,
		p.ErrorMessage, p.UserID, p.Result, p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("storage: update progress: %w", err)
	}

	// Publish the new top-level state for live subscribers. Delivered on
	// commit, so subscribers never observe an uncommitted state.
	event, err := json.Marshal(model.ProgressEvent{
		ResearchID:      p.ResearchID,
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
		UpdatedAt:       p.UpdatedAt,
	})
	if err == nil {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelProgress, string(event)); err != nil {
			db.logger.Warn("storage: notify progress", "research_id", p.ResearchID, "error", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit mutate progress: %w", err)
	}
	return p, nil
}

// ListProgress returns run summaries matching the filter, newest-created first.
func (db *DB) ListProgress(ctx context.Context, filter model.ProgressFilter) ([]model.ProgressSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}

	query := `SELECT research_id, query, status, overall_progress, user_id, started_at, completed_at, created_at
		 FROM research_progress`
	var conds []string
	var args []any
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list progress: %w", err)
	}
	defer rows.Close()

	var summaries []model.ProgressSummary
	for rows.Next() {
		var s model.ProgressSummary
		var status string
		if err := rows.Scan(&s.ResearchID, &s.Query, &status, &s.OverallProgress,
			&s.UserID, &s.StartedAt, &s.CompletedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan progress summary: %w", err)
		}
		s.Status = model.ResearchStatus(status)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// scanProgress reads one research_progress row in progressColumns order.
func scanProgress(row pgx.Row) (*model.ResearchProgress, error) {
	var p model.ResearchProgress
	var status string
	if err := row.Scan(
		&p.ResearchID, &p.Query, &status, &p.OverallProgress,
		&p.Questions, &p.Subtasks, &p.Logs,
		&p.StartedAt, &p.CompletedAt, &p.ErrorMessage, &p.UserID, &p.Result,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = model.ResearchStatus(status)
	return &p, nil
}
