package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"suiterunner/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const runColumns = `id, suite_path, suite_args, status, submitted_at, started_at, ended_at, exit_code, reason, log_path`

// Postgres stores runs in the `suite` schema
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) InsertRun(ctx context.Context, run models.Run) error {
	_, err := p.db.NamedExecContext(ctx, `
INSERT INTO suite.run (`+runColumns+`)
VALUES (:id, :suite_path, :suite_args, :status, :submitted_at, :started_at, :ended_at, :exit_code, :reason, :log_path)
`, run)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	return err
}

func (p *Postgres) UpdateRun(ctx context.Context, run models.Run) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE suite.run
SET status     = $2,
    started_at = $3,
    ended_at   = $4,
    exit_code  = $5,
    reason     = $6
WHERE id = $1
  AND status IN ('queued', 'running')
`, run.ID, run.Status, run.StartedAt, run.EndedAt, run.ExitCode, run.Reason)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	// nothing was updated, find out why
	if _, err := p.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrTerminalRow, run.ID)
}

func (p *Postgres) GetRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	err := p.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM suite.run WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

func (p *Postgres) ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	var (
		conditions []string
		args       []any
	)
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN (?)")
		args = append(args, filter.Statuses)
	}
	if filter.Since.Valid {
		conditions = append(conditions, "submitted_at >= ?")
		args = append(args, filter.Since.Time)
	}
	if filter.Until.Valid {
		conditions = append(conditions, "submitted_at < ?")
		args = append(args, filter.Until.Time)
	}

	query := `SELECT ` + runColumns + ` FROM suite.run`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY submitted_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	runs := []models.Run{}
	if err := p.db.SelectContext(ctx, &runs, p.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return runs, nil
}

func (p *Postgres) DeleteRun(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM suite.run WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) AddFailure(ctx context.Context, failure models.RunFailure) (models.RunFailure, error) {
	err := p.db.QueryRowxContext(ctx, `
INSERT INTO suite.failure (run_id, error_type, message)
VALUES ($1, $2, $3)
RETURNING id, created_at
`, failure.RunID, failure.ErrorType, failure.Message).Scan(&failure.ID, &failure.CreatedAt)
	if pgCode(err) == pgForeignKeyViolation {
		return models.RunFailure{}, fmt.Errorf("%w: %s", ErrNotFound, failure.RunID)
	}
	return failure, err
}

func (p *Postgres) ListFailures(ctx context.Context, runID string) ([]models.RunFailure, error) {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	failures := []models.RunFailure{}
	err := p.db.SelectContext(ctx, &failures, `
SELECT id, run_id, error_type, message, created_at
FROM suite.failure
WHERE run_id = $1
ORDER BY created_at, id
`, runID)
	return failures, err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
