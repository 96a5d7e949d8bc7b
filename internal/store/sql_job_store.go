package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const jobSchemaTemplate = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	source_key TEXT NOT NULL,
	params TEXT NOT NULL,
	result_key TEXT,
	result_content_type TEXT,
	error_kind TEXT,
	error_message TEXT,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC);
`

const jobColumns = `id, status, attempt_count, max_attempts, source_key, params,
	result_key, result_content_type, error_kind, error_message, webhook_url, created_at, updated_at`

type jobRow struct {
	ID                string         `db:"id"`
	Status            string         `db:"status"`
	AttemptCount      int            `db:"attempt_count"`
	MaxAttempts       int            `db:"max_attempts"`
	SourceKey         string         `db:"source_key"`
	Params            string         `db:"params"`
	ResultKey         sql.NullString `db:"result_key"`
	ResultContentType sql.NullString `db:"result_content_type"`
	ErrorKind         sql.NullString `db:"error_kind"`
	ErrorMessage      sql.NullString `db:"error_message"`
	WebhookURL        string         `db:"webhook_url"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type SQLJobStore struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

func NewSQLJobStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLJobStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent CAS.
		db.SetMaxOpenConns(1)
	}

	s := &SQLJobStore{db: db, driver: driver, logger: logger.With("component", "job_store", "driver", driver)}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("job store ready")
	return s, nil
}

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	tsType := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		tsType = "TIMESTAMP"
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(jobSchemaTemplate, tsType)); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLJobStore) Create(ctx context.Context, job domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (:id, :status, :attempt_count, :max_attempts, :source_key, :params,
		         :result_key, :result_content_type, :error_kind, :error_message, :webhook_url, :created_at, :updated_at)
		 ON CONFLICT (id) DO NOTHING`,
		row,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLJobStore) get(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return row.toJob()
}

func (s *SQLJobStore) List(ctx context.Context) ([]domain.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id ASC`); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *SQLJobStore) Transition(ctx context.Context, id string, expect Expect, change Change) (domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.get(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !matches(current, expect) {
		return domain.Job{}, ErrConflict
	}
	if err := change.validate(current); err != nil {
		return domain.Job{}, err
	}

	next := change.apply(current, time.Now().UTC())
	row, err := toRow(next)
	if err != nil {
		return domain.Job{}, err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE jobs
		 SET status = ?, attempt_count = ?, result_key = ?, result_content_type = ?,
		     error_kind = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempt_count = ?`),
		row.Status, row.AttemptCount, row.ResultKey, row.ResultContentType,
		row.ErrorKind, row.ErrorMessage, row.UpdatedAt,
		id, string(expect.Status), expect.AttemptCount,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return domain.Job{}, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

func toRow(job domain.Job) (jobRow, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal job params: %w", err)
	}

	row := jobRow{
		ID:           job.ID,
		Status:       string(job.Status),
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		SourceKey:    job.SourceKey,
		Params:       string(params),
		WebhookURL:   job.WebhookURL,
		CreatedAt:    job.CreatedAt.UTC(),
		UpdatedAt:    job.UpdatedAt.UTC(),
	}
	if job.Result != nil {
		row.ResultKey = sql.NullString{String: job.Result.Key, Valid: true}
		row.ResultContentType = sql.NullString{String: job.Result.ContentType, Valid: true}
	}
	if job.Error != nil {
		row.ErrorKind = sql.NullString{String: job.Error.Kind, Valid: true}
		row.ErrorMessage = sql.NullString{String: job.Error.Message, Valid: true}
	}
	return row, nil
}

func (r jobRow) toJob() (domain.Job, error) {
	job := domain.Job{
		ID:           r.ID,
		Status:       domain.JobStatus(r.Status),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		SourceKey:    r.SourceKey,
		WebhookURL:   r.WebhookURL,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Params), &job.Params); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job params: %w", err)
	}
	if r.ResultKey.Valid {
		job.Result = &domain.Result{Key: r.ResultKey.String, ContentType: r.ResultContentType.String}
	}
	if r.ErrorKind.Valid {
		job.Error = &domain.ErrorInfo{Kind: r.ErrorKind.String, Message: r.ErrorMessage.String}
	}
	return job, nil
}
