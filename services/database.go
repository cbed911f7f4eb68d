package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mediaconv/models"

	_ "github.com/lib/pq"
)

const resultsSchema = `CREATE TABLE IF NOT EXISTS conversion_results (
	job_id        TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	output_path   TEXT,
	output_url    TEXT,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
)`

// DatabaseService is the durable record of job outcomes. A job is only
// acknowledged to the broker once its result is stored here.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// NewDatabaseServiceFromDB wraps an existing handle.
func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db}
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, resultsSchema); err != nil {
		return fmt.Errorf("failed to create conversion_results: %w", err)
	}
	return nil
}

func (d *DatabaseService) MarkProcessing(ctx context.Context, job *models.ConversionJob) error {
	now := time.Now()
	query := `INSERT INTO conversion_results (job_id, kind, status, retry_count, started_at, updated_at)
		VALUES ($1, $2, 'processing', $3, $4, $4)
		ON CONFLICT (job_id) DO UPDATE SET status = 'processing', retry_count = $3, started_at = $4, updated_at = $4`
	_, err := d.db.ExecContext(ctx, query, job.ID, string(job.Kind()), job.RetryCount, now)
	return err
}

// RecordResult stores the final outcome of a job, replacing any earlier
// attempt so redelivered jobs converge on one row.
func (d *DatabaseService) RecordResult(ctx context.Context, job *models.ConversionJob, result models.JobResult) error {
	now := time.Now()
	var completedAt interface{}
	if result.Success {
		completedAt = now
	}
	query := `INSERT INTO conversion_results
			(job_id, kind, status, output_path, output_url, error_message, retry_count, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			status = $3, output_path = $4, output_url = $5, error_message = $6,
			retry_count = $7, completed_at = $8, updated_at = $9`
	_, err := d.db.ExecContext(ctx, query,
		job.ID, string(job.Kind()), result.Status(),
		nullString(result.OutputPath), nullString(result.OutputURL), nullString(result.Error),
		job.RetryCount, completedAt, now)
	if err != nil {
		return fmt.Errorf("failed to record result for job %s: %w", job.ID, err)
	}
	return nil
}

// GetResult returns the stored result for a job, or false if none exists.
func (d *DatabaseService) GetResult(ctx context.Context, jobID string) (models.JobResult, string, bool, error) {
	var status string
	var outputPath, outputURL, errorMessage sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT status, output_path, output_url, error_message FROM conversion_results WHERE job_id = $1`,
		jobID,
	).Scan(&status, &outputPath, &outputURL, &errorMessage)
	if err == sql.ErrNoRows {
		return models.JobResult{}, "", false, nil
	}
	if err != nil {
		return models.JobResult{}, "", false, err
	}
	return models.JobResult{
		Success:    status == "completed",
		OutputPath: outputPath.String,
		OutputURL:  outputURL.String,
		Error:      errorMessage.String,
	}, status, true, nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
