package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

// ErrJobNotFound is returned when no attempt exists for a video
var ErrJobNotFound = errors.New("job not found")

// JobRepository records processing attempts in transcode_jobs
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new repository
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// StartJob inserts an attempt in processing state
func (r *JobRepository) StartJob(ctx context.Context, rec *models.JobRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = models.JobStatusProcessing
	}

	query := `
		INSERT INTO transcode_jobs (attempt_id, video_id, owner_id, input_key, status, worker_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query,
		rec.AttemptID, rec.VideoID, rec.OwnerID, rec.InputKey, rec.Status, rec.WorkerID, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	return nil
}

// FinishJob stores the terminal state of an attempt
func (r *JobRepository) FinishJob(ctx context.Context, rec *models.JobRecord) error {
	if rec.FinishedAt == nil {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}

	query := `
		UPDATE transcode_jobs
		SET status = $2, output_prefix = $3, duration_sec = $4, error_msg = $5, finished_at = $6
		WHERE attempt_id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		rec.AttemptID, rec.Status, rec.OutputPrefix, rec.DurationSec, rec.ErrorMsg, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to finish job %s: %w", rec.AttemptID, ErrJobNotFound)
	}
	return nil
}

// LatestJob returns the most recent attempt for a video
func (r *JobRepository) LatestJob(ctx context.Context, videoID string) (*models.JobRecord, error) {
	var rec models.JobRecord

	query := `
		SELECT attempt_id, video_id, owner_id, input_key, status, output_prefix,
		       duration_sec, error_msg, worker_id, started_at, finished_at
		FROM transcode_jobs
		WHERE video_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	err := r.db.QueryRow(ctx, query, videoID).Scan(
		&rec.AttemptID, &rec.VideoID, &rec.OwnerID, &rec.InputKey, &rec.Status, &rec.OutputPrefix,
		&rec.DurationSec, &rec.ErrorMsg, &rec.WorkerID, &rec.StartedAt, &rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &rec, nil
}

// HasCompletedJob reports whether any attempt for the video reached the
// completed state
func (r *JobRepository) HasCompletedJob(ctx context.Context, videoID string) (bool, error) {
	var exists bool

	query := `
		SELECT EXISTS (
			SELECT 1 FROM transcode_jobs WHERE video_id = $1 AND status = $2
		)
	`

	if err := r.db.QueryRow(ctx, query, videoID, models.JobStatusCompleted).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check completed jobs: %w", err)
	}
	return exists, nil
}
