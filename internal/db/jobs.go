package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobarin/melovue/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, status, progress, message, audio_url, image_url, user_options,
	audio_duration_s, transcript, segments, scenes, global_style, clip_keys,
	final_video_key, final_video_url, error_kind, error_stage, error_message,
	version, created_at, updated_at, started_at, finished_at`

// CreateJob inserts a queued job and fills in its version and timestamps.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, status, progress, message, audio_url, image_url, user_options, clip_keys
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING version, created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		job.ID, job.Status, job.Progress, job.Message, job.AudioURL, job.ImageURL, job.Options, job.ClipKeys,
	).Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// SaveJob writes every mutable column in one statement, guarded by the
// version the caller read and by the stored status not being terminal. On
// success job.Version and job.UpdatedAt are refreshed. Zero matched rows
// means another writer got there first, or the job already finished, and is
// reported as ErrVersionConflict.
func (db *DB) SaveJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs SET
			status = $3, progress = $4, message = $5,
			audio_duration_s = $6, transcript = $7, segments = $8, scenes = $9,
			global_style = $10, clip_keys = $11,
			final_video_key = $12, final_video_url = $13,
			error_kind = $14, error_stage = $15, error_message = $16,
			started_at = $17, finished_at = $18,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status NOT IN ('done', 'failed')
		RETURNING version, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		job.ID, job.Version,
		job.Status, job.Progress, job.Message,
		job.AudioDurationS, job.Transcript, job.Segments, job.Scenes,
		job.GlobalStyle, job.ClipKeys,
		job.FinalVideoKey, job.FinalVideoURL,
		job.ErrorKind, job.ErrorStage, job.ErrorMessage,
		job.StartedAt, job.FinishedAt,
	).Scan(&job.Version, &job.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: job %s at version %d", models.ErrVersionConflict, job.ID, job.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var transcript, globalStyle []byte

	err := row.Scan(
		&job.ID, &job.Status, &job.Progress, &job.Message, &job.AudioURL, &job.ImageURL, &job.Options,
		&job.AudioDurationS, &transcript, &job.Segments, &job.Scenes, &globalStyle, &job.ClipKeys,
		&job.FinalVideoKey, &job.FinalVideoURL, &job.ErrorKind, &job.ErrorStage, &job.ErrorMessage,
		&job.Version, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if transcript != nil {
		job.Transcript = &models.Transcript{}
		if err := json.Unmarshal(transcript, job.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if globalStyle != nil {
		job.GlobalStyle = &models.GlobalStyle{}
		if err := json.Unmarshal(globalStyle, job.GlobalStyle); err != nil {
			return nil, fmt.Errorf("decode global_style: %w", err)
		}
	}
	return job, nil
}
