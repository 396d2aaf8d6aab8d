package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/storage"
	"go.uber.org/zap"
)

// tracker is the only writer of a job while the runner holds it. Every
// change is made on a clone and published only if the store accepts it.
type tracker struct {
	mu     sync.Mutex
	store  JobStore
	job    *models.Job
	lost   bool
	logger *zap.Logger
}

func newTracker(store JobStore, job *models.Job, logger *zap.Logger) *tracker {
	return &tracker{store: store, job: job, logger: logger}
}

// snapshot returns a copy of the last saved job.
func (t *tracker) snapshot() *models.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Clone()
}

// update applies fn to a clone, raises progress to at least p, sets msg if
// non-empty and saves. A version conflict marks the tracker lost and every
// later call fails without writing.
func (t *tracker) update(ctx context.Context, p float64, msg string, fn func(j *models.Job) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lost {
		return fmt.Errorf("job %s: %w", t.job.ID, models.ErrVersionConflict)
	}

	next := t.job.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return err
		}
	}
	next.SetProgress(p)
	if msg != "" {
		next.Message = msg
	}

	if err := t.store.SaveJob(ctx, next); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			t.lost = true
			t.logger.Warn("lost job ownership", zap.Int64("version", t.job.Version))
		}
		return err
	}
	t.job = next
	return nil
}

// transition moves the job to status with progress and message.
func (t *tracker) transition(ctx context.Context, status models.JobStatus, p float64, msg string) error {
	return t.update(ctx, p, msg, func(j *models.Job) error {
		return j.Transition(status)
	})
}

// fail records the failure and releases the job's artifacts. Progress is
// left where it was. extra lists objects uploaded but not yet recorded on
// the job.
func (t *tracker) fail(ctx context.Context, st storage.Storage, stage models.Stage, cause error, extra ...string) error {
	kind := models.KindOf(cause)
	msg := cause.Error()

	snap := t.snapshot()
	keys := append([]string(nil), extra...)
	for _, k := range snap.ClipKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if snap.FinalVideoKey != nil {
		keys = append(keys, *snap.FinalVideoKey)
	}

	err := t.update(ctx, 0, fmt.Sprintf("Failed during %s", stage), func(j *models.Job) error {
		if err := j.Transition(models.JobStatusFailed); err != nil {
			return err
		}
		j.ErrorKind = &kind
		j.ErrorStage = &stage
		j.ErrorMessage = &msg
		j.ClipKeys = nil
		j.FinalVideoKey = nil
		j.FinalVideoURL = nil
		return nil
	})
	if err != nil {
		return err
	}

	t.logger.Error("job failed",
		zap.String("stage", string(stage)),
		zap.String("error_kind", string(kind)),
		zap.Error(cause))

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if err := st.Delete(ctx, k); err != nil {
			t.logger.Warn("failed to delete artifact", zap.String("key", k), zap.Error(err))
		}
	}
	return nil
}
