// Package worker pulls jobs off the queue and runs them, keeping each lease
// alive while its job runs and recovering jobs whose worker disappeared.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bobarin/melovue/internal/metrics"
	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/pipeline"
	"github.com/bobarin/melovue/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue is the part of queue.Queue the worker uses.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	Dequeue(ctx context.Context, owner string, timeout, ttl time.Duration) (*queue.Lease, error)
	Extend(ctx context.Context, l *queue.Lease) error
	Ack(ctx context.Context, l *queue.Lease) error
	Reap(ctx context.Context) ([]uuid.UUID, error)
	Len(ctx context.Context) (pending, processing int64, err error)
}

// Store reads and conditionally writes jobs.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
}

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

type Config struct {
	Concurrency int
	// LeaseTTL is how long a lease lives without a heartbeat.
	LeaseTTL time.Duration
	// PollTimeout is the blocking dequeue wait.
	PollTimeout time.Duration
	// Owner identifies this process in leases. Defaults to hostname-pid.
	Owner string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

type Worker struct {
	queue  Queue
	store  Store
	runner Runner
	cfg    Config
	logger *zap.Logger
}

func New(q Queue, store Store, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		queue:  q,
		store:  store,
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("worker"),
	}
}

// Start runs the consumers and the reaper until ctx is cancelled. In-flight
// jobs share ctx, so cancelling it also cancels them; Start returns once
// their runs have returned and recorded the failure.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.String("owner", w.cfg.Owner),
		zap.Duration("lease_ttl", w.cfg.LeaseTTL))

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("worker shutting down")
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, slot int) {
	owner := fmt.Sprintf("%s/%d", w.cfg.Owner, slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := w.queue.Dequeue(ctx, owner, w.cfg.PollTimeout, w.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if lease == nil {
			continue
		}
		w.process(ctx, lease)
	}
}

// process runs one leased job. The heartbeat cancels the run if the lease
// is lost so a second worker cannot end up writing alongside this one.
func (w *Worker) process(ctx context.Context, lease *queue.Lease) {
	log := w.logger.With(zap.String("job_id", lease.JobID.String()), zap.String("owner", lease.Owner))
	log.Info("processing job")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.heartbeat(jobCtx, lease, cancel, log)
	}()

	err := w.runner.Run(jobCtx, lease.JobID)
	cancel()
	<-done

	if err != nil {
		log.Error("job run failed", zap.Error(err))
	}

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer ackCancel()
	if err := w.queue.Ack(ackCtx, lease); err != nil {
		if errors.Is(err, models.ErrLeaseLost) {
			log.Warn("lease was lost before ack")
			return
		}
		log.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) heartbeat(ctx context.Context, lease *queue.Lease, cancel context.CancelFunc, log *zap.Logger) {
	ticker := time.NewTicker(w.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Extend(ctx, lease)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrLeaseLost):
				log.Warn("lease lost, cancelling job")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				// Keep running; the next beat may get through before the TTL.
				log.Warn("lease extend failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.LeaseTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Reap(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("reap failed", zap.Error(err))
			}
			w.recordDepth(ctx)
		}
	}
}

func (w *Worker) recordDepth(ctx context.Context) {
	pending, processing, err := w.queue.Len(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to read queue depth", zap.Error(err))
		}
		return
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
}

// Reap recovers messages whose lease expired. A job that never started is
// queued again; one that had started is failed, never retried.
func (w *Worker) Reap(ctx context.Context) error {
	ids, err := w.queue.Reap(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := w.recoverJob(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) recoverJob(ctx context.Context, id uuid.UUID) error {
	log := w.logger.With(zap.String("job_id", id.String()))

	job, err := w.store.GetJob(ctx, id)
	if errors.Is(err, models.ErrJobNotFound) {
		log.Warn("reaped message for unknown job")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case job.IsTerminal():
		return nil
	case job.Status == models.JobStatusQueued:
		if err := w.queue.Enqueue(ctx, id); err != nil {
			return err
		}
		metrics.LeasesReapedTotal.WithLabelValues("requeued").Inc()
		log.Info("requeued job with expired lease")
		return nil
	}

	kind := models.ErrorKindInternal
	stage := pipeline.StoppedStage(job)
	msg := "worker lease expired"
	if err := job.Transition(models.JobStatusFailed); err != nil {
		return err
	}
	job.ErrorKind = &kind
	job.ErrorStage = &stage
	job.ErrorMessage = &msg
	job.Message = fmt.Sprintf("Failed during %s", stage)

	if err := w.store.SaveJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			// Someone else moved it on
			return nil
		}
		return err
	}
	metrics.LeasesReapedTotal.WithLabelValues("failed").Inc()
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobStatusFailed), string(kind)).Inc()
	log.Warn("failed job with expired lease", zap.String("stage", string(stage)))
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
