package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/melovue/internal/metrics"
	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/services"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/bobarin/melovue/internal/timeline"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Progress checkpoints. Clips fill the range between progressScenes and
// progressComposing.
const (
	progressPreparing = 0.05
	progressProbed    = 0.10
	progressHeard     = 0.25
	progressSegmented = 0.30
	progressPlanning  = 0.35
	progressStyled    = 0.45
	progressScenes    = 0.55
	progressComposing = 0.85
	progressMuxed     = 0.95
	progressDone      = 1.0
)

// failTimeout bounds the failure write when the job context is gone.
const failTimeout = 15 * time.Second

// Runner drives one job through the state machine.
type Runner struct {
	store       JobStore
	storage     storage.Storage
	transcriber services.Transcriber
	planner     *ScenePlanner
	clips       *ClipGenerator
	composer    *Composer
	media       services.MediaTool
	cfg         Config
	logger      *zap.Logger
}

func NewRunner(d Deps, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	logger := d.Logger.Named("pipeline")
	uploads := newUploadLimiter(cfg.UploadConcurrency)
	return &Runner{
		store:       d.Store,
		storage:     d.Storage,
		transcriber: d.Transcriber,
		planner:     NewScenePlanner(d.Planner, logger),
		clips:       NewClipGenerator(d.Generator, d.Media, d.Storage, uploads, cfg, logger),
		composer:    NewComposer(d.Media, d.Storage, uploads, logger),
		media:       d.Media,
		cfg:         cfg,
		logger:      logger,
	}
}

// run carries per-job state between stages.
type run struct {
	tr        *tracker
	log       *zap.Logger
	dir       string
	audioPath string
	stage     models.Stage

	mu       sync.Mutex
	uploaded []string
}

func (r *run) uploadedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uploaded...)
}

// Run executes the job. A terminal job is left alone. A job that is neither
// queued nor terminal was interrupted mid-run and is failed. The returned
// error is nil whenever the outcome was recorded on the job.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	log := r.logger.With(zap.String("job_id", jobID.String()))
	if job.IsTerminal() {
		log.Info("job already finished, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	st := &run{
		tr:  newTracker(r.store, job, log),
		log: log,
		dir: filepath.Join(r.cfg.WorkDir, jobID.String()),
	}

	if job.Status != models.JobStatusQueued {
		stage := StoppedStage(job)
		log.Warn("found interrupted job", zap.String("status", string(job.Status)), zap.String("stage", string(stage)))
		cause := fmt.Errorf("job interrupted while %s", job.Status)
		return r.finishFailed(ctx, st, stage, cause)
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	ctx, span := tracer.Start(ctx, "job")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return r.finishFailed(ctx, st, models.StageTiming, fmt.Errorf("failed to create work dir: %w", err))
	}
	defer os.RemoveAll(st.dir)

	started := time.Now()
	if err := r.execute(ctx, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrVersionConflict) {
			log.Warn("stopping: job was written by someone else", zap.Error(err))
			return nil
		}
		return r.finishFailed(ctx, st, st.stage, err)
	}

	metrics.StageDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobStatusDone), "").Inc()
	log.Info("job done", zap.Duration("elapsed", time.Since(started)))
	return nil
}

// finishFailed records the failure. Cancellation of the job context does not
// stop the write; a lost ownership does.
func (r *Runner) finishFailed(ctx context.Context, st *run, stage models.Stage, cause error) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
	}

	if err := st.tr.fail(ctx, r.storage, stage, cause, st.uploadedKeys()...); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			st.log.Warn("failure not recorded: job was written by someone else", zap.Error(cause))
			return nil
		}
		return fmt.Errorf("record failure: %w (cause: %v)", err, cause)
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobStatusFailed), string(models.KindOf(cause))).Inc()
	return nil
}

// StoppedStage works out where a run stopped from what it had
// already stored.
func StoppedStage(job *models.Job) models.Stage {
	switch job.Status {
	case models.JobStatusComposing:
		return models.StageComposition
	case models.JobStatusGeneratingScenes:
		if len(job.Scenes) > 0 {
			return models.StageClipGeneration
		}
		return models.StageScenePlanning
	default:
		switch {
		case len(job.Segments) > 0:
			return models.StageScenePlanning
		case job.Transcript != nil:
			return models.StageSegmentation
		case job.AudioDurationS != nil:
			return models.StageTranscription
		default:
			return models.StageTiming
		}
	}
}

func (r *Runner) execute(ctx context.Context, st *run) error {
	steps := []struct {
		stage models.Stage
		fn    func(context.Context, *run) error
	}{
		{models.StageTiming, r.timing},
		{models.StageTranscription, r.transcribe},
		{models.StageSegmentation, r.segment},
		{models.StageScenePlanning, r.plan},
		{models.StageClipGeneration, r.generateClips},
		{models.StageComposition, r.compose},
	}

	for _, step := range steps {
		st.stage = step.stage
		stageCtx, span := tracer.Start(ctx, string(step.stage))
		started := time.Now()

		err := step.fn(stageCtx, st)

		metrics.StageDuration.WithLabelValues(string(step.stage)).Observe(time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

// timing fetches the audio and fixes the canonical duration every later
// boundary is checked against.
func (r *Runner) timing(ctx context.Context, st *run) error {
	if err := st.tr.transition(ctx, models.JobStatusRunning, progressPreparing, "Preparing audio"); err != nil {
		return err
	}

	job := st.tr.snapshot()
	data, err := r.storage.Fetch(ctx, job.AudioURL)
	if err != nil {
		return fmt.Errorf("fetch audio: %w", err)
	}
	st.audioPath = filepath.Join(st.dir, "audio"+mimetype.Detect(data).Extension())
	if err := os.WriteFile(st.audioPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}

	probe, err := r.media.Probe(ctx, st.audioPath)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.ValidationError{Field: "audio_url", Message: fmt.Sprintf("unreadable audio: %v", err)}
	}
	if err := checkDuration(probe.DurationS, r.cfg.MaxAudioDurationS); err != nil {
		return err
	}

	d := probe.DurationS
	st.log.Info("audio probed", zap.Float64("duration_s", d), zap.String("codec", probe.AudioCodec))
	return st.tr.update(ctx, progressProbed, fmt.Sprintf("Audio is %.1fs long", d), func(j *models.Job) error {
		j.AudioDurationS = &d
		return nil
	})
}

func checkDuration(d, limit float64) error {
	switch {
	case math.IsNaN(d) || math.IsInf(d, 0) || d <= 0:
		return &models.ValidationError{Field: "audio_duration_s", Message: fmt.Sprintf("audio duration must be positive, got %v", d)}
	case d > limit:
		return &models.ValidationError{Field: "audio_duration_s", Message: fmt.Sprintf("audio is %.1fs, the limit is %.0fs", d, limit)}
	}
	return nil
}

// transcribe never fails the job on a provider error. It stores a degraded
// transcript and the segmenter falls back.
func (r *Runner) transcribe(ctx context.Context, st *run) error {
	job := st.tr.snapshot()

	transcript, err := r.transcriber.Transcribe(ctx, services.TranscribeRequest{
		AudioURL:  job.AudioURL,
		AudioPath: st.audioPath,
		Language:  job.Options.Language,
	})
	metrics.ProviderCallsTotal.WithLabelValues(r.transcriber.Name(), "transcribe", metrics.Outcome(err, models.IsTransient(err))).Inc()

	if err == nil && transcript == nil {
		transcript = &models.Transcript{}
	}

	msg := "Lyrics transcribed"
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.log.Warn("transcription degraded", zap.String("provider", r.transcriber.Name()), zap.Error(err))
		metrics.TranscriptionDegradedTotal.WithLabelValues("provider_error").Inc()
		transcript = &models.Transcript{Degraded: true, DegradedReason: err.Error()}
		msg = "Transcription unavailable, using fixed scene lengths"
	case strings.TrimSpace(transcript.Text) == "" && len(transcript.Words) == 0:
		metrics.TranscriptionDegradedTotal.WithLabelValues("empty").Inc()
		transcript.Degraded = true
		transcript.DegradedReason = "no lyrics detected"
		msg = "No lyrics detected, using fixed scene lengths"
	}

	return st.tr.update(ctx, progressHeard, msg, func(j *models.Job) error {
		j.Transcript = transcript
		return nil
	})
}

func (r *Runner) segment(ctx context.Context, st *run) error {
	job := st.tr.snapshot()
	d := *job.AudioDurationS

	window := job.Options.SceneLengthS
	if window <= 0 {
		window = r.cfg.DefaultWindowS
	}
	res, err := timeline.BuildSegments(d, job.Transcript, timeline.Options{WindowS: window})
	if err != nil {
		return err
	}
	if err := timeline.ValidateSegments(res.Segments, d); err != nil {
		return err
	}

	st.log.Info("segmented", zap.Int("segments", len(res.Segments)), zap.String("policy", string(res.Policy)))
	return st.tr.update(ctx, progressSegmented, fmt.Sprintf("Split into %d scenes", len(res.Segments)), func(j *models.Job) error {
		j.Segments = res.Segments
		return nil
	})
}

func (r *Runner) plan(ctx context.Context, st *run) error {
	if err := st.tr.transition(ctx, models.JobStatusGeneratingScenes, progressPlanning, "Planning scenes"); err != nil {
		return err
	}
	job := st.tr.snapshot()

	_, scenes, err := r.planner.Plan(ctx, PlanInput{
		Transcript: job.Transcript,
		ImageURL:   job.ImageURL,
		Segments:   job.Segments,
		DurationS:  *job.AudioDurationS,
		Options:    job.Options.WithDefaults(),
		OnStyle: func(ctx context.Context, style models.GlobalStyle) error {
			return st.tr.update(ctx, progressStyled, "Style set: "+style.Mood, func(j *models.Job) error {
				j.GlobalStyle = &style
				return nil
			})
		},
	})
	if err != nil {
		return err
	}

	return st.tr.update(ctx, progressScenes, fmt.Sprintf("Generating %d clips", len(scenes)), func(j *models.Job) error {
		j.Scenes = scenes
		j.ClipKeys = make(models.StringList, len(scenes))
		return nil
	})
}

func (r *Runner) generateClips(ctx context.Context, st *run) error {
	job := st.tr.snapshot()
	total := len(job.Scenes)

	_, err := r.clips.Generate(ctx, ClipBatch{
		JobID:       job.ID,
		Scenes:      job.Scenes,
		ImageURL:    job.ImageURL,
		Style:       job.GlobalStyle,
		AspectRatio: job.Options.WithDefaults().AspectRatio,
		WorkDir:     st.dir,
	}, func(index int, key string) error {
		st.mu.Lock()
		st.uploaded = append(st.uploaded, key)
		st.mu.Unlock()

		// Count from the saved keys so progress and message move together
		return st.tr.update(ctx, 0, "", func(j *models.Job) error {
			j.ClipKeys[index] = key
			n := 0
			for _, k := range j.ClipKeys {
				if k != "" {
					n++
				}
			}
			j.SetProgress(progressScenes + (progressComposing-progressScenes)*float64(n)/float64(total))
			j.Message = fmt.Sprintf("Generated %d of %d clips", n, total)
			return nil
		})
	})
	return err
}

func (r *Runner) compose(ctx context.Context, st *run) error {
	if err := st.tr.transition(ctx, models.JobStatusComposing, progressComposing, "Composing video"); err != nil {
		return err
	}
	job := st.tr.snapshot()

	var words []models.WordTimestamp
	if job.Transcript != nil {
		words = job.Transcript.Words
	}
	opts := job.Options.WithDefaults()

	res, err := r.composer.Compose(ctx, ComposeInput{
		JobID:     job.ID,
		ClipKeys:  job.ClipKeys,
		AudioPath: st.audioPath,
		AudioURL:  job.AudioURL,
		DurationS: *job.AudioDurationS,
		Frame:     services.FrameFor(opts.AspectRatio),
		Captions:  opts.Captions,
		Segments:  job.Segments,
		Words:     words,
		WorkDir:   st.dir,
		OnMuxed: func(ctx context.Context) error {
			return st.tr.update(ctx, progressMuxed, "Finalizing video", nil)
		},
	})
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.uploaded = append(st.uploaded, res.Key)
	st.mu.Unlock()

	return st.tr.update(ctx, progressDone, "Video ready", func(j *models.Job) error {
		if err := j.Transition(models.JobStatusDone); err != nil {
			return err
		}
		j.FinalVideoKey = &res.Key
		j.FinalVideoURL = &res.URL
		return nil
	})
}
