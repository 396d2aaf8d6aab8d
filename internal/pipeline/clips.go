package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobarin/melovue/internal/metrics"
	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/bobarin/melovue/internal/services"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ClipGenerator turns scenes into uploaded, normalised clips: one provider
// generation per scene, bounded in parallel, each retried on transient
// failure, each trimmed or padded to its scene's exact span.
type ClipGenerator struct {
	gen         services.MediaGenerator
	media       services.MediaTool
	storage     storage.Storage
	uploads     uploadLimiter
	policy      retry.Policy
	poll        retry.PollConfig
	concurrency int
	logger      *zap.Logger
}

func NewClipGenerator(gen services.MediaGenerator, media services.MediaTool, st storage.Storage, uploads uploadLimiter, cfg Config, logger *zap.Logger) *ClipGenerator {
	cfg = cfg.withDefaults()
	return &ClipGenerator{
		gen:         gen,
		media:       media,
		storage:     st,
		uploads:     uploads,
		policy:      cfg.ClipRetry,
		poll:        cfg.ClipPoll,
		concurrency: cfg.ClipConcurrency,
		logger:      logger.Named("clips"),
	}
}

type ClipBatch struct {
	JobID       uuid.UUID
	Scenes      []models.Scene
	ImageURL    string
	Style       *models.GlobalStyle
	AspectRatio string
	WorkDir     string
}

// Generate returns the clip keys by scene index. onReady is called once per
// finished clip, possibly from several goroutines at once. On error the
// returned slice still holds every key that was uploaded.
func (g *ClipGenerator) Generate(ctx context.Context, b ClipBatch, onReady func(index int, key string) error) ([]string, error) {
	dir := filepath.Join(b.WorkDir, "clips")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create clip dir: %w", err)
	}

	frame := services.FrameFor(b.AspectRatio)
	keys := make([]string, len(b.Scenes))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for i, scene := range b.Scenes {
		// Paths and keys follow the slot, whatever the planner numbered it.
		scene.Index = i
		eg.Go(func() error {
			key, err := g.generateOne(egCtx, b, scene, frame, dir)
			if err != nil {
				return fmt.Errorf("scene %d: %w", scene.Index, err)
			}
			keys[i] = key
			if onReady != nil {
				return onReady(i, key)
			}
			return nil
		})
	}

	err := eg.Wait()
	return keys, err
}

func (g *ClipGenerator) generateOne(ctx context.Context, b ClipBatch, scene models.Scene, frame services.Frame, dir string) (string, error) {
	ctx, span := tracer.Start(ctx, "clip")
	defer span.End()
	span.SetAttributes(
		attribute.Int("scene", scene.Index),
		attribute.String("provider", g.gen.Name()),
		attribute.Float64("duration_s", scene.DurationS()),
	)

	log := g.logger.With(zap.String("job_id", b.JobID.String()), zap.Int("scene", scene.Index))
	req := services.ClipRequest{
		Index:       scene.Index,
		Prompt:      scene.Prompt,
		Camera:      scene.Camera,
		Motion:      scene.Motion,
		Negative:    negativeDirective(scene, b.Style),
		ImageURL:    b.ImageURL,
		DurationS:   scene.DurationS(),
		Style:       styleDirective(b.Style),
		AspectRatio: b.AspectRatio,
	}
	out := filepath.Join(dir, fmt.Sprintf("scene_%03d.mp4", scene.Index))

	policy := g.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ClipRetriesTotal.WithLabelValues(g.gen.Name()).Inc()
		log.Warn("clip attempt failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", delay), zap.Error(err))
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		res, err := g.obtain(ctx, req, log)
		if err != nil {
			return err
		}
		return g.materialise(ctx, res, scene, frame, dir, out)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return "", &models.ProviderError{Provider: g.gen.Name(), Op: "generate", Err: err}
		}
		return "", err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return "", fmt.Errorf("failed to read clip: %w", err)
	}
	key := storage.ClipKey(b.JobID, scene.Index)
	if err := g.uploads.do(ctx, func() error {
		return g.storage.Upload(ctx, key, data, "video/mp4")
	}); err != nil {
		return "", fmt.Errorf("failed to upload clip: %w", err)
	}

	log.Info("clip ready", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

// obtain submits the request and, for asynchronous providers, polls the
// handle until the clip is ready. A poll timeout is transient so the caller
// resubmits, and so is a transient final answer for the handle, which is
// returned at once.
func (g *ClipGenerator) obtain(ctx context.Context, req services.ClipRequest, log *zap.Logger) (*services.ClipResult, error) {
	provider := g.gen.Name()

	res, err := g.gen.Submit(ctx, req)
	metrics.ProviderCallsTotal.WithLabelValues(provider, "submit", metrics.Outcome(err, models.IsTransient(err))).Inc()
	if err != nil {
		return nil, err
	}
	if res.Status != services.ClipPending {
		return res, nil
	}

	handle := res.Handle
	cfg := g.poll
	cfg.OnPending = func(poll int, next time.Duration) {
		log.Debug("clip pending", zap.String("handle", handle), zap.Int("poll", poll), zap.Duration("next", next))
	}

	res, err = retry.Poll(ctx, cfg, func(ctx context.Context) (*services.ClipResult, bool, error) {
		r, err := g.gen.Poll(ctx, handle)
		if err != nil {
			if models.IsTransient(err) && !models.IsHandleDone(err) && ctx.Err() == nil {
				// Blips while polling do not lose the handle
				log.Warn("clip poll failed", zap.String("handle", handle), zap.Error(err))
				return nil, false, nil
			}
			return nil, false, err
		}
		return r, r.Status != services.ClipPending, nil
	})
	metrics.ProviderCallsTotal.WithLabelValues(provider, "poll", metrics.Outcome(err, models.IsTransient(err) || errors.Is(err, retry.ErrPollTimeout))).Inc()
	if errors.Is(err, retry.ErrPollTimeout) {
		return nil, &models.ProviderError{Provider: provider, Op: "poll", Transient: true, Err: err}
	}
	return res, err
}

// materialise writes the provider output to disk and normalises it into
// out at exactly the scene's span.
func (g *ClipGenerator) materialise(ctx context.Context, res *services.ClipResult, scene models.Scene, frame services.Frame, dir, out string) error {
	data := res.Data
	if len(data) == 0 && res.URL != "" {
		var err error
		if data, err = g.storage.Fetch(ctx, res.URL); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return &models.ProviderError{Provider: g.gen.Name(), Op: "generate", Transient: true, Err: errors.New("empty media")}
	}

	span := scene.DurationS()
	switch res.Status {
	case services.ClipStill:
		raw := filepath.Join(dir, fmt.Sprintf("scene_%03d_still", scene.Index))
		if err := os.WriteFile(raw, data, 0o644); err != nil {
			return fmt.Errorf("failed to write still: %w", err)
		}
		defer os.Remove(raw)
		if err := g.media.RenderStill(ctx, raw, out, span, frame, services.EffectFor(scene.Index)); err != nil {
			return clipMediaError(ctx, "render_still", err)
		}
	default:
		raw := filepath.Join(dir, fmt.Sprintf("scene_%03d_raw", scene.Index))
		if err := os.WriteFile(raw, data, 0o644); err != nil {
			return fmt.Errorf("failed to write clip: %w", err)
		}
		defer os.Remove(raw)
		if err := g.media.FitClip(ctx, raw, out, span, frame); err != nil {
			return clipMediaError(ctx, "fit_clip", err)
		}
	}
	return nil
}

func clipMediaError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &models.CompositionError{Op: op, Err: err}
}
