// Package pipeline runs one job from audio and style image to a composed,
// beat-aligned video: timing, transcription, segmentation, scene planning,
// clip generation and composition, with every state change written through
// a versioned single writer.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/bobarin/melovue/internal/services"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/bobarin/melovue/internal/pipeline")

// JobStore is the part of the job store the pipeline writes through.
// SaveJob must reject a stale version or a terminal stored row with
// models.ErrVersionConflict and refresh job.Version on success.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
}

// Config tunes a Runner. Zero values fall back to the defaults below.
type Config struct {
	WorkDir           string
	DefaultWindowS    float64
	MaxAudioDurationS float64
	ClipConcurrency   int
	UploadConcurrency int
	ClipRetry         retry.Policy
	ClipPoll          retry.PollConfig
}

func (c Config) withDefaults() Config {
	if c.WorkDir == "" {
		c.WorkDir = "/tmp/melovue"
	}
	if c.DefaultWindowS <= 0 {
		c.DefaultWindowS = models.DefaultSceneLengthS
	}
	if c.MaxAudioDurationS <= 0 {
		c.MaxAudioDurationS = 600
	}
	if c.ClipConcurrency <= 0 {
		c.ClipConcurrency = 3
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	}
	if c.ClipRetry.MaxAttempts <= 0 {
		c.ClipRetry = retry.Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Jitter: 0.25}
	}
	if c.ClipPoll.Timeout <= 0 {
		c.ClipPoll = retry.PollConfig{
			InitialDelay: 15 * time.Second,
			Interval:     5 * time.Second,
			MaxInterval:  20 * time.Second,
			Factor:       1.5,
			Timeout:      5 * time.Minute,
		}
	}
	return c
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Store       JobStore
	Storage     storage.Storage
	Transcriber services.Transcriber
	Planner     services.Planner
	Generator   services.MediaGenerator
	Media       services.MediaTool
	Logger      *zap.Logger
}

// uploadLimiter bounds concurrent uploads across every job on the worker.
type uploadLimiter chan struct{}

func newUploadLimiter(n int) uploadLimiter {
	return make(uploadLimiter, n)
}

func (l uploadLimiter) do(ctx context.Context, fn func() error) error {
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()
	return fn()
}

// styleDirective flattens the global style into a single line every clip
// request carries.
func styleDirective(g *models.GlobalStyle) string {
	if g == nil {
		return ""
	}
	parts := []string{g.Style}
	if g.Mood != "" {
		parts = append(parts, "mood: "+g.Mood)
	}
	if len(g.Palette) > 0 {
		parts = append(parts, "palette: "+strings.Join(g.Palette, ", "))
	}
	if len(g.Motifs) > 0 {
		parts = append(parts, "recurring motifs: "+strings.Join(g.Motifs, ", "))
	}
	return strings.Join(parts, "; ")
}

// negativeDirective joins a scene's negatives with the global exclusions.
func negativeDirective(scene models.Scene, g *models.GlobalStyle) string {
	var parts []string
	if scene.Negative != "" {
		parts = append(parts, scene.Negative)
	}
	if g != nil && len(g.Exclusions) > 0 {
		parts = append(parts, strings.Join(g.Exclusions, ", "))
	}
	return strings.Join(parts, ", ")
}
