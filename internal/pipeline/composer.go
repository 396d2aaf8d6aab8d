package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/services"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/bobarin/melovue/internal/timeline"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Composer joins the clips, lays the untouched source audio under them and
// pins the result to the audio duration. It never retries; the same inputs
// give the same output duration.
type Composer struct {
	media   services.MediaTool
	storage storage.Storage
	uploads uploadLimiter
	logger  *zap.Logger
}

func NewComposer(media services.MediaTool, st storage.Storage, uploads uploadLimiter, logger *zap.Logger) *Composer {
	return &Composer{media: media, storage: st, uploads: uploads, logger: logger.Named("composer")}
}

type ComposeInput struct {
	JobID    uuid.UUID
	ClipKeys []string
	// AudioPath is used when set; otherwise AudioURL is fetched.
	AudioPath string
	AudioURL  string
	DurationS float64
	Frame     services.Frame
	Captions  bool
	Segments  []models.Segment
	Words     []models.WordTimestamp
	WorkDir   string
	// OnMuxed is called after the mux, before verification and upload.
	OnMuxed func(ctx context.Context) error
}

type ComposeResult struct {
	Key         string
	URL         string
	ContentType string
	DurationS   float64
}

func (c *Composer) Compose(ctx context.Context, in ComposeInput) (*ComposeResult, error) {
	ctx, span := tracer.Start(ctx, "compose")
	defer span.End()
	span.SetAttributes(attribute.Int("clips", len(in.ClipKeys)), attribute.Float64("duration_s", in.DurationS))

	log := c.logger.With(zap.String("job_id", in.JobID.String()))

	if len(in.ClipKeys) == 0 {
		return nil, &models.CompositionError{Op: "concat", Err: errors.New("no clips")}
	}
	dir := filepath.Join(in.WorkDir, "compose")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create compose dir: %w", err)
	}

	// 1. Clips, in scene order
	paths := make([]string, len(in.ClipKeys))
	for i, key := range in.ClipKeys {
		if key == "" {
			return nil, &models.CompositionError{Op: "download", Err: fmt.Errorf("clip %d missing", i)}
		}
		data, err := c.storage.Download(ctx, key)
		if err != nil {
			return nil, composeError(ctx, "download", fmt.Errorf("clip %d: %w", i, err))
		}
		paths[i] = filepath.Join(dir, fmt.Sprintf("clip_%03d.mp4", i))
		if err := os.WriteFile(paths[i], data, 0o644); err != nil {
			return nil, composeError(ctx, "download", err)
		}
	}

	// 2. Concat without re-encoding
	joined := filepath.Join(dir, "joined.mp4")
	if err := c.media.Concat(ctx, paths, joined); err != nil {
		return nil, composeError(ctx, "concat", err)
	}

	// 3. Source audio and its container
	audioPath := in.AudioPath
	if audioPath == "" {
		data, err := c.storage.Fetch(ctx, in.AudioURL)
		if err != nil {
			return nil, composeError(ctx, "audio", err)
		}
		audioPath = filepath.Join(dir, "audio")
		if err := os.WriteFile(audioPath, data, 0o644); err != nil {
			return nil, composeError(ctx, "audio", err)
		}
	}
	audio, err := c.media.Probe(ctx, audioPath)
	if err != nil {
		return nil, composeError(ctx, "probe_audio", err)
	}
	if audio.AudioCodec == "" {
		return nil, &models.CompositionError{Op: "probe_audio", Err: errors.New("no audio stream")}
	}
	ext, contentType := services.ContainerFor(audio.AudioCodec)

	var subtitles string
	if in.Captions {
		path := filepath.Join(dir, "captions.ass")
		ok, err := services.WriteCaptions(path, in.Segments, in.Words, in.Frame)
		if err != nil {
			return nil, composeError(ctx, "captions", err)
		}
		if ok {
			subtitles = path
		}
	}

	// 4. Mux
	final := filepath.Join(dir, "final."+ext)
	if err := c.media.MuxAudio(ctx, services.MuxInput{
		VideoPath:    joined,
		AudioPath:    audioPath,
		OutputPath:   final,
		DurationS:    in.DurationS,
		SubtitlePath: subtitles,
	}); err != nil {
		return nil, composeError(ctx, "mux", err)
	}
	if in.OnMuxed != nil {
		if err := in.OnMuxed(ctx); err != nil {
			return nil, err
		}
	}

	// 5. Verify
	probe, err := c.media.Probe(ctx, final)
	if err != nil {
		return nil, composeError(ctx, "verify", err)
	}
	if math.Abs(probe.DurationS-in.DurationS) > timeline.Epsilon {
		return nil, &models.CompositionError{
			Op:  "verify",
			Err: fmt.Errorf("output is %.3fs, audio is %.3fs", probe.DurationS, in.DurationS),
		}
	}

	// 6. Upload
	data, err := os.ReadFile(final)
	if err != nil {
		return nil, composeError(ctx, "upload", err)
	}
	key := storage.FinalKey(in.JobID, ext)
	if err := c.uploads.do(ctx, func() error {
		return c.storage.Upload(ctx, key, data, contentType)
	}); err != nil {
		return nil, composeError(ctx, "upload", err)
	}

	log.Info("video composed",
		zap.String("key", key),
		zap.String("container", ext),
		zap.String("audio_codec", audio.AudioCodec),
		zap.Float64("duration_s", probe.DurationS),
		zap.Bool("captions", subtitles != ""))

	return &ComposeResult{
		Key:         key,
		URL:         c.storage.PublicURL(key),
		ContentType: contentType,
		DurationS:   probe.DurationS,
	}, nil
}

func composeError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &models.CompositionError{Op: op, Err: err}
}
