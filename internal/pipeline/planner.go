package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/melovue/internal/metrics"
	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/services"
	"github.com/bobarin/melovue/internal/timeline"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ScenePlanner asks the narrative provider for one global style and then one
// directive per segment, and refuses any scene list that does not line up
// with the segments.
type ScenePlanner struct {
	planner services.Planner
	logger  *zap.Logger
}

func NewScenePlanner(planner services.Planner, logger *zap.Logger) *ScenePlanner {
	return &ScenePlanner{planner: planner, logger: logger.Named("planner")}
}

type PlanInput struct {
	Transcript *models.Transcript
	ImageURL   string
	Segments   []models.Segment
	DurationS  float64
	Options    models.UserOptions
	// OnStyle, when set, is called with the global style before scenes are
	// requested.
	OnStyle func(ctx context.Context, style models.GlobalStyle) error
}

func (p *ScenePlanner) Plan(ctx context.Context, in PlanInput) (*models.GlobalStyle, []models.Scene, error) {
	ctx, span := tracer.Start(ctx, "plan_scenes")
	defer span.End()
	span.SetAttributes(attribute.Int("segments", len(in.Segments)))

	var text string
	if in.Transcript != nil {
		text = in.Transcript.Text
	}

	style, err := p.planner.GlobalStyle(ctx, services.StyleRequest{
		TranscriptText: text,
		ImageURL:       in.ImageURL,
		StyleTags:      in.Options.StyleTags,
		Mood:           in.Options.Mood,
		Language:       in.Options.Language,
	})
	metrics.ProviderCallsTotal.WithLabelValues("planner", "global_style", metrics.Outcome(err, models.IsTransient(err))).Inc()
	if err != nil {
		return nil, nil, plannerFailure("global_style", err)
	}
	if in.OnStyle != nil {
		if err := in.OnStyle(ctx, *style); err != nil {
			return nil, nil, err
		}
	}

	scenes, err := p.planner.Scenes(ctx, services.SceneRequest{
		Style:       *style,
		Segments:    in.Segments,
		StyleTags:   in.Options.StyleTags,
		AspectRatio: in.Options.AspectRatio,
		Language:    in.Options.Language,
	})
	metrics.ProviderCallsTotal.WithLabelValues("planner", "scenes", metrics.Outcome(err, models.IsTransient(err))).Inc()
	if err != nil {
		return nil, nil, plannerFailure("scenes", err)
	}

	if err := timeline.ValidateScenes(in.Segments, scenes, in.DurationS); err != nil {
		p.logger.Warn("planner returned misaligned scenes", zap.Error(err), zap.Int("scenes", len(scenes)), zap.Int("segments", len(in.Segments)))
		return nil, nil, err
	}

	p.logger.Debug("scenes planned", zap.Int("scenes", len(scenes)), zap.String("mood", style.Mood))
	return style, scenes, nil
}

// plannerFailure makes a planner error final. The planner is not retried at
// this level, so a transient answer fails the job like a fatal one.
func plannerFailure(op string, err error) error {
	var pe *models.ProviderError
	if errors.As(err, &pe) && !pe.Transient {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &models.ProviderError{Provider: "planner", Op: op, Err: err}
}
