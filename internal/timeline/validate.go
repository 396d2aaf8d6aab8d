package timeline

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bobarin/melovue/internal/models"
)

// ValidateSegments checks that segs start at 0, are contiguous, have a
// positive span and end within Epsilon of durationS.
func ValidateSegments(segs []models.Segment, durationS float64) error {
	if len(segs) == 0 {
		return &models.BoundaryError{Index: -1, Reason: "no segments"}
	}
	if segs[0].StartS != 0 {
		return &models.BoundaryError{Index: 0, Field: "start_s", Expected: 0, Actual: segs[0].StartS, Reason: "first segment must start at 0"}
	}

	for i, seg := range segs {
		if i > 0 && seg.StartS != segs[i-1].EndS {
			return &models.BoundaryError{Index: i, Field: "start_s", Expected: segs[i-1].EndS, Actual: seg.StartS, Reason: "gap or overlap with previous segment"}
		}
		if seg.EndS < seg.StartS || (seg.EndS == seg.StartS && durationS > 0) {
			return &models.BoundaryError{Index: i, Field: "end_s", Expected: seg.StartS, Actual: seg.EndS, Reason: "span must be positive"}
		}
	}

	last := segs[len(segs)-1]
	if math.Abs(last.EndS-durationS) > Epsilon {
		return &models.BoundaryError{Index: len(segs) - 1, Field: "end_s", Expected: durationS, Actual: last.EndS, Reason: "must end at the audio duration"}
	}
	return nil
}

// ValidateScenes checks planner output against the segments it annotates.
// Each scene must carry its position as Index and a non-empty prompt.
// Boundaries must be identical, not merely close: a mismatch is reported,
// never corrected.
func ValidateScenes(segs []models.Segment, scenes []models.Scene, durationS float64) error {
	if len(scenes) != len(segs) {
		return &models.SceneValidationError{
			Index:    -1,
			Field:    "count",
			Expected: strconv.Itoa(len(segs)),
			Actual:   strconv.Itoa(len(scenes)),
		}
	}

	for i, sc := range scenes {
		seg := segs[i]
		if sc.Index != i {
			return &models.SceneValidationError{Index: i, Field: "index", Expected: strconv.Itoa(i), Actual: strconv.Itoa(sc.Index)}
		}
		if sc.StartS != seg.StartS {
			return &models.SceneValidationError{Index: i, Field: "start_s", Expected: seconds(seg.StartS), Actual: seconds(sc.StartS)}
		}
		if sc.EndS != seg.EndS {
			return &models.SceneValidationError{Index: i, Field: "end_s", Expected: seconds(seg.EndS), Actual: seconds(sc.EndS)}
		}
		if strings.TrimSpace(sc.Prompt) == "" {
			return &models.SceneValidationError{Index: i, Field: "prompt", Expected: "non-empty prompt", Actual: `""`}
		}
	}

	asSegments := make([]models.Segment, len(scenes))
	for i, sc := range scenes {
		asSegments[i] = models.Segment{Index: i, StartS: sc.StartS, EndS: sc.EndS}
	}
	if err := ValidateSegments(asSegments, durationS); err != nil {
		var be *models.BoundaryError
		if errors.As(err, &be) {
			return &models.SceneValidationError{
				Index:    be.Index,
				Field:    be.Field,
				Expected: seconds(be.Expected),
				Actual:   seconds(be.Actual),
			}
		}
		return err
	}
	return nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
