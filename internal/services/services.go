// Package services holds the capability interfaces the pipeline depends on
// (transcribe, plan, generate media) and their remote implementations, plus
// the local ffmpeg media tool.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
)

// ---------------------------------------------------------------------------
// Transcription
// ---------------------------------------------------------------------------

// TranscribeRequest points at the job audio. Providers use whichever of the
// URL or local path suits their upload model.
type TranscribeRequest struct {
	AudioURL  string
	AudioPath string
	Language  string
}

// Transcriber returns what the provider heard. An empty transcript is a valid
// answer, not an error.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, req TranscribeRequest) (*models.Transcript, error)
}

// ---------------------------------------------------------------------------
// Planning
// ---------------------------------------------------------------------------

type StyleRequest struct {
	TranscriptText string
	ImageURL       string
	StyleTags      []string
	Mood           string
	Language       string
}

type SceneRequest struct {
	Style       models.GlobalStyle
	Segments    []models.Segment
	StyleTags   []string
	AspectRatio string
	Language    string
}

// Planner is the narrative provider. Its scene output is untrusted and is
// validated by the caller against the segments it was given.
type Planner interface {
	GlobalStyle(ctx context.Context, req StyleRequest) (*models.GlobalStyle, error)
	Scenes(ctx context.Context, req SceneRequest) ([]models.Scene, error)
}

// ---------------------------------------------------------------------------
// Media generation
// ---------------------------------------------------------------------------

type ClipRequest struct {
	Index       int
	Prompt      string
	Camera      string
	Motion      string
	Negative    string
	ImageURL    string
	DurationS   float64
	Style       string
	AspectRatio string
}

// ClipStatus is the shape of a provider answer.
type ClipStatus string

const (
	// ClipReady carries a finished video as URL or bytes.
	ClipReady ClipStatus = "ready"
	// ClipStill carries an image to be animated locally.
	ClipStill ClipStatus = "still"
	// ClipPending carries a handle to poll.
	ClipPending ClipStatus = "pending"
)

type ClipResult struct {
	Status   ClipStatus
	URL      string
	Data     []byte
	MIMEType string
	Handle   string
}

// MediaGenerator produces one clip per request, either synchronously or as
// a handle that Poll resolves. Poll returns a ClipPending result while the
// provider is still working.
type MediaGenerator interface {
	Name() string
	Submit(ctx context.Context, req ClipRequest) (*ClipResult, error)
	Poll(ctx context.Context, handle string) (*ClipResult, error)
}

// ---------------------------------------------------------------------------
// Error classification shared by the REST clients
// ---------------------------------------------------------------------------

// statusError turns a non-success HTTP response into a ProviderError.
func statusError(provider, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &models.ProviderError{
		Provider:   provider,
		Op:         op,
		StatusCode: resp.StatusCode,
		Transient:  retry.RetryableStatus(resp.StatusCode),
		Err:        fmt.Errorf("%s", truncateString(string(body), 300)),
	}
}

// transportError wraps a failed round trip.
func transportError(provider, op string, err error) error {
	return &models.ProviderError{
		Provider:  provider,
		Op:        op,
		Transient: retry.RetryableNetError(err),
		Err:       err,
	}
}

// fatalError is a provider answer that will not change on retry.
func fatalError(provider, op string, err error) error {
	return &models.ProviderError{Provider: provider, Op: op, Err: err}
}

// asProviderError leaves ProviderErrors alone and classifies anything else
// as a transport failure.
func asProviderError(provider, op string, err error) error {
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return transportError(provider, op, err)
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
