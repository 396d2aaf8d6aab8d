package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video Generation Service
// Deferred request pattern: POST /videos/generations returns a request_id,
// GET /videos/{request_id} reports progress. The clip generator owns the
// poll loop; this client performs one call per method.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiMinDuration       = 1  // xAI minimum video duration
	xaiMaxDuration       = 15 // xAI maximum video duration
	xaiDefaultResolution = "720p"
)

// XAIVideoService handles video generation via xAI's Grok Imagine Video API.
type XAIVideoService struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ MediaGenerator = (*XAIVideoService)(nil)

func NewXAIVideoService(apiKey string, logger *zap.Logger) *XAIVideoService {
	return &XAIVideoService{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		model:   xaiVideoModel,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per call, not the full poll cycle
		},
		logger: logger.Named("xai"),
	}
}

func (s *XAIVideoService) Name() string { return "xai" }

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult covers all three answer shapes of GET /videos/{id}:
//   - pending: {"status":"pending"}
//   - completed: {"video":{"url":"...","duration":8},"model":"..."} with no status
//   - failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// xaiDuration rounds the span up and clamps it to what xAI accepts.
func xaiDuration(spanS float64) int {
	d := int(math.Ceil(spanS))
	if d < xaiMinDuration {
		d = xaiMinDuration
	}
	if d > xaiMaxDuration {
		d = xaiMaxDuration
	}
	return d
}

func buildXAIVideoPrompt(req ClipRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if req.Camera != "" {
		fmt.Fprintf(&b, "\nCamera: %s.", req.Camera)
	}
	if req.Motion != "" {
		fmt.Fprintf(&b, "\nMotion: %s.", req.Motion)
	}
	b.WriteString("\n\n")
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s. ", req.Style)
	}
	b.WriteString("Maintain visual consistency with the input image throughout the video. Preserve the color palette, lighting, and artistic quality from the source frame.")
	if req.Negative != "" {
		fmt.Fprintf(&b, "\nAvoid: %s.", req.Negative)
	}
	b.WriteString("\nSilent video only, no generated audio or dialogue.")
	return b.String()
}

// Submit posts the generation request and returns the request_id to poll.
func (s *XAIVideoService) Submit(ctx context.Context, req ClipRequest) (*ClipResult, error) {
	body := xaiGenerationRequest{
		Prompt:      buildXAIVideoPrompt(req),
		Model:       s.model,
		Duration:    xaiDuration(req.DurationS),
		AspectRatio: req.AspectRatio,
		Resolution:  xaiDefaultResolution,
	}
	if req.ImageURL != "" {
		body.Image = &xaiImageInput{URL: req.ImageURL}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fatalError("xai", "submit", fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fatalError("xai", "submit", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("xai", "submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, statusError("xai", "submit", resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("xai", "submit", err)
	}
	var genResp xaiGenerationResponse
	if err := json.Unmarshal(raw, &genResp); err != nil {
		return nil, fatalError("xai", "submit", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, truncateString(string(raw), 300)))
	}
	if genResp.RequestID == "" {
		return nil, fatalError("xai", "submit", fmt.Errorf("no request_id in generation response: %s", truncateString(string(raw), 300)))
	}

	s.logger.Info("generation submitted",
		zap.Int("scene", req.Index),
		zap.String("request_id", genResp.RequestID),
		zap.Int("duration_s", body.Duration),
		zap.Bool("has_image", body.Image != nil))
	return &ClipResult{Status: ClipPending, Handle: genResp.RequestID}, nil
}

// Poll fetches the current state of a generation request once.
func (s *XAIVideoService) Poll(ctx context.Context, handle string) (*ClipResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", s.baseURL, handle), nil)
	if err != nil {
		return nil, fatalError("xai", "poll", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("xai", "poll", err)
	}
	defer resp.Body.Close()

	// 202 with {"status":"pending"} while the video is being generated
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, statusError("xai", "poll", resp)
	}

	var result xaiVideoResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, transportError("xai", "poll", fmt.Errorf("failed to parse video result: %w", err))
	}

	if result.Video != nil && result.Video.URL != "" {
		s.logger.Info("video ready", zap.String("request_id", handle), zap.Int("duration_s", result.Video.Duration))
		return &ClipResult{Status: ClipReady, URL: result.Video.URL, MIMEType: "video/mp4"}, nil
	}

	if result.Status == "failed" {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &models.ProviderError{Provider: "xai", Op: "generate", HandleDone: true, Err: fmt.Errorf("video generation failed: %s (request_id=%s)", msg, handle)}
	}
	if result.Status == "expired" {
		// Dropped by the provider; a fresh submit may succeed
		return nil, &models.ProviderError{Provider: "xai", Op: "poll", Transient: true, HandleDone: true, Err: fmt.Errorf("request %s expired", handle)}
	}

	return &ClipResult{Status: ClipPending, Handle: handle}, nil
}
