package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Service
// Image-to-video with the style image as first frame. Submit starts a
// long-running operation and returns its name as the poll handle.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-generate-preview"

// Durations Veo accepts, in seconds.
var veoDurations = []int32{4, 6, 8}

// FetchFunc downloads bytes by URL.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

type VeoService struct {
	apiKey string
	model  string
	fetch  FetchFunc
	logger *zap.Logger

	mu     sync.Mutex
	images map[string]*genai.Image
}

var _ MediaGenerator = (*VeoService)(nil)

// NewVeoService creates a Veo client. apiKey is the Gemini API key; fetch
// loads the style image once per URL.
func NewVeoService(apiKey, model string, fetch FetchFunc, logger *zap.Logger) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
		fetch:  fetch,
		logger: logger.Named("veo"),
		images: make(map[string]*genai.Image),
	}
}

func (s *VeoService) Name() string { return "veo" }

func (s *VeoService) newClient(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fatalError("veo", "client", err)
	}
	return client, nil
}

// styleImage returns the first frame for a style URL, fetched once.
func (s *VeoService) styleImage(ctx context.Context, url string) (*genai.Image, error) {
	s.mu.Lock()
	img, ok := s.images[url]
	s.mu.Unlock()
	if ok {
		return img, nil
	}

	data, err := s.fetch(ctx, url)
	if err != nil {
		return nil, asProviderError("veo", "style_image", err)
	}
	img = &genai.Image{ImageBytes: data, MIMEType: mimetype.Detect(data).String()}

	s.mu.Lock()
	s.images[url] = img
	s.mu.Unlock()
	return img, nil
}

// veoDuration picks the shortest supported length that covers the span.
// Longer spans get the maximum and are padded downstream.
func veoDuration(spanS float64) int32 {
	need := int32(math.Ceil(spanS))
	for _, d := range veoDurations {
		if d >= need {
			return d
		}
	}
	return veoDurations[len(veoDurations)-1]
}

func buildVeoPrompt(req ClipRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if req.Camera != "" {
		fmt.Fprintf(&b, "\n\nCamera: %s", req.Camera)
	}
	if req.Motion != "" {
		fmt.Fprintf(&b, "\nMotion: %s", req.Motion)
	}
	if req.Style != "" {
		fmt.Fprintf(&b, "\n\nVisual style direction: %s. Match the style of the input image exactly; do not alter its rendering or colour grading.", req.Style)
	}
	b.WriteString("\n\nNo generated audio or dialogue. Silent video only.")
	return b.String()
}

func (s *VeoService) Submit(ctx context.Context, req ClipRequest) (*ClipResult, error) {
	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}

	var firstFrame *genai.Image
	if req.ImageURL != "" {
		if firstFrame, err = s.styleImage(ctx, req.ImageURL); err != nil {
			return nil, err
		}
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      req.AspectRatio,
		NumberOfVideos:   1,
		DurationSeconds:  genai.Ptr(veoDuration(req.DurationS)),
		NegativePrompt:   req.Negative,
		PersonGeneration: "allow_adult",
	}

	prompt := buildVeoPrompt(req)
	s.logger.Info("starting video generation",
		zap.String("model", s.model),
		zap.Int("scene", req.Index),
		zap.Int32("duration_s", *config.DurationSeconds),
		zap.Int("prompt_len", len(prompt)))

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, firstFrame, config)
	if err != nil {
		return nil, classifyGenAI("veo", "submit", err)
	}
	if operation.Done {
		return s.finish(ctx, client, operation)
	}
	return &ClipResult{Status: ClipPending, Handle: operation.Name}, nil
}

func (s *VeoService) Poll(ctx context.Context, handle string) (*ClipResult, error) {
	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}

	operation, err := client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return nil, classifyGenAI("veo", "poll", err)
	}
	if !operation.Done {
		return &ClipResult{Status: ClipPending, Handle: handle}, nil
	}
	return s.finish(ctx, client, operation)
}

func (s *VeoService) finish(ctx context.Context, client *genai.Client, operation *genai.GenerateVideosOperation) (*ClipResult, error) {
	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, &models.ProviderError{
			Provider:   "veo",
			Op:         "generate",
			Transient:  transientOperationCode(operation.Error["code"]),
			HandleDone: true,
			Err:        fmt.Errorf("operation %s failed: %s", operation.Name, errJSON),
		}
	}
	if operation.Response == nil {
		return nil, fatalError("veo", "generate", fmt.Errorf("no response in completed operation %s", operation.Name))
	}

	// Blocked by safety filters; the same prompt will be blocked again
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fatalError("veo", "generate", fmt.Errorf("video blocked by safety filters: %s", reasons))
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fatalError("veo", "generate", errors.New("no videos in response"))
	}
	video := operation.Response.GeneratedVideos[0].Video

	data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return nil, classifyGenAI("veo", "download", err)
	}
	if len(data) == 0 {
		return nil, &models.ProviderError{Provider: "veo", Op: "download", Transient: true, Err: errors.New("downloaded video is empty")}
	}

	s.logger.Info("video ready", zap.String("operation", operation.Name), zap.Int("bytes", len(data)))
	return &ClipResult{Status: ClipReady, Data: data, MIMEType: "video/mp4"}, nil
}

// transientOperationCode treats RESOURCE_EXHAUSTED, UNAVAILABLE, INTERNAL
// and DEADLINE_EXCEEDED as worth a resubmit.
func transientOperationCode(code any) bool {
	var n int
	switch v := code.(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int32:
		n = int(v)
	default:
		return false
	}
	switch n {
	case 4, 8, 13, 14:
		return true
	}
	return false
}

func classifyGenAI(provider, op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &models.ProviderError{Provider: provider, Op: op, StatusCode: apiErr.Code, Transient: retry.RetryableStatus(apiErr.Code), Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &models.ProviderError{Provider: provider, Op: op, StatusCode: apiErrPtr.Code, Transient: retry.RetryableStatus(apiErrPtr.Code), Err: err}
	}
	return transportError(provider, op, err)
}
