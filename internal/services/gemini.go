package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Gemini Still Service
// Renders one still per scene in the look of the style image. The composer
// animates the still locally, so this provider is synchronous: Submit either
// returns a ClipStill or fails.
// ---------------------------------------------------------------------------

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiModel   = "gemini-3-pro-image-preview"
)

type GeminiStillService struct {
	apiKey  string
	baseURL string
	model   string
	fetch   FetchFunc
	client  *http.Client
	logger  *zap.Logger

	mu         sync.Mutex
	styleCache map[string]*GeminiInlineData
}

var _ MediaGenerator = (*GeminiStillService)(nil)

func NewGeminiStillService(apiKey string, fetch FetchFunc, logger *zap.Logger) *GeminiStillService {
	return &GeminiStillService{
		apiKey:     apiKey,
		baseURL:    geminiBaseURL,
		model:      geminiModel,
		fetch:      fetch,
		client:     &http.Client{Timeout: 300 * time.Second},
		logger:     logger.Named("gemini"),
		styleCache: make(map[string]*GeminiInlineData),
	}
}

// WithModel overrides the image model. Empty keeps the default.
func (s *GeminiStillService) WithModel(model string) *GeminiStillService {
	if model != "" {
		s.model = model
	}
	return s
}

func (s *GeminiStillService) Name() string { return "gemini" }

// Gemini API request/response structures
type GeminiGenerateContentRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *GeminiImageConfig `json:"imageConfig,omitempty"`
}

type GeminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiGenerateContentResponse struct {
	Candidates []GeminiCandidate `json:"candidates"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// styleReference loads the style image once per URL as inline data.
func (s *GeminiStillService) styleReference(ctx context.Context, url string) (*GeminiInlineData, error) {
	s.mu.Lock()
	ref, ok := s.styleCache[url]
	s.mu.Unlock()
	if ok {
		return ref, nil
	}

	data, err := s.fetch(ctx, url)
	if err != nil {
		return nil, asProviderError("gemini", "style_image", err)
	}
	ref = &GeminiInlineData{
		MimeType: mimetype.Detect(data).String(),
		Data:     base64.StdEncoding.EncodeToString(data),
	}
	s.logger.Debug("loaded style reference", zap.Int("bytes", len(data)), zap.String("mime", ref.MimeType))

	s.mu.Lock()
	s.styleCache[url] = ref
	s.mu.Unlock()
	return ref, nil
}

func (s *GeminiStillService) Submit(ctx context.Context, req ClipRequest) (*ClipResult, error) {
	parts := []GeminiPart{{Text: composeStillPrompt(req)}}
	if req.ImageURL != "" {
		ref, err := s.styleReference(ctx, req.ImageURL)
		if err != nil {
			return nil, err
		}
		parts = append(parts, GeminiPart{InlineData: ref})
	}

	reqBody := GeminiGenerateContentRequest{
		Contents: []GeminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &GeminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &GeminiImageConfig{
				AspectRatio: req.AspectRatio,
				ImageSize:   "2K",
			},
		},
	}

	img, err := s.generateContent(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	s.logger.Info("still generated", zap.Int("scene", req.Index), zap.Int("bytes", len(img.data)), zap.String("mime", img.mime))
	return &ClipResult{Status: ClipStill, Data: img.data, MIMEType: img.mime}, nil
}

// Poll is never needed; stills are returned by Submit.
func (s *GeminiStillService) Poll(ctx context.Context, handle string) (*ClipResult, error) {
	return nil, fatalError("gemini", "poll", errors.New("still generation is synchronous"))
}

type inlineImage struct {
	data []byte
	mime string
}

func (s *GeminiStillService) generateContent(ctx context.Context, reqBody GeminiGenerateContentRequest) (*inlineImage, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fatalError("gemini", "generate", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", s.baseURL, s.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fatalError("gemini", "generate", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, transportError("gemini", "generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("gemini", "generate", resp)
	}

	var geminiResp GeminiGenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, transportError("gemini", "generate", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, fatalError("gemini", "generate", errors.New("no candidates in response"))
	}

	var textParts []string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fatalError("gemini", "generate", fmt.Errorf("failed to decode base64 image: %w", err))
			}
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = mimetype.Detect(data).String()
			}
			return &inlineImage{data: data, mime: mime}, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		return nil, fatalError("gemini", "generate", fmt.Errorf("gemini returned text instead of image: %s", truncateString(textParts[0], 200)))
	}
	return nil, fatalError("gemini", "generate", fmt.Errorf("no image data found in response (finish reason %q)", geminiResp.Candidates[0].FinishReason))
}

// composeStillPrompt tells the model to copy the reference look but draw the
// scene, and carries the camera hint as framing.
func composeStillPrompt(req ClipRequest) string {
	var prompt bytes.Buffer

	prompt.WriteString("STYLE REFERENCE: Use the attached reference image as the style guide. Copy ONLY the artistic style, lighting, color palette and rendering from the reference image. Do NOT copy its subject or composition.\n\n")
	if req.Style != "" {
		fmt.Fprintf(&prompt, "VISUAL STYLE: %s\n\n", req.Style)
	}

	prompt.WriteString("SCENE TO DEPICT:\n")
	prompt.WriteString(req.Prompt)
	if req.Camera != "" {
		fmt.Fprintf(&prompt, "\nFraming: %s", req.Camera)
	}
	if req.Negative != "" {
		fmt.Fprintf(&prompt, "\nAvoid: %s", req.Negative)
	}

	orient := "Portrait"
	switch req.AspectRatio {
	case "16:9":
		orient = "Landscape"
	case "1:1":
		orient = "Square"
	}
	fmt.Fprintf(&prompt, "\n\nOutput: %s %s, no text or lettering.", orient, req.AspectRatio)
	return prompt.String()
}
