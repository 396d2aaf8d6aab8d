package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultPlannerModel = "gpt-5-mini"

// OpenAIService is both the narrative planner (chat completions in JSON
// mode) and a Whisper transcriber.
type OpenAIService struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

var (
	_ Planner     = (*OpenAIService)(nil)
	_ Transcriber = (*OpenAIService)(nil)
)

// NewOpenAIService builds the client from cfg; use openai.DefaultConfig(key)
// for the public API.
func NewOpenAIService(cfg openai.ClientConfig, model string, logger *zap.Logger) *OpenAIService {
	if model == "" {
		model = defaultPlannerModel
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.Named("openai"),
	}
}

func (s *OpenAIService) Name() string { return "openai" }

// classifyOpenAI maps SDK errors onto the provider taxonomy by HTTP status.
func classifyOpenAI(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &models.ProviderError{Provider: "openai", Op: op, StatusCode: apiErr.HTTPStatusCode, Transient: retry.RetryableStatus(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &models.ProviderError{Provider: "openai", Op: op, StatusCode: reqErr.HTTPStatusCode, Transient: retry.RetryableStatus(reqErr.HTTPStatusCode), Err: err}
	}
	return transportError("openai", op, err)
}

// ---------------------------------------------------------------------------
// Planner
// ---------------------------------------------------------------------------

// GlobalStyle asks for one mood/style record for the whole track, looking at
// the lyrics and the reference image together.
func (s *OpenAIService) GlobalStyle(ctx context.Context, req StyleRequest) (*models.GlobalStyle, error) {
	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: buildStyleUserPrompt(req)},
	}
	if req.ImageURL != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: req.ImageURL, Detail: openai.ImageURLDetailLow},
		})
	}

	raw, err := s.completeJSON(ctx, "global_style", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: styleSystemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	})
	if err != nil {
		return nil, err
	}

	var style models.GlobalStyle
	if err := json.Unmarshal([]byte(raw), &style); err != nil {
		s.logger.Warn("style parse failed", zap.Error(err), zap.String("raw", truncateString(raw, 2000)))
		return nil, fatalError("openai", "global_style", fmt.Errorf("failed to parse style: %w", err))
	}

	var missing []string
	if strings.TrimSpace(style.Mood) == "" {
		missing = append(missing, "mood")
	}
	if strings.TrimSpace(style.Style) == "" {
		missing = append(missing, "style")
	}
	if len(missing) > 0 {
		s.logger.Warn("style missing required fields", zap.Strings("missing", missing), zap.String("raw", truncateString(raw, 2000)))
		return nil, fatalError("openai", "global_style", fmt.Errorf("style missing required fields: %v", missing))
	}

	s.logger.Info("global style generated", zap.String("mood", style.Mood), zap.String("style", style.Style), zap.Int("motifs", len(style.Motifs)))
	return &style, nil
}

type sceneEnvelope struct {
	Scenes []models.Scene `json:"scenes"`
}

// Scenes asks for one directive per segment. The returned boundaries are
// whatever the model echoed; they are not corrected here.
func (s *OpenAIService) Scenes(ctx context.Context, req SceneRequest) ([]models.Scene, error) {
	userPrompt, err := buildSceneUserPrompt(req)
	if err != nil {
		return nil, fatalError("openai", "scenes", err)
	}

	raw, err := s.completeJSON(ctx, "scenes", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sceneSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	var env sceneEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Warn("scenes parse failed", zap.Error(err), zap.String("raw", truncateString(raw, 2000)))
		return nil, fatalError("openai", "scenes", fmt.Errorf("failed to parse scenes: %w", err))
	}

	s.logger.Info("scenes generated", zap.Int("scenes", len(env.Scenes)), zap.Int("segments", len(req.Segments)))
	return env.Scenes, nil
}

func (s *OpenAIService) completeJSON(ctx context.Context, op string, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", classifyOpenAI(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", fatalError("openai", op, errors.New("no response from openai"))
	}
	return resp.Choices[0].Message.Content, nil
}

const styleSystemPrompt = `You are the art director for a music video. You receive song lyrics (possibly empty for instrumental tracks) and a reference image whose visual style the video must follow.

Return one JSON object with exactly these fields:
- "mood": two to five words for the emotional register of the whole track
- "style": one sentence describing the rendering style, taken from the reference image
- "palette": three to six colour names
- "motifs": recurring visual motifs that can carry across scenes
- "exclusions": things that must never appear

Do not describe the reference image's subject. Describe how to recreate its look.`

func buildStyleUserPrompt(req StyleRequest) string {
	var b strings.Builder
	if strings.TrimSpace(req.TranscriptText) == "" {
		b.WriteString("LYRICS: none (instrumental track)\n")
	} else {
		fmt.Fprintf(&b, "LYRICS:\n%s\n", req.TranscriptText)
	}
	if len(req.StyleTags) > 0 {
		fmt.Fprintf(&b, "\nSTYLE TAGS: %s\n", strings.Join(req.StyleTags, ", "))
	}
	if req.Mood != "" {
		fmt.Fprintf(&b, "\nREQUESTED MOOD: %s\n", req.Mood)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "\nWrite all fields in English; the lyrics language is %q.\n", req.Language)
	}
	b.WriteString("\nThe attached image is the style reference.")
	return b.String()
}

const sceneSystemPrompt = `You direct the shots of a music video. You receive a global style and an ordered list of time segments, each with its lyric snippet and an optional energy hint between 0 and 1.

Return one JSON object: {"scenes": [...]} with exactly one scene per segment, in the same order. Each scene has:
- "index": the segment index
- "start_s" and "end_s": copied unchanged from the segment
- "prompt": what is on screen, in the global style
- "camera": framing and camera movement
- "motion": what moves in the frame
- "negative": what to avoid

Keep the global motifs alive from one scene to the next so the video reads as one piece. Higher energy means more movement. Never merge, split, drop or re-time segments.`

type sceneSegmentInput struct {
	Index   int      `json:"index"`
	StartS  float64  `json:"start_s"`
	EndS    float64  `json:"end_s"`
	Snippet string   `json:"snippet"`
	Energy  *float64 `json:"energy,omitempty"`
}

func buildSceneUserPrompt(req SceneRequest) (string, error) {
	segs := make([]sceneSegmentInput, len(req.Segments))
	for i, seg := range req.Segments {
		segs[i] = sceneSegmentInput{Index: seg.Index, StartS: seg.StartS, EndS: seg.EndS, Snippet: seg.Snippet, Energy: seg.Energy}
	}

	style, err := json.Marshal(req.Style)
	if err != nil {
		return "", fmt.Errorf("failed to marshal style: %w", err)
	}
	segJSON, err := json.Marshal(segs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segments: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GLOBAL STYLE:\n%s\n\n", style)
	if len(req.StyleTags) > 0 {
		fmt.Fprintf(&b, "STYLE TAGS: %s\n\n", strings.Join(req.StyleTags, ", "))
	}
	if req.AspectRatio != "" {
		fmt.Fprintf(&b, "FRAME: %s\n\n", req.AspectRatio)
	}
	fmt.Fprintf(&b, "SEGMENTS (%d):\n%s", len(segs), segJSON)
	return b.String(), nil
}

// ---------------------------------------------------------------------------
// Whisper transcription
// ---------------------------------------------------------------------------

// Transcribe sends the local audio file to Whisper and asks for both word
// and segment timestamps.
func (s *OpenAIService) Transcribe(ctx context.Context, req TranscribeRequest) (*models.Transcript, error) {
	if req.AudioPath == "" {
		return nil, fatalError("openai", "transcribe", errors.New("whisper needs a local audio file"))
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: req.AudioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: req.Language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		},
	})
	if err != nil {
		return nil, classifyOpenAI("transcribe", err)
	}

	t := &models.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
	}
	for _, w := range resp.Words {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		t.Words = append(t.Words, models.WordTimestamp{Word: word, StartS: w.Start, EndS: w.End})
	}
	for _, seg := range resp.Segments {
		t.Segments = append(t.Segments, models.TranscriptSegment{StartS: seg.Start, EndS: seg.End, Text: strings.TrimSpace(seg.Text)})
	}

	s.logger.Info("transcribed",
		zap.Int("words", len(t.Words)),
		zap.Int("segments", len(t.Segments)),
		zap.Float64("duration_s", resp.Duration),
		zap.String("text", truncateString(t.Text, 80)))
	return t, nil
}
