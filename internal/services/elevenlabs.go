package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// ElevenLabs Speech-to-Text Service
// POST /v1/speech-to-text with model scribe_v2 and word timestamps.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io"
	elevenLabsSTTModel = "scribe_v2"
)

// ElevenLabsService transcribes audio via the ElevenLabs API.
type ElevenLabsService struct {
	apiKey  string
	baseURL string
	modelID string
	client  *http.Client
	logger  *zap.Logger
}

var _ Transcriber = (*ElevenLabsService)(nil)

func NewElevenLabsService(apiKey string, logger *zap.Logger) *ElevenLabsService {
	return &ElevenLabsService{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		modelID: elevenLabsSTTModel,
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger.Named("elevenlabs"),
	}
}

func (s *ElevenLabsService) Name() string { return "elevenlabs" }

type elevenLabsWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Type  string  `json:"type"` // "word", "spacing" or "audio_event"
}

type elevenLabsTranscript struct {
	LanguageCode string           `json:"language_code"`
	Text         string           `json:"text"`
	Words        []elevenLabsWord `json:"words"`
}

// Transcribe uploads the local file when there is one, and otherwise lets
// ElevenLabs pull the audio from its URL.
func (s *ElevenLabsService) Transcribe(ctx context.Context, req TranscribeRequest) (*models.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	_ = mw.WriteField("model_id", s.modelID)
	_ = mw.WriteField("timestamps_granularity", "word")
	_ = mw.WriteField("tag_audio_events", "false")
	if req.Language != "" {
		_ = mw.WriteField("language_code", req.Language)
	}

	switch {
	case req.AudioPath != "":
		f, err := os.Open(req.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audio: %w", err)
		}
		defer f.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(req.AudioPath))
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, fmt.Errorf("failed to copy audio: %w", err)
		}
	case req.AudioURL != "":
		_ = mw.WriteField("cloud_storage_url", req.AudioURL)
	default:
		return nil, fatalError("elevenlabs", "transcribe", errors.New("no audio path or URL"))
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/speech-to-text", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("xi-api-key", s.apiKey)

	s.logger.Info("transcribing", zap.String("model", s.modelID), zap.Bool("upload", req.AudioPath != ""))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, transportError("elevenlabs", "transcribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("elevenlabs", "transcribe", resp)
	}

	var out elevenLabsTranscript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fatalError("elevenlabs", "transcribe", fmt.Errorf("failed to decode response: %w", err))
	}

	t := &models.Transcript{Text: strings.TrimSpace(out.Text), Language: out.LanguageCode}
	for _, w := range out.Words {
		if w.Type != "" && w.Type != "word" {
			continue
		}
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		t.Words = append(t.Words, models.WordTimestamp{Word: text, StartS: w.Start, EndS: w.End})
	}

	s.logger.Info("transcribed", zap.Int("words", len(t.Words)), zap.String("language", t.Language))
	return t, nil
}
