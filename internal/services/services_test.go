package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bobarin/melovue/internal/models"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func providerErr(t *testing.T, err error) *models.ProviderError {
	t.Helper()
	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	return pe
}

// ---------------------------------------------------------------------------
// xAI
// ---------------------------------------------------------------------------

func newTestXAI(srv *httptest.Server) *XAIVideoService {
	s := NewXAIVideoService("xai-key", zap.NewNop())
	s.baseURL = srv.URL
	return s
}

func TestXAISubmitReturnsHandle(t *testing.T) {
	var got xaiGenerationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos/generations", r.URL.Path)
		assert.Equal(t, "Bearer xai-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"request_id":"req-1"}`))
	}))
	defer srv.Close()

	res, err := newTestXAI(srv).Submit(t.Context(), ClipRequest{
		Prompt: "neon rain", ImageURL: "https://cdn/style.png", DurationS: 3.2, AspectRatio: "9:16",
	})
	require.NoError(t, err)
	assert.Equal(t, ClipPending, res.Status)
	assert.Equal(t, "req-1", res.Handle)
	assert.Equal(t, 4, got.Duration)
	require.NotNil(t, got.Image)
	assert.Equal(t, "https://cdn/style.png", got.Image.URL)
	assert.Contains(t, got.Prompt, "neon rain")
}

func TestXAIPollShapes(t *testing.T) {
	answers := map[string]struct {
		code int
		body string
	}{
		"pending": {http.StatusAccepted, `{"status":"pending"}`},
		"done":    {http.StatusOK, `{"video":{"url":"https://vid/1.mp4","duration":4},"model":"grok-imagine-video"}`},
		"failed":  {http.StatusOK, `{"status":"failed","error":"moderation"}`},
		"expired": {http.StatusOK, `{"status":"expired"}`},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := answers[strings.TrimPrefix(r.URL.Path, "/videos/")]
		w.WriteHeader(a.code)
		_, _ = w.Write([]byte(a.body))
	}))
	defer srv.Close()
	s := newTestXAI(srv)

	res, err := s.Poll(t.Context(), "pending")
	require.NoError(t, err)
	assert.Equal(t, ClipPending, res.Status)

	res, err = s.Poll(t.Context(), "done")
	require.NoError(t, err)
	assert.Equal(t, ClipReady, res.Status)
	assert.Equal(t, "https://vid/1.mp4", res.URL)

	_, err = s.Poll(t.Context(), "failed")
	assert.False(t, providerErr(t, err).Transient)
	assert.True(t, providerErr(t, err).HandleDone)

	_, err = s.Poll(t.Context(), "expired")
	assert.True(t, providerErr(t, err).Transient)
	assert.True(t, providerErr(t, err).HandleDone)
}

func TestXAIStatusClassification(t *testing.T) {
	code := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()
	s := newTestXAI(srv)

	_, err := s.Submit(t.Context(), ClipRequest{Prompt: "p", DurationS: 4})
	pe := providerErr(t, err)
	assert.True(t, pe.Transient)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)

	code = http.StatusBadRequest
	_, err = s.Submit(t.Context(), ClipRequest{Prompt: "p", DurationS: 4})
	assert.False(t, providerErr(t, err).Transient)
}

func TestXAIDurationClamp(t *testing.T) {
	assert.Equal(t, 1, xaiDuration(0))
	assert.Equal(t, 3, xaiDuration(2.001))
	assert.Equal(t, 15, xaiDuration(40))
}

// ---------------------------------------------------------------------------
// Gemini still
// ---------------------------------------------------------------------------

func TestGeminiStillSubmit(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	var got GeminiGenerateContentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/"+geminiModel+":generateContent", r.URL.Path)
		assert.Equal(t, "gem-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{
					map[string]any{"text": "here you go"},
					map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString([]byte("still-bytes"))}},
				}},
			}},
		})
	}))
	defer srv.Close()

	fetches := 0
	fetch := func(_ context.Context, url string) ([]byte, error) {
		fetches++
		assert.Equal(t, "https://cdn/style.png", url)
		return png, nil
	}
	s := NewGeminiStillService("gem-key", fetch, zap.NewNop())
	s.baseURL = srv.URL

	req := ClipRequest{Prompt: "a lighthouse", ImageURL: "https://cdn/style.png", AspectRatio: "16:9"}
	res, err := s.Submit(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, ClipStill, res.Status)
	assert.Equal(t, []byte("still-bytes"), res.Data)
	assert.Equal(t, "image/png", res.MIMEType)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	assert.Equal(t, "image/png", got.Contents[0].Parts[1].InlineData.MimeType)
	assert.Equal(t, "16:9", got.GenerationConfig.ImageConfig.AspectRatio)

	_, err = s.Submit(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "style image is fetched once per URL")
}

func TestGeminiStillTextOnlyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"I can't draw that"}]}}]}`))
	}))
	defer srv.Close()
	s := NewGeminiStillService("k", nil, zap.NewNop())
	s.baseURL = srv.URL

	_, err := s.Submit(t.Context(), ClipRequest{Prompt: "p"})
	pe := providerErr(t, err)
	assert.False(t, pe.Transient)
	assert.Contains(t, pe.Error(), "text instead of image")
}

// ---------------------------------------------------------------------------
// ElevenLabs
// ---------------------------------------------------------------------------

func TestElevenLabsTranscribeFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/speech-to-text", r.URL.Path)
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "scribe_v2", r.FormValue("model_id"))
		assert.Equal(t, "https://cdn/song.mp3", r.FormValue("cloud_storage_url"))
		_, _ = w.Write([]byte(`{"language_code":"en","text":"hello night","words":[
			{"text":"hello","start":0.1,"end":0.5,"type":"word"},
			{"text":" ","start":0.5,"end":0.6,"type":"spacing"},
			{"text":"night","start":0.6,"end":1.0,"type":"word"}]}`))
	}))
	defer srv.Close()

	s := NewElevenLabsService("el-key", zap.NewNop())
	s.baseURL = srv.URL

	tr, err := s.Transcribe(t.Context(), TranscribeRequest{AudioURL: "https://cdn/song.mp3"})
	require.NoError(t, err)
	assert.Equal(t, "en", tr.Language)
	require.Len(t, tr.Words, 2)
	assert.Equal(t, models.WordTimestamp{Word: "night", StartS: 0.6, EndS: 1.0}, tr.Words[1])
}

func TestElevenLabsNeedsAudio(t *testing.T) {
	s := NewElevenLabsService("k", zap.NewNop())
	_, err := s.Transcribe(t.Context(), TranscribeRequest{})
	assert.False(t, providerErr(t, err).Transient)
}

// ---------------------------------------------------------------------------
// OpenAI planner
// ---------------------------------------------------------------------------

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	return NewOpenAIService(cfg, "", zap.NewNop())
}

func chatReply(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
	})
}

func TestOpenAIGlobalStyle(t *testing.T) {
	s := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "https://cdn/style.png")
		assert.Contains(t, string(body), "json_object")
		chatReply(w, `{"mood":"wistful","style":"grainy 16mm","palette":["teal"],"motifs":["moth"]}`)
	})

	style, err := s.GlobalStyle(t.Context(), StyleRequest{TranscriptText: "la la", ImageURL: "https://cdn/style.png"})
	require.NoError(t, err)
	assert.Equal(t, "wistful", style.Mood)
	assert.Equal(t, []string{"moth"}, style.Motifs)
}

func TestOpenAIGlobalStyleMissingFieldsIsFatal(t *testing.T) {
	s := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(w, `{"mood":"","style":"x"}`)
	})
	_, err := s.GlobalStyle(t.Context(), StyleRequest{})
	assert.False(t, providerErr(t, err).Transient)
}

func TestOpenAIScenesPassesModelOutputThrough(t *testing.T) {
	s := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(w, `{"scenes":[{"index":0,"start_s":0,"end_s":4.1,"prompt":"dawn"}]}`)
	})
	scenes, err := s.Scenes(t.Context(), SceneRequest{Segments: []models.Segment{{Index: 0, StartS: 0, EndS: 4}}})
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, 4.1, scenes[0].EndS, "boundaries are not corrected by the client")
}

func TestOpenAIRateLimitIsTransient(t *testing.T) {
	s := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	})
	_, err := s.Scenes(t.Context(), SceneRequest{})
	pe := providerErr(t, err)
	assert.True(t, pe.Transient)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

// ---------------------------------------------------------------------------
// Veo helpers
// ---------------------------------------------------------------------------

func TestVeoDuration(t *testing.T) {
	assert.Equal(t, int32(4), veoDuration(1.5))
	assert.Equal(t, int32(4), veoDuration(4))
	assert.Equal(t, int32(6), veoDuration(4.01))
	assert.Equal(t, int32(8), veoDuration(12))
}

func TestTransientOperationCode(t *testing.T) {
	assert.True(t, transientOperationCode(float64(8)))
	assert.True(t, transientOperationCode(14))
	assert.False(t, transientOperationCode(float64(3)))
	assert.False(t, transientOperationCode("8"))
}
