package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Version = 1
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *memStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok || cur.Version != job.Version || cur.IsTerminal() {
		return models.ErrVersionConflict
	}
	job.Version++
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (q *fakeQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func (s *memStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = contentType
	return nil
}
func (s *memStorage) Download(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (s *memStorage) Delete(ctx context.Context, key string) error            { return nil }
func (s *memStorage) PublicURL(key string) string                              { return "https://cdn.test/" + key }
func (s *memStorage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://cdn.test/%s?expires=%d", key, int(expiry.Seconds())), nil
}
func (s *memStorage) Fetch(ctx context.Context, url string) ([]byte, error) { return nil, nil }

type testServer struct {
	store   *memStore
	queue   *fakeQueue
	storage *memStorage
	handler http.Handler
}

func newTestServer(t *testing.T, apiKey string, limits Limits) *testServer {
	t.Helper()
	ts := &testServer{
		store:   newMemStore(),
		queue:   &fakeQueue{},
		storage: &memStorage{objects: make(map[string]string)},
	}
	h := NewHandler(ts.store, ts.queue, ts.storage, limits, zap.NewNop())
	ts.handler = NewRouter(h, RouterConfig{BackendAPIKey: apiKey}, zap.NewNop())
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, "secret", Limits{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "secret", Limits{})
	ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "melovue_http_requests_total")
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, parseOrigins(""))
	assert.Equal(t, []string{"*"}, parseOrigins(" , "))
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, parseOrigins("https://a.test, https://b.test,"))
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, "secret", Limits{})
	path := "/v1/jobs/" + uuid.NewString()

	rec := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusNotFound, ts.do(req).Code)
}

func TestCreateJob(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", `{
		"audio_url": "https://cdn.test/uploads/a.mp3",
		"image_url": "https://cdn.test/uploads/b.png",
		"user_options": {"style_tags": ["noir"], "aspect_ratio": "16:9", "scene_length_s": 5}
	}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.Equal(t, []uuid.UUID{resp.JobID}, ts.queue.ids)

	job, err := ts.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "16:9", job.Options.AspectRatio)
	assert.Equal(t, []string{"noir"}, job.Options.StyleTags)
}

func TestCreateJobRejectsBadOptions(t *testing.T) {
	cases := map[string]string{
		"missing audio": `{"image_url": "https://cdn.test/b.png"}`,
		"not a url":     `{"audio_url": "song", "image_url": "https://cdn.test/b.png"}`,
		"bad aspect":    `{"audio_url": "https://cdn.test/a.mp3", "image_url": "https://cdn.test/b.png", "user_options": {"aspect_ratio": "4:3"}}`,
		"short scenes":  `{"audio_url": "https://cdn.test/a.mp3", "image_url": "https://cdn.test/b.png", "user_options": {"scene_length_s": 0.5}}`,
		"not json":      `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t, "", Limits{})
			rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs", body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, ts.store.count())
			assert.Empty(t, ts.queue.ids)
		})
	}
}

func TestCreateJobValidationDetails(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs",
		`{"audio_url": "https://cdn.test/a.mp3", "image_url": "https://cdn.test/b.png", "user_options": {"aspect_ratio": "4:3"}}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp validationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ValidationError", resp.Kind)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "CreateJobRequest.Options.AspectRatio", resp.Details[0].Field)
	assert.Equal(t, "oneof", resp.Details[0].Rule)
}

func TestCreateJobEnqueueFailureFailsJob(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	ts.queue.err = errors.New("redis down")

	rec := ts.do(jsonRequest(http.MethodPost, "/v1/jobs",
		`{"audio_url": "https://cdn.test/a.mp3", "image_url": "https://cdn.test/b.png"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Equal(t, 1, ts.store.count())
	for _, job := range ts.store.jobs {
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, models.StageQueue, *job.ErrorStage)
	}
}

func TestGetJobStatus(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	job := models.NewJob("https://cdn.test/a.mp3", "https://cdn.test/b.png", models.UserOptions{})
	require.NoError(t, job.Transition(models.JobStatusGeneratingScenes))
	job.Progress = 0.45
	job.Message = "Planning scenes"
	job.GlobalStyle = &models.GlobalStyle{Mood: "wistful", Style: "grainy 16mm"}
	url := "https://cdn.test/should-not-leak"
	job.FinalVideoURL = &url
	require.NoError(t, ts.store.CreateJob(context.Background(), job))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{
		"job_id": %q,
		"status": "generating_scenes",
		"progress": 0.45,
		"message": "Planning scenes",
		"final_video_url": null,
		"global_mood": "wistful",
		"global_style": "grainy 16mm",
		"error": null
	}`, job.ID), rec.Body.String())
}

func TestGetJobNotFoundAndBadID(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	assert.Equal(t, http.StatusNotFound, ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.NewString(), nil)).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)).Code)
}

func TestDownloadRequiresDone(t *testing.T) {
	ts := newTestServer(t, "", Limits{SignedURLExpiry: 10 * time.Minute})

	running := models.NewJob("https://cdn.test/a.mp3", "https://cdn.test/b.png", models.UserOptions{})
	require.NoError(t, running.Transition(models.JobStatusComposing))
	require.NoError(t, ts.store.CreateJob(context.Background(), running))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+running.ID.String()+"/download", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	done := models.NewJob("https://cdn.test/a.mp3", "https://cdn.test/b.png", models.UserOptions{})
	require.NoError(t, done.Transition(models.JobStatusDone))
	key := "jobs/" + done.ID.String() + "/final.mp4"
	done.FinalVideoKey = &key
	require.NoError(t, ts.store.CreateJob(context.Background(), done))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+done.ID.String()+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.DownloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://cdn.test/"+key+"?expires=600", resp.URL)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), resp.ExpiresAt, time.Minute)
}

var (
	mp3Bytes  = append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0}, 64)...)
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)
	textBytes = []byte("just some words, not media at all")
)

func multipartRequest(t *testing.T, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, data := range files {
		fw, err := mw.CreateFormFile(field, field+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadStoresBothFiles(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	rec := ts.do(multipartRequest(t, map[string][]byte{"audio": mp3Bytes, "image": pngBytes}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://cdn.test/uploads/"+resp.AudioUploadID.String()+".mp3", resp.AudioURL)
	assert.Equal(t, "https://cdn.test/uploads/"+resp.ImageUploadID.String()+".png", resp.ImageURL)
	assert.Equal(t, "audio/mpeg", ts.storage.objects["uploads/"+resp.AudioUploadID.String()+".mp3"])
	assert.Equal(t, "image/png", ts.storage.objects["uploads/"+resp.ImageUploadID.String()+".png"])
}

func TestUploadRejectsWrongFormat(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	rec := ts.do(multipartRequest(t, map[string][]byte{"audio": textBytes, "image": pngBytes}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported format")
	assert.Empty(t, ts.storage.objects)

	rec = ts.do(multipartRequest(t, map[string][]byte{"audio": mp3Bytes, "image": mp3Bytes}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRequiresBothFields(t *testing.T) {
	ts := newTestServer(t, "", Limits{})
	rec := ts.do(multipartRequest(t, map[string][]byte{"audio": mp3Bytes}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"image"`)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	ts := newTestServer(t, "", Limits{MaxAudioBytes: 32, MaxImageBytes: 1024})
	rec := ts.do(multipartRequest(t, map[string][]byte{"audio": mp3Bytes, "image": pngBytes}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, ts.storage.objects)
}
