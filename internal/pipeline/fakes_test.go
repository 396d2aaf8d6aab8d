package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/bobarin/melovue/internal/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memStore mimics the CAS rules of the postgres store.
type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	saves    int
	progress []float64
	messages []string
	// afterSave runs with the lock held after every accepted save.
	afterSave func(s *memStore, job *models.Job)
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Version = 1
	s.jobs[job.ID] = job.Clone()
}

func (s *memStore) get(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone()
}

func (s *memStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *memStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok || cur.Version != job.Version || cur.IsTerminal() {
		return models.ErrVersionConflict
	}
	job.Version++
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job.Clone()
	s.saves++
	s.progress = append(s.progress, job.Progress)
	s.messages = append(s.messages, job.Message)
	if s.afterSave != nil {
		s.afterSave(s, s.jobs[job.ID])
	}
	return nil
}

func (s *memStore) history() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.progress...)
}

func (s *memStore) messageHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

// memStorage keeps objects in a map. URLs under "mem://" resolve to keys.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	remote  map[string][]byte
	deleted []string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), remote: make(map[string][]byte)}
}

func (s *memStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (s *memStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memStorage) PublicURL(key string) string {
	return "mem://" + key
}

func (s *memStorage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "mem://" + key + "?signed", nil
}

func (s *memStorage) Fetch(ctx context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.remote[url]; ok {
		return data, nil
	}
	if data, ok := s.objects[strings.TrimPrefix(url, "mem://")]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("no such url %s", url)
}

func (s *memStorage) keysWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

type fakeTranscriber struct {
	transcript *models.Transcript
	err        error
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, req services.TranscribeRequest) (*models.Transcript, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.transcript, nil
}

// fakePlanner copies segment boundaries into scenes. mutate can break them.
type fakePlanner struct {
	styleErr error
	mutate   func([]models.Scene) []models.Scene
}

func (f *fakePlanner) GlobalStyle(ctx context.Context, req services.StyleRequest) (*models.GlobalStyle, error) {
	if f.styleErr != nil {
		return nil, f.styleErr
	}
	return &models.GlobalStyle{Mood: "wistful", Style: "grainy 16mm", Palette: []string{"teal"}}, nil
}

func (f *fakePlanner) Scenes(ctx context.Context, req services.SceneRequest) ([]models.Scene, error) {
	scenes := make([]models.Scene, len(req.Segments))
	for i, seg := range req.Segments {
		scenes[i] = models.Scene{
			Index:  seg.Index,
			StartS: seg.StartS,
			EndS:   seg.EndS,
			Prompt: fmt.Sprintf("shot %d", i),
		}
	}
	if f.mutate != nil {
		scenes = f.mutate(scenes)
	}
	return scenes, nil
}

// fakeGenerator answers with submit and poll funcs, counting calls.
type fakeGenerator struct {
	mu      sync.Mutex
	submits map[int]int
	polls   int
	submit  func(req services.ClipRequest, attempt int) (*services.ClipResult, error)
	poll    func(handle string) (*services.ClipResult, error)
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{submits: make(map[int]int)}
}

func (f *fakeGenerator) Name() string { return "fakegen" }

func (f *fakeGenerator) Submit(ctx context.Context, req services.ClipRequest) (*services.ClipResult, error) {
	f.mu.Lock()
	f.submits[req.Index]++
	attempt := f.submits[req.Index]
	f.mu.Unlock()
	if f.submit != nil {
		return f.submit(req, attempt)
	}
	return &services.ClipResult{Status: services.ClipReady, Data: []byte(fmt.Sprintf("clip-%d", req.Index))}, nil
}

func (f *fakeGenerator) Poll(ctx context.Context, handle string) (*services.ClipResult, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	return f.poll(handle)
}

func (f *fakeGenerator) totalSubmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.submits {
		n += c
	}
	return n
}

// fakeMedia writes placeholder files and reports configured durations.
type fakeMedia struct {
	mu          sync.Mutex
	audioS      float64
	audioCodec  string
	finalS      *float64
	concatPaths []string
	mux         *services.MuxInput
	stills      int
	fits        int
	fitErr      error
}

func (m *fakeMedia) Probe(ctx context.Context, path string) (*services.ProbeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.audioS
	if strings.HasPrefix(filepath.Base(path), "final") && m.finalS != nil {
		d = *m.finalS
	}
	codec := m.audioCodec
	if codec == "" {
		codec = "aac"
	}
	return &services.ProbeResult{DurationS: d, AudioCodec: codec}, nil
}

func (m *fakeMedia) FitClip(ctx context.Context, in, out string, d float64, frame services.Frame) error {
	m.mu.Lock()
	m.fits++
	err := m.fitErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return copyFile(in, out)
}

func (m *fakeMedia) RenderStill(ctx context.Context, img, out string, d float64, frame services.Frame, effect services.ClipEffect) error {
	m.mu.Lock()
	m.stills++
	m.mu.Unlock()
	return copyFile(img, out)
}

func (m *fakeMedia) Concat(ctx context.Context, paths []string, out string) error {
	m.mu.Lock()
	m.concatPaths = append([]string(nil), paths...)
	m.mu.Unlock()
	var joined []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		joined = append(joined, data...)
	}
	return os.WriteFile(out, joined, 0o644)
}

func (m *fakeMedia) MuxAudio(ctx context.Context, in services.MuxInput) error {
	m.mu.Lock()
	m.mux = &in
	m.mu.Unlock()
	return copyFile(in.VideoPath, in.OutputPath)
}

func copyFile(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// harness wires a Runner to in-memory collaborators.
type harness struct {
	store       *memStore
	storage     *memStorage
	transcriber *fakeTranscriber
	planner     *fakePlanner
	gen         *fakeGenerator
	media       *fakeMedia
	cfg         Config
}

func newHarness(workDir string) *harness {
	return &harness{
		store:       newMemStore(),
		storage:     newMemStorage(),
		transcriber: &fakeTranscriber{transcript: &models.Transcript{}},
		planner:     &fakePlanner{},
		gen:         newFakeGenerator(),
		media:       &fakeMedia{audioS: 10},
		cfg: Config{
			WorkDir:         workDir,
			ClipConcurrency: 3,
			ClipRetry:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
			ClipPoll: retry.PollConfig{
				Interval: time.Millisecond,
				Factor:   1,
				Timeout:  30 * time.Millisecond,
			},
		},
	}
}

func (h *harness) runner() *Runner {
	return NewRunner(Deps{
		Store:       h.store,
		Storage:     h.storage,
		Transcriber: h.transcriber,
		Planner:     h.planner,
		Generator:   h.gen,
		Media:       h.media,
		Logger:      zap.NewNop(),
	}, h.cfg)
}

// queue stores a fresh job whose audio is fetchable.
func (h *harness) queue(opts models.UserOptions) *models.Job {
	h.storage.remote["https://cdn.test/song.mp3"] = []byte("ID3\x03\x00\x00\x00fake-audio")
	job := models.NewJob("https://cdn.test/song.mp3", "https://cdn.test/style.png", opts)
	h.store.put(job)
	return job
}
