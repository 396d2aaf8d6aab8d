package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var quick = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestSupabase(t *testing.T, h http.HandlerFunc) *Supabase {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := NewSupabase(srv.URL+"/", "service-key", "media", zap.NewNop())
	s.policy = quick
	return s
}

func TestSupabaseUploadRetriesTransientStatus(t *testing.T) {
	var calls int32
	s := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/storage/v1/object/media/jobs/x/final.mp4", r.URL.Path)
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.Header.Get("x-upsert"))
		assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "data", string(body))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, s.Upload(context.Background(), "jobs/x/final.mp4", []byte("data"), "video/mp4"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSupabaseUploadFatalStatusNotRetried(t *testing.T) {
	var calls int32
	s := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	})

	err := s.Upload(context.Background(), "k", []byte("x"), "audio/mpeg")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var pe *models.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusRequestEntityTooLarge, pe.StatusCode)
	assert.False(t, pe.Transient)
}

func TestSupabaseUploadExhaustion(t *testing.T) {
	var calls int32
	s := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := s.Upload(context.Background(), "k", []byte("x"), "audio/mpeg")
	var ex *retry.ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSupabaseDownloadAndDelete(t *testing.T) {
	s := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/storage/v1/object/media/jobs/a/clips/scene_000.mp4":
			_, _ = w.Write([]byte("clip-bytes"))
		case r.Method == http.MethodDelete && r.URL.Path == "/storage/v1/object/media":
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"prefixes":["jobs/a/clips/scene_000.mp4"]}`, string(body))
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})

	data, err := s.Download(context.Background(), "jobs/a/clips/scene_000.mp4")
	require.NoError(t, err)
	assert.Equal(t, "clip-bytes", string(data))
	assert.NoError(t, s.Delete(context.Background(), "jobs/a/clips/scene_000.mp4"))

	_, err = s.Download(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSupabaseSignedURL(t *testing.T) {
	var base string
	s := newTestSupabase(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/object/sign/media/jobs/a/final.mp4", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"expiresIn": 3600}`, string(body))
		_, _ = w.Write([]byte(`{"signedURL":"/object/sign/media/jobs/a/final.mp4?token=abc"}`))
	})
	base = s.url

	url, err := s.SignedURL(context.Background(), "jobs/a/final.mp4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, base+"/storage/v1/object/sign/media/jobs/a/final.mp4?token=abc", url)
	assert.Equal(t, base+"/storage/v1/object/public/media/k.png", s.PublicURL("k.png"))
}

func TestFetch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky.mp4":
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte("video"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := &fetcher{client: srv.Client(), policy: quick, logger: zap.NewNop()}

	data, err := f.Fetch(context.Background(), srv.URL+"/flaky.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/gone.mp4")
	var pe *models.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
	assert.False(t, models.IsTransient(err))
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("6f1c1a52-8a4e-4f57-9a57-0d3b4f7a9e10")
	assert.Equal(t, "jobs/6f1c1a52-8a4e-4f57-9a57-0d3b4f7a9e10/clips/scene_007.mp4", ClipKey(id, 7))
	assert.Equal(t, "jobs/6f1c1a52-8a4e-4f57-9a57-0d3b4f7a9e10/final.mov", FinalKey(id, "mov"))
	assert.Equal(t, "uploads/6f1c1a52-8a4e-4f57-9a57-0d3b4f7a9e10.mp3", UploadKey(id, ".mp3"))
}

func TestS3PublicURL(t *testing.T) {
	c := &S3{bucket: "media", publicURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/jobs/a/final.mp4", c.PublicURL("jobs/a/final.mp4"))

	c = &S3{bucket: "media", endpoint: "https://acct.r2.cloudflarestorage.com"}
	assert.Equal(t, "https://acct.r2.cloudflarestorage.com/media/k", c.PublicURL("k"))

	c = &S3{bucket: "media"}
	assert.Equal(t, "https://media.s3.amazonaws.com/k", c.PublicURL("k"))
}

func TestNewS3RequiresCredentials(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Bucket: "media"}, zap.NewNop())
	assert.Error(t, err)
}
