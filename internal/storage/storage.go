// Package storage holds job artifacts (uploads, clips, final videos) in an
// object store and fetches remote media by URL.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Upload timeout per attempt, generous for 50MB audio
	uploadTimeout = 180 * time.Second

	downloadTimeout = 120 * time.Second

	// Cap on bytes pulled from an arbitrary URL
	maxFetchBytes = 512 << 20
)

// Storage is the durable put/get of bytes by key. Keys are slash separated
// paths inside the configured bucket.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Fetch downloads bytes from a URL, which may point at this store or at
	// a provider CDN.
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DefaultPolicy matches the backoff used for every storage call.
var DefaultPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.25,
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

// UploadKey is where an intake file lands.
func UploadKey(uploadID uuid.UUID, ext string) string {
	return fmt.Sprintf("uploads/%s%s", uploadID, ext)
}

// ClipKey is the normalised clip for one scene.
func ClipKey(jobID uuid.UUID, index int) string {
	return fmt.Sprintf("jobs/%s/clips/scene_%03d.mp4", jobID, index)
}

// FinalKey is the composed video.
func FinalKey(jobID uuid.UUID, ext string) string {
	return fmt.Sprintf("jobs/%s/final.%s", jobID, ext)
}

// ---------------------------------------------------------------------------
// URL fetch
// ---------------------------------------------------------------------------

// fetcher pulls media from arbitrary URLs with the shared retry policy.
type fetcher struct {
	client *http.Client
	policy retry.Policy
	logger *zap.Logger
}

func (f *fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	p := f.policy
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.logger.Warn("fetch retry", zap.String("url", url), zap.Int("attempt", attempt), zap.Duration("wait", delay), zap.Error(err))
	}

	err := retry.Do(ctx, p, func(ctx context.Context, _ int) error {
		ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return &models.ProviderError{Provider: "http", Op: "fetch", Transient: retry.RetryableNetError(err), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &models.ProviderError{
				Provider:   "http",
				Op:         "fetch",
				StatusCode: resp.StatusCode,
				Transient:  retry.RetryableStatus(resp.StatusCode),
				Err:        fmt.Errorf("%s", truncate(string(body), 200)),
			}
		}

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
		if err != nil {
			return &models.ProviderError{Provider: "http", Op: "fetch", Transient: true, Err: err}
		}
		if len(data) > maxFetchBytes {
			return &models.ProviderError{Provider: "http", Op: "fetch", Err: fmt.Errorf("body exceeds %d bytes", maxFetchBytes)}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return data, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: uploadTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
