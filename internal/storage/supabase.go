package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"go.uber.org/zap"
)

// Supabase talks to Supabase Storage over its REST API.
type Supabase struct {
	fetcher
	url        string
	serviceKey string
	bucket     string
}

func NewSupabase(url, serviceKey, bucket string, logger *zap.Logger) *Supabase {
	logger = logger.Named("storage.supabase")
	client := newHTTPClient()
	return &Supabase{
		fetcher:    fetcher{client: client, policy: DefaultPolicy, logger: logger},
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
	}
}

func (s *Supabase) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, key)
}

// call runs one authenticated request under the retry policy. A 2xx response
// body is handed to onOK.
func (s *Supabase) call(ctx context.Context, op, key string, timeout time.Duration, build func(ctx context.Context) (*http.Request, error), onOK func(body io.Reader) error) error {
	p := s.policy
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("retrying", zap.String("op", op), zap.String("key", key), zap.Int("attempt", attempt), zap.Duration("wait", delay), zap.Error(err))
	}

	return retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
		// Each attempt gets its own timeout, independent of the caller's
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := build(attemptCtx)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return &models.ProviderError{Provider: "supabase", Op: op, Transient: retry.RetryableNetError(err), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if onOK == nil {
				return nil
			}
			if err := onOK(resp.Body); err != nil {
				return &models.ProviderError{Provider: "supabase", Op: op, Transient: retry.RetryableNetError(err), Err: err}
			}
			if attempt > 1 {
				s.logger.Info("succeeded after retry", zap.String("op", op), zap.String("key", key), zap.Int("attempt", attempt))
			}
			return nil
		}

		body, _ := io.ReadAll(resp.Body)
		return &models.ProviderError{
			Provider:   "supabase",
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  retry.RetryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", truncate(string(body), 200)),
		}
	})
}

// Upload uses PUT with Content-Length and x-upsert so a retried attempt
// overwrites a partial object.
func (s *Supabase) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	err := s.call(ctx, "upload", key, uploadTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", strconv.Itoa(len(data)))
		req.Header.Set("x-upsert", "true")
		return req, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *Supabase) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.call(ctx, "download", key, downloadTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	}, func(body io.Reader) error {
		var err error
		data, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}

// Delete removes one object. A missing object is not an error.
func (s *Supabase) Delete(ctx context.Context, key string) error {
	err := s.call(ctx, "delete", key, downloadTimeout, func(ctx context.Context) (*http.Request, error) {
		body, _ := json.Marshal(map[string][]string{"prefixes": {key}})
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/storage/v1/object/%s", s.url, s.bucket), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PublicURL returns the public URL for a key
func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.bucket, key)
}

// SignedURL creates a signed URL for temporary access
func (s *Supabase) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	var result struct {
		SignedURL string `json:"signedURL"`
	}
	err := s.call(ctx, "sign", key, downloadTimeout, func(ctx context.Context) (*http.Request, error) {
		body := fmt.Sprintf(`{"expiresIn": %d}`, int(expiry.Seconds()))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.bucket, key), strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&result)
	})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("sign %s: empty signedURL in response", key)
	}
	return s.url + "/storage/v1" + result.SignedURL, nil
}
