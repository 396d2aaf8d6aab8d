package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageSupabase = "supabase"
	StorageS3       = "s3"

	TranscriptionOpenAI     = "openai"
	TranscriptionElevenLabs = "elevenlabs"

	MediaVeo   = "veo"
	MediaXAI   = "xai"
	MediaStill = "still"
)

type Config struct {
	// Server
	APIPort            string `env:"API_PORT"             envDefault:"8080"`
	WorkerEnabled      bool   `env:"WORKER_ENABLED"       envDefault:"true"`
	BackendAPIKey      string `env:"BACKEND_API_KEY"`      // empty = no auth, dev mode
	CorsAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"` // comma-separated, empty = *
	LogLevel           string `env:"LOG_LEVEL"            envDefault:"info"`

	// Postgres and Redis
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	// Storage
	StorageBackend        string        `env:"STORAGE_BACKEND"         envDefault:"supabase"`
	SupabaseURL           string        `env:"SUPABASE_URL"`
	SupabaseServiceKey    string        `env:"SUPABASE_SERVICE_KEY"`
	SupabaseStorageBucket string        `env:"SUPABASE_STORAGE_BUCKET" envDefault:"melovue"`
	S3Endpoint            string        `env:"S3_ENDPOINT"`
	S3Region              string        `env:"S3_REGION"               envDefault:"auto"`
	S3Bucket              string        `env:"S3_BUCKET"`
	S3AccessKeyID         string        `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey     string        `env:"S3_SECRET_ACCESS_KEY"`
	S3PublicURL           string        `env:"S3_PUBLIC_URL"`
	SignedURLExpiry       time.Duration `env:"SIGNED_URL_EXPIRY"       envDefault:"60m"`

	// Providers
	OpenAIKey             string `env:"OPENAI_API_KEY"`
	PlannerModel          string `env:"PLANNER_MODEL"`
	TranscriptionProvider string `env:"TRANSCRIPTION_PROVIDER" envDefault:"openai"`
	ElevenLabsKey         string `env:"ELEVENLABS_API_KEY"`
	GeminiKey             string `env:"GEMINI_API_KEY"`
	MediaProvider         string `env:"MEDIA_PROVIDER"         envDefault:"veo"`
	VeoModel              string `env:"VEO_MODEL"`
	XAIAPIKey             string `env:"XAI_API_KEY"`
	ImageModel            string `env:"IMAGE_MODEL"`

	// Pipeline
	MaxConcurrentJobs    int           `env:"MAX_CONCURRENT_JOBS"     envDefault:"5"`
	ClipConcurrency      int           `env:"CLIP_CONCURRENCY"        envDefault:"3"`
	ClipMaxAttempts      int           `env:"CLIP_MAX_ATTEMPTS"       envDefault:"4"`
	ClipRetryBaseDelay   time.Duration `env:"CLIP_RETRY_BASE_DELAY"   envDefault:"2s"`
	ClipRetryMaxDelay    time.Duration `env:"CLIP_RETRY_MAX_DELAY"    envDefault:"30s"`
	ClipPollInitialDelay time.Duration `env:"CLIP_POLL_INITIAL_DELAY" envDefault:"15s"`
	ClipPollInterval     time.Duration `env:"CLIP_POLL_INTERVAL"      envDefault:"5s"`
	ClipPollMaxInterval  time.Duration `env:"CLIP_POLL_MAX_INTERVAL"  envDefault:"20s"`
	ClipPollTimeout      time.Duration `env:"CLIP_POLL_TIMEOUT"       envDefault:"5m"`
	LeaseTTL             time.Duration `env:"LEASE_TTL"               envDefault:"60s"`
	DefaultWindowS       float64       `env:"DEFAULT_WINDOW_S"        envDefault:"4.0"`
	MaxAudioDurationS    float64       `env:"MAX_AUDIO_DURATION_S"    envDefault:"600"`
	MaxAudioSizeMB       int64         `env:"MAX_AUDIO_SIZE_MB"       envDefault:"50"`
	MaxImageSizeMB       int64         `env:"MAX_IMAGE_SIZE_MB"       envDefault:"10"`
	WorkDir              string        `env:"WORK_DIR"                envDefault:"/tmp/melovue"`

	// Tracing, off when empty
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env when present, then the environment, and validates the
// result.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the keys each selected backend and provider needs.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	require(c.DatabaseURL != "", "DATABASE_URL is required")
	require(c.OpenAIKey != "", "OPENAI_API_KEY is required")

	switch c.StorageBackend {
	case StorageSupabase:
		require(c.SupabaseURL != "" && c.SupabaseServiceKey != "", "SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	case StorageS3:
		require(c.S3Bucket != "" && c.S3AccessKeyID != "" && c.S3SecretAccessKey != "", "S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required")
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageSupabase, StorageS3, c.StorageBackend))
	}

	switch c.TranscriptionProvider {
	case TranscriptionOpenAI:
	case TranscriptionElevenLabs:
		require(c.ElevenLabsKey != "", "ELEVENLABS_API_KEY is required for elevenlabs transcription")
	default:
		errs = append(errs, fmt.Errorf("TRANSCRIPTION_PROVIDER must be %q or %q, got %q", TranscriptionOpenAI, TranscriptionElevenLabs, c.TranscriptionProvider))
	}

	switch c.MediaProvider {
	case MediaVeo, MediaStill:
		require(c.GeminiKey != "", "GEMINI_API_KEY is required for veo and still media")
	case MediaXAI:
		require(c.XAIAPIKey != "", "XAI_API_KEY is required for xai media")
	default:
		errs = append(errs, fmt.Errorf("MEDIA_PROVIDER must be one of %q, %q, %q, got %q", MediaVeo, MediaXAI, MediaStill, c.MediaProvider))
	}

	require(c.MaxConcurrentJobs > 0, "MAX_CONCURRENT_JOBS must be positive")
	require(c.ClipConcurrency > 0, "CLIP_CONCURRENCY must be positive")
	require(c.ClipMaxAttempts > 0, "CLIP_MAX_ATTEMPTS must be positive")
	require(c.LeaseTTL >= 3*time.Second, "LEASE_TTL must be at least 3s")
	require(c.DefaultWindowS > 0, "DEFAULT_WINDOW_S must be positive")
	require(c.MaxAudioDurationS > 0, "MAX_AUDIO_DURATION_S must be positive")

	return errors.Join(errs...)
}

func (c *Config) MaxAudioBytes() int64 { return c.MaxAudioSizeMB << 20 }
func (c *Config) MaxImageBytes() int64 { return c.MaxImageSizeMB << 20 }
