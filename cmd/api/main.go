package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/melovue/internal/api"
	"github.com/bobarin/melovue/internal/config"
	"github.com/bobarin/melovue/internal/db"
	"github.com/bobarin/melovue/internal/pipeline"
	"github.com/bobarin/melovue/internal/queue"
	"github.com/bobarin/melovue/internal/retry"
	"github.com/bobarin/melovue/internal/services"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/bobarin/melovue/internal/tracing"
	"github.com/bobarin/melovue/internal/worker"
	"github.com/bobarin/melovue/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting melovue")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
		if err != nil {
			log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	database, err := db.New(cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer database.Close()
	fatalOnErr(database.Migrate(ctx), "apply schema")
	log.Info("connected to database")

	q, err := queue.New(cfg.RedisURL)
	fatalOnErr(err, "connect to redis")
	defer q.Close()
	log.Info("connected to redis queue")

	stor, err := newStorage(ctx, cfg, log)
	fatalOnErr(err, "init storage")
	log.Info("storage ready", zap.String("backend", cfg.StorageBackend))

	handler := api.NewHandler(database, q, stor, api.Limits{
		MaxAudioBytes:   cfg.MaxAudioBytes(),
		MaxImageBytes:   cfg.MaxImageBytes(),
		SignedURLExpiry: cfg.SignedURLExpiry,
	}, log)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	}, log)

	if cfg.BackendAPIKey != "" {
		log.Info("API key authentication enabled")
	} else {
		log.Warn("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		runner := pipeline.NewRunner(pipeline.Deps{
			Store:       database,
			Storage:     stor,
			Transcriber: newTranscriber(cfg, log),
			Planner:     services.NewOpenAIService(openai.DefaultConfig(cfg.OpenAIKey), cfg.PlannerModel, log),
			Generator:   newGenerator(cfg, stor, log),
			Media:       services.NewFFmpegService(log),
			Logger:      log,
		}, pipeline.Config{
			WorkDir:           cfg.WorkDir,
			DefaultWindowS:    cfg.DefaultWindowS,
			MaxAudioDurationS: cfg.MaxAudioDurationS,
			ClipConcurrency:   cfg.ClipConcurrency,
			ClipRetry: retry.Policy{
				MaxAttempts: cfg.ClipMaxAttempts,
				BaseDelay:   cfg.ClipRetryBaseDelay,
				MaxDelay:    cfg.ClipRetryMaxDelay,
				Jitter:      0.25,
			},
			ClipPoll: retry.PollConfig{
				InitialDelay: cfg.ClipPollInitialDelay,
				Interval:     cfg.ClipPollInterval,
				MaxInterval:  cfg.ClipPollMaxInterval,
				Factor:       1.5,
				Timeout:      cfg.ClipPollTimeout,
			},
		})

		w := worker.New(q, database, runner, worker.Config{
			Concurrency: cfg.MaxConcurrentJobs,
			LeaseTTL:    cfg.LeaseTTL,
		}, log)
		go func() {
			defer close(workerDone)
			w.Start(ctx)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		log.Info("API server listening", zap.String("port", cfg.APIPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// In-flight jobs see the cancellation and record their failure.
	cancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("worker did not stop in time")
	}

	log.Info("melovue stopped")
}

func newStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Storage, error) {
	if cfg.StorageBackend == config.StorageS3 {
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicURL:       cfg.S3PublicURL,
		}, log)
	}
	return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log), nil
}

func newTranscriber(cfg *config.Config, log *zap.Logger) services.Transcriber {
	if cfg.TranscriptionProvider == config.TranscriptionElevenLabs {
		log.Info("transcription provider: elevenlabs")
		return services.NewElevenLabsService(cfg.ElevenLabsKey, log)
	}
	log.Info("transcription provider: openai whisper")
	return services.NewOpenAIService(openai.DefaultConfig(cfg.OpenAIKey), cfg.PlannerModel, log)
}

func newGenerator(cfg *config.Config, stor storage.Storage, log *zap.Logger) services.MediaGenerator {
	switch cfg.MediaProvider {
	case config.MediaXAI:
		log.Info("media provider: xai video")
		return services.NewXAIVideoService(cfg.XAIAPIKey, log)
	case config.MediaStill:
		log.Info("media provider: gemini stills", zap.String("model", cfg.ImageModel))
		return services.NewGeminiStillService(cfg.GeminiKey, stor.Fetch, log).WithModel(cfg.ImageModel)
	default:
		log.Info("media provider: veo", zap.String("model", cfg.VeoModel))
		return services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, stor.Fetch, log)
	}
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
