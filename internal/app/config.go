package app

import (
	"time"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/orchestrator"
	"github.com/forgeline/forgeline-backend/internal/queue"
	"github.com/forgeline/forgeline-backend/internal/utils"
)

type Config struct {
	Port           string
	Mode           string
	AllowedOrigins string

	Queue        queue.Config
	Orchestrator orchestrator.Config

	// Per-queue worker concurrency.
	TextConcurrency  int
	ImageConcurrency int
	VideoConcurrency int
	AudioConcurrency int
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port:           utils.GetEnv("PORT", "8080", log),
		Mode:           utils.GetEnv("APP_MODE", "development", log),
		AllowedOrigins: utils.GetEnv("CORS_ALLOWED_ORIGINS", "", log),
		Queue: queue.Config{
			PollInterval:      time.Duration(utils.GetEnvAsInt("QUEUE_POLL_INTERVAL_SECONDS", 5, log)) * time.Second,
			FetchBatch:        utils.GetEnvAsInt("QUEUE_FETCH_BATCH", 10, log),
			ProcessingTimeout: time.Duration(utils.GetEnvAsInt("QUEUE_PROCESSING_TIMEOUT_SECONDS", 300, log)) * time.Second,
			BaseDelay:         time.Duration(utils.GetEnvAsInt("QUEUE_RETRY_BASE_SECONDS", 2, log)) * time.Second,
			CapDelay:          time.Duration(utils.GetEnvAsInt("QUEUE_RETRY_CAP_SECONDS", 300, log)) * time.Second,
			MaxJitter:         time.Second,
			HeartbeatInterval: time.Duration(utils.GetEnvAsInt("QUEUE_HEARTBEAT_SECONDS", 30, log)) * time.Second,
			ShutdownTimeout:   time.Duration(utils.GetEnvAsInt("QUEUE_SHUTDOWN_TIMEOUT_SECONDS", 30, log)) * time.Second,
			DisableDeadLetter: !utils.GetEnvAsBool("QUEUE_DEAD_LETTER_ENABLED", true, log),
			CleanupInterval:   time.Duration(utils.GetEnvAsInt("QUEUE_CLEANUP_INTERVAL_SECONDS", 3600, log)) * time.Second,
			RetainTerminal:    time.Duration(utils.GetEnvAsInt("QUEUE_RETAIN_TERMINAL_HOURS", 168, log)) * time.Hour,
		},
		Orchestrator: orchestrator.Config{
			AdmissionCeiling: utils.GetEnvAsInt("MAX_CONCURRENT_GENERATIONS_PER_ORG", 5, log),
			MaxJobAttempts:   utils.GetEnvAsInt("GENERATION_MAX_ATTEMPTS", 3, log),
			DownloadTimeout:  time.Duration(utils.GetEnvAsInt("OUTPUT_DOWNLOAD_TIMEOUT_SECONDS", 120, log)) * time.Second,
			WebhookTimeout:   time.Duration(utils.GetEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 10, log)) * time.Second,
		},
		TextConcurrency:  utils.GetEnvAsInt("WORKER_TEXT_CONCURRENCY", 8, log),
		ImageConcurrency: utils.GetEnvAsInt("WORKER_IMAGE_CONCURRENCY", 4, log),
		VideoConcurrency: utils.GetEnvAsInt("WORKER_VIDEO_CONCURRENCY", 2, log),
		AudioConcurrency: utils.GetEnvAsInt("WORKER_AUDIO_CONCURRENCY", 4, log),
	}
}
