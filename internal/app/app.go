package app

import (
	"context"
	"fmt"
	"os"

	"github.com/forgeline/forgeline-backend/internal/billing"
	"github.com/forgeline/forgeline-backend/internal/db"
	apphttp "github.com/forgeline/forgeline-backend/internal/http"
	httpH "github.com/forgeline/forgeline-backend/internal/http/handlers"
	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/notify"
	"github.com/forgeline/forgeline-backend/internal/orchestrator"
	"github.com/forgeline/forgeline-backend/internal/providers"
	"github.com/forgeline/forgeline-backend/internal/queue"
	"github.com/forgeline/forgeline-backend/internal/repos"
	"github.com/forgeline/forgeline-backend/internal/storage"
)

// App wires the whole pipeline: storage, repos, providers, billing, queue
// engine, orchestrator and the HTTP surface.
type App struct {
	Log    *logger.Logger
	Config Config

	Engine       *queue.Engine
	Orchestrator *orchestrator.Service
	Server       *apphttp.Server
	Publisher    notify.Publisher
}

func New(log *logger.Logger) (*App, error) {
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("auto migration: %w", err)
	}
	gdb := pg.DB()

	generationRepo := repos.NewGenerationRepo(gdb, log)
	queueJobRepo := repos.NewQueueJobRepo(gdb, log)

	ledger := billing.NewLedger(gdb, log)

	registry := providers.NewRegistry(log)
	if p, err := providers.NewOpenAIProvider(log); err != nil {
		log.Warn("OpenAI provider unavailable", "error", err)
	} else {
		registry.Register(p, 0.85)
	}
	if p, err := providers.NewReplicateProvider(log); err != nil {
		log.Warn("Replicate provider unavailable", "error", err)
	} else {
		registry.Register(p, 0.75)
	}

	store, err := storage.NewGCSStore(log)
	if err != nil {
		return nil, fmt.Errorf("object store init: %w", err)
	}

	publisher, err := notify.NewRedisPublisher(log)
	if err != nil {
		return nil, fmt.Errorf("event publisher init: %w", err)
	}

	engine := queue.NewEngine(queueJobRepo, log, cfg.Queue)
	orch := orchestrator.NewService(generationRepo, ledger, registry, engine, store, publisher, log, cfg.Orchestrator)

	hostname, _ := os.Hostname()
	workers := []struct {
		queue       string
		concurrency int
	}{
		{"text", cfg.TextConcurrency},
		{"image", cfg.ImageConcurrency},
		{"video", cfg.VideoConcurrency},
		{"audio", cfg.AudioConcurrency},
		{"special", cfg.VideoConcurrency},
	}
	for _, w := range workers {
		id := fmt.Sprintf("%s-%s", hostname, w.queue)
		if err := engine.RegisterWorker(id, []string{w.queue}, w.concurrency, orch.ProcessJob); err != nil {
			return nil, fmt.Errorf("register worker %s: %w", id, err)
		}
	}

	server := apphttp.NewServer(apphttp.RouterConfig{
		Mode:              cfg.Mode,
		AllowedOrigins:    cfg.AllowedOrigins,
		GenerationHandler: httpH.NewGenerationHandler(orch),
		JobHandler:        httpH.NewJobHandler(orch),
		HealthHandler:     httpH.NewHealthHandler(orch),
	})

	return &App{
		Log:          log,
		Config:       cfg,
		Engine:       engine,
		Orchestrator: orch,
		Server:       server,
		Publisher:    publisher,
	}, nil
}

// Run starts the engine, the event consumer and the HTTP server. It blocks
// until the server stops.
func (a *App) Run() error {
	a.Engine.Start()
	a.Orchestrator.Start()
	a.Log.Info("Server listening", "port", a.Config.Port)
	return a.Server.Run(":" + a.Config.Port)
}

// Shutdown drains in order: stop admitting, stop HTTP, drain the engine,
// then close the publisher.
func (a *App) Shutdown(ctx context.Context) {
	a.Orchestrator.Shutdown()
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Log.Warn("HTTP shutdown error", "error", err)
	}
	if err := a.Engine.Stop(ctx); err != nil {
		a.Log.Warn("Engine stop error", "error", err)
	}
	if err := a.Publisher.Close(); err != nil {
		a.Log.Warn("Publisher close error", "error", err)
	}
}
