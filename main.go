package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"AvatarVideo-server/config"
	"AvatarVideo-server/logger"
	"AvatarVideo-server/media"
	"AvatarVideo-server/metrics"
	"AvatarVideo-server/models"
	"AvatarVideo-server/pipeline"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/routers"
	"AvatarVideo-server/routers/api"
	"AvatarVideo-server/service"
	"AvatarVideo-server/workflow"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config")
	recoverStuck := flag.Bool("recover-stuck", false, "fail stages stuck longer than pipeline.stuck_after and exit")
	flag.Parse()

	cfg, err := config.InitConfig(*configPath)
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if cfg.Log.Mode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := models.InitDB(cfg.MySQL.DSN)
	if err != nil {
		log.Fatal("database init failed", "error", err)
	}
	log.Info("database initialized")

	m := metrics.New()
	bus := workflow.NewBus(db, log.With("component", "bus"), m)
	engine := workflow.NewEngine(db, bus, log.With("component", "engine"), m)

	store, err := service.NewMinioStore(*cfg, log.With("component", "storage"))
	if err != nil {
		log.Fatal("minio init failed", "error", err)
	}
	pc := cfg.Providers
	veo, err := providers.NewVeo(ctx, pc.Veo.ProjectID, pc.Veo.Location, pc.Veo.Model)
	if err != nil {
		log.Fatal("veo client init failed", "error", err)
	}
	openai := providers.NewOpenAI(pc.OpenAI.APIKey, pc.OpenAI.ScriptModel, pc.OpenAI.ImageModel)

	pipe := pipeline.New(engine, pipeline.Deps{
		DB:        db,
		Store:     store,
		Speech:    providers.NewElevenLabs(pc.ElevenLabs.APIKey, pc.ElevenLabs.BaseURL, pc.ElevenLabs.ModelID, nil),
		Talks:     providers.NewDID(pc.DID.APIKey, pc.DID.BaseURL, pc.DID.WebhookURL, nil),
		Images:    openai,
		Video:     veo,
		Fetch:     providers.NewFetcher(nil),
		Media:     media.NewToolkit(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, cfg.Media.WorkDir),
		Config:    cfg.Pipeline,
		AvatarURL: pc.DID.AvatarURL,
		WorkDir:   cfg.Media.WorkDir,
		Log:       log.With("component", "pipeline"),
		Metrics:   m,
	})
	pipe.Register()

	if *recoverStuck {
		n, err := pipe.RecoverStuckScenes(ctx, cfg.Pipeline.StuckAfter)
		if err != nil {
			log.Fatal("stuck scene recovery failed", "error", err)
		}
		log.Info("stuck scene recovery done", "scenes", n, "older_than", cfg.Pipeline.StuckAfter)
		return
	}

	if cfg.Redis.Addr != "" {
		queue := service.NewQueueDispatcher(*cfg, log.With("component", "queue"))
		defer queue.Close()
		engine.SetDispatcher(queue)
		processor := service.NewProcessor(*cfg, engine, log.With("component", "processor"))
		if err := processor.Start(); err != nil {
			log.Fatal("processor start failed", "error", err)
		}
		defer processor.Shutdown()
		log.Info("queue initialized", "redis", cfg.Redis.Addr, "concurrency", cfg.Worker.Concurrency)
	} else {
		pool := workflow.NewPoolDispatcher(ctx, engine, cfg.Worker.Concurrency)
		defer pool.Close()
		log.Warn("no redis configured; running workflow in process", "concurrency", cfg.Worker.Concurrency)
	}

	if n, err := engine.Resume(ctx); err != nil {
		log.Error("resuming runs failed", "error", err)
	} else if n > 0 {
		log.Info("resumed unfinished runs", "count", n)
	}

	h := api.NewHandler(db, openai, pipe, log.With("component", "api"))
	h.StuckAfter = cfg.Pipeline.StuckAfter
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           routers.InitRouter(h, m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server starting", "addr", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
}
