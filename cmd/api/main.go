package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"carelog.org/internal/auth"
	"carelog.org/internal/config"
	"carelog.org/internal/httpapi"
	"carelog.org/internal/obs"
	"carelog.org/internal/pipeline"
	"carelog.org/internal/report"
	"carelog.org/internal/speech"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalw("configuration", "error", err)
	}
	log.Infow("starting carelog-api", "version", version, "config", cfg.Redacted())

	// Stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		authStore   auth.Store
		reportStore report.Store
		readyProbe  httpapi.ReadyProbe
		closeDB     func() error
	)
	if cfg.DatabaseURL != "" {
		pg, err := report.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalw("open database", "error", err)
		}
		reportStore = pg
		authStore = auth.NewPostgresStore(pg.DB())
		readyProbe = httpapi.ReadyProbe{DB: pg.DB()}
		closeDB = pg.Close
	} else {
		log.Warnw("no CARELOG_PG_DSN set, using in-memory stores")
		authStore = auth.NewMemoryStore()
		reportStore = report.NewMemoryStore()
		closeDB = func() error { return nil }
	}

	tokens, err := auth.NewTokenService(authStore, cfg.TokenSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalw("token service", "error", err)
	}
	authSvc := auth.NewService(authStore, tokens)

	transcriber, err := speech.NewWhisperClient(cfg.Speech.Endpoint, cfg.Speech.APIKey,
		speech.WithModel(cfg.Speech.Model),
		speech.WithLanguage(cfg.Speech.Language),
		speech.WithRequestTimeout(cfg.Speech.RequestTimeout),
	)
	if err != nil {
		log.Fatalw("speech client", "error", err)
	}

	orch := pipeline.New(reportStore, transcriber, pipeline.Config{
		Workers:     cfg.Pipeline.Workers,
		QueueDepth:  cfg.Pipeline.QueueDepth,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BackoffBase: cfg.Pipeline.BackoffBase,
		BackoffCap:  cfg.Pipeline.BackoffCap,
	})
	reportSvc := report.NewService(reportStore, orch)

	api := httpapi.New(authSvc, reportSvc, readyProbe, version, httpapi.Limits{
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "error", err)
		}
	}()
	log.Infow("listening", "addr", cfg.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if err := orch.Close(ctx); err != nil {
		log.Warnw("pipeline drain incomplete", "error", err)
	}
	_ = closeDB()
	log.Infow("stopped")
}
