package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/adapters/capture"
	"github.com/telecare/parley/internal/adapters/collab"
	"github.com/telecare/parley/internal/adapters/engine"
	router "github.com/telecare/parley/internal/adapters/http"
	signalws "github.com/telecare/parley/internal/adapters/signal"
	"github.com/telecare/parley/internal/app"
	"github.com/telecare/parley/internal/config"
	"github.com/telecare/parley/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	eng := engine.New(cfg.Engine)
	defer eng.Close()

	store, err := collab.NewDirStore(cfg.Storage.ArtifactRoot, cfg.Storage.ArtifactURL)
	if err != nil {
		log.Fatal().Err(err).Msg("artifact store")
	}
	pipeline, err := capture.NewManifestPipeline(cfg.Storage.CaptureDir)
	if err != nil {
		log.Fatal().Err(err).Msg("capture pipeline")
	}
	archiver, err := collab.NewFileArchiver(cfg.Storage.ChatArchive)
	if err != nil {
		log.Fatal().Err(err).Msg("chat archiver")
	}

	var identity core.Identity = collab.AllowAll{}
	if cfg.Identity.URL != "" {
		identity = collab.NewHTTPIdentity(cfg.Identity.URL, 5*time.Second)
	}
	var notifier core.Notifier = collab.LogNotifier{}
	if cfg.Notifier.WebhookURL != "" {
		notifier = collab.NewWebhookNotifier(cfg.Notifier.WebhookURL, 5*time.Second)
	}

	ctl := signalws.NewController(eng, cfg.Signal)
	reg := app.NewRegistry(app.Deps{
		Engine:   eng,
		Identity: identity,
		Events:   ctl,
		Notifier: notifier,
		Pipeline: pipeline,
		Store:    store,
		Archiver: archiver,
	})
	ctl.Bind(reg)

	r := router.SetupRouter(ctx, cfg, reg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Parley server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
