package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/render"
	"github.com/spherical-ai/pagevision/internal/server"
	"github.com/spherical-ai/pagevision/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serve exposes job submission, status polling, an SSE event stream, and the run ledger over HTTP.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg, false)

	mode, err := domain.ParseMode(cfg.Processing.Mode)
	if err != nil {
		return err
	}
	language, err := domain.ParseLanguage(cfg.Processing.Language)
	if err != nil {
		return err
	}

	if cfg.APIKey() == "" {
		log.Warn().Str("engine", cfg.API.Engine).Msg("No API key configured; jobs will fail until one is set")
	}

	var runs *store.RunRepository
	if cfg.Ledger.Enabled {
		db, err := store.OpenLedger(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		runs = store.NewRunRepository(db)
	}

	engines := buildEngines(cfg, log)
	jobs := server.NewJobs(log, engines, runs, func(sourcePath, imagesDir string, l *observability.Logger) (domain.PageRenderer, error) {
		return render.NewRenderer(sourcePath, imagesDir, l)
	})

	router := server.NewRouter(log, jobs, runs, server.JobDefaults{
		OutputDir:    cfg.Output.Dir,
		Mode:         mode,
		Language:     language,
		BatchSize:    cfg.Processing.BatchSize,
		Concurrency:  cfg.Processing.Concurrency,
		CallInterval: cfg.Processing.CallInterval,
		Engine:       cfg.API.Engine,
		Model:        cfg.API.Model,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// No WriteTimeout: the events endpoint streams for the whole run.
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("engine", cfg.API.Engine).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			log.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	log.Info().Msg("Server stopped")
	return nil
}
