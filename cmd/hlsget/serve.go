package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/hlsget/hlsget/internal/api"
	"github.com/hlsget/hlsget/internal/app"
	"github.com/hlsget/hlsget/internal/engine"
	"github.com/hlsget/hlsget/internal/infra/config"
	"github.com/hlsget/hlsget/internal/infra/logger"
	"github.com/hlsget/hlsget/internal/recovery"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download queue with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, cfg.Log.Level, cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.Download.OutDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Download.WorkDir, 0755); err != nil {
		return err
	}

	dl := engine.NewDownloader(cfg, log, store)
	defer dl.Close()

	queue := engine.NewQueueManager(cfg, log, store, dl, nil)
	if err := queue.Start(ctx); err != nil {
		return err
	}

	appCtx := app.NewContext(cfg, log)
	appCtx.Queue = queue

	e := echo.New()
	api.RegisterRoutes(e, appCtx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: e,
	}

	go func() {
		log.Info("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (recovery.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return recovery.NewPostgresStore(ctx, cfg.Store.PostgresURL)
	default:
		return recovery.NewSQLiteStore(cfg.Store.SQLitePath)
	}
}
