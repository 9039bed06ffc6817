package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"imagecrypt/pkg/config"
	"imagecrypt/pkg/httpapi"
	"imagecrypt/pkg/ingest"
	"imagecrypt/pkg/queue"
	"imagecrypt/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "imagecrypt-api",
		Short:         "Accept image jobs and receive their completion callbacks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Log.Level, "imagecrypt-api")
	slog.SetDefault(logger)

	jobs, closeStore, err := store.New(ctx, cfg.JobStore())
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer closeStore()

	mq, err := queue.Connect(ctx, cfg.Queue(), queue.WithLogger(logger))
	if err != nil {
		return err
	}
	defer mq.Close()
	if err := mq.DeclareTopology(); err != nil {
		return err
	}

	files, err := ingest.NewDiskFileStore(cfg.Server.UploadDir)
	if err != nil {
		return err
	}
	svc := ingest.NewService(ingest.Dependencies{
		Store:      jobs,
		Publisher:  mq,
		Files:      files,
		RoutingKey: cfg.Broker.RoutingKey,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewHandler(svc, logger, cfg.Server.MaxUploadBytes).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting api server", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
