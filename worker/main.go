package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"imagecrypt/pkg/callback"
	"imagecrypt/pkg/config"
	"imagecrypt/pkg/processor"
	"imagecrypt/pkg/queue"
	"imagecrypt/pkg/worker"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "imagecrypt-worker",
		Short:         "Consume image jobs and run the image processor",
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
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Log.Level, "imagecrypt-worker")
	slog.SetDefault(logger)

	mq, err := queue.Connect(ctx, cfg.Queue(), queue.WithLogger(logger))
	if err != nil {
		return err
	}
	defer mq.Close()
	if err := mq.DeclareTopology(); err != nil {
		return err
	}

	if cfg.Processor.Timeout == 0 {
		logger.WarnContext(ctx, "no processor timeout configured; a hung process stalls this worker")
	}
	if cfg.Worker.MaxDeliveries > 0 && cfg.Broker.DeadLetterQueue == "" {
		logger.WarnContext(ctx, "maxDeliveries set without a dead-letter queue; dead-lettered jobs are dropped by the broker")
	}

	notifier := callback.New(cfg.Worker.CallbackURL,
		callback.WithTimeout(cfg.Worker.CallbackTimeout),
		callback.WithRetryPolicy(cfg.CallbackPolicy()),
		callback.WithLogger(logger),
	)
	brokerCfg := mq.Config()
	dispatcher := worker.NewDispatcher(worker.Dependencies{
		Consumer:  mq,
		Publisher: mq,
		Runner:    processor.NewExec(cfg.ProcessorConfig(), logger),
		Notifier:  notifier,
		Config: worker.Config{
			Queue:                brokerCfg.Queue,
			MaxDeliveries:        cfg.Worker.MaxDeliveries,
			DeadLetterRoutingKey: brokerCfg.DeadLetterRoutingKey,
		},
		Logger: logger,
	})

	err = dispatcher.Run(ctx)
	logger.Info("worker stopped")
	return err
}
