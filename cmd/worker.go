package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/notifyd/notifyd/internal/config"
	"github.com/notifyd/notifyd/internal/queue"
)

// NewWorkerCmd returns the "worker" subcommand that consumes the delivery
// queues.
func NewWorkerCmd(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the notification delivery worker",
		Long: `Consume the email, push and status queues: resolve recipients, render
templates, deliver through the configured transports, and update
notification state with retry and dead-letter handling.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg *config.AppConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.logger.Info("notifyd worker starting",
		slog.String("broker_url", cfg.BrokerURL),
		slog.Int("prefetch", cfg.Prefetch),
		slog.Int("max_retries", cfg.MaxRetries),
	)

	w := newDeliveryWorker(rt)

	opts := queue.ConsumeOptions{Prefetch: cfg.Prefetch}
	rt.broker.Consume(ctx, queue.QueueEmail, w.HandleMessage, opts)
	rt.broker.Consume(ctx, queue.QueuePush, w.HandleMessage, opts)
	rt.broker.Consume(ctx, queue.QueueStatus, w.HandleStatus, opts)

	<-ctx.Done()
	rt.logger.Info("notifyd worker shutting down")
	return nil
}
