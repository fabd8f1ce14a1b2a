package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/notifyd/notifyd/internal/api"
	"github.com/notifyd/notifyd/internal/build"
	"github.com/notifyd/notifyd/internal/config"
	"github.com/notifyd/notifyd/internal/directory"
	"github.com/notifyd/notifyd/internal/dispatch"
	"github.com/notifyd/notifyd/internal/server"
	"github.com/notifyd/notifyd/internal/sweeper"
)

// NewServeCmd returns the "serve" subcommand that runs the HTTP API.
func NewServeCmd(cfg *config.AppConfig) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the notification HTTP API",
		Long: `Start the HTTP API that accepts notification requests, deduplicates them
by request identifier, persists them and enqueues delivery messages. Also
runs the reconciliation sweep that republishes stranded records.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", cfg.Port, "HTTP server port (overrides PORT env var)")
	return cmd
}

func runServe(cfg *config.AppConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.logger.Info("notifyd api starting",
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("broker_url", cfg.BrokerURL),
		slog.String("version", build.Version),
	)

	dispatcher := dispatch.New(
		newIdempotencyStore(rt),
		rt.store,
		rt.broker,
		directory.NewHTTPResolver(cfg.UserServiceURL),
		rt.logger,
		rt.bus,
	)

	sweep, err := sweeper.New(sweeper.Config{
		Store:     rt.store,
		Publisher: rt.broker,
		Logger:    rt.logger,
		Interval:  cfg.SweepInterval,
		MinAge:    cfg.SweepMinAge,
	})
	if err != nil {
		return err
	}
	if err := sweep.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sweep.Stop(); err != nil {
			rt.logger.Warn("sweeper shutdown failed", "error", err)
		}
	}()

	// The direct send path reuses the delivery worker's transports.
	deliveryWorker := newDeliveryWorker(rt)

	apiSrv := api.New(dispatcher, rt.store, deliveryWorker, rt.broker, rt.db, rt.logger)
	srv := server.New(apiSrv, cfg.Port, rt.logger)

	fmt.Fprintf(os.Stderr, "notifyd API listening on http://localhost:%d\n", cfg.Port)
	return srv.Run(ctx)
}
