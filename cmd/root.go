// Package cmd defines the notifyd command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/notifyd/notifyd/internal/config"
)

// NewRootCmd builds the root command with all subcommands attached.
func NewRootCmd(cfg *config.AppConfig) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notifyd",
		Short: "Reliable notification dispatch service",
		Long: `notifyd accepts notification requests over HTTP, queues them on an AMQP
broker, and delivers them through email and push transports with retries,
circuit breaking and a dead-letter queue.`,
	}

	rootCmd.AddCommand(NewServeCmd(cfg))
	rootCmd.AddCommand(NewWorkerCmd(cfg))
	rootCmd.AddCommand(NewVersionCmd())
	return rootCmd
}

// Execute loads configuration and runs the CLI.
func Execute() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := NewRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
