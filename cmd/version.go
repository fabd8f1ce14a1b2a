package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notifyd/notifyd/internal/build"
)

// NewVersionCmd returns the "version" subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the notifyd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "notifyd %s\n", build.String())
		},
	}
}
