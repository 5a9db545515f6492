package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "calmon",
		Short:        "Cache-access-locality monitor for trace-driven cache simulation.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newRunCmd())

	return cmd
}
