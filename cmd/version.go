package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/docsync/internal/meta"
	"github.com/luma/docsync/protocol"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the docsync version and the protocol versions it speaks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), meta.GetInfo())
		fmt.Fprintln(cmd.OutOrStdout(), "protocol versions:", protocol.Versions())
	},
}
