package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/docsync/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Keep JSON documents in sync over websockets",
	Long: `Keep JSON documents in sync over websockets

docsync serves a document to any number of clients, which pull it, push it
and patch it. Patches made by one client are forwarded to every other one.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(InfoCmd)
	RootCmd.AddCommand(PullCmd)
	RootCmd.AddCommand(PushCmd)
	RootCmd.AddCommand(WatchCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
