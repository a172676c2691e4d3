package gen

import (
	"github.com/spf13/cobra"
)

// RootCmd groups the commands that generate files about docsync itself.
var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate docsync documentation",
	Long: `Generate docsync documentation

Usage
	docsync gen man --dir ./man
`,
	Args: cobra.NoArgs,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
