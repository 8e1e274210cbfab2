package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "dokodemodoor %s\n", build.version)
		fmt.Fprintf(out, "  commit: %s\n", build.commit)
		fmt.Fprintf(out, "  built:  %s\n", build.date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
