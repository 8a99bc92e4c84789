package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sessionbus version",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args
		fmt.Fprintf(cmd.OutOrStdout(), "sessionbus %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
