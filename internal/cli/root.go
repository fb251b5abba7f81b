// Package cli implements the gamesched command-line surface: serve,
// sim, and dump subcommands registered on a shared cobra root command,
// following the teacher's internal/cli package shape (a package-level
// rootCmd, subcommands registered from their own file's init()).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gamesched",
	Short: "Gaming-aware task scheduling and synchronization core",
	Long: `gamesched is a standalone driver for the scheduling core: a
virtual-deadline run-queue, a hybrid/NUMA-aware placement engine, a
priority-inheritance graph, a wait-word synchronization primitive, and
a frame-deadline hook, wired together by internal/kernel.`,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a TOML config file (defaults baked in if omitted)")
}

// Execute runs the root command, returning its exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func loadedConfigPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
