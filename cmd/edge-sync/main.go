// edge-sync is the device-side synchronization daemon: it queues
// translation results while offline, syncs them to the cloud on an adaptive
// schedule, resolves conflicts, and keeps model and terminology files fresh.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medtranslate/edge-sync/logging"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

var (
	flagDataDir    string
	flagConfigFile string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edge-sync",
		Short: "Offline-first sync engine for the edge translation device",
		Long: `edge-sync keeps an edge medical translation device in step with the
cloud: translation results queue locally while offline, upload on an
adaptive schedule when connectivity allows, and conflicts resolve with
medical-context-aware strategies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(logging.GetConfigFromEnv())
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "root directory for device data")
	rootCmd.PersistentFlags().StringVarP(&flagConfigFile, "config", "c", "", "YAML config file path")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func defaultDataDir() string {
	if dir := os.Getenv("EDGE_SYNC_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/medtranslate"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the edge-sync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "edge-sync", Version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
