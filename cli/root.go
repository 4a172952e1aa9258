// Package cli defines the ktrdr-core commands: the coordinator and
// worker daemons plus the schema migration.
package cli

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/config"
	"core.ktrdr.dev/version"
)

// cfgFile is the --config override. Empty means the default search
// paths (., ./configs, ~/.ktrdr, /etc/ktrdr).
var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "ktrdr-core",
	Short: "Coordination substrate for long-running trading computations",
	Long: `ktrdr-core coordinates durable training and backtesting operations
across a fleet of workers: dispatch, heartbeats, checkpointing,
resume and crash reconciliation, with Postgres as the record of truth.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.ktrdr, /etc/ktrdr)")
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("ktrdr-core %s (%s)\n", version.Version, info.GoVersion)
	},
}

// applyLogging configures the process logger before any component logs.
func applyLogging(cfg *config.Config) {
	common.SetLogLevel(cfg.Logging.Level)
	common.SetLogFormat(cfg.Logging.Format)
}

// expandPath resolves a leading ~ so config files can point the
// checkpoint and retention stores into a home directory.
func expandPath(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}
