package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmeireles/snapex/internal/config"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is adjusted from the log-level setting before any command runs.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "snapex",
	Short: "Export the files inside a cloud block-storage snapshot",
	Long: `Exports the files inside a GCP or AWS disk snapshot to local disk.

Each export provisions a bucket, a disk cloned from the snapshot and a
throwaway instance, archives every partition into the bucket, downloads the
archives and releases everything it created. Every resource handle is written
to a session record first, so an interrupted session can always be torn down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.ConfigurationError("config load failed: %v", err)
		}
		LogLevel.Set(cfg.Level())
		return nil
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	code := errors.ExitCode(err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	slog.Debug("exit", "code", code, "kind", errors.KindOf(err))
	return code
}

func init() {
	rootCmd.PersistentFlags().String("provider", "gcp", "Cloud provider (gcp, aws)")
	rootCmd.PersistentFlags().String("project", "", "GCP project ID")
	rootCmd.PersistentFlags().String("state-dir", ".snapex/state", "Directory holding session records")
	rootCmd.PersistentFlags().String("sqlite-path", ".snapex/sessions.db", "SQLite session index path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".snapex/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("output-root", ".", "Directory under which session outputs are created")
	rootCmd.PersistentFlags().String("transfer-mechanism", "auto", "Transfer mechanism (auto, native, cli)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int64("max-file-size", 1<<40, "Max size of a single downloaded or unpacked file in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 4<<40, "Max total size per download or unpacked archive")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 1000.0, "Max compression ratio when unpacking")

	viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("output-root", rootCmd.PersistentFlags().Lookup("output-root"))
	viper.BindPFlag("transfer-mechanism", rootCmd.PersistentFlags().Lookup("transfer-mechanism"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("max-file-size", rootCmd.PersistentFlags().Lookup("max-file-size"))
	viper.BindPFlag("max-total-size", rootCmd.PersistentFlags().Lookup("max-total-size"))
	viper.BindPFlag("max-compression-ratio", rootCmd.PersistentFlags().Lookup("max-compression-ratio"))
}
