package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmeireles/snapex/pkg/export"
	"github.com/lmeireles/snapex/pkg/teardown"
	"github.com/spf13/cobra"
)

var (
	teardownCompute    bool
	teardownStorage    bool
	teardownKeepRecord bool
)

var teardownCmd = &cobra.Command{
	Use:   "teardown <session>",
	Short: "Release the cloud resources of a session",
	Long: `Release the cloud resources named in a session record:
  --compute          detach the disk, delete the instance and the disk (default)
  --storage          also delete the bucket, even when the download was not verified`,
	Args: cobra.ExactArgs(1),
	RunE: runTeardown,
}

func init() {
	rootCmd.AddCommand(teardownCmd)
	teardownCmd.Flags().BoolVar(&teardownCompute, "compute", true, "Release the instance and disk")
	teardownCmd.Flags().BoolVar(&teardownStorage, "storage", false, "Force deletion of the bucket")
	teardownCmd.Flags().BoolVar(&teardownKeepRecord, "keep-record", false, "Keep the session record after a full release")
}

func runTeardown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", cfg.StateDir); err != nil {
		return err
	}

	// Teardown runs to completion once started.
	ctx := context.Background()
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	repo := openIndex(cfg)
	if repo != nil {
		defer repo.Close()
	}

	recorder, runner, cleanup, err := openSession(ctx, cfg, repo, args[0], export.Options{KeepRecord: teardownKeepRecord})
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("🧹 Tearing down session %s...\n", recorder.Record().ID)
	summary := runner.Teardown(ctx, recorder, teardownCompute, teardown.Options{Force: teardownStorage})
	printSummary(summary)

	if !summary.Teardown.OK() {
		return fmt.Errorf("%d teardown steps failed; re-run teardown to retry", len(summary.Teardown.Errors))
	}
	return nil
}
