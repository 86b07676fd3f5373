package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmeireles/snapex/pkg/export"
	"github.com/spf13/cobra"
)

var (
	downloadDeleteRemote bool
	downloadUnpack       bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <session>",
	Short: "Download the archives of a session whose remote work finished",
	Long: `Download (or resume downloading) the archives of a session.
The session is named by its ID, its alias or the path of its record.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().BoolVar(&downloadDeleteRemote, "delete-remote", false, "Delete the bucket once the download is verified")
	downloadCmd.Flags().BoolVar(&downloadUnpack, "unpack", false, "Unpack downloaded archives")
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", cfg.StateDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := openIndex(cfg)
	if repo != nil {
		defer repo.Close()
	}

	recorder, runner, cleanup, err := openSession(ctx, cfg, repo, args[0], export.Options{Unpack: downloadUnpack})
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("⬇️  Downloading session %s into %s\n", recorder.Record().ID, recorder.Record().OutputDir)
	summary, err := runner.Download(ctx, recorder, downloadDeleteRemote)
	printSummary(summary)
	return err
}
