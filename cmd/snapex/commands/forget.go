package commands

import (
	"fmt"

	"github.com/lmeireles/snapex/pkg/session"
	"github.com/spf13/cobra"
)

var forgetYes bool

var forgetCmd = &cobra.Command{
	Use:   "forget <session>",
	Short: "Delete a session record without touching cloud resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
	forgetCmd.Flags().BoolVarP(&forgetYes, "yes", "y", false, "Do not ask for confirmation")
}

func runForget(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo := openIndex(cfg)
	if repo != nil {
		defer repo.Close()
	}

	path, err := resolveRecord(cfg, repo, args[0])
	if err != nil {
		return err
	}
	rec, err := session.Load(path)
	if err != nil {
		return err
	}

	description := "The record is the only handle on the session's cloud resources."
	if !rec.Reached(session.StatusStorageReleased) {
		description = fmt.Sprintf("Bucket %s may still exist and will no longer be tracked.", rec.Bucket)
	}
	if !rec.Reached(session.StatusComputeReleased) && rec.Zone != "" {
		description = fmt.Sprintf("Instance %s and disk %s may still exist and will no longer be tracked.", rec.Instance, rec.Disk)
	}
	if err := confirm(fmt.Sprintf("Forget session %s?", rec.ID), description, forgetYes); err != nil {
		return err
	}

	if err := session.Remove(cfg.StateDir, rec); err != nil {
		return err
	}
	if repo != nil {
		if err := repo.Delete(rec.ID); err != nil {
			fmt.Printf("⚠️  Index cleanup failed: %v\n", err)
		}
	}
	fmt.Printf("🗑️  Forgot session %s\n", rec.ID)
	return nil
}
