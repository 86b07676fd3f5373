package commands

import (
	"fmt"

	"github.com/lmeireles/snapex/pkg/db"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	sessions, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	fmt.Printf("%-28s %-16s %-30s %-14s %-24s %-20s\n", "ID", "ALIAS", "SNAPSHOT", "REGION", "STATUS", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------------")

	for _, s := range sessions {
		alias := s.Alias
		if alias == "" {
			alias = "-"
		}
		fmt.Printf("%-28s %-16s %-30s %-14s %-24s %-20s\n",
			s.ID, alias, s.Snapshot, s.Region, s.Status, s.CreatedAt)
	}

	return nil
}
