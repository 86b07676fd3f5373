package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/export"
	appfsm "github.com/lmeireles/snapex/pkg/fsm"
	"github.com/lmeireles/snapex/pkg/provision"
	"github.com/lmeireles/snapex/pkg/remote"
	"github.com/lmeireles/snapex/pkg/retry"
	"github.com/lmeireles/snapex/pkg/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var (
	exportOutput     string
	exportAlias      string
	exportKeepRemote bool
	exportSkipLocal  bool
	exportPayload    string
	exportUnpack     bool
	exportKeepRecord bool
	exportYes        bool
)

var exportCmd = &cobra.Command{
	Use:   "export <snapshot>",
	Short: "Export the files of a snapshot to local disk",
	Long: `Export the files of a snapshot to local disk:
  1. create a bucket, a disk cloned from the snapshot and an instance
  2. archive every partition of the disk into the bucket
  3. release the disk and instance
  4. download the archives into the output directory
  5. delete the bucket once the download is verified`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().String("region", "", "Region to run in (required)")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "Output directory (default <output-root>/<name>-<suffix>)")
	exportCmd.Flags().StringVar(&exportAlias, "alias", "", "Human-readable session name")
	exportCmd.Flags().BoolVar(&exportKeepRemote, "keep-remote", false, "Keep the bucket after download")
	exportCmd.Flags().BoolVar(&exportSkipLocal, "skip-local", false, "Leave the archives in the bucket, do not download")
	exportCmd.Flags().StringSlice("machine-type", nil, "Instance profiles to try, in order")
	exportCmd.Flags().String("disk-type", "", "Disk class of the cloned disk")
	exportCmd.Flags().StringVar(&exportPayload, "payload", "", "Replace the embedded extraction script")
	exportCmd.Flags().BoolVar(&exportUnpack, "unpack", false, "Unpack downloaded archives")
	exportCmd.Flags().BoolVar(&exportKeepRecord, "keep-record", false, "Keep the session record after a fully released session")
	exportCmd.Flags().BoolVarP(&exportYes, "yes", "y", false, "Do not ask for confirmation")

	viper.BindPFlag("region", exportCmd.Flags().Lookup("region"))
	viper.BindPFlag("machine-types", exportCmd.Flags().Lookup("machine-type"))
	viper.BindPFlag("disk-type", exportCmd.Flags().Lookup("disk-type"))
}

func runExport(cmd *cobra.Command, args []string) error {
	snapshot := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateProvider(cfg.Provider); err != nil {
		return err
	}
	if cfg.Region == "" {
		return errors.ConfigurationError("region is required (--region or SNAPEX_REGION)")
	}

	var payload []byte
	if exportPayload != "" {
		payload, err = os.ReadFile(exportPayload)
		if err != nil {
			return errors.ConfigurationError("failed to read payload %s: %v", exportPayload, err)
		}
	}

	profiles := cfg.Profiles()
	description := fmt.Sprintf("provider %s, region %s, instance profiles %s.\nThis creates billable resources.",
		cfg.Provider, cfg.Region, strings.Join(profiles, ", "))
	if err := confirm(fmt.Sprintf("Export snapshot %s?", snapshot), description, exportYes); err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.StateDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openProviders(ctx, cfg, cfg.Provider, cfg.Project, cfg.Region)
	if err != nil {
		return err
	}
	defer p.close()

	repo := openIndex(cfg)
	if repo != nil {
		defer repo.Close()
	}

	key, err := remote.GenerateKey()
	if err != nil {
		return err
	}

	recorder, err := session.Plan(session.PlanInput{
		Provider:   cfg.Provider,
		Project:    cfg.Project,
		Snapshot:   snapshot,
		Region:     cfg.Region,
		Alias:      exportAlias,
		DiskType:   cfg.Disk(),
		StateDir:   cfg.StateDir,
		OutputRoot: cfg.OutputRoot,
		OutputDir:  exportOutput,
		KeepRemote: exportKeepRemote,
		SkipLocal:  exportSkipLocal,
	})
	if err != nil {
		return err
	}
	defer recorder.Close()
	rec := recorder.Record()
	fmt.Printf("📝 Session %s (record %s)\n", rec.ID, rec.Path)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	runner := export.NewRunner(export.Deps{
		Compute:  p.compute,
		Store:    p.store,
		Executor: remote.NewSSHExecutor(cfg.SSHUser, key.Signer),
		Transfer: synchronizer(cfg, p.store),
		Index:    repo,
	}, export.Options{
		Provision: provision.Options{
			Profiles:  profiles,
			Image:     cfg.Image,
			SSHUser:   cfg.SSHUser,
			SSHPubKey: key.AuthorizedKey,
			Labels: map[string]string{
				"managed-by":     "snapex",
				"snapex-session": rec.ID,
			},
		},
		Dispatch: remote.Options{
			Payload: payload,
			SSHPort: cfg.SSHPort,
			Reach:   retry.Fixed(cfg.ReachInterval, cfg.ReachAttempts),
			Timeout: cfg.RemoteTimeout,
		},
		Workflow:   appfsm.Workflow(manager, cfg.FSMMaxRetries),
		StateDir:   cfg.StateDir,
		Limits:     limits(cfg),
		Unpack:     exportUnpack,
		KeepRecord: exportKeepRecord,
	})

	summary, err := runner.Export(ctx, recorder)
	printSummary(summary)
	if err != nil {
		slog.Error("export_failed", "session_id", rec.ID, "exit_code", errors.ExitCode(err), "error", err)
		fmt.Printf("❌ Export failed; run 'snapex teardown %s' to release what remains\n", rec.ID)
		return err
	}

	fmt.Printf("✅ Export complete: %s\n", rec.OutputDir)
	return nil
}
