package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/lmeireles/snapex/internal/config"
	"github.com/lmeireles/snapex/pkg/cloud"
	awscloud "github.com/lmeireles/snapex/pkg/cloud/aws"
	"github.com/lmeireles/snapex/pkg/cloud/gcp"
	"github.com/lmeireles/snapex/pkg/db"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/export"
	"github.com/lmeireles/snapex/pkg/security"
	"github.com/lmeireles/snapex/pkg/session"
	"github.com/lmeireles/snapex/pkg/transfer"
	"github.com/mattn/go-isatty"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, stateDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for export)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if stateDir != "" {
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create state directory")
		}
	}

	return nil
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.ConfigurationError("config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providers are the cloud back-ends of one session.
type providers struct {
	compute cloud.Compute
	store   cloud.ObjectStore
	close   func()
}

// openProviders connects to provider in region. project is used by gcp only.
func openProviders(ctx context.Context, cfg *config.Config, provider, project, region string) (*providers, error) {
	switch provider {
	case config.ProviderGCP:
		if project == "" {
			return nil, errors.ConfigurationError("project is required for provider gcp")
		}
		c, err := gcp.NewCompute(ctx, project)
		if err != nil {
			return nil, err
		}
		s, err := gcp.NewStorage(ctx, project)
		if err != nil {
			return nil, err
		}
		return &providers{compute: c, store: s, close: func() { s.Close() }}, nil

	case config.ProviderAWS:
		awsCfg, err := awscloud.LoadConfig(ctx, region)
		if err != nil {
			return nil, err
		}
		c := awscloud.NewCompute(awsCfg, awscloud.ComputeOptions{
			InstanceProfile: cfg.AWSInstanceProfile,
			RoleARN:         cfg.AWSInstanceRoleARN,
		})
		return &providers{compute: c, store: awscloud.NewStorage(awsCfg), close: func() {}}, nil

	default:
		return nil, errors.ConfigurationError("unknown provider %q", provider)
	}
}

func limits(cfg *config.Config) security.Limits {
	return security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	}
}

// synchronizer orders the transfer mechanisms per transfer-mechanism.
func synchronizer(cfg *config.Config, store cloud.ObjectStore) *transfer.Synchronizer {
	native := transfer.NewNative(store, security.NewValidator(security.Limits{
		MaxFileSize:  cfg.MaxFileSize,
		MaxTotalSize: cfg.MaxTotalSize,
	}))
	cli := transfer.NewCLI(store.Scheme())

	switch cfg.TransferMechanism {
	case "native":
		return transfer.NewSynchronizer(native)
	case "cli":
		return transfer.NewSynchronizer(cli)
	default:
		return transfer.NewSynchronizer(cli, native)
	}
}

// openIndex opens the session index. The index is a convenience; callers
// continue without it when it cannot be opened.
func openIndex(cfg *config.Config) *db.Repository {
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		fmt.Printf("⚠️  Session index unavailable: %v\n", err)
		return nil
	}
	return repo
}

// resolveRecord finds the record file for ref, falling back to the index.
func resolveRecord(cfg *config.Config, repo *db.Repository, ref string) (string, error) {
	path, err := session.Resolve(cfg.StateDir, ref)
	if err == nil {
		return path, nil
	}
	if repo != nil {
		if s, rerr := repo.Resolve(ref); rerr == nil && s != nil {
			if _, serr := os.Stat(s.RecordPath); serr == nil {
				return s.RecordPath, nil
			}
		}
	}
	return "", err
}

// openSession opens the record behind ref together with the providers it
// was created with, and a runner for it.
func openSession(ctx context.Context, cfg *config.Config, repo *db.Repository, ref string, opts export.Options) (*session.Recorder, *export.Runner, func(), error) {
	path, err := resolveRecord(cfg, repo, ref)
	if err != nil {
		return nil, nil, nil, err
	}
	recorder, err := session.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	rec := recorder.Record()

	p, err := openProviders(ctx, cfg, rec.Provider, rec.Project, rec.Region)
	if err != nil {
		recorder.Close()
		return nil, nil, nil, err
	}

	opts.StateDir = cfg.StateDir
	opts.Limits = limits(cfg)
	runner := export.NewRunner(export.Deps{
		Compute:  p.compute,
		Store:    p.store,
		Transfer: synchronizer(cfg, p.store),
		Index:    repo,
	}, opts)

	cleanup := func() {
		recorder.Close()
		p.close()
	}
	return recorder, runner, cleanup, nil
}

// confirm asks a yes/no question on a terminal. Without a terminal the
// caller must have passed --yes.
func confirm(title, description string, yes bool) error {
	if yes {
		return nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return errors.ConfigurationError("stdin is not a terminal; pass --yes to confirm")
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return errors.ConfigurationError("confirmation aborted: %v", err)
	}
	if !ok {
		return errors.ConfigurationError("cancelled by user")
	}
	return nil
}

// dirSize returns the total size of the regular files under dir.
func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func printSummary(s *export.Summary) {
	if s == nil {
		return
	}
	fmt.Printf("Session:   %s\n", s.SessionID)
	if s.Outcome != 0 {
		fmt.Printf("Remote:    %s\n", s.Outcome)
	}
	if s.Transfer != 0 {
		fmt.Printf("Download:  %s (%s in %s)\n", s.Transfer, humanize.IBytes(uint64(dirSize(s.OutputDir))), s.OutputDir)
	}
	for _, dir := range s.Unpacked {
		fmt.Printf("Unpacked:  %s\n", dir)
	}

	t := s.Teardown
	if t != nil {
		if t.ComputeReleased {
			fmt.Println("✅ Compute released")
		}
		if t.StorageReleased {
			fmt.Printf("✅ Storage released (%d objects)\n", t.ObjectsDeleted)
		} else if t.StorageSkippedReason != "" {
			fmt.Printf("⚠️  Storage kept: %s\n", t.StorageSkippedReason)
		}
		for _, e := range t.Errors {
			fmt.Printf("⚠️  Teardown step %s failed: %v\n", e.Step, e.Err)
		}
	}

	if s.RecordRemoved {
		fmt.Println("🗑️  Session record removed")
	} else {
		fmt.Printf("Record:    %s\n", s.RecordPath)
	}
}
