package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/naming"
	"github.com/oklog/ulid/v2"
)

var regionPattern = regexp.MustCompile(`^[a-z]+(-[a-z0-9]+)+$`)

// PlanInput is everything the planner needs to describe a session.
type PlanInput struct {
	Provider   string
	Project    string
	Snapshot   string
	Region     string
	Alias      string
	DiskType   string
	StateDir   string
	OutputRoot string
	// OutputDir overrides the derived <OutputRoot>/<base>-<suffix>.
	OutputDir  string
	KeepRemote bool
	SkipLocal  bool
}

// Plan validates the input, derives every resource name, creates the local
// destination directory and writes the initial record. No cloud call is made.
func Plan(in PlanInput) (*Recorder, error) {
	if strings.TrimSpace(in.Snapshot) == "" {
		return nil, errors.ConfigurationError("snapshot identifier is required")
	}
	if strings.TrimSpace(in.Region) == "" {
		return nil, errors.ConfigurationError("region is required")
	}
	if !regionPattern.MatchString(in.Region) {
		return nil, errors.ConfigurationError("invalid region %q", in.Region)
	}
	if in.StateDir == "" {
		return nil, errors.ConfigurationError("state directory is required")
	}
	if in.Alias != "" && naming.Sanitize(in.Alias, naming.MaxResourceLen) == "" {
		return nil, errors.ConfigurationError("alias %q has no usable characters", in.Alias)
	}

	id := strings.ToLower(ulid.Make().String())
	suffix := id[len(id)-6:]
	names := naming.ResourceNames(in.Snapshot, in.Alias, suffix)

	outputDir := in.OutputDir
	if outputDir == "" {
		root := in.OutputRoot
		if root == "" {
			root = "."
		}
		outputDir = filepath.Join(root, names.Prefix)
	}
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve output directory")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}

	rec := &Record{
		ID:         id,
		Provider:   in.Provider,
		Project:    in.Project,
		Region:     in.Region,
		Snapshot:   in.Snapshot,
		Suffix:     suffix,
		Alias:      in.Alias,
		Bucket:     names.Bucket,
		Disk:       names.Disk,
		Instance:   names.Instance,
		DeviceName: names.DeviceName,
		DiskType:   in.DiskType,
		Prefix:     names.Prefix,
		OutputDir:  outputDir,
		KeepRemote: in.KeepRemote,
		SkipLocal:  in.SkipLocal,
		CreatedAt:  time.Now().UTC(),
	}

	path := RecordPath(in.StateDir, id)
	recorder, err := Create(path, rec)
	if err != nil {
		return nil, err
	}

	if in.Alias != "" {
		if err := LinkAlias(in.StateDir, in.Alias, path); err != nil {
			slog.Warn("session_alias_link_failed", "alias", in.Alias, "error", err)
		}
		if in.OutputDir == "" {
			if err := LinkOutput(filepath.Dir(outputDir), in.Alias, outputDir); err != nil {
				slog.Warn("session_output_link_failed", "alias", in.Alias, "error", err)
			}
		}
	}

	slog.Info("session_planned",
		"session_id", id,
		"snapshot", in.Snapshot,
		"region", in.Region,
		"bucket", names.Bucket,
		"disk", names.Disk,
		"instance", names.Instance,
		"output_dir", outputDir,
	)
	return recorder, nil
}
