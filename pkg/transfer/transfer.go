// Package transfer copies a session's remote artifacts to the local output
// directory. Copies are incremental: re-running after an interruption only
// fetches what is missing and converges on the same local tree.
package transfer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/session"
)

// Result is the outcome of a successful copy.
type Result int

const (
	Completed Result = iota + 1
	// CompletedWithWarning means the copy succeeded but the completion
	// marker is absent locally, so the data may be incomplete.
	CompletedWithWarning
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case CompletedWithWarning:
		return "completed_with_warning"
	default:
		return "none"
	}
}

// Descriptor addresses one copy.
type Descriptor struct {
	Bucket    string
	Prefix    string
	LocalDir  string
	MarkerKey string
}

// MarkerPath returns where the marker lands locally.
func (d Descriptor) MarkerPath() string {
	return filepath.Join(d.LocalDir, filepath.FromSlash(d.MarkerKey[len(d.Prefix)+1:]))
}

// DescriptorFor builds the descriptor of rec. Only records whose remote work
// finished (cleanly or partially) can be transferred.
func DescriptorFor(rec *session.Record) (Descriptor, error) {
	if !rec.RemoteFinished() {
		return Descriptor{}, errors.ConfigurationError(
			"session %s has no completed remote work (status %s)", rec.ID, rec.Status)
	}
	if rec.Bucket == "" || rec.Prefix == "" || rec.OutputDir == "" {
		return Descriptor{}, errors.ConfigurationError("session %s record is missing transfer fields", rec.ID)
	}
	return Descriptor{
		Bucket:    rec.Bucket,
		Prefix:    rec.Prefix,
		LocalDir:  rec.OutputDir,
		MarkerKey: rec.MarkerKey(),
	}, nil
}

// Mechanism copies a descriptor's objects to its local directory.
type Mechanism interface {
	Name() string
	// Available returns an error when the mechanism cannot run here.
	Available() error
	Sync(ctx context.Context, d Descriptor) error
}

// Synchronizer tries its mechanisms in order until one succeeds.
type Synchronizer struct {
	mechanisms []Mechanism
}

// NewSynchronizer returns a Synchronizer; the first mechanism is primary.
func NewSynchronizer(mechanisms ...Mechanism) *Synchronizer {
	return &Synchronizer{mechanisms: mechanisms}
}

// Sync copies d and verifies the marker. A copy failure of every mechanism
// is TransferFailed.
func (s *Synchronizer) Sync(ctx context.Context, d Descriptor) (Result, error) {
	if err := os.MkdirAll(d.LocalDir, 0755); err != nil {
		return 0, errors.TransferFailed(errors.Wrap(err, "failed to create output directory"))
	}

	var lastErr error
	copied := false
	for i, m := range s.mechanisms {
		if err := m.Available(); err != nil {
			slog.Info("transfer_mechanism_unavailable", "mechanism", m.Name(), "reason", err)
			lastErr = err
			continue
		}

		slog.Info("transfer_start", "mechanism", m.Name(), "fallback", i > 0, "bucket", d.Bucket, "prefix", d.Prefix, "local_dir", d.LocalDir)
		if err := m.Sync(ctx, d); err != nil {
			slog.Warn("transfer_mechanism_failed", "mechanism", m.Name(), "error", err)
			lastErr = errors.Wrap(err, m.Name())
			if ctx.Err() != nil {
				break
			}
			continue
		}
		copied = true
		break
	}

	if !copied {
		if lastErr == nil {
			lastErr = errors.New("no transfer mechanism configured")
		}
		return 0, errors.TransferFailed(lastErr)
	}

	if _, err := os.Stat(d.MarkerPath()); err != nil {
		slog.Warn("transfer_marker_missing", "marker", d.MarkerPath())
		return CompletedWithWarning, nil
	}
	slog.Info("transfer_complete", "local_dir", d.LocalDir)
	return Completed, nil
}

// Record appends the transfer result to recorder.
func Record(recorder *session.Recorder, result Result, err error) error {
	switch {
	case err != nil:
		return recorder.SetStatus(session.StatusDownloadFailed)
	case result == CompletedWithWarning:
		return recorder.SetStatus(session.StatusDownloadedWithWarning)
	default:
		return recorder.SetStatus(session.StatusDownloaded)
	}
}
