// Package teardown deletes the resources named by a session record. Every
// delete treats "not found" as success, so any teardown can be re-run.
package teardown

import (
	"context"
	"log/slog"

	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/session"
)

// Options control storage deletion.
type Options struct {
	// Force deletes storage regardless of the record's flags and history.
	Force bool
	// TransferOK reports that the local copy was verified in this process.
	TransferOK bool
}

// StepError is a non-fatal failure of one delete call.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Report describes what a teardown did.
type Report struct {
	ComputeReleased      bool
	StorageReleased      bool
	StorageSkippedReason string
	ObjectsDeleted       int
	Errors               []*StepError
}

// OK reports whether every attempted step succeeded.
func (r *Report) OK() bool { return len(r.Errors) == 0 }

// Coordinator performs teardown. It reads the record and never needs any
// other state.
type Coordinator struct {
	compute cloud.Compute
	store   cloud.ObjectStore
}

// New returns a Coordinator.
func New(compute cloud.Compute, store cloud.ObjectStore) *Coordinator {
	return &Coordinator{compute: compute, store: store}
}

func (c *Coordinator) step(report *Report, name string, fn func() error) bool {
	err := cloud.IgnoreNotFound(fn())
	if err == nil {
		slog.Info("teardown_step_done", "step", name)
		return true
	}
	slog.Error("teardown_step_failed", "step", name, "error", err)
	report.Errors = append(report.Errors, &StepError{Step: name, Err: err})
	return false
}

// Compute detaches the device, then deletes the instance and the device.
// Failures are logged and collected; later steps still run.
func (c *Coordinator) Compute(ctx context.Context, rec *session.Record) *Report {
	report := &Report{}
	c.releaseCompute(ctx, rec, report)
	return report
}

func (c *Coordinator) releaseCompute(ctx context.Context, rec *session.Record, report *Report) {
	if rec.Zone == "" {
		// No zone was ever selected, so no disk or instance was requested.
		slog.Info("teardown_compute_nothing", "session_id", rec.ID)
		report.ComputeReleased = true
		return
	}

	slog.Info("teardown_compute_start", "session_id", rec.ID, "instance", rec.Instance, "disk", rec.Disk, "zone", rec.Zone)
	ok := c.step(report, "detach", func() error {
		return c.compute.DetachDevice(ctx, rec.Zone, rec.Instance, rec.Disk, rec.DeviceName)
	})
	ok = c.step(report, "delete_instance", func() error {
		return c.compute.DeleteInstance(ctx, rec.Zone, rec.Instance)
	}) && ok
	ok = c.step(report, "delete_device", func() error {
		return c.compute.DeleteDevice(ctx, rec.Zone, rec.Disk)
	}) && ok

	report.ComputeReleased = ok
}

// SkipReason returns why storage must be kept, or "" when it may be deleted.
func SkipReason(rec *session.Record, opts Options) string {
	switch {
	case opts.Force:
		return ""
	case rec.KeepRemote:
		return "keep-remote requested"
	case rec.SkipLocal:
		return "local download skipped"
	case rec.Failed():
		return "a prior step failed: " + rec.FailedStep
	case rec.Reached(session.StatusRemoteTimedOut):
		return "remote work timed out"
	case rec.Reached(session.StatusRemotePartial):
		return "remote work was partial"
	}
	switch last := lastTransfer(rec); {
	case last == session.StatusDownloadFailed:
		return "download failed"
	case last == session.StatusDownloadedWithWarning:
		return "download completed without the completion marker"
	case !opts.TransferOK && last != session.StatusDownloaded:
		return "download not verified"
	}
	return ""
}

// lastTransfer returns the most recent download outcome in the history, or
// "" when no download has finished.
func lastTransfer(rec *session.Record) session.Status {
	for i := len(rec.History) - 1; i >= 0; i-- {
		switch s := rec.History[i]; s {
		case session.StatusDownloaded, session.StatusDownloadedWithWarning, session.StatusDownloadFailed:
			return s
		}
	}
	return ""
}

// Storage deletes the objects under the prefix and then the bucket, unless
// SkipReason says otherwise.
func (c *Coordinator) Storage(ctx context.Context, rec *session.Record, opts Options) *Report {
	report := &Report{}
	c.releaseStorage(ctx, rec, opts, report)
	return report
}

func (c *Coordinator) releaseStorage(ctx context.Context, rec *session.Record, opts Options, report *Report) {
	if reason := SkipReason(rec, opts); reason != "" {
		slog.Info("teardown_storage_skipped", "session_id", rec.ID, "bucket", rec.Bucket, "reason", reason)
		report.StorageSkippedReason = reason
		return
	}

	slog.Info("teardown_storage_start", "session_id", rec.ID, "bucket", rec.Bucket, "prefix", rec.Prefix, "force", opts.Force)
	objectsOK := c.step(report, "delete_objects", func() error {
		n, err := c.store.DeletePrefix(ctx, rec.Bucket, rec.Prefix+"/")
		report.ObjectsDeleted += n
		return err
	})
	if !objectsOK {
		// The bucket cannot be deleted while objects remain.
		return
	}
	report.StorageReleased = c.step(report, "delete_bucket", func() error {
		return c.store.DeleteBucket(ctx, rec.Bucket)
	})
}

// All runs Compute and then Storage. Compute always completes before the
// storage decision is made.
func (c *Coordinator) All(ctx context.Context, rec *session.Record, opts Options) *Report {
	report := &Report{}
	c.releaseCompute(ctx, rec, report)
	c.releaseStorage(ctx, rec, opts, report)
	return report
}

// Record appends the released statuses to recorder. Teardown has already
// happened; a write failure only loses bookkeeping.
func Record(recorder *session.Recorder, report *Report) {
	if recorder == nil {
		return
	}
	if report.ComputeReleased {
		if err := recorder.SetStatus(session.StatusComputeReleased); err != nil {
			slog.Warn("teardown_record_failed", "error", errors.Wrap(err, "compute_released"))
		}
	}
	if report.StorageReleased {
		if err := recorder.SetStatus(session.StatusStorageReleased); err != nil {
			slog.Warn("teardown_record_failed", "error", errors.Wrap(err, "storage_released"))
		}
	}
}
