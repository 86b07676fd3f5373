// Package export drives one session end to end: provisioning and remote work,
// compute release, local transfer and the conditional release of remote
// storage. It is the single place where failures are turned into a recorded
// failed step and a returned error.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lmeireles/snapex/pkg/archive"
	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/db"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/provision"
	"github.com/lmeireles/snapex/pkg/remote"
	"github.com/lmeireles/snapex/pkg/security"
	"github.com/lmeireles/snapex/pkg/session"
	"github.com/lmeireles/snapex/pkg/teardown"
	"github.com/lmeireles/snapex/pkg/transfer"
)

// Workflow provisions the session and runs the remote work.
type Workflow func(ctx context.Context, p *provision.Provisioner, d *remote.Dispatcher, recorder *session.Recorder) (remote.Outcome, error)

// Sequential runs the provisioning steps and the dispatcher in-process.
func Sequential(ctx context.Context, p *provision.Provisioner, d *remote.Dispatcher, recorder *session.Recorder) (remote.Outcome, error) {
	if _, err := p.Run(ctx); err != nil {
		return 0, err
	}
	outcome, err := d.Run(ctx, recorder)
	if err != nil {
		return outcome, &provision.StepError{Step: "dispatch", Err: err}
	}
	return outcome, nil
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Compute  cloud.Compute
	Store    cloud.ObjectStore
	Executor remote.Executor
	Transfer *transfer.Synchronizer
	// Index is optional.
	Index *db.Repository
}

// Options configure a Runner.
type Options struct {
	Provision provision.Options
	Dispatch  remote.Options
	// Workflow defaults to Sequential.
	Workflow Workflow
	StateDir string
	Limits   security.Limits
	Unpack   bool
	// KeepRecord keeps the record file after a fully released session.
	KeepRecord bool
}

// Summary describes what a run did.
type Summary struct {
	SessionID     string
	RecordPath    string
	OutputDir     string
	Outcome       remote.Outcome
	Transfer      transfer.Result
	Teardown      *teardown.Report
	Unpacked      []string
	RecordRemoved bool
}

// Runner executes sessions.
type Runner struct {
	deps     Deps
	opts     Options
	teardown *teardown.Coordinator
}

// NewRunner returns a Runner.
func NewRunner(deps Deps, opts Options) *Runner {
	if opts.Workflow == nil {
		opts.Workflow = Sequential
	}
	return &Runner{deps: deps, opts: opts, teardown: teardown.New(deps.Compute, deps.Store)}
}

func newSummary(rec *session.Record) *Summary {
	return &Summary{
		SessionID:  rec.ID,
		RecordPath: rec.Path,
		OutputDir:  rec.OutputDir,
		Teardown:   &teardown.Report{},
	}
}

// Export runs a planned session.
func (r *Runner) Export(ctx context.Context, recorder *session.Recorder) (*Summary, error) {
	rec := recorder.Record()
	summary := newSummary(rec)
	r.indexCreate(rec)

	slog.Info("export_start", "session_id", rec.ID, "snapshot", rec.Snapshot, "region", rec.Region, "record", rec.Path)

	p := provision.New(r.deps.Compute, r.deps.Store, recorder, r.opts.Provision)
	d := remote.NewDispatcher(r.deps.Compute, r.deps.Store, r.deps.Executor, r.opts.Dispatch)
	outcome, err := r.opts.Workflow(ctx, p, d, recorder)
	summary.Outcome = outcome
	if err == nil && ctx.Err() != nil {
		err = &provision.StepError{Step: "dispatch", Err: ctx.Err()}
	}

	if err != nil {
		return summary, r.fail(ctx, recorder, summary, err)
	}

	// Compute is released as soon as remote work is over, whatever happens next.
	r.releaseCompute(ctx, recorder, summary)

	if rec.SkipLocal {
		slog.Info("export_transfer_skipped", "session_id", rec.ID, "reason", "skip-local")
		r.releaseStorage(ctx, recorder, summary, teardown.Options{})
		r.finish(recorder, summary)
		return summary, r.outcomeErr(recorder, outcome)
	}

	result, terr := r.transfer(ctx, recorder, summary)
	r.releaseStorage(ctx, recorder, summary, teardown.Options{TransferOK: terr == nil && result == transfer.Completed})
	r.finish(recorder, summary)

	if terr != nil {
		return summary, wrapStep("transfer", rec.Path, terr)
	}
	return summary, r.outcomeErr(recorder, outcome)
}

// Download transfers a session whose remote work finished earlier. With
// deleteRemote, storage is released once the copy is verified.
func (r *Runner) Download(ctx context.Context, recorder *session.Recorder, deleteRemote bool) (*Summary, error) {
	rec := recorder.Record()
	summary := newSummary(rec)

	result, err := r.transfer(ctx, recorder, summary)
	if err != nil {
		r.indexStatus(recorder.Record())
		return summary, wrapStep("transfer", rec.Path, err)
	}

	if deleteRemote {
		if result == transfer.Completed {
			r.releaseStorage(ctx, recorder, summary, teardown.Options{Force: true})
		} else {
			slog.Warn("download_storage_kept", "session_id", rec.ID, "reason", "completion marker missing")
			summary.Teardown.StorageSkippedReason = "download completed without the completion marker"
		}
	}
	r.finish(recorder, summary)
	return summary, nil
}

// Teardown releases a session's resources from its record alone.
func (r *Runner) Teardown(ctx context.Context, recorder *session.Recorder, compute bool, opts teardown.Options) *Summary {
	summary := newSummary(recorder.Record())
	if compute {
		r.releaseCompute(ctx, recorder, summary)
	}
	r.releaseStorage(ctx, recorder, summary, opts)
	r.finish(recorder, summary)
	return summary
}

// fail is the single failure path: record the failed step, release compute
// and keep storage.
func (r *Runner) fail(ctx context.Context, recorder *session.Recorder, summary *Summary, err error) error {
	step := "workflow"
	var se *provision.StepError
	if errors.As(err, &se) {
		step = se.Step
		err = se.Err
	}

	slog.Error("export_failed", "session_id", summary.SessionID, "step", step, "error", err)
	if rerr := recorder.Fail(step, err); rerr != nil {
		slog.Error("export_record_failure_failed", "error", rerr)
	}

	r.releaseCompute(ctx, recorder, summary)
	r.releaseStorage(ctx, recorder, summary, teardown.Options{})
	r.indexStatus(recorder.Record())
	return wrapStep(step, summary.RecordPath, err)
}

func (r *Runner) releaseCompute(ctx context.Context, recorder *session.Recorder, summary *Summary) {
	// Teardown must run even after an interrupt.
	report := r.teardown.Compute(context.WithoutCancel(ctx), recorder.Record())
	teardown.Record(recorder, report)
	merge(summary.Teardown, report)
}

func (r *Runner) releaseStorage(ctx context.Context, recorder *session.Recorder, summary *Summary, opts teardown.Options) {
	report := r.teardown.Storage(context.WithoutCancel(ctx), recorder.Record(), opts)
	teardown.Record(recorder, report)
	merge(summary.Teardown, report)
	if report.StorageSkippedReason != "" {
		rec := recorder.Record()
		slog.Warn("export_storage_kept", "session_id", rec.ID, "bucket", rec.Bucket, "reason", report.StorageSkippedReason)
	}
}

func (r *Runner) transfer(ctx context.Context, recorder *session.Recorder, summary *Summary) (transfer.Result, error) {
	d, err := transfer.DescriptorFor(recorder.Record())
	if err != nil {
		return 0, err
	}

	result, err := r.deps.Transfer.Sync(ctx, d)
	if rerr := transfer.Record(recorder, result, err); rerr != nil {
		slog.Warn("export_record_transfer_failed", "error", rerr)
	}
	if err != nil {
		return 0, err
	}
	summary.Transfer = result

	if r.opts.Unpack {
		dirs, err := archive.ExtractAll(d.LocalDir, security.NewValidator(r.opts.Limits))
		summary.Unpacked = dirs
		if err != nil {
			// The archives are on disk; unpacking can be repeated by hand.
			slog.Warn("export_unpack_failed", "dir", d.LocalDir, "error", err)
		}
	}
	return result, nil
}

// outcomeErr turns partial remote work into an error once everything that
// could be saved has been.
func (r *Runner) outcomeErr(recorder *session.Recorder, outcome remote.Outcome) error {
	if outcome != remote.CompletedPartial {
		return nil
	}
	rec := recorder.Record()
	return wrapStep("dispatch", rec.Path,
		errors.RemoteExecutionError(fmt.Sprintf("remote work was partial, artifacts kept in %s/%s", rec.Bucket, rec.Prefix), nil))
}

// finish removes the record of a fully released session, or mirrors its
// status into the index.
func (r *Runner) finish(recorder *session.Recorder, summary *Summary) {
	rec := recorder.Record()
	released := rec.Reached(session.StatusStorageReleased) && !rec.Failed()
	if !released || r.opts.KeepRecord || r.opts.StateDir == "" {
		r.indexStatus(rec)
		return
	}

	recorder.Close()
	if err := session.Remove(r.opts.StateDir, rec); err != nil {
		slog.Warn("export_record_remove_failed", "path", rec.Path, "error", err)
		r.indexStatus(rec)
		return
	}
	summary.RecordRemoved = true
	if r.deps.Index != nil {
		if err := r.deps.Index.Delete(rec.ID); err != nil {
			slog.Warn("export_index_delete_failed", "session_id", rec.ID, "error", err)
		}
	}
	slog.Info("export_record_removed", "session_id", rec.ID)
}

func (r *Runner) indexCreate(rec *session.Record) {
	if r.deps.Index == nil {
		return
	}
	existing, err := r.deps.Index.Get(rec.ID)
	if err == nil && existing != nil {
		return
	}
	err = r.deps.Index.Create(&db.Session{
		ID:         rec.ID,
		Alias:      rec.Alias,
		Snapshot:   rec.Snapshot,
		Provider:   rec.Provider,
		Region:     rec.Region,
		RecordPath: rec.Path,
		OutputDir:  rec.OutputDir,
		Status:     string(rec.Status),
		CreatedAt:  rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		slog.Warn("export_index_create_failed", "session_id", rec.ID, "error", err)
	}
}

func (r *Runner) indexStatus(rec *session.Record) {
	if r.deps.Index == nil {
		return
	}
	if err := r.deps.Index.UpdateStatus(rec.ID, string(rec.Status), rec.Error); err != nil {
		slog.Debug("export_index_update_failed", "session_id", rec.ID, "error", err)
	}
}

func merge(dst, src *teardown.Report) {
	dst.ComputeReleased = dst.ComputeReleased || src.ComputeReleased
	dst.StorageReleased = dst.StorageReleased || src.StorageReleased
	if src.StorageSkippedReason != "" {
		dst.StorageSkippedReason = src.StorageSkippedReason
	}
	dst.ObjectsDeleted += src.ObjectsDeleted
	dst.Errors = append(dst.Errors, src.Errors...)
}

func wrapStep(step, recordPath string, err error) error {
	return errors.Wrap(err, fmt.Sprintf("step %s failed (session record %s)", step, recordPath))
}
