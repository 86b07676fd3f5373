package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/retry"
	"github.com/lmeireles/snapex/pkg/session"
)

// Outcome is the result of remote work.
type Outcome int

const (
	// CompletedOk means the marker is present and the payload exited cleanly.
	CompletedOk Outcome = iota + 1
	// CompletedPartial means some artifacts exist but the payload failed or
	// never wrote the marker.
	CompletedPartial
	// TimedOut means the wall-clock limit expired.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case CompletedOk:
		return "completed_ok"
	case CompletedPartial:
		return "completed_partial"
	case TimedOut:
		return "timed_out"
	default:
		return "none"
	}
}

// Options configure a Dispatcher.
type Options struct {
	Payload []byte
	SSHPort int
	// Reach bounds the reachability polling.
	Reach   retry.Policy
	Timeout time.Duration
}

// Dispatcher waits for the instance, runs the payload and interprets the
// result.
type Dispatcher struct {
	compute cloud.Compute
	store   cloud.ObjectStore
	exec    Executor
	opts    Options
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(compute cloud.Compute, store cloud.ObjectStore, exec Executor, opts Options) *Dispatcher {
	if len(opts.Payload) == 0 {
		opts.Payload = DefaultPayload
	}
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}
	return &Dispatcher{compute: compute, store: store, exec: exec, opts: opts}
}

// WaitReachable polls the instance address and connects, bounded by the
// reach policy.
func (d *Dispatcher) WaitReachable(ctx context.Context, rec *session.Record) error {
	attempts, err := retry.Do(ctx, d.opts.Reach, func(ctx context.Context, attempt int) error {
		host, err := d.compute.InstanceAddress(ctx, rec.Zone, rec.Instance)
		if err != nil {
			slog.Debug("remote_address_pending", "instance", rec.Instance, "attempt", attempt, "error", err)
			return err
		}
		addr := net.JoinHostPort(host, strconv.Itoa(d.opts.SSHPort))
		if err := d.exec.Connect(ctx, addr); err != nil {
			slog.Debug("remote_connect_pending", "addr", addr, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("remote_unreachable", "instance", rec.Instance, "attempts", attempts, "error", err)
		return errors.UnreachableError(rec.Instance, attempts, err)
	}
	slog.Info("remote_reachable", "instance", rec.Instance, "attempts", attempts)
	return nil
}

// Env returns the payload parameters for rec.
func (d *Dispatcher) Env(rec *session.Record) map[string]string {
	return map[string]string{
		"SNAPEX_BUCKET": rec.Bucket,
		"SNAPEX_PREFIX": rec.Prefix,
		"SNAPEX_DEVICE": rec.DevicePath,
		"SNAPEX_SCHEME": d.store.Scheme(),
	}
}

// Run executes the payload and records the outcome. A payload that fails
// without producing any artifact, or times out, is a RemoteExecutionError;
// a partial result is returned without error so the caller can still
// download what exists.
func (d *Dispatcher) Run(ctx context.Context, recorder *session.Recorder) (Outcome, error) {
	rec := recorder.Record()

	if err := d.WaitReachable(ctx, rec); err != nil {
		return 0, err
	}
	defer d.exec.Close()

	if err := d.exec.Upload(ctx, d.opts.Payload, PayloadPath, 0o755); err != nil {
		return 0, errors.RemoteExecutionError("failed to upload payload", err)
	}

	env := d.Env(rec)
	cmd := fmt.Sprintf("sudo --preserve-env=%s bash %s", strings.Join(slices.Sorted(maps.Keys(env)), ","), PayloadPath)

	slog.Info("remote_execute_start", "instance", rec.Instance, "timeout", d.opts.Timeout, "device", rec.DevicePath)
	stdout := newLineLogger("stdout")
	stderr := newLineLogger("stderr")
	start := time.Now()
	exit, execErr := d.exec.ExecuteWithTimeout(ctx, cmd, env, d.opts.Timeout, stdout, stderr)
	stdout.Flush()
	stderr.Flush()
	slog.Info("remote_execute_done", "exit", exit, "duration", time.Since(start).Round(time.Second), "error", execErr)

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	timedOut := errors.Is(execErr, ErrTimeout)
	marker, artifacts, err := d.inspect(ctx, rec)
	if err != nil {
		return 0, errors.RemoteExecutionError("failed to inspect remote artifacts", err)
	}

	outcome, err := Interpret(marker, artifacts, exit, execErr)
	if outcome != 0 {
		if rerr := recordOutcome(recorder, outcome); rerr != nil {
			return outcome, rerr
		}
	}
	slog.Info("remote_outcome", "outcome", outcome, "marker", marker, "artifacts", artifacts, "timed_out", timedOut)
	return outcome, err
}

// Interpret maps the remote observations onto an Outcome.
func Interpret(marker bool, artifacts, exit int, execErr error) (Outcome, error) {
	switch {
	case errors.Is(execErr, ErrTimeout):
		return TimedOut, errors.RemoteExecutionError("remote work exceeded its time limit", execErr)
	case marker && exit == 0 && execErr == nil:
		return CompletedOk, nil
	case artifacts > 0:
		return CompletedPartial, nil
	case execErr != nil:
		return 0, errors.RemoteExecutionError("remote execution failed", execErr)
	default:
		return 0, errors.RemoteExecutionError(fmt.Sprintf("payload exited %d without producing artifacts", exit), nil)
	}
}

// inspect checks for the marker and counts the other objects under the prefix.
func (d *Dispatcher) inspect(ctx context.Context, rec *session.Record) (bool, int, error) {
	objects, err := d.store.List(ctx, rec.Bucket, rec.Prefix+"/")
	if err != nil {
		return false, 0, err
	}
	marker := false
	artifacts := 0
	for _, o := range objects {
		if o.Key == rec.MarkerKey() {
			marker = true
			continue
		}
		artifacts++
	}
	return marker, artifacts, nil
}

func recordOutcome(recorder *session.Recorder, outcome Outcome) error {
	if err := recorder.Set(session.KeyOutcome, outcome.String()); err != nil {
		return err
	}
	switch outcome {
	case CompletedOk:
		return recorder.SetStatus(session.StatusRemoteCompleted)
	case CompletedPartial:
		return recorder.SetStatus(session.StatusRemotePartial)
	default:
		return recorder.SetStatus(session.StatusRemoteTimedOut)
	}
}

// lineLogger logs everything written to it one line at a time.
type lineLogger struct {
	stream string
	pw     *io.PipeWriter
	done   chan struct{}
}

func newLineLogger(stream string) *lineLogger {
	pr, pw := io.Pipe()
	l := &lineLogger{stream: stream, pw: pw, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			slog.Info("remote_output", "stream", stream, "line", scanner.Text())
		}
		io.Copy(io.Discard, pr)
	}()
	return l
}

func (l *lineLogger) Write(p []byte) (int, error) { return l.pw.Write(p) }

// Flush closes the logger and waits for the last line to be logged.
func (l *lineLogger) Flush() {
	l.pw.Close()
	<-l.done
}
