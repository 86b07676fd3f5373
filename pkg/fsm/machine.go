// Package fsm runs provisioning and remote work for one export session as a
// superfly/fsm workflow: container, grant, device, instance, attach, then
// dispatch.
package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/provision"
	"github.com/lmeireles/snapex/pkg/remote"
	"github.com/lmeireles/snapex/pkg/session"
	"github.com/superfly/fsm"
)

// Register registers the export FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ExportRequest, ExportResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ExportRequest, ExportResponse](manager, "snapshot-export").
		Start(StateContainer, m.handleProvision(StateContainer)).
		To(StateGrant, m.handleProvision(StateGrant)).
		To(StateDevice, m.handleProvision(StateDevice)).
		To(StateInstance, m.handleProvision(StateInstance)).
		To(StateAttach, m.handleProvision(StateAttach)).
		To(StateDispatch, m.handleDispatch).
		End(StateDone).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Workflow returns a function running one session through the FSM managed
// by manager. It opens no resources of its own.
func Workflow(manager *fsm.Manager, maxRetries int) func(context.Context, *provision.Provisioner, *remote.Dispatcher, *session.Recorder) (remote.Outcome, error) {
	return func(ctx context.Context, p *provision.Provisioner, d *remote.Dispatcher, recorder *session.Recorder) (remote.Outcome, error) {
		m := NewMachine(recorder, p, d, maxRetries)
		return m.Execute(ctx, manager)
	}
}

// Execute registers the machine, starts a run keyed by the session ID and
// waits for it. The error returned is the one a handler failed with, so its
// kind survives the trip through the FSM.
func (m *Machine) Execute(ctx context.Context, manager *fsm.Manager) (remote.Outcome, error) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	start, _, err := m.Register(ctx, manager)
	if err != nil {
		return 0, err
	}

	rec := m.recorder.Record()
	req := &ExportRequest{SessionID: rec.ID, RecordPath: rec.Path}
	resp := &ExportResponse{}

	version, err := start(ctx, rec.ID, fsm.NewRequest(req, resp))
	if err != nil {
		return 0, errors.Wrap(err, "FSM start failed")
	}

	waitErr := manager.Wait(ctx, version)
	if waitErr != nil && ctx.Err() != nil {
		// Wait gave up on the caller's behalf; the running state has not.
		slog.Warn("fsm_interrupted", "session_id", rec.ID, "error", ctx.Err())
		m.stop()
		if err := m.Err(); err != nil {
			return m.Outcome(), err
		}
		return m.Outcome(), &provision.StepError{Step: m.pending(), Err: ctx.Err()}
	}
	if err := m.Err(); err != nil {
		return m.Outcome(), err
	}
	if waitErr != nil {
		return m.Outcome(), errors.Wrap(waitErr, "FSM execution failed")
	}
	return m.Outcome(), nil
}

func (m *Machine) checkRetries(ctx context.Context) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
	}
	return nil
}
