package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmeireles/snapex/pkg/provision"
	"github.com/lmeireles/snapex/pkg/remote"
	"github.com/lmeireles/snapex/pkg/session"
	"github.com/superfly/fsm"
)

type handler = func(context.Context, *fsm.Request[ExportRequest, ExportResponse]) (*fsm.Response[ExportResponse], error)

// Machine holds dependencies for FSM transitions
type Machine struct {
	recorder    *session.Recorder
	provisioner *provision.Provisioner
	dispatcher  *remote.Dispatcher
	maxRetries  int

	mu      sync.Mutex
	err     error
	outcome remote.Outcome

	// The library runs handlers detached from the caller's context. runCtx
	// is the caller's; once stopped is set no handler may start, and active
	// counts the handlers still running.
	runCtx  context.Context
	stopped bool
	active  sync.WaitGroup
}

// NewMachine creates a new FSM machine for the session behind recorder
func NewMachine(
	recorder *session.Recorder,
	provisioner *provision.Provisioner,
	dispatcher *remote.Dispatcher,
	maxRetries int,
) *Machine {
	return &Machine{
		recorder:    recorder,
		provisioner: provisioner,
		dispatcher:  dispatcher,
		maxRetries:  maxRetries,
	}
}

// Err returns the error the run failed with, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Outcome returns the remote outcome once dispatch has run.
func (m *Machine) Outcome() remote.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// begin admits a handler. The returned context is also cancelled with the
// caller's context; done must be called when the handler returns.
func (m *Machine) begin(ctx context.Context) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, nil, context.Canceled
	}
	if m.runCtx != nil && m.runCtx.Err() != nil {
		return nil, nil, m.runCtx.Err()
	}
	m.active.Add(1)

	hctx, cancel := context.WithCancel(ctx)
	unlink := func() bool { return false }
	if m.runCtx != nil {
		unlink = context.AfterFunc(m.runCtx, cancel)
	}
	return hctx, func() {
		unlink()
		cancel()
		m.active.Done()
	}, nil
}

// stop refuses further handlers and blocks until the running one returns.
func (m *Machine) stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.active.Wait()
}

// pending names the first step the record has not completed.
func (m *Machine) pending() string {
	stage := provision.StageOf(m.recorder.Record())
	for _, step := range m.provisioner.Steps() {
		if stage < step.Stage {
			return step.Name
		}
	}
	return StateDispatch
}

func (m *Machine) fail(err error) error {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	return fsm.Abort(err)
}

// Provision runs the provisioning step named state unless the record shows
// it already happened.
func (m *Machine) Provision(ctx context.Context, state string) error {
	for _, step := range m.provisioner.Steps() {
		if step.Name != state {
			continue
		}
		if provision.StageOf(m.recorder.Record()) >= step.Stage {
			slog.Info("fsm_state_skipped", "state", state, "session_id", m.recorder.Record().ID)
			return nil
		}
		if err := step.Run(ctx); err != nil {
			return &provision.StepError{Step: step.Name, Err: err}
		}
		return nil
	}
	return fmt.Errorf("unknown provisioning state %q", state)
}

// Dispatch runs the payload on the attached instance.
func (m *Machine) Dispatch(ctx context.Context) (remote.Outcome, error) {
	outcome, err := m.dispatcher.Run(ctx, m.recorder)
	m.mu.Lock()
	m.outcome = outcome
	m.mu.Unlock()
	if err != nil {
		return outcome, &provision.StepError{Step: StateDispatch, Err: err}
	}
	return outcome, nil
}

func (m *Machine) handleProvision(state string) handler {
	return func(ctx context.Context, req *fsm.Request[ExportRequest, ExportResponse]) (*fsm.Response[ExportResponse], error) {
		slog.Info("fsm_state_"+state, "session_id", req.Msg.SessionID)

		ctx, done, err := m.begin(ctx)
		if err != nil {
			slog.Warn("fsm_state_interrupted", "state", state, "session_id", req.Msg.SessionID)
			return nil, m.fail(&provision.StepError{Step: state, Err: err})
		}
		defer done()

		if err := m.checkRetries(ctx); err != nil {
			slog.Error("max_retries_exceeded", "session_id", req.Msg.SessionID, "max_retries", m.maxRetries)
			return nil, m.fail(&provision.StepError{Step: state, Err: err})
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &ExportResponse{}
		}

		if err := m.Provision(ctx, state); err != nil {
			slog.Error("fsm_state_failed", "state", state, "session_id", req.Msg.SessionID, "error", err)
			return nil, m.fail(err)
		}

		rec := m.recorder.Record()
		resp.Zone = rec.Zone
		resp.Profile = rec.Profile
		resp.DevicePath = rec.DevicePath
		resp.Stage = provision.StageOf(rec).String()
		return fsm.NewResponse(resp), nil
	}
}

func (m *Machine) handleDispatch(ctx context.Context, req *fsm.Request[ExportRequest, ExportResponse]) (*fsm.Response[ExportResponse], error) {
	slog.Info("fsm_state_dispatch", "session_id", req.Msg.SessionID)

	ctx, done, err := m.begin(ctx)
	if err != nil {
		slog.Warn("fsm_state_interrupted", "state", StateDispatch, "session_id", req.Msg.SessionID)
		return nil, m.fail(&provision.StepError{Step: StateDispatch, Err: err})
	}
	defer done()

	if err := m.checkRetries(ctx); err != nil {
		slog.Error("max_retries_exceeded", "session_id", req.Msg.SessionID, "max_retries", m.maxRetries)
		return nil, m.fail(&provision.StepError{Step: StateDispatch, Err: err})
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ExportResponse{}
	}

	outcome, err := m.Dispatch(ctx)
	resp.Outcome = outcome.String()
	if err != nil {
		slog.Error("fsm_state_failed", "state", StateDispatch, "session_id", req.Msg.SessionID, "outcome", outcome, "error", err)
		return nil, m.fail(err)
	}

	slog.Info("fsm_complete", "session_id", req.Msg.SessionID, "outcome", outcome)
	return fsm.NewResponse(resp), nil
}
