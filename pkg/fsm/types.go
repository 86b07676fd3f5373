package fsm

// ExportRequest is the FSM input. Everything else lives in the session
// record the Machine owns.
type ExportRequest struct {
	SessionID  string
	RecordPath string
}

// ExportResponse is the FSM output (accumulated across transitions)
type ExportResponse struct {
	// From Device
	Zone string

	// From Instance
	Profile string

	// From Attach
	DevicePath string

	// From Dispatch
	Outcome string

	Stage string
}

// State names
const (
	StateContainer = "container"
	StateGrant     = "grant"
	StateDevice    = "device"
	StateInstance  = "instance"
	StateAttach    = "attach"
	StateDispatch  = "dispatch"
	StateDone      = "done"
)
