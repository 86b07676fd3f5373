// Package errors provides error wrapping utilities for context-aware error messages
// and the error kinds that map to process exit codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is and As are re-exported so callers only need one errors import.
var (
	Is  = stderrors.Is
	As  = stderrors.As
	New = stderrors.New
)

// Kind classifies a fatal condition.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindNoZone
	KindUnreachable
	KindProvisioningExhausted
	KindRemoteExecution
	KindTransferFailed
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNoZone:
		return "no_available_zone"
	case KindUnreachable:
		return "unreachable"
	case KindProvisioningExhausted:
		return "provisioning_exhausted"
	case KindRemoteExecution:
		return "remote_execution"
	case KindTransferFailed:
		return "transfer_failed"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ConfigurationError reports missing or invalid input. No resources exist yet.
func ConfigurationError(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// NoZoneError reports that no zone in the region can host the session.
func NoZoneError(region string) error {
	return &Error{Kind: KindNoZone, Msg: fmt.Sprintf("no available zone in region %s", region)}
}

// UnreachableError reports an instance that never accepted a connection.
func UnreachableError(instance string, attempts int, err error) error {
	return &Error{
		Kind: KindUnreachable,
		Msg:  fmt.Sprintf("instance %s unreachable after %d attempts", instance, attempts),
		Err:  err,
	}
}

// ProvisioningExhausted reports that every instance profile was rejected for capacity.
func ProvisioningExhausted(profiles []string, err error) error {
	return &Error{
		Kind: KindProvisioningExhausted,
		Msg:  fmt.Sprintf("no capacity for any instance profile %v", profiles),
		Err:  err,
	}
}

// RemoteExecutionError reports a payload that failed without producing artifacts, or timed out.
func RemoteExecutionError(msg string, err error) error {
	return &Error{Kind: KindRemoteExecution, Msg: msg, Err: err}
}

// TransferFailed reports a copy step that did not complete. Remote storage is kept.
func TransferFailed(err error) error {
	return &Error{Kind: KindTransferFailed, Msg: "transfer failed", Err: err}
}

// KindOf returns the Kind of the first tagged error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfiguration:
		return 2
	case KindNoZone:
		return 3
	case KindUnreachable:
		return 4
	case KindProvisioningExhausted:
		return 5
	case KindRemoteExecution:
		return 6
	case KindTransferFailed:
		return 7
	default:
		return 1
	}
}
