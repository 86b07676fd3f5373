// Package remote runs the extraction payload on the session instance and
// interprets its outcome from the completion marker.
package remote

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/lmeireles/snapex/pkg/errors"
)

// ErrTimeout is returned by ExecuteWithTimeout when the wall clock expires.
var ErrTimeout = errors.New("remote execution timed out")

// Executor is a remote-execution transport.
type Executor interface {
	// Connect opens a session to addr (host:port). It may be called again
	// after a failure.
	Connect(ctx context.Context, addr string) error

	// Upload writes content to path on the remote host with mode.
	Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error

	// ExecuteWithTimeout runs cmd with env and returns its exit status. When
	// timeout elapses first the command is killed and ErrTimeout returned.
	ExecuteWithTimeout(ctx context.Context, cmd string, env map[string]string, timeout time.Duration, stdout, stderr io.Writer) (int, error)

	Close() error
}
