// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Executor is a scripted remote.Executor.
type Executor struct {
	mu sync.Mutex

	// UnreachableFor makes the first N Connect calls fail.
	UnreachableFor int
	// Exit and Err are returned by ExecuteWithTimeout.
	Exit int
	Err  error
	// OnExecute runs before ExecuteWithTimeout returns, typically to
	// simulate the payload writing objects into a store.
	OnExecute func(env map[string]string)
	// Output is written to stdout during execution.
	Output string

	Connects int
	Uploads  map[string][]byte
	Commands []string
	Env      map[string]string
	Closed   bool
}

// New returns an Executor that connects immediately and exits 0.
func New() *Executor {
	return &Executor{Uploads: map[string][]byte{}}
}

func (e *Executor) Connect(ctx context.Context, addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Connects++
	if e.Connects <= e.UnreachableFor {
		return fmt.Errorf("dial tcp %s: connection refused", addr)
	}
	e.Closed = false
	return nil
}

func (e *Executor) Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Connects <= e.UnreachableFor {
		return errors.New("not connected")
	}
	e.Uploads[path] = content
	return nil
}

func (e *Executor) ExecuteWithTimeout(ctx context.Context, cmd string, env map[string]string, timeout time.Duration, stdout, stderr io.Writer) (int, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, cmd)
	e.Env = env
	hook := e.OnExecute
	exit, err, out := e.Exit, e.Err, e.Output
	e.mu.Unlock()

	if out != "" {
		io.WriteString(stdout, out)
	}
	if hook != nil {
		hook(env)
	}
	return exit, err
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	return nil
}
