package transfer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CLI copies with the provider's command-line tool, which parallelizes and
// checksums on its own.
type CLI struct {
	scheme string
	// lookPath and command are swapped in tests.
	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewCLI returns the command-line mechanism for a store scheme ("gs", "s3").
func NewCLI(scheme string) *CLI {
	return &CLI{scheme: scheme, lookPath: exec.LookPath, command: exec.CommandContext}
}

func (c *CLI) Name() string { return "cli" }

// Args returns the binary and arguments syncing d.
func (c *CLI) Args(d Descriptor) (string, []string, error) {
	src := fmt.Sprintf("%s://%s/%s", c.scheme, d.Bucket, d.Prefix)
	switch c.scheme {
	case "gs":
		return "gcloud", []string{"storage", "rsync", "--recursive", src, d.LocalDir}, nil
	case "s3":
		return "aws", []string{"s3", "sync", "--only-show-errors", src, d.LocalDir}, nil
	default:
		return "", nil, fmt.Errorf("no command-line tool for scheme %q", c.scheme)
	}
}

func (c *CLI) Available() error {
	bin, _, err := c.Args(Descriptor{})
	if err != nil {
		return err
	}
	if _, err := c.lookPath(bin); err != nil {
		return fmt.Errorf("%s not found on PATH", bin)
	}
	return nil
}

func (c *CLI) Sync(ctx context.Context, d Descriptor) error {
	bin, args, err := c.Args(d)
	if err != nil {
		return err
	}

	slog.Info("transfer_cli_exec", "command", bin+" "+strings.Join(args, " "))
	cmd := c.command(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", bin, err, strings.TrimSpace(tail(out.String(), 2048)))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
