package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lmeireles/snapex/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// KeyPair is a per-session SSH identity.
type KeyPair struct {
	Signer ssh.Signer
	// AuthorizedKey is the public key in authorized_keys format.
	AuthorizedKey string
}

// GenerateKey creates an ephemeral ed25519 key pair.
func GenerateKey() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ssh key")
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ssh signer")
	}
	return &KeyPair{
		Signer:        signer,
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
	}, nil
}

// SSHExecutor is an Executor over golang.org/x/crypto/ssh.
type SSHExecutor struct {
	user        string
	signer      ssh.Signer
	dialTimeout time.Duration

	mu      sync.Mutex
	client  *ssh.Client
	hostKey ssh.PublicKey
}

// NewSSHExecutor returns an executor authenticating as user with signer.
func NewSSHExecutor(user string, signer ssh.Signer) *SSHExecutor {
	return &SSHExecutor{user: user, signer: signer, dialTimeout: 15 * time.Second}
}

func (e *SSHExecutor) Connect(ctx context.Context, addr string) error {
	cfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: e.checkHostKey,
		Timeout:         e.dialTimeout,
	}

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return err
	}

	e.mu.Lock()
	if e.client != nil {
		e.client.Close()
	}
	e.client = ssh.NewClient(c, chans, reqs)
	e.mu.Unlock()

	slog.Info("ssh_connected", "addr", addr, "user", e.user)
	return nil
}

// checkHostKey trusts the first key the instance presents and rejects any
// other key on later connections of the same session.
func (e *SSHExecutor) checkHostKey(hostname string, _ net.Addr, key ssh.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostKey == nil {
		e.hostKey = key
		slog.Info("ssh_host_key_pinned", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}
	if !bytes.Equal(e.hostKey.Marshal(), key.Marshal()) {
		slog.Error("ssh_host_key_mismatch", "host", hostname, "want", ssh.FingerprintSHA256(e.hostKey), "got", ssh.FingerprintSHA256(key))
		return fmt.Errorf("host key for %s changed: got %s", hostname, ssh.FingerprintSHA256(key))
	}
	return nil
}

func (e *SSHExecutor) session() (*ssh.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, fmt.Errorf("ssh executor is not connected")
	}
	return e.client.NewSession()
}

func (e *SSHExecutor) Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error {
	sess, err := e.session()
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(content)
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", quote(path), mode.Perm(), quote(path))
	var stderr bytes.Buffer
	sess.Stderr = &stderr
	if err := sess.Run(cmd); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to upload %s: %s", path, strings.TrimSpace(stderr.String())))
	}
	slog.Info("ssh_upload_complete", "path", path, "bytes", len(content))
	return nil
}

func (e *SSHExecutor) ExecuteWithTimeout(ctx context.Context, cmd string, env map[string]string, timeout time.Duration, stdout, stderr io.Writer) (int, error) {
	sess, err := e.session()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(withEnv(cmd, env)); err != nil {
		return -1, errors.Wrap(err, "failed to start remote command")
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-timer.C:
		slog.Warn("ssh_command_timeout", "timeout", timeout)
		_ = sess.Signal(ssh.SIGKILL)
		return -1, ErrTimeout
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return -1, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// withEnv prefixes cmd with env assignments. sshd usually refuses
// SendRequest("env"), so the variables travel on the command line.
func withEnv(cmd string, env map[string]string) string {
	if len(env) == 0 {
		return cmd
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("env")
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(quote(env[k]))
	}
	b.WriteString(" ")
	b.WriteString(cmd)
	return b.String()
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
