package remote

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lmeireles/snapex/pkg/cloud/cloudtest"
	snapexerrors "github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/remote/remotetest"
	"github.com/lmeireles/snapex/pkg/retry"
	"github.com/lmeireles/snapex/pkg/session"
	"golang.org/x/crypto/ssh"
)

type fixture struct {
	compute  *cloudtest.Compute
	store    *cloudtest.Store
	exec     *remotetest.Executor
	recorder *session.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &session.Record{
		ID:         "01jtest0000000000000abc123",
		Region:     "us-central1",
		Zone:       "us-central1-a",
		Snapshot:   "my-data-snap",
		Bucket:     "snapex-my-data-snap-abc123",
		Disk:       "snapex-disk-my-data-snap-abc123",
		Instance:   "snapex-vm-my-data-snap-abc123",
		DeviceName: "snapex-src",
		DevicePath: "/dev/disk/by-id/google-snapex-src",
		Prefix:     "my-data-snap-abc123",
		CreatedAt:  time.Now(),
	}
	r, err := session.Create(filepath.Join(t.TempDir(), "s.jsonl"), rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })

	f := &fixture{
		compute:  cloudtest.NewCompute(),
		store:    cloudtest.NewStore(),
		exec:     remotetest.New(),
		recorder: r,
	}
	f.compute.Instances[rec.Instance] = "e2-standard-4"
	f.store.Buckets[rec.Bucket] = map[string][]byte{}
	return f
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(f.compute, f.store, f.exec, Options{
		Reach:   retry.Fixed(time.Millisecond, 5),
		Timeout: time.Minute,
	})
}

func (f *fixture) payloadWrites(keys ...string) {
	f.exec.OnExecute = func(env map[string]string) {
		for _, k := range keys {
			f.store.Put(env["SNAPEX_BUCKET"], env["SNAPEX_PREFIX"]+"/"+k, []byte(k))
		}
	}
}

func TestRun_CompletedOk(t *testing.T) {
	f := newFixture(t)
	f.exec.UnreachableFor = 2
	f.payloadWrites("sda1.tar.zst", "sda2.tar.zst", session.MarkerName)

	outcome, err := f.dispatcher().Run(context.Background(), f.recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != CompletedOk {
		t.Errorf("expected CompletedOk, got %s", outcome)
	}

	if f.exec.Connects != 3 {
		t.Errorf("expected 3 connection attempts, got %d", f.exec.Connects)
	}
	if _, ok := f.exec.Uploads[PayloadPath]; !ok {
		t.Error("expected payload upload")
	}
	rec := f.recorder.Record()
	if f.exec.Env["SNAPEX_BUCKET"] != rec.Bucket || f.exec.Env["SNAPEX_PREFIX"] != rec.Prefix || f.exec.Env["SNAPEX_DEVICE"] != rec.DevicePath {
		t.Errorf("payload parameters mismatch: %v", f.exec.Env)
	}
	if !strings.Contains(f.exec.Commands[0], PayloadPath) {
		t.Errorf("unexpected command %q", f.exec.Commands[0])
	}
	if rec.Status != session.StatusRemoteCompleted || rec.Outcome != "completed_ok" {
		t.Errorf("unexpected record status %q outcome %q", rec.Status, rec.Outcome)
	}
	if !f.exec.Closed {
		t.Error("expected executor closed")
	}
}

func TestRun_MarkerDecidesOverExitStatus(t *testing.T) {
	tests := []struct {
		name    string
		writes  []string
		exit    int
		err     error
		want    Outcome
		wantErr snapexerrors.Kind
	}{
		{"clean exit without marker", []string{"sda1.tar.gz"}, 0, nil, CompletedPartial, snapexerrors.KindUnknown},
		{"failed exit with artifacts", []string{"sda1.tar.gz"}, 1, nil, CompletedPartial, snapexerrors.KindUnknown},
		{"failed exit without artifacts", nil, 2, nil, 0, snapexerrors.KindRemoteExecution},
		{"timeout with artifacts", []string{"sda1.tar.gz"}, -1, ErrTimeout, TimedOut, snapexerrors.KindRemoteExecution},
		{"timeout without artifacts", nil, -1, ErrTimeout, TimedOut, snapexerrors.KindRemoteExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.payloadWrites(tt.writes...)
			f.exec.Exit = tt.exit
			f.exec.Err = tt.err

			outcome, err := f.dispatcher().Run(context.Background(), f.recorder)
			if outcome != tt.want {
				t.Errorf("outcome = %s, want %s", outcome, tt.want)
			}
			if got := snapexerrors.KindOf(err); got != tt.wantErr {
				t.Errorf("error kind = %s, want %s (err %v)", got, tt.wantErr, err)
			}
			if tt.wantErr == snapexerrors.KindUnknown && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRun_TimedOutRecorded(t *testing.T) {
	f := newFixture(t)
	f.exec.Err = ErrTimeout

	if _, err := f.dispatcher().Run(context.Background(), f.recorder); err == nil {
		t.Fatal("expected error")
	}
	rec, err := session.Load(f.recorder.Path())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.StatusRemoteTimedOut {
		t.Errorf("expected remote_timed_out, got %q", rec.Status)
	}
}

func TestWaitReachable_Exhausted(t *testing.T) {
	f := newFixture(t)
	f.exec.UnreachableFor = 100

	err := f.dispatcher().WaitReachable(context.Background(), f.recorder.Record())
	if snapexerrors.KindOf(err) != snapexerrors.KindUnreachable {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
	if f.exec.Connects != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", f.exec.Connects)
	}
	if snapexerrors.ExitCode(err) != 4 {
		t.Errorf("expected exit code 4, got %d", snapexerrors.ExitCode(err))
	}
}

func TestWaitReachable_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.exec.UnreachableFor = 100
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.dispatcher().WaitReachable(ctx, f.recorder.Record())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWithEnv(t *testing.T) {
	got := withEnv("bash run.sh", map[string]string{"B": "two words", "A": "it's"})
	want := `env A='it'\''s' B='two words' bash run.sh`
	if got != want {
		t.Errorf("withEnv() = %q, want %q", got, want)
	}
	if withEnv("true", nil) != "true" {
		t.Error("expected command unchanged without env")
	}
}

func TestGenerateKey(t *testing.T) {
	kp, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(kp.AuthorizedKey, "ssh-ed25519 ") {
		t.Errorf("unexpected authorized key %q", kp.AuthorizedKey)
	}
}

func TestSSHExecutor_HostKeyPinnedOnFirstUse(t *testing.T) {
	first, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	second, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	e := NewSSHExecutor("snapex", first.Signer)
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 22}

	tests := []struct {
		name    string
		key     ssh.PublicKey
		wantErr bool
	}{
		{"first key trusted", first.Signer.PublicKey(), false},
		{"same key on reconnect", first.Signer.PublicKey(), false},
		{"different key rejected", second.Signer.PublicKey(), true},
		{"pinned key still accepted", first.Signer.PublicKey(), false},
	}
	for _, tt := range tests {
		err := e.checkHostKey("10.0.0.2:22", addr, tt.key)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: expected error=%v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestDefaultPayloadEmbedded(t *testing.T) {
	if !strings.HasPrefix(string(DefaultPayload), "#!") {
		t.Error("expected embedded payload script")
	}
	for _, name := range []string{"SNAPEX_BUCKET", "SNAPEX_PREFIX", "SNAPEX_DEVICE", "_OK"} {
		if !strings.Contains(string(DefaultPayload), name) {
			t.Errorf("payload does not reference %s", name)
		}
	}
}
