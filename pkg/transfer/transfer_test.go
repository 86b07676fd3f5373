package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/lmeireles/snapex/pkg/cloud/cloudtest"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/session"
)

const testBucket = "snapex-snap-abc123"

func newDescriptor(t *testing.T) Descriptor {
	t.Helper()
	return Descriptor{
		Bucket:    testBucket,
		Prefix:    "snap-abc123",
		LocalDir:  filepath.Join(t.TempDir(), "out"),
		MarkerKey: "snap-abc123/_OK",
	}
}

func seed(store *cloudtest.Store) map[string][]byte {
	objects := map[string][]byte{
		"snap-abc123/sda1.tar.zst":   bytes.Repeat([]byte("a"), 4096),
		"snap-abc123/sda2.tar.zst":   bytes.Repeat([]byte("b"), 1500),
		"snap-abc123/meta/parts.txt": []byte("sda1\nsda2\n"),
	}
	for k, v := range objects {
		store.Put(testBucket, k, v)
	}
	return objects
}

func assertTree(t *testing.T, dir string, objects map[string][]byte) {
	t.Helper()
	for key, want := range objects {
		local := filepath.Join(dir, filepath.FromSlash(key[len("snap-abc123/"):]))
		got, err := os.ReadFile(local)
		if err != nil {
			t.Errorf("expected %s locally: %v", key, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: got %d bytes, want %d", key, len(got), len(want))
		}
		if _, err := os.Stat(local + partialSuffix); !os.IsNotExist(err) {
			t.Errorf("%s: expected partial file to be gone", key)
		}
	}
}

func TestSynchronizer_NativeWithMarker(t *testing.T) {
	store := cloudtest.NewStore()
	objects := seed(store)
	store.Put(testBucket, "snap-abc123/_OK", nil)
	d := newDescriptor(t)

	result, err := NewSynchronizer(NewNative(store, nil)).Sync(context.Background(), d)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result != Completed {
		t.Errorf("expected completed, got %s", result)
	}
	assertTree(t, d.LocalDir, objects)
	if _, err := os.Stat(filepath.Join(d.LocalDir, "_OK")); err != nil {
		t.Errorf("expected marker locally: %v", err)
	}
}

func TestSynchronizer_MissingMarkerWarns(t *testing.T) {
	store := cloudtest.NewStore()
	objects := seed(store)
	d := newDescriptor(t)

	result, err := NewSynchronizer(NewNative(store, nil)).Sync(context.Background(), d)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result != CompletedWithWarning {
		t.Errorf("expected completed_with_warning, got %s", result)
	}
	assertTree(t, d.LocalDir, objects)
}

func TestNative_ResumeConverges(t *testing.T) {
	store := cloudtest.NewStore()
	objects := seed(store)
	store.Put(testBucket, "snap-abc123/_OK", nil)
	d := newDescriptor(t)
	sync := NewSynchronizer(NewNative(store, nil))

	store.DownloadLimit = 1000
	if _, err := sync.Sync(context.Background(), d); err == nil {
		t.Fatal("expected interrupted transfer to fail")
	} else if errors.KindOf(err) != errors.KindTransferFailed {
		t.Errorf("expected transfer_failed, got %v", err)
	}

	store.DownloadLimit = 0
	result, err := sync.Sync(context.Background(), d)
	if err != nil {
		t.Fatalf("resumed Sync failed: %v", err)
	}
	if result != Completed {
		t.Errorf("expected completed, got %s", result)
	}
	assertTree(t, d.LocalDir, objects)

	// A third run has nothing left to fetch.
	before := len(store.Calls)
	if _, err := sync.Sync(context.Background(), d); err != nil {
		t.Fatalf("idempotent Sync failed: %v", err)
	}
	for _, call := range store.Calls[before:] {
		if call == "Download" {
			t.Fatal("expected no downloads when the local tree is complete")
		}
	}
}

func TestNative_RejectsEscapingKeys(t *testing.T) {
	store := cloudtest.NewStore()
	store.Put(testBucket, "snap-abc123/../../etc/passwd", []byte("x"))
	d := newDescriptor(t)

	if _, err := NewSynchronizer(NewNative(store, nil)).Sync(context.Background(), d); err == nil {
		t.Fatal("expected escaping key to be rejected")
	}
}

type stubMechanism struct {
	name        string
	unavailable error
	err         error
	calls       int
	onSync      func(Descriptor)
}

func (s *stubMechanism) Name() string     { return s.name }
func (s *stubMechanism) Available() error { return s.unavailable }
func (s *stubMechanism) Sync(ctx context.Context, d Descriptor) error {
	s.calls++
	if s.onSync != nil {
		s.onSync(d)
	}
	return s.err
}

func TestSynchronizer_Fallback(t *testing.T) {
	writeMarker := func(d Descriptor) {
		os.WriteFile(d.MarkerPath(), nil, 0644)
	}

	tests := []struct {
		name          string
		primary       *stubMechanism
		secondary     *stubMechanism
		wantErr       bool
		wantSecondary int
	}{
		{
			name:      "primary succeeds",
			primary:   &stubMechanism{name: "cli", onSync: writeMarker},
			secondary: &stubMechanism{name: "native"},
		},
		{
			name:          "primary unavailable",
			primary:       &stubMechanism{name: "cli", unavailable: fmt.Errorf("gcloud not found")},
			secondary:     &stubMechanism{name: "native", onSync: writeMarker},
			wantSecondary: 1,
		},
		{
			name:          "primary fails",
			primary:       &stubMechanism{name: "cli", err: fmt.Errorf("exit status 1")},
			secondary:     &stubMechanism{name: "native", onSync: writeMarker},
			wantSecondary: 1,
		},
		{
			name:          "both fail",
			primary:       &stubMechanism{name: "cli", err: fmt.Errorf("exit status 1")},
			secondary:     &stubMechanism{name: "native", err: fmt.Errorf("connection reset")},
			wantErr:       true,
			wantSecondary: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDescriptor(t)
			result, err := NewSynchronizer(tt.primary, tt.secondary).Sync(context.Background(), d)
			if tt.wantErr {
				if errors.KindOf(err) != errors.KindTransferFailed {
					t.Fatalf("expected transfer_failed, got %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Sync failed: %v", err)
				}
				if result != Completed {
					t.Errorf("expected completed, got %s", result)
				}
			}
			if tt.secondary.calls != tt.wantSecondary {
				t.Errorf("expected %d fallback calls, got %d", tt.wantSecondary, tt.secondary.calls)
			}
		})
	}
}

func TestDescriptorFor(t *testing.T) {
	rec := &session.Record{
		ID:        "01jabc",
		Bucket:    testBucket,
		Prefix:    "snap-abc123",
		OutputDir: "/tmp/out",
		History:   []session.Status{session.StatusPlanned, session.StatusAttached},
	}

	if _, err := DescriptorFor(rec); errors.KindOf(err) != errors.KindConfiguration {
		t.Fatalf("expected configuration error before remote work finished, got %v", err)
	}

	rec.History = append(rec.History, session.StatusRemotePartial)
	d, err := DescriptorFor(rec)
	if err != nil {
		t.Fatalf("DescriptorFor failed: %v", err)
	}
	if d.MarkerKey != "snap-abc123/_OK" || d.LocalDir != "/tmp/out" {
		t.Errorf("unexpected descriptor %+v", d)
	}
	if d.MarkerPath() != filepath.Join("/tmp/out", "_OK") {
		t.Errorf("unexpected marker path %q", d.MarkerPath())
	}
}

func TestCLI_Args(t *testing.T) {
	d := Descriptor{Bucket: "b", Prefix: "p", LocalDir: "/out"}

	bin, args, err := NewCLI("gs").Args(d)
	if err != nil || bin != "gcloud" {
		t.Fatalf("unexpected gs command %q %v", bin, err)
	}
	if args[len(args)-2] != "gs://b/p" || args[len(args)-1] != "/out" {
		t.Errorf("unexpected gcloud args %v", args)
	}

	bin, args, err = NewCLI("s3").Args(d)
	if err != nil || bin != "aws" || args[0] != "s3" || args[1] != "sync" {
		t.Fatalf("unexpected s3 command %q %v %v", bin, args, err)
	}

	if _, _, err := NewCLI("mem").Args(d); err == nil {
		t.Error("expected unknown scheme to fail")
	}
}

func TestCLI_Availability(t *testing.T) {
	c := NewCLI("gs")
	c.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	if err := c.Available(); err == nil {
		t.Error("expected missing binary to be unavailable")
	}

	c.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	if err := c.Available(); err != nil {
		t.Errorf("expected available, got %v", err)
	}
}

func TestCLI_SyncFailureCarriesOutput(t *testing.T) {
	c := NewCLI("gs")
	c.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo AccessDenied >&2; exit 3")
	}

	err := c.Sync(context.Background(), newDescriptor(t))
	if err == nil {
		t.Fatal("expected failure")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("AccessDenied")) {
		t.Errorf("expected tool output in error, got %v", err)
	}
}

func TestNative_MarkerFetchedLast(t *testing.T) {
	store := cloudtest.NewStore()
	seed(store)
	store.Put(testBucket, "snap-abc123/_OK", nil)
	d := newDescriptor(t)

	store.DownloadLimit = 100
	NewSynchronizer(NewNative(store, nil)).Sync(context.Background(), d)

	if _, err := os.Stat(d.MarkerPath()); !os.IsNotExist(err) {
		t.Error("expected marker to be absent after an interrupted transfer")
	}
}
