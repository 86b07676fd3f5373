package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failingReader struct {
	r     io.Reader
	after int
	n     int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n >= f.after {
		return 0, errors.New("connection reset")
	}
	if len(p) > f.after-f.n {
		p = p[:f.after-f.n]
	}
	n, err := f.r.Read(p)
	f.n += n
	return n, err
}

func TestResume_ConvergesAfterInterruption(t *testing.T) {
	content := strings.Repeat("0123456789", 100)
	path := filepath.Join(t.TempDir(), "part.tar.gz.partial")

	_, err := Resume(path, 0, &failingReader{r: strings.NewReader(content), after: 300})
	if err == nil {
		t.Fatal("expected interrupted copy to fail")
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 300 {
		t.Fatalf("expected 300 bytes kept, got %d", fi.Size())
	}

	res, err := Resume(path, fi.Size(), strings.NewReader(content[fi.Size():]))
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	sum := sha256.Sum256([]byte(content))
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Error("checksum of resumed file does not match the object")
	}
	if res.Size != int64(len(content)) || res.Resumed != 300 {
		t.Errorf("unexpected result %+v", res)
	}
	got, _ := os.ReadFile(path)
	if string(got) != content {
		t.Error("resumed file content mismatch")
	}
}

func TestResume_OffsetBeyondFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Resume(path, 10, strings.NewReader("x")); err == nil {
		t.Fatal("expected error when the file is shorter than the offset")
	}
}

func TestIgnoreHelpers(t *testing.T) {
	if IgnoreNotFound(ErrNotFound) != nil {
		t.Error("IgnoreNotFound should swallow ErrNotFound")
	}
	if IgnoreExists(ErrAlreadyExists) != nil {
		t.Error("IgnoreExists should swallow ErrAlreadyExists")
	}
	other := errors.New("boom")
	if IgnoreNotFound(other) != other || IgnoreExists(other) != other {
		t.Error("other errors must pass through")
	}
	wrapped := &CapacityError{Profile: "a", Code: "QUOTA", Err: other}
	if !IsCapacity(wrapped) || IsCapacity(other) {
		t.Error("IsCapacity misclassified")
	}
}
