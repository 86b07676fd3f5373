package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRecord() *Record {
	return &Record{
		ID:         "01jabcdefghjkmnpqrstvwxyz0",
		Provider:   "gcp",
		Project:    "proj",
		Region:     "us-central1",
		Snapshot:   "my-snap",
		Suffix:     "xyz012",
		Bucket:     "snapex-my-snap-xyz012",
		Disk:       "snapex-disk-my-snap-xyz012",
		Instance:   "snapex-vm-my-snap-xyz012",
		DeviceName: "snapex-src",
		Prefix:     "my-snap-xyz012",
		OutputDir:  "/tmp/out",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRecorder_CreateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	if err := r.Set(KeyZone, "us-central1-a"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.SetStatus(StatusContainerReady); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if rec.Bucket != "snapex-my-snap-xyz012" {
		t.Errorf("expected bucket to round-trip, got %q", rec.Bucket)
	}
	if rec.Zone != "us-central1-a" {
		t.Errorf("expected zone us-central1-a, got %q", rec.Zone)
	}
	if rec.Status != StatusContainerReady {
		t.Errorf("expected status container_ready, got %q", rec.Status)
	}
	if !rec.Reached(StatusPlanned) {
		t.Error("expected history to include planned")
	}
	if !rec.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected created_at %v", rec.CreatedAt)
	}
}

func TestRecorder_CreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r.Close()

	if _, err := Create(path, newTestRecord()); err == nil {
		t.Fatal("expected second Create on the same path to fail")
	}
}

func TestRecorder_WriteAheadVisibleWithoutClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Set(KeyProfile, "e2-standard-4"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// The handle must be readable by a fresh process before the writer closes.
	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.Profile != "e2-standard-4" {
		t.Errorf("expected profile to be durable, got %q", rec.Profile)
	}
	r.Close()
}

func TestLoad_TruncatedFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Set(KeyZone, "us-central1-b"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"k":"status","v":"devi`)
	f.Close()

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("expected truncated tail to be ignored, got %v", err)
	}
	if rec.Zone != "us-central1-b" {
		t.Errorf("expected zone before the tail to survive, got %q", rec.Zone)
	}
	if rec.Status != StatusPlanned {
		t.Errorf("expected status planned, got %q", rec.Status)
	}
}

func TestLoad_CorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	content := strings.Join([]string{
		`{"k":"id","v":"abc"}`,
		`not json`,
		`{"k":"status","v":"planned"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for corrupt line before the tail")
	}
}

func TestLoad_MissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	if err := os.WriteFile(path, []byte(`{"k":"status","v":"planned"}`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for record without id")
	}
}

func TestRecorder_Fail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	if err := r.Fail("device", os.ErrPermission); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !rec.Failed() || rec.FailedStep != "device" || rec.Status != StatusFailed {
		t.Errorf("unexpected failure fields: step=%q status=%q", rec.FailedStep, rec.Status)
	}
	if rec.Error == "" {
		t.Error("expected error message to be recorded")
	}
}

func TestRecorder_OpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r.Close()

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r2.SetStatus(StatusComputeReleased); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	r2.Close()

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []Status{StatusPlanned, StatusComputeReleased}
	if len(rec.History) != len(want) {
		t.Fatalf("expected history %v, got %v", want, rec.History)
	}
	for i := range want {
		if rec.History[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, rec.History[i], want[i])
		}
	}
}

func TestRecorder_SetAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")

	r, err := Create(path, newTestRecord())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r.Close()

	if err := r.Set(KeyZone, "z"); err == nil {
		t.Fatal("expected Set on a closed recorder to fail")
	}
}

func TestRecorder_OpenAfterTruncatedTail(t *testing.T) {
	tests := []struct {
		name     string
		tail     string
		wantZone string
	}{
		{"cut mid-line", `{"k":"zone","v":"us-cen`, ""},
		{"complete line without newline", `{"k":"zone","v":"us-central1-a"}`, "us-central1-a"},
		{"malformed terminated line", "{\"k\":\"zone\",\"v\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.jsonl")

			r, err := Create(path, newTestRecord())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := r.SetStatus(StatusContainerReady); err != nil {
				t.Fatalf("SetStatus failed: %v", err)
			}
			r.Close()

			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				t.Fatal(err)
			}
			f.WriteString(tt.tail)
			f.Close()

			r2, err := Open(path)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			// Two appends push the damaged line away from the end of the file.
			if err := r2.SetStatus(StatusComputeReleased); err != nil {
				t.Fatalf("SetStatus failed: %v", err)
			}
			if err := r2.SetStatus(StatusStorageReleased); err != nil {
				t.Fatalf("SetStatus failed: %v", err)
			}
			r2.Close()

			rec, err := Load(path)
			if err != nil {
				t.Fatalf("record unreadable after reopen and append: %v", err)
			}
			if rec.Status != StatusStorageReleased {
				t.Errorf("expected status storage_released, got %q", rec.Status)
			}
			if !rec.Reached(StatusComputeReleased) {
				t.Error("expected compute_released to survive the reopen")
			}
			if rec.Zone != tt.wantZone {
				t.Errorf("expected zone %q, got %q", tt.wantZone, rec.Zone)
			}
		})
	}
}
