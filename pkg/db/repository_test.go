package db

import (
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "index", "sessions.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testSession(id, alias, createdAt string) *Session {
	return &Session{
		ID:         id,
		Alias:      alias,
		Snapshot:   "snap-" + id,
		Provider:   "gcp",
		Region:     "us-central1",
		RecordPath: "/state/sessions/" + id + ".jsonl",
		OutputDir:  "/out/" + id,
		Status:     "planned",
		CreatedAt:  createdAt,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	s := testSession("a1", "nightly", "2026-01-01 10:00:00")
	if err := repo.Create(s); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	got, err := repo.Get("a1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Snapshot != s.Snapshot || got.Alias != "nightly" || got.RecordPath != s.RecordPath {
		t.Errorf("retrieved session mismatch: got %+v, want %+v", got, s)
	}

	missing, err := repo.Get("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing session, got %+v, %v", missing, err)
	}
}

func TestRepository_DuplicateID(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.Create(testSession("a1", "", "")); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := repo.Create(testSession("a1", "", "")); err == nil {
		t.Error("expected duplicate id to fail")
	}
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo := newTestRepo(t)
	repo.Create(testSession("a1", "", ""))

	if err := repo.UpdateStatus("a1", "failed", "device: permission denied"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	updated, _ := repo.Get("a1")
	if updated.Status != "failed" || updated.ErrorMessage != "device: permission denied" {
		t.Errorf("status not updated: got %+v", updated)
	}

	if err := repo.UpdateStatus("missing", "failed", ""); err == nil {
		t.Error("expected error updating a missing session")
	}
}

func TestRepository_Resolve(t *testing.T) {
	repo := newTestRepo(t)
	repo.Create(testSession("old", "nightly", "2026-01-01 10:00:00"))
	repo.Create(testSession("new", "nightly", "2026-01-02 10:00:00"))

	tests := []struct {
		ref  string
		want string
	}{
		{"old", "old"},
		{"nightly", "new"},
		{"/state/sessions/old.jsonl", "old"},
		{"unknown", ""},
	}

	for _, tt := range tests {
		got, err := repo.Resolve(tt.ref)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", tt.ref, err)
		}
		if tt.want == "" {
			if got != nil {
				t.Errorf("Resolve(%q) = %s, want nil", tt.ref, got.ID)
			}
			continue
		}
		if got == nil || got.ID != tt.want {
			t.Errorf("Resolve(%q) = %+v, want %s", tt.ref, got, tt.want)
		}
	}
}

func TestRepository_ListAndDelete(t *testing.T) {
	repo := newTestRepo(t)
	repo.Create(testSession("a1", "", "2026-01-01 10:00:00"))
	repo.Create(testSession("a2", "", "2026-01-03 10:00:00"))
	repo.Create(testSession("a3", "", "2026-01-02 10:00:00"))

	sessions, err := repo.List()
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "a2" || sessions[2].ID != "a1" {
		t.Errorf("expected newest first, got %s, %s, %s", sessions[0].ID, sessions[1].ID, sessions[2].ID)
	}

	if err := repo.Delete("a2"); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}
	sessions, _ = repo.List()
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions after delete, got %d", len(sessions))
	}
}
