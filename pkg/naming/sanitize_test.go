package naming

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"My Snap!!", 63, "my-snap"},
		{"my-data-snap", 63, "my-data-snap"},
		{"  leading and trailing  ", 63, "leading-and-trailing"},
		{"UPPER_case.name", 63, "upper-case-name"},
		{"a---b", 63, "a-b"},
		{"!!!", 63, ""},
		{"abc-def", 4, "abc"},
		{"ünïcode snap", 63, "n-code-snap"},
	}

	for _, tt := range tests {
		if got := Sanitize(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("Sanitize(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestSanitize_Truncation(t *testing.T) {
	// 80 permitted characters with a separator landing exactly on the cut.
	in := strings.Repeat("a", 62) + "-" + strings.Repeat("b", 17)
	if len(in) != 80 {
		t.Fatalf("test input has %d characters", len(in))
	}

	got := Sanitize(in, 63)
	if got != strings.Repeat("a", 62) {
		t.Errorf("expected trailing separator trimmed after truncation, got %q", got)
	}
	if !Valid(got, 63) {
		t.Errorf("sanitized output %q is not valid", got)
	}
}

func TestSanitize_AlwaysValid(t *testing.T) {
	inputs := []string{
		"My Snap!!",
		strings.Repeat("x", 80),
		strings.Repeat("ab-", 40),
		"prod/db#1 (2024-01-01)",
		"---a---",
	}

	for _, in := range inputs {
		for _, maxLen := range []int{5, 20, 63} {
			got := Sanitize(in, maxLen)
			if got == "" {
				continue
			}
			if !Valid(got, maxLen) {
				t.Errorf("Sanitize(%q, %d) = %q is not valid", in, maxLen, got)
			}
		}
	}
}

func TestResourceNames(t *testing.T) {
	names := ResourceNames("my-data-snap", "", "k3v9qa")

	if names.Bucket != "snapex-my-data-snap-k3v9qa" {
		t.Errorf("unexpected bucket %q", names.Bucket)
	}
	if names.Instance != "snapex-vm-my-data-snap-k3v9qa" {
		t.Errorf("unexpected instance %q", names.Instance)
	}
	if names.Prefix != "my-data-snap-k3v9qa" {
		t.Errorf("unexpected prefix %q", names.Prefix)
	}
}

func TestResourceNames_LongAliasKeepsSuffix(t *testing.T) {
	names := ResourceNames("snap", strings.Repeat("Very Long Alias ", 10), "zz1234")

	for _, n := range []string{names.Bucket, names.Disk, names.Instance} {
		if !strings.HasSuffix(n, "-zz1234") {
			t.Errorf("name %q lost its suffix", n)
		}
		if !Valid(n, 63) {
			t.Errorf("name %q is not valid", n)
		}
	}
}

func TestResourceNames_Unique(t *testing.T) {
	a := ResourceNames("snap", "alias", "aaaaaa")
	b := ResourceNames("snap", "alias", "bbbbbb")

	if a.Bucket == b.Bucket || a.Disk == b.Disk || a.Instance == b.Instance {
		t.Errorf("names collided across sessions: %+v vs %+v", a, b)
	}
}
