package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/lmeireles/snapex/pkg/security"
)

type entry struct {
	name     string
	body     string
	linkname string
	typ      byte
}

func writeTar(t *testing.T, w io.Writer, entries []entry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Typeflag: e.typ, Linkname: e.linkname}
		if e.typ == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if e.typ == tar.TypeDir {
			hdr.Mode = 0755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.typ == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

func gzipArchive(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	writeTar(t, gz, entries)
	gz.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func zstdArchive(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	writeTar(t, zw, entries)
	zw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

var rootfs = []entry{
	{name: "./", typ: tar.TypeDir},
	{name: "./etc/", typ: tar.TypeDir},
	{name: "./etc/hostname", body: "db-1\n", typ: tar.TypeReg},
	{name: "./etc/fonts/conf.avail/10-a.conf", body: "<fontconfig/>", typ: tar.TypeReg},
	{name: "./etc/fonts/conf.d/10-a.conf", linkname: "../conf.avail/10-a.conf", typ: tar.TypeSymlink},
	{name: "./bin", linkname: "/usr/bin", typ: tar.TypeSymlink},
}

func TestExtract_Formats(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		write func(*testing.T, string, []entry)
	}{
		{"gzip", "sda1.tar.gz", gzipArchive},
		{"tgz", "sda1.tgz", gzipArchive},
		{"zstd", "sda1.tar.zst", zstdArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tt.file)
			tt.write(t, path, rootfs)

			dest := filepath.Join(dir, "sda1")
			if err := Extract(path, dest, security.NewValidator(security.Limits{})); err != nil {
				t.Fatalf("Extract failed: %v", err)
			}

			got, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
			if err != nil || string(got) != "db-1\n" {
				t.Errorf("expected hostname content, got %q (%v)", got, err)
			}
			if target, err := os.Readlink(filepath.Join(dest, "etc", "fonts", "conf.d", "10-a.conf")); err != nil || target != "../conf.avail/10-a.conf" {
				t.Errorf("unexpected relative symlink %q (%v)", target, err)
			}
			if target, err := os.Readlink(filepath.Join(dest, "bin")); err != nil || target != "/usr/bin" {
				t.Errorf("unexpected absolute symlink %q (%v)", target, err)
			}
		})
	}
}

func TestExtract_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		limits  security.Limits
		want    string
	}{
		{
			name:    "path traversal",
			entries: []entry{{name: "../../etc/passwd", body: "x", typ: tar.TypeReg}},
			want:    "path traversal",
		},
		{
			name:    "absolute path",
			entries: []entry{{name: "/etc/passwd", body: "x", typ: tar.TypeReg}},
			want:    "absolute path",
		},
		{
			name:    "escaping symlink",
			entries: []entry{{name: "foo", linkname: "../../../etc/passwd", typ: tar.TypeSymlink}},
			want:    "path traversal",
		},
		{
			name: "write through symlink",
			entries: []entry{
				{name: "lib", linkname: "/tmp", typ: tar.TypeSymlink},
				{name: "lib/evil", body: "x", typ: tar.TypeReg},
			},
			want: "below symlink",
		},
		{
			name:    "file too large",
			entries: []entry{{name: "big", body: strings.Repeat("x", 2048), typ: tar.TypeReg}},
			limits:  security.Limits{MaxFileSize: 1024},
			want:    "exceeds max",
		},
		{
			name: "total too large",
			entries: []entry{
				{name: "a", body: strings.Repeat("x", 600), typ: tar.TypeReg},
				{name: "b", body: strings.Repeat("x", 600), typ: tar.TypeReg},
			},
			limits: security.Limits{MaxTotalSize: 1000},
			want:   "total size",
		},
		{
			name:    "compression bomb",
			entries: []entry{{name: "zeros", body: strings.Repeat("\x00", 1<<20), typ: tar.TypeReg}},
			limits:  security.Limits{MaxCompressionRatio: 10},
			want:    "compression ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "p.tar.gz")
			gzipArchive(t, path, tt.entries)

			err := Extract(path, filepath.Join(dir, "p"), security.NewValidator(tt.limits))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestExtract_CompressionBombStopsBeforeWriting(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		absent  string
	}{
		{
			name:    "single entry",
			entries: []entry{{name: "zeros", body: strings.Repeat("\x00", 4<<20), typ: tar.TypeReg}},
			absent:  "zeros",
		},
		{
			name: "bomb after a small file",
			entries: []entry{
				{name: "etc/hostname", body: "web-01\n", typ: tar.TypeReg},
				{name: "var/zeros", body: strings.Repeat("\x00", 4<<20), typ: tar.TypeReg},
			},
			absent: "var/zeros",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "p.tar.gz")
			gzipArchive(t, path, tt.entries)
			dest := filepath.Join(dir, "p")

			err := Extract(path, dest, security.NewValidator(security.Limits{MaxCompressionRatio: 10}))
			if err == nil || !strings.Contains(err.Error(), "compression ratio") {
				t.Fatalf("expected compression ratio error, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(dest, tt.absent)); !os.IsNotExist(err) {
				t.Errorf("expected %s not to be written, stat returned %v", tt.absent, err)
			}
		})
	}
}

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	gzipArchive(t, filepath.Join(dir, "sda1.tar.gz"), rootfs)
	zstdArchive(t, filepath.Join(dir, "nvme0n1p2.tar.zst"), rootfs)
	os.WriteFile(filepath.Join(dir, "_OK"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "partitions.txt"), []byte("sda1\n"), 0644)

	dirs, err := ExtractAll(dir, security.NewValidator(security.Limits{}))
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("expected 2 extracted trees, got %v", dirs)
	}
	for _, base := range []string{"sda1", "nvme0n1p2"} {
		if _, err := os.Stat(filepath.Join(dir, base, "etc", "hostname")); err != nil {
			t.Errorf("expected %s to be extracted: %v", base, err)
		}
	}
}

func TestBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"sda1.tar.gz", "sda1", true},
		{"sda1.tgz", "sda1", true},
		{"sda1.tar.zst", "sda1", true},
		{"sda1.img", "", false},
		{".tar.gz", "", false},
		{"_OK", "", false},
	}
	for _, tt := range tests {
		got, ok := Base(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Base(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
