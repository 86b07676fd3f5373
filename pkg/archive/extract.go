// Package archive unpacks the partition archives produced by the remote
// payload into plain directory trees.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/lmeireles/snapex/pkg/security"
)

var suffixes = []string{".tar.gz", ".tgz", ".tar.zst"}

// Base returns the archive name without its compression suffix, and whether
// name is an archive this package can unpack.
func Base(name string) (string, bool) {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) && len(name) > len(s) {
			return strings.TrimSuffix(name, s), true
		}
	}
	return "", false
}

// Extract unpacks the archive at path into destDir with security validation.
func Extract(path, destDir string, validator *security.Validator) error {
	validator.Reset()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	var r io.Reader
	switch {
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	tarReader := tar.NewReader(r)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "./")
		if name == "" || name == "." {
			continue
		}
		target, err := validator.LocalPath(destDir, name)
		if err != nil {
			return fmt.Errorf("invalid path in archive: %w", err)
		}
		if err := noSymlinkParents(destDir, target); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return err
			}
			if err := validator.Add(header.Size); err != nil {
				return err
			}
			// The total only grows, so the ratio is checked before any byte lands.
			if err := validator.ValidateCompressionRatio(fi.Size(), validator.Total()); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}

			// Replace rather than write through a symlink left by an earlier entry.
			_ = os.Remove(target)
			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm()|0200)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(outFile, io.LimitReader(tarReader, header.Size)); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			outFile.Close()

		case tar.TypeSymlink:
			if err := validator.ValidateSymlink(name, header.Linkname); err != nil {
				return fmt.Errorf("invalid symlink target: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		default:
			slog.Debug("archive_entry_skipped", "name", name, "type", string(header.Typeflag))
		}
	}

	slog.Info("archive_extracted",
		"archive", filepath.Base(path),
		"dest", destDir,
		"compressed", humanize.IBytes(uint64(fi.Size())),
		"extracted", humanize.IBytes(uint64(validator.Total())))
	return nil
}

// noSymlinkParents rejects targets whose parent directories include a
// symlink created by an earlier entry.
func noSymlinkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("security: %s is below symlink %s", target, cur)
		}
	}
	return nil
}

// ExtractAll unpacks every archive directly inside dir into dir/<base>/ and
// returns the directories written.
func ExtractAll(dir string, validator *security.Validator) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base, ok := Base(e.Name())
		if !ok {
			continue
		}
		dest := filepath.Join(dir, base)
		if err := Extract(filepath.Join(dir, e.Name()), dest, validator); err != nil {
			return out, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, dest)
	}
	return out, nil
}
