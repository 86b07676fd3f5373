package session

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/naming"
)

const recordExt = ".jsonl"

// RecordPath returns the record file of session id.
func RecordPath(stateDir, id string) string {
	return filepath.Join(stateDir, "sessions", id+recordExt)
}

// AliasPath returns the alias link for alias.
func AliasPath(stateDir, alias string) string {
	return filepath.Join(stateDir, "aliases", naming.Sanitize(alias, naming.MaxResourceLen)+recordExt)
}

// LinkAlias points the alias link at the record file, replacing any previous
// session that used the same alias.
func LinkAlias(stateDir, alias, recordPath string) error {
	link := AliasPath(stateDir, alias)
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return errors.Wrap(err, "failed to create alias directory")
	}
	target, err := filepath.Rel(filepath.Dir(link), recordPath)
	if err != nil {
		target = recordPath
	}
	return replaceSymlink(target, link)
}

// LinkOutput creates <dir>/<alias> pointing at the session's output directory.
func LinkOutput(dir, alias, outputDir string) error {
	link := filepath.Join(dir, naming.Sanitize(alias, naming.MaxResourceLen))
	if link == outputDir {
		return nil
	}
	if fi, err := os.Lstat(link); err == nil && fi.Mode()&os.ModeSymlink == 0 {
		// A real directory owns the name already; leave it alone.
		return nil
	}
	return replaceSymlink(outputDir, link)
}

func replaceSymlink(target, link string) error {
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrap(err, "failed to create link")
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "failed to install link")
	}
	return nil
}

// Resolve finds a record file from a session ID, an alias or a path.
func Resolve(stateDir, ref string) (string, error) {
	if ref == "" {
		return "", errors.ConfigurationError("session reference is required")
	}
	if strings.HasSuffix(ref, recordExt) || strings.ContainsRune(ref, os.PathSeparator) {
		if _, err := os.Stat(ref); err == nil {
			return ref, nil
		}
	}
	if p := RecordPath(stateDir, strings.ToLower(ref)); exists(p) {
		return p, nil
	}
	if p := AliasPath(stateDir, ref); exists(p) {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve alias")
		}
		return resolved, nil
	}
	return "", errors.ConfigurationError("no session record found for %q", ref)
}

// Remove deletes the record file and any alias links pointing at it.
func Remove(stateDir string, rec *Record) error {
	if rec.Alias != "" {
		link := AliasPath(stateDir, rec.Alias)
		if target, err := filepath.EvalSymlinks(link); err == nil && sameFile(target, rec.Path) {
			_ = os.Remove(link)
		}
		outLink := filepath.Join(filepath.Dir(rec.OutputDir), naming.Sanitize(rec.Alias, naming.MaxResourceLen))
		if fi, err := os.Lstat(outLink); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(outLink); err == nil && target == rec.OutputDir {
				_ = os.Remove(outLink)
			}
		}
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove session record")
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}
