// Package security guards the local filesystem against object keys and
// archive entries that would escape the session output directory, and
// against archives that expand beyond the configured limits.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Limits bound what a single unpack may write.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// Validator checks paths and tracks the bytes written for one archive or
// one transfer. It is safe for concurrent use.
type Validator struct {
	limits Limits

	mu    sync.Mutex
	total int64
}

// NewValidator creates a validator. Zero limits are unlimited.
func NewValidator(limits Limits) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size", limits.MaxFileSize,
		"max_total_size", limits.MaxTotalSize,
		"max_compression_ratio", limits.MaxCompressionRatio)
	return &Validator{limits: limits}
}

// ValidatePath rejects absolute paths and paths that climb out of their root.
func (v *Validator) ValidatePath(name string) error {
	if name == "" {
		return fmt.Errorf("security: empty path")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}
	return nil
}

// LocalPath maps a slash-separated relative name (an object key below the
// session prefix, or an archive entry) to a path inside root.
func (v *Validator) LocalPath(root, name string) (string, error) {
	if err := v.ValidatePath(name); err != nil {
		return "", err
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("security: %s resolves outside %s", name, root)
	}
	return target, nil
}

// ValidateSymlink checks a symlink found at linkPath pointing to target.
// Absolute targets refer to the snapshot's own filesystem root and are kept
// as-is; relative targets must not climb above the archive root.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		return nil
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			slog.Error("security_symlink_validation_failed",
				"symlink", linkPath,
				"target", target,
				"resolved", resolved)
			return fmt.Errorf("security: path traversal detected: symlink %s -> %s resolves to %s",
				linkPath, target, resolved)
		}
	}
	return nil
}

// ValidateFileSize checks a single file against the per-file limit.
func (v *Validator) ValidateFileSize(size int64) error {
	if v.limits.MaxFileSize > 0 && size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded", "file_size", size, "max_file_size", v.limits.MaxFileSize)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.limits.MaxFileSize)
	}
	return nil
}

// Add accounts size bytes against the total limit.
func (v *Validator) Add(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.total += size
	if v.limits.MaxTotalSize > 0 && v.total > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded", "total", v.total, "max_total_size", v.limits.MaxTotalSize)
		return fmt.Errorf("security: total size %d exceeds max %d", v.total, v.limits.MaxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio rejects archives that expand suspiciously.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if v.limits.MaxCompressionRatio <= 0 || uncompressedSize == 0 {
		return nil
	}
	if compressedSize == 0 {
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"compressed", compressedSize,
			"uncompressed", uncompressedSize)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.limits.MaxCompressionRatio, compressedSize, uncompressedSize)
	}
	return nil
}

// Reset clears the running total.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.total = 0
}

// Total returns the bytes accounted so far.
func (v *Validator) Total() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}
