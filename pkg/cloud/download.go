package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Resume appends r to localPath, which must already hold the first offset
// bytes of the object, and returns the checksum of the complete file. Bytes
// written before a failure stay on disk so the next call can resume.
func Resume(localPath string, offset int64, r io.Reader) (*DownloadResult, error) {
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < offset {
		return nil, fmt.Errorf("%s holds %d bytes, cannot resume at %d", localPath, fi.Size(), offset)
	}
	if err := f.Truncate(offset); err != nil {
		return nil, err
	}

	hash := sha256.New()
	if _, err := io.CopyN(hash, f, offset); err != nil {
		return nil, fmt.Errorf("hash existing bytes: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	n, copyErr := io.Copy(io.MultiWriter(f, hash), r)
	if err := f.Sync(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return nil, fmt.Errorf("copy after %d bytes: %w", offset+n, copyErr)
	}

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Size:      offset + n,
		Resumed:   offset,
	}, nil
}
