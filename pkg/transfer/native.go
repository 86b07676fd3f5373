package transfer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/security"
)

const partialSuffix = ".partial"

// Native copies objects through the provider SDK. Files whose size already
// matches are skipped, interrupted files resume from their .partial bytes,
// and completed files are renamed into place.
type Native struct {
	store     cloud.ObjectStore
	validator *security.Validator
}

// NewNative returns the SDK mechanism.
func NewNative(store cloud.ObjectStore, validator *security.Validator) *Native {
	if validator == nil {
		validator = security.NewValidator(security.Limits{})
	}
	return &Native{store: store, validator: validator}
}

func (n *Native) Name() string { return "native" }

func (n *Native) Available() error { return nil }

func (n *Native) Sync(ctx context.Context, d Descriptor) error {
	objects, err := n.store.List(ctx, d.Bucket, d.Prefix+"/")
	if err != nil {
		return errors.Wrap(err, "failed to list remote artifacts")
	}
	// The marker is fetched last so that its local presence implies the rest.
	slices.SortStableFunc(objects, func(a, b cloud.Object) int {
		return cmp.Compare(boolInt(a.Key == d.MarkerKey), boolInt(b.Key == d.MarkerKey))
	})

	n.validator.Reset()
	var fetched, skipped int
	var bytes int64
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(obj.Key, d.Prefix+"/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if err := n.validator.ValidateFileSize(obj.Size); err != nil {
			return err
		}
		if err := n.validator.Add(obj.Size); err != nil {
			return err
		}

		local, err := n.validator.LocalPath(d.LocalDir, rel)
		if err != nil {
			return err
		}

		if fi, err := os.Stat(local); err == nil && fi.Size() == obj.Size {
			skipped++
			continue
		}

		if err := n.fetch(ctx, d.Bucket, obj, local); err != nil {
			return err
		}
		fetched++
		bytes += obj.Size
	}

	slog.Info("transfer_native_done",
		"fetched", fetched,
		"skipped", skipped,
		"bytes", humanize.IBytes(uint64(bytes)))
	return nil
}

func (n *Native) fetch(ctx context.Context, bucket string, obj cloud.Object, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}

	partial := local + partialSuffix
	var offset int64
	if fi, err := os.Stat(partial); err == nil {
		offset = fi.Size()
		if offset > obj.Size {
			// The object changed underneath us; start over.
			offset = 0
			os.Remove(partial)
		}
	}

	if offset < obj.Size || obj.Size == 0 {
		if offset > 0 {
			slog.Info("transfer_resume", "key", obj.Key, "offset", humanize.IBytes(uint64(offset)), "size", humanize.IBytes(uint64(obj.Size)))
		}
		res, err := n.store.Download(ctx, bucket, obj.Key, partial, offset)
		if err != nil {
			return errors.Wrap(err, "failed to download "+obj.Key)
		}
		if res.Size != obj.Size {
			return fmt.Errorf("downloaded %d bytes of %s, expected %d", res.Size, obj.Key, obj.Size)
		}
		slog.Info("transfer_file_done", "key", obj.Key, "size", humanize.IBytes(uint64(res.Size)), "sha256", res.SHA256)
	}

	if err := os.Rename(partial, local); err != nil {
		return errors.Wrap(err, "failed to move "+obj.Key+" into place")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
