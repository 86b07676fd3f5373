package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/storage"
	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// writerRole lets the instance create and overwrite objects in one bucket.
const writerRole iam.RoleName = "roles/storage.objectAdmin"

// Storage is a Cloud Storage object store.
type Storage struct {
	client  *storage.Client
	project string
}

// NewStorage creates a Cloud Storage client.
func NewStorage(ctx context.Context, project string, opts ...option.ClientOption) (*Storage, error) {
	slog.Info("gcs_client_init", "project", project)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		slog.Error("gcs_client_failed", "error", err)
		return nil, errors.Wrap(err, "failed to create GCS storage client")
	}
	return &Storage{client: client, project: project}, nil
}

func (s *Storage) Scheme() string { return "gs" }

// Close releases the client's connections.
func (s *Storage) Close() error { return s.client.Close() }

func (s *Storage) CreateBucket(ctx context.Context, bucket, region string, labels map[string]string) error {
	attrs := &storage.BucketAttrs{
		Location:                 region,
		Labels:                   labels,
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
	}
	slog.Info("gcs_bucket_create", "bucket", bucket, "location", region)
	return translate(s.client.Bucket(bucket).Create(ctx, s.project, attrs))
}

func (s *Storage) GrantWriter(ctx context.Context, bucket, principal string) error {
	member := principal
	if !strings.Contains(member, ":") {
		member = "serviceAccount:" + member
	}

	handle := s.client.Bucket(bucket).IAM()
	policy, err := handle.Policy(ctx)
	if err != nil {
		return errors.Wrap(translate(err), "failed to read bucket policy")
	}
	if policy.HasRole(member, writerRole) {
		return nil
	}
	policy.Add(member, writerRole)
	if err := handle.SetPolicy(ctx, policy); err != nil {
		return errors.Wrap(translate(err), "failed to set bucket policy")
	}
	slog.Info("gcs_bucket_grant", "bucket", bucket, "member", member, "role", writerRole)
	return nil
}

func (s *Storage) List(ctx context.Context, bucket, prefix string) ([]cloud.Object, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []cloud.Object
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return nil, cloud.ErrNotFound
			}
			slog.Error("gcs_list_failed", "bucket", bucket, "prefix", prefix, "error", err)
			return nil, errors.Wrap(translate(err), "failed to list objects")
		}
		objects = append(objects, cloud.Object{Key: attrs.Name, Size: attrs.Size, Updated: attrs.Updated})
	}
	return objects, nil
}

func (s *Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}

func (s *Storage) Download(ctx context.Context, bucket, key, localPath string, offset int64) (*cloud.DownloadResult, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewRangeReader(ctx, offset, -1)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, cloud.ErrNotFound
		}
		return nil, errors.Wrap(err, fmt.Sprintf("failed to read gs://%s/%s", bucket, key))
	}
	defer r.Close()

	return cloud.Resume(localPath, offset, r)
}

func (s *Storage) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	objects, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, obj := range objects {
		err := s.client.Bucket(bucket).Object(obj.Key).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return deleted, errors.Wrap(err, "failed to delete "+obj.Key)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Storage) DeleteBucket(ctx context.Context, bucket string) error {
	err := s.client.Bucket(bucket).Delete(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return cloud.ErrNotFound
	}
	return translate(err)
}
