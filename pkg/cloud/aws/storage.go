package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
)

// deleteBatch is the DeleteObjects limit.
const deleteBatch = 1000

// Storage provides S3 storage operations
type Storage struct {
	s3Client *s3.Client
	region   string
}

// NewStorage creates a new S3 client
func NewStorage(cfg aws.Config) *Storage {
	slog.Info("s3_client_init", "region", cfg.Region)
	return &Storage{s3Client: s3.NewFromConfig(cfg), region: cfg.Region}
}

func (s *Storage) Scheme() string { return "s3" }

func (s *Storage) CreateBucket(ctx context.Context, bucket, region string, labels map[string]string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}

	slog.Info("s3_bucket_create", "bucket", bucket, "region", region)
	if _, err := s.s3Client.CreateBucket(ctx, input); err != nil {
		return translate(err)
	}

	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tagSet := make([]s3types.Tag, 0, len(keys))
		for _, k := range keys {
			tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
		}
		_, err := s.s3Client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(bucket),
			Tagging: &s3types.Tagging{TagSet: tagSet},
		})
		if err != nil {
			slog.Warn("s3_bucket_tagging_failed", "bucket", bucket, "error", err)
		}
	}
	return nil
}

type policyStatement struct {
	Sid       string            `json:"Sid"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// writerPolicy allows principal to put objects into bucket, and nothing else.
func writerPolicy(bucket, principal string) (string, error) {
	p := bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Sid:       "SnapexInstanceWrite",
			Effect:    "Allow",
			Principal: map[string]string{"AWS": principal},
			Action:    []string{"s3:PutObject", "s3:AbortMultipartUpload"},
			Resource:  []string{fmt.Sprintf("arn:aws:s3:::%s/*", bucket)},
		}},
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Storage) GrantWriter(ctx context.Context, bucket, principal string) error {
	policy, err := writerPolicy(bucket, principal)
	if err != nil {
		return errors.Wrap(err, "failed to encode bucket policy")
	}

	_, err = s.s3Client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(policy),
	})
	if err != nil {
		return errors.Wrap(translate(err), "failed to put bucket policy")
	}
	slog.Info("s3_bucket_grant", "bucket", bucket, "principal", principal)
	return nil
}

// List lists all objects in the bucket with a given prefix
func (s *Storage) List(ctx context.Context, bucket, prefix string) ([]cloud.Object, error) {
	slog.Debug("s3_list_start", "bucket", bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	var objects []cloud.Object
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(translate(err), "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := cloud.Object{Key: *obj.Key, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.Updated = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}

	slog.Debug("s3_list_complete", "prefix", prefix, "object_count", len(objects))
	return objects, nil
}

// Exists checks if an object exists in S3
func (s *Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.Is(translate(err), cloud.ErrNotFound) {
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}

// Download fetches key from offset onwards and appends it to localPath
func (s *Storage) Download(ctx context.Context, bucket, key, localPath string, offset int64) (*cloud.DownloadResult, error) {
	slog.Debug("s3_download_start", "bucket", bucket, "s3_key", key, "offset", offset)

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	result, err := s.s3Client.GetObject(ctx, input)
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(translate(err), "failed to get object from S3")
	}
	defer result.Body.Close()

	return cloud.Resume(localPath, offset, result.Body)
}

func (s *Storage) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	objects, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(objects); start += deleteBatch {
		end := min(start+deleteBatch, len(objects))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, o := range objects[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(o.Key)})
		}

		out, err := s.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, errors.Wrap(translate(err), "failed to delete objects")
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted + len(ids) - len(out.Errors), fmt.Errorf("failed to delete %s: %s",
				aws.ToString(first.Key), aws.ToString(first.Message))
		}
		deleted += len(ids)
	}
	return deleted, nil
}

func (s *Storage) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := s.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	return translate(err)
}
