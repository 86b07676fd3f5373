// Package cloud defines the provider-neutral interfaces the orchestrator drives.
// Every create call must tolerate ErrAlreadyExists and every delete call
// ErrNotFound, so that any step can be re-run from a recovered session record.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the addressed resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when a create call targets an existing resource.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrNoZone is returned when a region has no usable zone.
	ErrNoZone = errors.New("no available zone")
)

// CapacityError is a creation rejection caused by quota or capacity
// exhaustion. Only this error moves the provisioner to the next profile.
type CapacityError struct {
	Profile string
	Code    string
	Err     error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity unavailable for %s (%s): %v", e.Profile, e.Code, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// IgnoreNotFound returns nil when err is ErrNotFound.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IgnoreExists returns nil when err is ErrAlreadyExists.
func IgnoreExists(err error) error {
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// DeviceSpec describes the block device cloned from the snapshot.
type DeviceSpec struct {
	Name     string
	Zone     string
	Snapshot string
	Class    string
	Labels   map[string]string
}

// InstanceSpec describes the throwaway extraction instance.
type InstanceSpec struct {
	Name      string
	Zone      string
	Profile   string
	Image     string
	SSHUser   string
	SSHPubKey string
	Labels    map[string]string
}

// Compute creates and deletes block devices and instances.
type Compute interface {
	// Provider returns the provider name ("gcp", "aws").
	Provider() string

	// SelectZone returns a zone in region able to host the session.
	SelectZone(ctx context.Context, region string) (string, error)

	// Identity returns the principal the instance runs as.
	Identity(ctx context.Context) (string, error)

	// CreateDevice clones the snapshot into a new device.
	CreateDevice(ctx context.Context, spec DeviceSpec) (string, error)

	// CreateInstance boots an instance. Capacity rejections are *CapacityError.
	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)

	// AttachDevice attaches the device read-only and returns the path the
	// device appears at inside the instance.
	AttachDevice(ctx context.Context, zone, instance, device, deviceName string) (string, error)

	// InstanceAddress returns the host the instance is reachable at.
	InstanceAddress(ctx context.Context, zone, instance string) (string, error)

	DetachDevice(ctx context.Context, zone, instance, device, deviceName string) error
	DeleteInstance(ctx context.Context, zone, instance string) error
	DeleteDevice(ctx context.Context, zone, device string) error
}

// Object is one entry of a bucket listing.
type Object struct {
	Key     string
	Size    int64
	Updated time.Time
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
	Resumed   int64
}

// ObjectStore manages the intermediate bucket.
type ObjectStore interface {
	// Scheme returns the URL scheme of the store ("gs", "s3").
	Scheme() string

	CreateBucket(ctx context.Context, bucket, region string, labels map[string]string) error

	// GrantWriter lets principal write objects into bucket, and nothing else.
	GrantWriter(ctx context.Context, bucket, principal string) error

	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Download writes key to localPath starting at offset, appending to the
	// bytes already present.
	Download(ctx context.Context, bucket, key, localPath string, offset int64) (*DownloadResult, error)

	// DeletePrefix deletes every object under prefix and returns the count.
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
	DeleteBucket(ctx context.Context, bucket string) error
}
