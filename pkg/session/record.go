// Package session holds the durable description of one export session: the
// planner that creates it, the record itself, and the append-only recorder
// that persists every resource handle before it is depended on.
package session

import (
	"strconv"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusPlanned               Status = "planned"
	StatusContainerReady        Status = "container_ready"
	StatusPermissionGranted     Status = "permission_granted"
	StatusDeviceReady           Status = "device_ready"
	StatusInstanceReady         Status = "instance_ready"
	StatusAttached              Status = "attached"
	StatusRemoteCompleted       Status = "remote_completed"
	StatusRemotePartial         Status = "remote_partial"
	StatusRemoteTimedOut        Status = "remote_timed_out"
	StatusComputeReleased       Status = "compute_released"
	StatusDownloaded            Status = "downloaded"
	StatusDownloadedWithWarning Status = "downloaded_with_warning"
	StatusDownloadFailed        Status = "download_failed"
	StatusStorageReleased       Status = "storage_released"
	StatusFailed                Status = "failed"
)

// Record field keys. The on-disk format is a flat key/value log.
const (
	KeyID         = "id"
	KeyProvider   = "provider"
	KeyProject    = "project"
	KeyRegion     = "region"
	KeyZone       = "zone"
	KeySnapshot   = "snapshot"
	KeySuffix     = "suffix"
	KeyAlias      = "alias"
	KeyBucket     = "bucket"
	KeyDisk       = "disk"
	KeyInstance   = "instance"
	KeyDeviceName = "device_name"
	KeyDevicePath = "device_path"
	KeyDiskType   = "disk_type"
	KeyProfile    = "profile"
	KeyPrefix     = "prefix"
	KeyOutputDir  = "output_dir"
	KeyKeepRemote = "keep_remote"
	KeySkipLocal  = "skip_local"
	KeyStatus     = "status"
	KeyFailedStep = "failed_step"
	KeyError      = "error"
	KeyOutcome    = "outcome"
	KeyCreatedAt  = "created_at"
)

// Record is the in-memory view of a session log. It holds names and handles
// only, never live connections.
type Record struct {
	// Path is the record file the fields were read from or written to.
	Path string

	ID         string
	Provider   string
	Project    string
	Region     string
	Zone       string
	Snapshot   string
	Suffix     string
	Alias      string
	Bucket     string
	Disk       string
	Instance   string
	DeviceName string
	DevicePath string
	DiskType   string
	Profile    string
	Prefix     string
	OutputDir  string
	KeepRemote bool
	SkipLocal  bool
	Status     Status
	FailedStep string
	Error      string
	Outcome    string
	CreatedAt  time.Time

	// History lists every status the session passed through, in order.
	History []Status
}

// apply sets one field. Unknown keys are ignored so that newer records stay
// readable by older binaries.
func (r *Record) apply(key, value string) {
	switch key {
	case KeyID:
		r.ID = value
	case KeyProvider:
		r.Provider = value
	case KeyProject:
		r.Project = value
	case KeyRegion:
		r.Region = value
	case KeyZone:
		r.Zone = value
	case KeySnapshot:
		r.Snapshot = value
	case KeySuffix:
		r.Suffix = value
	case KeyAlias:
		r.Alias = value
	case KeyBucket:
		r.Bucket = value
	case KeyDisk:
		r.Disk = value
	case KeyInstance:
		r.Instance = value
	case KeyDeviceName:
		r.DeviceName = value
	case KeyDevicePath:
		r.DevicePath = value
	case KeyDiskType:
		r.DiskType = value
	case KeyProfile:
		r.Profile = value
	case KeyPrefix:
		r.Prefix = value
	case KeyOutputDir:
		r.OutputDir = value
	case KeyKeepRemote:
		r.KeepRemote, _ = strconv.ParseBool(value)
	case KeySkipLocal:
		r.SkipLocal, _ = strconv.ParseBool(value)
	case KeyStatus:
		r.Status = Status(value)
		r.History = append(r.History, r.Status)
	case KeyFailedStep:
		r.FailedStep = value
	case KeyError:
		r.Error = value
	case KeyOutcome:
		r.Outcome = value
	case KeyCreatedAt:
		r.CreatedAt, _ = time.Parse(time.RFC3339, value)
	}
}

// fields returns the planned fields of r in the order they are first written.
func (r *Record) fields() []entry {
	return []entry{
		{K: KeyID, V: r.ID},
		{K: KeyCreatedAt, V: r.CreatedAt.UTC().Format(time.RFC3339)},
		{K: KeyProvider, V: r.Provider},
		{K: KeyProject, V: r.Project},
		{K: KeyRegion, V: r.Region},
		{K: KeySnapshot, V: r.Snapshot},
		{K: KeySuffix, V: r.Suffix},
		{K: KeyAlias, V: r.Alias},
		{K: KeyBucket, V: r.Bucket},
		{K: KeyDisk, V: r.Disk},
		{K: KeyInstance, V: r.Instance},
		{K: KeyDeviceName, V: r.DeviceName},
		{K: KeyDiskType, V: r.DiskType},
		{K: KeyPrefix, V: r.Prefix},
		{K: KeyOutputDir, V: r.OutputDir},
		{K: KeyKeepRemote, V: strconv.FormatBool(r.KeepRemote)},
		{K: KeySkipLocal, V: strconv.FormatBool(r.SkipLocal)},
		{K: KeyStatus, V: string(StatusPlanned)},
	}
}

// Reached reports whether the session ever passed through status s.
func (r *Record) Reached(s Status) bool {
	for _, h := range r.History {
		if h == s {
			return true
		}
	}
	return false
}

// Failed reports whether any step of the session failed.
func (r *Record) Failed() bool {
	return r.FailedStep != "" || r.Reached(StatusFailed)
}

// RemoteFinished reports whether remote work produced artifacts worth
// downloading.
func (r *Record) RemoteFinished() bool {
	return r.Reached(StatusRemoteCompleted) || r.Reached(StatusRemotePartial)
}

// MarkerKey is the object key of the completion marker.
func (r *Record) MarkerKey() string {
	return r.Prefix + "/" + MarkerName
}

// MarkerName is the sentinel object the payload writes last.
const MarkerName = "_OK"
