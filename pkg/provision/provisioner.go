// Package provision creates a session's storage container, block device and
// instance, appending every handle to the session record as it goes.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
	"github.com/lmeireles/snapex/pkg/session"
)

// Stage is the provisioning progress of a session.
type Stage int

const (
	Unprovisioned Stage = iota
	ContainerReady
	PermissionGranted
	DeviceReady
	InstanceReady
	Attached
)

func (s Stage) String() string {
	switch s {
	case ContainerReady:
		return "CONTAINER_READY"
	case PermissionGranted:
		return "PERMISSION_GRANTED"
	case DeviceReady:
		return "DEVICE_READY"
	case InstanceReady:
		return "INSTANCE_READY"
	case Attached:
		return "ATTACHED"
	default:
		return "UNPROVISIONED"
	}
}

var stageStatus = []session.Status{
	ContainerReady:    session.StatusContainerReady,
	PermissionGranted: session.StatusPermissionGranted,
	DeviceReady:       session.StatusDeviceReady,
	InstanceReady:     session.StatusInstanceReady,
	Attached:          session.StatusAttached,
}

// StageOf returns the furthest stage rec has reached.
func StageOf(rec *session.Record) Stage {
	for s := Attached; s > Unprovisioned; s-- {
		if rec.Reached(stageStatus[s]) {
			return s
		}
	}
	return Unprovisioned
}

// Options are the per-session provisioning choices.
type Options struct {
	// Profiles are the instance profiles to try, in order.
	Profiles  []string
	Image     string
	SSHUser   string
	SSHPubKey string
	Labels    map[string]string
}

// Provisioner performs the provisioning steps for one session.
type Provisioner struct {
	compute  cloud.Compute
	store    cloud.ObjectStore
	recorder *session.Recorder
	opts     Options
}

// New returns a Provisioner writing to recorder.
func New(compute cloud.Compute, store cloud.ObjectStore, recorder *session.Recorder, opts Options) *Provisioner {
	return &Provisioner{compute: compute, store: store, recorder: recorder, opts: opts}
}

func (p *Provisioner) record() *session.Record {
	return p.recorder.Record()
}

// CreateContainer creates the session bucket in the session region.
func (p *Provisioner) CreateContainer(ctx context.Context) error {
	rec := p.record()
	slog.Info("provision_container_start", "bucket", rec.Bucket, "region", rec.Region)

	err := p.store.CreateBucket(ctx, rec.Bucket, rec.Region, p.opts.Labels)
	if errors.Is(err, cloud.ErrAlreadyExists) {
		slog.Info("provision_container_exists", "bucket", rec.Bucket)
		err = nil
	}
	if err != nil {
		slog.Error("provision_container_failed", "bucket", rec.Bucket, "error", err)
		return errors.Wrap(err, "failed to create bucket "+rec.Bucket)
	}
	return p.recorder.SetStatus(session.StatusContainerReady)
}

// GrantAccess lets the instance identity write into the session bucket only.
func (p *Provisioner) GrantAccess(ctx context.Context) error {
	rec := p.record()

	principal, err := p.compute.Identity(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resolve instance identity")
	}
	slog.Info("provision_grant_start", "bucket", rec.Bucket, "principal", principal)

	if err := p.store.GrantWriter(ctx, rec.Bucket, principal); err != nil {
		slog.Error("provision_grant_failed", "bucket", rec.Bucket, "error", err)
		return errors.Wrap(err, "failed to grant bucket access")
	}
	return p.recorder.SetStatus(session.StatusPermissionGranted)
}

// CreateDevice selects a zone and clones the snapshot into the session disk.
// The zone is recorded before the disk is requested.
func (p *Provisioner) CreateDevice(ctx context.Context) error {
	rec := p.record()

	if rec.Zone == "" {
		zone, err := p.compute.SelectZone(ctx, rec.Region)
		if errors.Is(err, cloud.ErrNoZone) {
			return errors.NoZoneError(rec.Region)
		}
		if err != nil {
			return errors.Wrap(err, "failed to select zone")
		}
		if err := p.recorder.Set(session.KeyZone, zone); err != nil {
			return err
		}
		slog.Info("provision_zone_selected", "region", rec.Region, "zone", zone)
	}

	spec := cloud.DeviceSpec{
		Name:     rec.Disk,
		Zone:     rec.Zone,
		Snapshot: rec.Snapshot,
		Class:    rec.DiskType,
		Labels:   p.opts.Labels,
	}
	slog.Info("provision_device_start", "disk", spec.Name, "zone", spec.Zone, "class", spec.Class)

	_, err := p.compute.CreateDevice(ctx, spec)
	if errors.Is(err, cloud.ErrAlreadyExists) {
		slog.Info("provision_device_exists", "disk", spec.Name)
		err = nil
	}
	if err != nil {
		slog.Error("provision_device_failed", "disk", spec.Name, "error", err)
		return errors.Wrap(err, "failed to create disk "+spec.Name)
	}
	return p.recorder.SetStatus(session.StatusDeviceReady)
}

// CreateInstance tries each profile in order. Only capacity rejections move
// on to the next profile; any other failure aborts.
func (p *Provisioner) CreateInstance(ctx context.Context) error {
	rec := p.record()
	if len(p.opts.Profiles) == 0 {
		return errors.ConfigurationError("no instance profiles configured")
	}

	var lastErr error
	for i, profile := range p.opts.Profiles {
		// The instance may exist as soon as the request is sent.
		if err := p.recorder.Set(session.KeyProfile, profile); err != nil {
			return err
		}

		spec := cloud.InstanceSpec{
			Name:      rec.Instance,
			Zone:      rec.Zone,
			Profile:   profile,
			Image:     p.opts.Image,
			SSHUser:   p.opts.SSHUser,
			SSHPubKey: p.opts.SSHPubKey,
			Labels:    p.opts.Labels,
		}
		slog.Info("provision_instance_attempt", "instance", spec.Name, "profile", profile, "attempt", i+1, "of", len(p.opts.Profiles))

		_, err := p.compute.CreateInstance(ctx, spec)
		if errors.Is(err, cloud.ErrAlreadyExists) {
			err = nil
		}
		if err == nil {
			slog.Info("provision_instance_ready", "instance", spec.Name, "profile", profile)
			return p.recorder.SetStatus(session.StatusInstanceReady)
		}
		if !cloud.IsCapacity(err) {
			slog.Error("provision_instance_failed", "instance", spec.Name, "profile", profile, "error", err)
			return errors.Wrap(err, fmt.Sprintf("failed to create instance with profile %s", profile))
		}

		slog.Warn("provision_instance_capacity", "profile", profile, "error", err)
		lastErr = err
	}
	return errors.ProvisioningExhausted(p.opts.Profiles, lastErr)
}

// Attach attaches the disk to the instance and records the device path.
func (p *Provisioner) Attach(ctx context.Context) error {
	rec := p.record()
	slog.Info("provision_attach_start", "disk", rec.Disk, "instance", rec.Instance)

	path, err := p.compute.AttachDevice(ctx, rec.Zone, rec.Instance, rec.Disk, rec.DeviceName)
	if err != nil {
		slog.Error("provision_attach_failed", "disk", rec.Disk, "instance", rec.Instance, "error", err)
		return errors.Wrap(err, "failed to attach disk")
	}
	if err := p.recorder.Set(session.KeyDevicePath, path); err != nil {
		return err
	}
	return p.recorder.SetStatus(session.StatusAttached)
}

// Step is one provisioning operation.
type Step struct {
	Name  string
	Stage Stage
	Run   func(context.Context) error
}

// Steps returns the provisioning operations in dependency order.
func (p *Provisioner) Steps() []Step {
	return []Step{
		{"container", ContainerReady, p.CreateContainer},
		{"grant", PermissionGranted, p.GrantAccess},
		{"device", DeviceReady, p.CreateDevice},
		{"instance", InstanceReady, p.CreateInstance},
		{"attach", Attached, p.Attach},
	}
}

// StepError names the provisioning step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Run performs every step the record has not reached yet.
func (p *Provisioner) Run(ctx context.Context) (Stage, error) {
	stage := StageOf(p.record())
	for _, step := range p.Steps() {
		if step.Stage <= stage {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stage, &StepError{Step: step.Name, Err: err}
		}
		if err := step.Run(ctx); err != nil {
			return stage, &StepError{Step: step.Name, Err: err}
		}
		stage = step.Stage
	}
	return stage, nil
}
