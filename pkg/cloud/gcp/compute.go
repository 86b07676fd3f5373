// Package gcp implements cloud.Compute on Compute Engine and
// cloud.ObjectStore on Cloud Storage.
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

const (
	defaultImage   = "projects/debian-cloud/global/images/family/debian-12"
	storageScope   = "https://www.googleapis.com/auth/devstorage.read_write"
	devicePathBase = "/dev/disk/by-id/google-"
	operationLimit = 10 * time.Minute
)

// Compute drives Compute Engine for one project.
type Compute struct {
	svc     *compute.Service
	project string
}

// NewCompute creates a Compute Engine client using application default
// credentials.
func NewCompute(ctx context.Context, project string, opts ...option.ClientOption) (*Compute, error) {
	slog.Info("gcp_compute_client_init", "project", project)

	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		slog.Error("gcp_compute_client_failed", "error", err)
		return nil, errors.Wrap(err, "failed to create compute client")
	}
	return &Compute{svc: svc, project: project}, nil
}

func (c *Compute) Provider() string { return "gcp" }

// SelectZone returns the first zone of region whose status is UP.
func (c *Compute) SelectZone(ctx context.Context, region string) (string, error) {
	var zones []string
	err := c.svc.Zones.List(c.project).Pages(ctx, func(page *compute.ZoneList) error {
		for _, z := range page.Items {
			if path.Base(z.Region) == region && z.Status == "UP" {
				zones = append(zones, z.Name)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("gcp_zone_list_failed", "region", region, "error", err)
		return "", errors.Wrap(translate(err), "failed to list zones")
	}
	if len(zones) == 0 {
		return "", cloud.ErrNoZone
	}
	sort.Strings(zones)
	return zones[0], nil
}

// Identity returns the project's default compute service account.
func (c *Compute) Identity(ctx context.Context) (string, error) {
	p, err := c.svc.Projects.Get(c.project).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(translate(err), "failed to get project")
	}
	if p.DefaultServiceAccount == "" {
		return "", fmt.Errorf("project %s has no default compute service account", c.project)
	}
	return "serviceAccount:" + p.DefaultServiceAccount, nil
}

func (c *Compute) CreateDevice(ctx context.Context, spec cloud.DeviceSpec) (string, error) {
	disk := &compute.Disk{
		Name:           spec.Name,
		SourceSnapshot: snapshotURL(c.project, spec.Snapshot),
		Labels:         spec.Labels,
	}
	if spec.Class != "" {
		disk.Type = fmt.Sprintf("zones/%s/diskTypes/%s", spec.Zone, spec.Class)
	}

	slog.Info("gcp_disk_insert", "disk", spec.Name, "zone", spec.Zone, "snapshot", spec.Snapshot)
	op, err := c.svc.Disks.Insert(c.project, spec.Zone, disk).Context(ctx).Do()
	if err != nil {
		return spec.Name, translate(err)
	}
	return spec.Name, c.wait(ctx, spec.Zone, op)
}

func (c *Compute) CreateInstance(ctx context.Context, spec cloud.InstanceSpec) (string, error) {
	image := spec.Image
	if image == "" {
		image = defaultImage
	}

	inst := &compute.Instance{
		Name:        spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", spec.Zone, spec.Profile),
		Labels:      spec.Labels,
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: image,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{
				Name: "External NAT",
				Type: "ONE_TO_ONE_NAT",
			}},
		}},
		ServiceAccounts: []*compute.ServiceAccount{{
			Email:  "default",
			Scopes: []string{storageScope},
		}},
	}
	if spec.SSHPubKey != "" {
		keys := fmt.Sprintf("%s:%s", spec.SSHUser, strings.TrimSpace(spec.SSHPubKey))
		inst.Metadata = &compute.Metadata{Items: []*compute.MetadataItems{{Key: "ssh-keys", Value: &keys}}}
	}

	slog.Info("gcp_instance_insert", "instance", spec.Name, "zone", spec.Zone, "machine_type", spec.Profile)
	op, err := c.svc.Instances.Insert(c.project, spec.Zone, inst).Context(ctx).Do()
	if err != nil {
		return "", classifyInstanceError(spec.Profile, err)
	}
	if err := c.wait(ctx, spec.Zone, op); err != nil {
		return "", classifyInstanceError(spec.Profile, err)
	}
	return spec.Name, nil
}

func (c *Compute) AttachDevice(ctx context.Context, zone, instance, device, deviceName string) (string, error) {
	attached := &compute.AttachedDisk{
		Source:     fmt.Sprintf("zones/%s/disks/%s", zone, device),
		DeviceName: deviceName,
		Mode:       "READ_ONLY",
	}

	op, err := c.svc.Instances.AttachDisk(c.project, zone, instance, attached).Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	if err := c.wait(ctx, zone, op); err != nil {
		return "", err
	}
	return devicePathBase + deviceName, nil
}

func (c *Compute) InstanceAddress(ctx context.Context, zone, instance string) (string, error) {
	inst, err := c.svc.Instances.Get(c.project, zone, instance).Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	for _, nic := range inst.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP, nil
			}
		}
	}
	return "", fmt.Errorf("instance %s has no external address yet", instance)
}

func (c *Compute) DetachDevice(ctx context.Context, zone, instance, device, deviceName string) error {
	op, err := c.svc.Instances.DetachDisk(c.project, zone, instance, deviceName).Context(ctx).Do()
	if notAttached(err) {
		return cloud.ErrNotFound
	}
	if err != nil {
		return translate(err)
	}
	return c.wait(ctx, zone, op)
}

func (c *Compute) DeleteInstance(ctx context.Context, zone, instance string) error {
	op, err := c.svc.Instances.Delete(c.project, zone, instance).Context(ctx).Do()
	if err != nil {
		return translate(err)
	}
	return c.wait(ctx, zone, op)
}

func (c *Compute) DeleteDevice(ctx context.Context, zone, device string) error {
	op, err := c.svc.Disks.Delete(c.project, zone, device).Context(ctx).Do()
	if err != nil {
		return translate(err)
	}
	return c.wait(ctx, zone, op)
}

// wait blocks until a zonal operation is DONE. ZoneOperations.Wait returns
// after roughly two minutes even if the operation is still running.
func (c *Compute) wait(ctx context.Context, zone string, op *compute.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, operationLimit)
	defer cancel()

	for op.Status != "DONE" {
		next, err := c.svc.ZoneOperations.Wait(c.project, zone, op.Name).Context(ctx).Do()
		if err != nil {
			return errors.Wrap(translate(err), "failed to wait for operation "+op.Name)
		}
		op = next
	}
	return operationErr(op)
}

func snapshotURL(project, snapshot string) string {
	if strings.Contains(snapshot, "/") {
		return snapshot
	}
	return fmt.Sprintf("projects/%s/global/snapshots/%s", project, snapshot)
}
