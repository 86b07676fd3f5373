// Package aws implements cloud.Compute on EC2/EBS and cloud.ObjectStore on S3.
package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/lmeireles/snapex/pkg/cloud"
	"github.com/lmeireles/snapex/pkg/errors"
)

const (
	attachDevice = "/dev/sdf"
	waitLimit    = 10 * time.Minute
)

// ComputeOptions configures the EC2 back-end.
type ComputeOptions struct {
	// InstanceProfile is the IAM instance profile the instance boots with.
	InstanceProfile string
	// RoleARN is the role behind InstanceProfile; it is the principal granted
	// write access to the bucket.
	RoleARN string
}

// Compute drives EC2 in one region. Resources are found by their Name tag,
// which holds the planned name from the session record.
type Compute struct {
	client *ec2.Client
	opts   ComputeOptions
}

// NewCompute creates an EC2 client from cfg.
func NewCompute(cfg aws.Config, opts ComputeOptions) *Compute {
	slog.Info("ec2_client_init", "region", cfg.Region)
	return &Compute{client: ec2.NewFromConfig(cfg), opts: opts}
}

func (c *Compute) Provider() string { return "aws" }

func (c *Compute) SelectZone(ctx context.Context, region string) (string, error) {
	out, err := c.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{
			{Name: aws.String("region-name"), Values: []string{region}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("zone-type"), Values: []string{"availability-zone"}},
		},
	})
	if err != nil {
		slog.Error("ec2_zone_list_failed", "region", region, "error", err)
		return "", errors.Wrap(err, "failed to describe availability zones")
	}

	var zones []string
	for _, z := range out.AvailabilityZones {
		if z.ZoneName != nil {
			zones = append(zones, *z.ZoneName)
		}
	}
	if len(zones) == 0 {
		return "", cloud.ErrNoZone
	}
	sort.Strings(zones)
	return zones[0], nil
}

func (c *Compute) Identity(ctx context.Context) (string, error) {
	if c.opts.RoleARN == "" {
		return "", errors.ConfigurationError("aws-instance-role-arn is required to grant bucket access")
	}
	return c.opts.RoleARN, nil
}

func (c *Compute) CreateDevice(ctx context.Context, spec cloud.DeviceSpec) (string, error) {
	if id, err := c.volumeID(ctx, spec.Name); err == nil {
		return id, cloud.ErrAlreadyExists
	}

	input := &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(spec.Zone),
		SnapshotId:        aws.String(spec.Snapshot),
		ClientToken:       aws.String(spec.Name),
		TagSpecifications: tagSpec(types.ResourceTypeVolume, spec.Name, spec.Labels),
	}
	if spec.Class != "" {
		input.VolumeType = types.VolumeType(spec.Class)
	}

	slog.Info("ec2_volume_create", "volume", spec.Name, "zone", spec.Zone, "snapshot", spec.Snapshot)
	out, err := c.client.CreateVolume(ctx, input)
	if err != nil {
		return "", translate(err)
	}
	id := aws.ToString(out.VolumeId)

	waiter := ec2.NewVolumeAvailableWaiter(c.client)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}}, waitLimit); err != nil {
		return id, errors.Wrap(err, "volume did not become available")
	}
	return id, nil
}

func (c *Compute) CreateInstance(ctx context.Context, spec cloud.InstanceSpec) (string, error) {
	if id, err := c.instanceID(ctx, spec.Name); err == nil {
		return id, cloud.ErrAlreadyExists
	}
	if spec.Image == "" {
		return "", errors.ConfigurationError("an AMI id is required for the aws provider")
	}

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(spec.Image),
		InstanceType:      types.InstanceType(spec.Profile),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		Placement:         &types.Placement{AvailabilityZone: aws.String(spec.Zone)},
		TagSpecifications: tagSpec(types.ResourceTypeInstance, spec.Name, spec.Labels),
	}
	input.InstanceInitiatedShutdownBehavior = types.ShutdownBehaviorTerminate
	if c.opts.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(c.opts.InstanceProfile)}
	}
	if spec.SSHPubKey != "" {
		input.UserData = aws.String(userData(spec.SSHUser, spec.SSHPubKey))
	}

	slog.Info("ec2_instance_run", "instance", spec.Name, "zone", spec.Zone, "instance_type", spec.Profile)
	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		return "", classifyInstanceError(spec.Profile, err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances returned no instance for %s", spec.Name)
	}
	id := aws.ToString(out.Instances[0].InstanceId)

	waiter := ec2.NewInstanceRunningWaiter(c.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, waitLimit); err != nil {
		return id, errors.Wrap(err, "instance did not reach running")
	}
	return id, nil
}

// AttachDevice attaches the volume. EBS has no read-only attachment; the
// payload mounts the partitions read-only instead.
func (c *Compute) AttachDevice(ctx context.Context, zone, instance, device, deviceName string) (string, error) {
	instanceID, err := c.instanceID(ctx, instance)
	if err != nil {
		return "", err
	}
	volumeID, err := c.volumeID(ctx, device)
	if err != nil {
		return "", err
	}

	_, err = c.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(attachDevice),
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
	})
	if err != nil && errorCode(err) != "VolumeInUse" {
		return "", translate(err)
	}

	waiter := ec2.NewVolumeInUseWaiter(c.client)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, waitLimit); err != nil {
		return "", errors.Wrap(err, "volume did not attach")
	}
	return attachDevice, nil
}

func (c *Compute) InstanceAddress(ctx context.Context, zone, instance string) (string, error) {
	inst, err := c.describeInstance(ctx, instance)
	if err != nil {
		return "", err
	}
	if inst.PublicIpAddress == nil {
		return "", fmt.Errorf("instance %s has no public address yet", instance)
	}
	return *inst.PublicIpAddress, nil
}

func (c *Compute) DetachDevice(ctx context.Context, zone, instance, device, deviceName string) error {
	instanceID, err := c.instanceID(ctx, instance)
	if err != nil {
		return err
	}
	volumeID, err := c.volumeID(ctx, device)
	if err != nil {
		return err
	}

	_, err = c.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
	})
	if errorCode(err) == "IncorrectState" {
		// Not attached.
		return cloud.ErrNotFound
	}
	if err != nil {
		return translate(err)
	}

	waiter := ec2.NewVolumeAvailableWaiter(c.client)
	return waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, waitLimit)
}

func (c *Compute) DeleteInstance(ctx context.Context, zone, instance string) error {
	instanceID, err := c.instanceID(ctx, instance)
	if err != nil {
		return err
	}

	if _, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return translate(err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(c.client)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, waitLimit)
}

func (c *Compute) DeleteDevice(ctx context.Context, zone, device string) error {
	volumeID, err := c.volumeID(ctx, device)
	if err != nil {
		return err
	}
	_, err = c.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
	return translate(err)
}

func (c *Compute) describeInstance(ctx context.Context, name string) (*types.Instance, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, translate(err)
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			return &r.Instances[i], nil
		}
	}
	return nil, cloud.ErrNotFound
}

func (c *Compute) instanceID(ctx context.Context, name string) (string, error) {
	inst, err := c.describeInstance(ctx, name)
	if err != nil {
		return "", err
	}
	return aws.ToString(inst.InstanceId), nil
}

func (c *Compute) volumeID(ctx context.Context, name string) (string, error) {
	out, err := c.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("status"), Values: []string{"creating", "available", "in-use"}},
		},
	})
	if err != nil {
		return "", translate(err)
	}
	if len(out.Volumes) == 0 {
		return "", cloud.ErrNotFound
	}
	return aws.ToString(out.Volumes[0].VolumeId), nil
}

func tagSpec(rt types.ResourceType, name string, labels map[string]string) []types.TagSpecification {
	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

// userData is a cloud-init document that authorizes the session key.
func userData(user, pubKey string) string {
	doc := strings.Join([]string{
		"#cloud-config",
		"users:",
		"  - default",
		"  - name: " + user,
		"    sudo: ALL=(ALL) NOPASSWD:ALL",
		"    shell: /bin/bash",
		"    ssh_authorized_keys:",
		"      - " + strings.TrimSpace(pubKey),
		"",
	}, "\n")
	return base64.StdEncoding.EncodeToString([]byte(doc))
}
