package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/groundplan/groundplan/pkg/engine"
)

type instanceAttrs struct {
	AMIID             string            `json:"ami_id"`
	InstanceType      string            `json:"instance_type"`
	SubnetID          string            `json:"subnet_id"`
	AssociatePublicIP bool              `json:"associate_public_ip"`
	SecurityGroupID   string            `json:"security_group_id"`
	KeyName           string            `json:"key_name"`
	UserData          string            `json:"user_data"`
	Monitoring        bool              `json:"monitoring"`
	MetadataHopLimit  int               `json:"metadata_hop_limit"`
	RootVolume        rootVolumeAttrs   `json:"root_volume"`
	AdditionalVolumes []volumeAttrs     `json:"additional_volumes"`
	Tags              map[string]string `json:"tags"`
}

type rootVolumeAttrs struct {
	VolumeType string `json:"volume_type"`
	VolumeSize int    `json:"volume_size"`
	Encrypted  bool   `json:"encrypted"`
}

type volumeAttrs struct {
	DeviceName          string `json:"device_name"`
	VolumeType          string `json:"volume_type"`
	VolumeSize          int    `json:"volume_size"`
	Encrypted           bool   `json:"encrypted"`
	DeleteOnTermination *bool  `json:"delete_on_termination,omitempty"`
	IOPS                *int   `json:"iops,omitempty"`
	Throughput          *int   `json:"throughput,omitempty"`
}

func (p *Provider) createInstance(ctx context.Context, attrs map[string]any) (*engine.CreateResult, error) {
	var a instanceAttrs
	if err := decodeAttrs(attrs, &a); err != nil {
		return nil, err
	}

	rootDevice, err := p.rootDeviceName(ctx, a.AMIID)
	if err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(a.AMIID),
		InstanceType: ec2types.InstanceType(a.InstanceType),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		Monitoring: &ec2types.RunInstancesMonitoringEnabled{
			Enabled: awssdk.Bool(a.Monitoring),
		},
		MetadataOptions: &ec2types.InstanceMetadataOptionsRequest{
			HttpTokens:              ec2types.HttpTokensStateRequired,
			HttpPutResponseHopLimit: awssdk.Int32(int32(a.MetadataHopLimit)),
		},
		NetworkInterfaces: []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              awssdk.Int32(0),
			SubnetId:                 awssdk.String(a.SubnetID),
			Groups:                   []string{a.SecurityGroupID},
			AssociatePublicIpAddress: awssdk.Bool(a.AssociatePublicIP),
		}},
		BlockDeviceMappings: blockDeviceMappings(rootDevice, a),
		TagSpecifications: append(
			tagSpec(ec2types.ResourceTypeInstance, a.Tags),
			tagSpec(ec2types.ResourceTypeVolume, a.Tags)...,
		),
	}
	if a.KeyName != "" {
		input.KeyName = awssdk.String(a.KeyName)
	}
	if a.UserData != "" {
		input.UserData = awssdk.String(base64.StdEncoding.EncodeToString([]byte(a.UserData)))
	}

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("instance launch returned no instance")
	}
	id := awssdk.ToString(out.Instances[0].InstanceId)

	// Addresses and volume attachments only materialize once the instance is
	// running.
	waiter := ec2.NewInstanceRunningWaiter(p.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("instance %s did not reach running state: %w", id, err)
	}

	inst, err := p.getInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	return &engine.CreateResult{
		ID:       id,
		Observed: observedInstanceAttrs(inst, rootDevice),
	}, nil
}

func (p *Provider) updateInstance(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	var a instanceAttrs
	if err := decodeAttrs(attrs, &a); err != nil {
		return nil, err
	}

	inst, err := p.getInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	// Image, type, subnet, key and address association are fixed at launch.
	switch {
	case awssdk.ToString(inst.ImageId) != a.AMIID,
		string(inst.InstanceType) != a.InstanceType,
		awssdk.ToString(inst.SubnetId) != a.SubnetID,
		awssdk.ToString(inst.KeyName) != a.KeyName,
		(inst.PublicIpAddress != nil) != a.AssociatePublicIP:
		return nil, engine.ErrRequiresReplacement
	}

	// The non-root block device set is fixed at launch too.
	live, err := p.attachedVolumes(ctx, inst)
	if err != nil {
		return nil, err
	}
	if volumeSetDiffers(a.AdditionalVolumes, live) {
		return nil, engine.ErrRequiresReplacement
	}

	if err := p.syncMonitoring(ctx, id, inst, a.Monitoring); err != nil {
		return nil, err
	}
	if err := p.syncMetadataOptions(ctx, id, inst, a.MetadataHopLimit); err != nil {
		return nil, err
	}
	if err := p.syncSecurityGroups(ctx, id, inst, a.SecurityGroupID); err != nil {
		return nil, err
	}
	if err := p.syncRootVolume(ctx, inst, a.RootVolume); err != nil {
		return nil, err
	}
	if err := p.applyTags(ctx, id, a.Tags); err != nil {
		return nil, err
	}

	rootDevice := awssdk.ToString(inst.RootDeviceName)
	return observedInstanceAttrs(inst, rootDevice), nil
}

func (p *Provider) destroyInstance(ctx context.Context, id string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(p.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, 10*time.Minute); err != nil {
		return fmt.Errorf("instance %s did not terminate: %w", id, err)
	}
	return nil
}

func (p *Provider) describeInstance(ctx context.Context, id string) (map[string]any, error) {
	inst, err := p.getInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	attrs := observedInstanceAttrs(inst, awssdk.ToString(inst.RootDeviceName))
	attrs["ami_id"] = awssdk.ToString(inst.ImageId)
	attrs["instance_type"] = string(inst.InstanceType)
	attrs["subnet_id"] = awssdk.ToString(inst.SubnetId)
	attrs["key_name"] = awssdk.ToString(inst.KeyName)
	attrs["tags"] = tagsToMap(inst.Tags)
	return attrs, nil
}

func (p *Provider) getInstance(ctx context.Context, id string) (*ec2types.Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, engine.ErrNotFound
	}
	inst := out.Reservations[0].Instances[0]
	if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameTerminated {
		return nil, engine.ErrNotFound
	}
	return &inst, nil
}

func (p *Provider) rootDeviceName(ctx context.Context, amiID string) (string, error) {
	out, err := p.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{amiID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe image %s: %w", amiID, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("image %s not found", amiID)
	}
	return awssdk.ToString(out.Images[0].RootDeviceName), nil
}

func blockDeviceMappings(rootDevice string, a instanceAttrs) []ec2types.BlockDeviceMapping {
	mappings := []ec2types.BlockDeviceMapping{{
		DeviceName: awssdk.String(rootDevice),
		Ebs: &ec2types.EbsBlockDevice{
			VolumeType:          ec2types.VolumeType(a.RootVolume.VolumeType),
			VolumeSize:          awssdk.Int32(int32(a.RootVolume.VolumeSize)),
			Encrypted:           awssdk.Bool(a.RootVolume.Encrypted),
			DeleteOnTermination: awssdk.Bool(true),
		},
	}}

	for _, v := range a.AdditionalVolumes {
		ebs := &ec2types.EbsBlockDevice{
			VolumeType: ec2types.VolumeType(v.VolumeType),
			VolumeSize: awssdk.Int32(int32(v.VolumeSize)),
			Encrypted:  awssdk.Bool(v.Encrypted),
		}
		if v.DeleteOnTermination != nil {
			ebs.DeleteOnTermination = awssdk.Bool(*v.DeleteOnTermination)
		}
		if v.IOPS != nil {
			ebs.Iops = awssdk.Int32(int32(*v.IOPS))
		}
		if v.Throughput != nil {
			ebs.Throughput = awssdk.Int32(int32(*v.Throughput))
		}
		mappings = append(mappings, ec2types.BlockDeviceMapping{
			DeviceName: awssdk.String(v.DeviceName),
			Ebs:        ebs,
		})
	}
	return mappings
}

// observedInstanceAttrs extracts provider-computed values: addresses and the
// non-root volume ids in device order.
func observedInstanceAttrs(inst *ec2types.Instance, rootDevice string) map[string]any {
	var volumeIDs []string
	for _, m := range inst.BlockDeviceMappings {
		if awssdk.ToString(m.DeviceName) == rootDevice || m.Ebs == nil {
			continue
		}
		volumeIDs = append(volumeIDs, awssdk.ToString(m.Ebs.VolumeId))
	}

	return map[string]any{
		"private_ip": awssdk.ToString(inst.PrivateIpAddress),
		"public_ip":  awssdk.ToString(inst.PublicIpAddress),
		"volume_ids": volumeIDs,
	}
}

func (p *Provider) syncMonitoring(ctx context.Context, id string, inst *ec2types.Instance, want bool) error {
	have := inst.Monitoring != nil && inst.Monitoring.State == ec2types.MonitoringStateEnabled
	if have == want {
		return nil
	}
	var err error
	if want {
		_, err = p.ec2.MonitorInstances(ctx, &ec2.MonitorInstancesInput{InstanceIds: []string{id}})
	} else {
		_, err = p.ec2.UnmonitorInstances(ctx, &ec2.UnmonitorInstancesInput{InstanceIds: []string{id}})
	}
	if err != nil {
		return fmt.Errorf("failed to change monitoring on %s: %w", id, err)
	}
	return nil
}

func (p *Provider) syncMetadataOptions(ctx context.Context, id string, inst *ec2types.Instance, hopLimit int) error {
	if inst.MetadataOptions != nil && int(awssdk.ToInt32(inst.MetadataOptions.HttpPutResponseHopLimit)) == hopLimit {
		return nil
	}
	_, err := p.ec2.ModifyInstanceMetadataOptions(ctx, &ec2.ModifyInstanceMetadataOptionsInput{
		InstanceId:              awssdk.String(id),
		HttpPutResponseHopLimit: awssdk.Int32(int32(hopLimit)),
	})
	if err != nil {
		return fmt.Errorf("failed to change metadata options on %s: %w", id, err)
	}
	return nil
}

func (p *Provider) syncSecurityGroups(ctx context.Context, id string, inst *ec2types.Instance, groupID string) error {
	if len(inst.SecurityGroups) == 1 && awssdk.ToString(inst.SecurityGroups[0].GroupId) == groupID {
		return nil
	}
	_, err := p.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: awssdk.String(id),
		Groups:     []string{groupID},
	})
	if err != nil {
		return fmt.Errorf("failed to repoint security group on %s: %w", id, err)
	}
	return nil
}

// attachedVolumes reads the instance's non-root volumes as volumeAttrs,
// device names taken from the block device mappings and everything else from
// the volumes themselves.
func (p *Provider) attachedVolumes(ctx context.Context, inst *ec2types.Instance) ([]volumeAttrs, error) {
	rootDevice := awssdk.ToString(inst.RootDeviceName)

	type attachment struct {
		device              string
		deleteOnTermination *bool
	}
	var ids []string
	attachments := make(map[string]attachment)
	for _, m := range inst.BlockDeviceMappings {
		if awssdk.ToString(m.DeviceName) == rootDevice || m.Ebs == nil {
			continue
		}
		id := awssdk.ToString(m.Ebs.VolumeId)
		ids = append(ids, id)
		att := attachment{device: awssdk.ToString(m.DeviceName)}
		if m.Ebs.DeleteOnTermination != nil {
			v := *m.Ebs.DeleteOnTermination
			att.deleteOnTermination = &v
		}
		attachments[id] = att
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out, err := p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: ids,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe attached volumes: %w", err)
	}

	live := make([]volumeAttrs, 0, len(out.Volumes))
	for _, vol := range out.Volumes {
		att := attachments[awssdk.ToString(vol.VolumeId)]
		va := volumeAttrs{
			DeviceName:          att.device,
			VolumeType:          string(vol.VolumeType),
			VolumeSize:          int(awssdk.ToInt32(vol.Size)),
			Encrypted:           awssdk.ToBool(vol.Encrypted),
			DeleteOnTermination: att.deleteOnTermination,
		}
		if vol.Iops != nil {
			v := int(*vol.Iops)
			va.IOPS = &v
		}
		if vol.Throughput != nil {
			v := int(*vol.Throughput)
			va.Throughput = &v
		}
		live = append(live, va)
	}
	return live, nil
}

// volumeSetDiffers compares the desired non-root volume set against what is
// attached, keyed by device name. Optional fields the desired spec leaves
// unset never count as a difference: EC2 reports service defaults (gp3 iops,
// throughput) the configuration never asked for.
func volumeSetDiffers(want, live []volumeAttrs) bool {
	if len(want) != len(live) {
		return true
	}
	byDevice := make(map[string]volumeAttrs, len(live))
	for _, v := range live {
		byDevice[v.DeviceName] = v
	}
	for _, w := range want {
		l, ok := byDevice[w.DeviceName]
		if !ok {
			return true
		}
		if l.VolumeType != w.VolumeType || l.VolumeSize != w.VolumeSize || l.Encrypted != w.Encrypted {
			return true
		}
		if w.DeleteOnTermination != nil && l.DeleteOnTermination != nil &&
			*w.DeleteOnTermination != *l.DeleteOnTermination {
			return true
		}
		if w.IOPS != nil && (l.IOPS == nil || *l.IOPS != *w.IOPS) {
			return true
		}
		if w.Throughput != nil && (l.Throughput == nil || *l.Throughput != *w.Throughput) {
			return true
		}
	}
	return false
}

func (p *Provider) syncRootVolume(ctx context.Context, inst *ec2types.Instance, want rootVolumeAttrs) error {
	rootDevice := awssdk.ToString(inst.RootDeviceName)
	var volumeID string
	for _, m := range inst.BlockDeviceMappings {
		if awssdk.ToString(m.DeviceName) == rootDevice && m.Ebs != nil {
			volumeID = awssdk.ToString(m.Ebs.VolumeId)
		}
	}
	if volumeID == "" {
		return nil
	}

	out, err := p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		return fmt.Errorf("failed to describe root volume %s: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return nil
	}
	vol := out.Volumes[0]

	// Encryption is fixed at creation.
	if awssdk.ToBool(vol.Encrypted) != want.Encrypted {
		return engine.ErrRequiresReplacement
	}

	if string(vol.VolumeType) == want.VolumeType && int(awssdk.ToInt32(vol.Size)) == want.VolumeSize {
		return nil
	}
	_, err = p.ec2.ModifyVolume(ctx, &ec2.ModifyVolumeInput{
		VolumeId:   awssdk.String(volumeID),
		VolumeType: ec2types.VolumeType(want.VolumeType),
		Size:       awssdk.Int32(int32(want.VolumeSize)),
	})
	if err != nil {
		return fmt.Errorf("failed to modify root volume %s: %w", volumeID, err)
	}
	return nil
}
