package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

func resourceName(name string) string {
	return "cloudypad-" + name
}

func tagSpec(name string, rt types.ResourceType) []types.TagSpecification {
	return []types.TagSpecification{{
		ResourceType: rt,
		Tags: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String(resourceName(name))},
			{Key: aws.String(tagInstance), Value: aws.String(name)},
		},
	}}
}

func tagFilter(name string) types.Filter {
	return types.Filter{Name: aws.String("tag:" + tagInstance), Values: []string{name}}
}

// findInstance returns the live instance tagged for name, if any.
func (b *Backend) findInstance(ctx context.Context, name string) (*types.Instance, error) {
	out, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			tagFilter(name),
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, apiError("describe instances", err)
	}
	return firstInstance(out), nil
}

// describeInstance returns the instance with id, or nil if it does not exist.
func (b *Backend) describeInstance(ctx context.Context, id string) (*types.Instance, error) {
	out, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err, "InvalidInstanceID.NotFound") {
			return nil, nil
		}
		return nil, apiError("describe instance "+id, err)
	}
	return firstInstance(out), nil
}

// image resolves the image to boot: override when set, else the latest
// Ubuntu LTS image.
func (b *Backend) image(ctx context.Context, override string) (*types.Image, error) {
	params := &ec2.DescribeImagesInput{}
	if override != "" {
		params.ImageIds = []string{override}
	} else {
		params.Owners = []string{ubuntuOwner}
		params.Filters = []types.Filter{
			{Name: aws.String("name"), Values: []string{ubuntuImageName}},
			{Name: aws.String("state"), Values: []string{"available"}},
		}
	}

	out, err := b.client.DescribeImages(ctx, params)
	if err != nil {
		return nil, apiError("describe images", err)
	}
	if len(out.Images) == 0 {
		return nil, engine.NewProviderError(fmt.Sprintf("no image found (override=%q)", override), nil)
	}

	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return &images[0], nil
}

func (b *Backend) ensureSecurityGroup(ctx context.Context, name string) (string, error) {
	groupName := resourceName(name)
	out, err := b.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{{Name: aws.String("group-name"), Values: []string{groupName}}},
	})
	if err != nil {
		return "", apiError("describe security groups", err)
	}
	if len(out.SecurityGroups) > 0 {
		return aws.ToString(out.SecurityGroups[0].GroupId), nil
	}

	created, err := b.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(groupName),
		Description:       aws.String("Cloudy Pad instance " + name),
		TagSpecifications: tagSpec(name, types.ResourceTypeSecurityGroup),
	})
	if err != nil {
		return "", apiError("create security group", err)
	}
	groupID := aws.ToString(created.GroupId)

	_, err = b.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []types.IpPermission{
			ingress("tcp", 22, 22),
			ingress("tcp", 47984, 48010),
			ingress("udp", 47998, 48010),
		},
	})
	if err != nil {
		return "", apiError("authorize security group ingress", err)
	}

	log.Debug().Str("instance", name).Str("securityGroupId", groupID).Msg("Security group created")
	return groupID, nil
}

func ingress(protocol string, from, to int32) types.IpPermission {
	return types.IpPermission{
		IpProtocol: aws.String(protocol),
		FromPort:   aws.Int32(from),
		ToPort:     aws.Int32(to),
		IpRanges:   []types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
	}
}

// ensureKeyPair imports the public half of the instance SSH key.
func (b *Backend) ensureKeyPair(ctx context.Context, name string, sshCfg state.SSHConfig) (string, error) {
	keyName := resourceName(name)
	_, err := b.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{keyName}})
	if err == nil {
		return keyName, nil
	}
	if !isNotFound(err, "InvalidKeyPair.NotFound") {
		return "", apiError("describe key pairs", err)
	}

	publicKey, err := sshtransport.ForHost("", sshCfg).AuthorizedKey()
	if err != nil {
		return "", engine.NewPreconditionError("ssh", err.Error())
	}

	_, err = b.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(keyName),
		PublicKeyMaterial: publicKey,
		TagSpecifications: tagSpec(name, types.ResourceTypeKeyPair),
	})
	if err != nil {
		return "", apiError("import key pair", err)
	}
	return keyName, nil
}

// ensureAddress returns the elastic IP of the instance, allocating it when absent.
func (b *Backend) ensureAddress(ctx context.Context, name string) (types.Address, error) {
	out, err := b.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: []types.Filter{tagFilter(name)},
	})
	if err != nil {
		return types.Address{}, apiError("describe addresses", err)
	}
	if len(out.Addresses) > 0 {
		return out.Addresses[0], nil
	}

	allocated, err := b.client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            types.DomainTypeVpc,
		TagSpecifications: tagSpec(name, types.ResourceTypeElasticIp),
	})
	if err != nil {
		return types.Address{}, apiError("allocate address", err)
	}
	return types.Address{AllocationId: allocated.AllocationId, PublicIp: allocated.PublicIp}, nil
}

type launchSpec struct {
	name            string
	input           *ProvisionInput
	image           *types.Image
	securityGroupID string
	keyName         string
	zone            string
}

func (b *Backend) launch(ctx context.Context, spec launchSpec) (string, error) {
	params := &ec2.RunInstancesInput{
		ImageId:          spec.image.ImageId,
		InstanceType:     types.InstanceType(spec.input.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		KeyName:          aws.String(spec.keyName),
		SecurityGroupIds: []string{spec.securityGroupID},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: spec.image.RootDeviceName,
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(spec.input.DiskSize)),
				VolumeType:          types.VolumeTypeGp3,
				Encrypted:           aws.Bool(true),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		TagSpecifications: append(
			tagSpec(spec.name, types.ResourceTypeInstance),
			tagSpec(spec.name, types.ResourceTypeVolume)...,
		),
	}
	if spec.zone != "" {
		params.Placement = &types.Placement{AvailabilityZone: aws.String(spec.zone)}
	}
	if spec.input.UseSpot {
		params.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypePersistent,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorStop,
			},
		}
	}

	out, err := b.client.RunInstances(ctx, params)
	if err != nil {
		return "", apiError("run instance", err)
	}
	if len(out.Instances) == 0 {
		return "", engine.NewProviderError("no instance created", nil)
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	log.Info().Str("instance", spec.name).Str("instanceId", id).Msg("EC2 instance launched")
	return id, nil
}

func (b *Backend) waitRunning(ctx context.Context, id string) (*types.Instance, error) {
	out, err := ec2.NewInstanceRunningWaiter(b.client).WaitForOutput(ctx,
		&ec2.DescribeInstancesInput{InstanceIds: []string{id}}, b.waitTimeout)
	if err != nil {
		return nil, apiError("wait for instance "+id+" running", err)
	}
	if inst := firstInstance(out); inst != nil {
		return inst, nil
	}
	return nil, engine.NewProviderError("instance "+id+" vanished", nil)
}

func firstInstance(out *ec2.DescribeInstancesOutput) *types.Instance {
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return &r.Instances[0]
		}
	}
	return nil
}

func (b *Backend) terminate(ctx context.Context, id string) error {
	_, err := b.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err, "InvalidInstanceID.NotFound") {
			return nil
		}
		return apiError("terminate instance "+id, err)
	}
	err = ec2.NewInstanceTerminatedWaiter(b.client).Wait(ctx,
		&ec2.DescribeInstancesInput{InstanceIds: []string{id}}, b.waitTimeout)
	if err != nil {
		return apiError("wait for instance "+id+" terminated", err)
	}
	return nil
}

func rootDiskID(inst *types.Instance) string {
	for _, m := range inst.BlockDeviceMappings {
		if aws.ToString(m.DeviceName) == aws.ToString(inst.RootDeviceName) && m.Ebs != nil {
			return aws.ToString(m.Ebs.VolumeId)
		}
	}
	return ""
}

func zoneOf(inst *types.Instance) string {
	if inst.Placement == nil {
		return ""
	}
	return aws.ToString(inst.Placement.AvailabilityZone)
}

// findDataDisk returns the data volume tagged for name, if any.
func (b *Backend) findDataDisk(ctx context.Context, name string) (*types.Volume, error) {
	out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{
			tagFilter(name),
			{Name: aws.String("tag:cloudypad:role"), Values: []string{"data"}},
			{Name: aws.String("status"), Values: []string{"creating", "available", "in-use"}},
		},
	})
	if err != nil {
		return nil, apiError("describe volumes", err)
	}
	if len(out.Volumes) == 0 {
		return nil, nil
	}
	return &out.Volumes[0], nil
}

func (b *Backend) describeVolume(ctx context.Context, id string) (*types.Volume, error) {
	out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		return nil, apiError("describe volume "+id, err)
	}
	if len(out.Volumes) == 0 {
		return nil, engine.NewProviderError("volume "+id+" not found", nil)
	}
	return &out.Volumes[0], nil
}

// createDataDisk creates the data volume in zone, from snapshotID when set.
func (b *Backend) createDataDisk(ctx context.Context, name, zone string, sizeGb int, snapshotID string) (string, error) {
	spec := tagSpec(name, types.ResourceTypeVolume)
	spec[0].Tags = append(spec[0].Tags, types.Tag{Key: aws.String("cloudypad:role"), Value: aws.String("data")})

	params := &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(zone),
		VolumeType:        types.VolumeTypeGp3,
		Encrypted:         aws.Bool(true),
		TagSpecifications: spec,
	}
	if sizeGb > 0 {
		params.Size = aws.Int32(int32(sizeGb))
	}
	if snapshotID != "" {
		params.SnapshotId = aws.String(snapshotID)
	}

	out, err := b.client.CreateVolume(ctx, params)
	if err != nil {
		return "", apiError("create data volume", err)
	}
	id := aws.ToString(out.VolumeId)

	err = ec2.NewVolumeAvailableWaiter(b.client).Wait(ctx,
		&ec2.DescribeVolumesInput{VolumeIds: []string{id}}, b.waitTimeout)
	if err != nil {
		return "", apiError("wait for volume "+id+" available", err)
	}
	return id, nil
}

func (b *Backend) attachDataDisk(ctx context.Context, volumeID, instanceID string) error {
	_, err := b.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(dataDiskDevice),
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
	})
	if err != nil {
		return apiError("attach volume "+volumeID, err)
	}
	err = ec2.NewVolumeInUseWaiter(b.client).Wait(ctx,
		&ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, b.waitTimeout)
	if err != nil {
		return apiError("wait for volume "+volumeID+" attached", err)
	}
	return nil
}

func attachedTo(vol *types.Volume, instanceID string) bool {
	for _, a := range vol.Attachments {
		if aws.ToString(a.InstanceId) == instanceID {
			return true
		}
	}
	return false
}

// publicHost associates the elastic IP for static addressing and returns
// the public address of the instance.
func (b *Backend) publicHost(ctx context.Context, name string, in *ProvisionInput, inst *types.Instance) (string, string, error) {
	if in.HasDynamicIP() {
		return aws.ToString(inst.PublicIpAddress), "", nil
	}

	addr, err := b.ensureAddress(ctx, name)
	if err != nil {
		return "", "", err
	}
	_, err = b.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: addr.AllocationId,
		InstanceId:   inst.InstanceId,
	})
	if err != nil {
		return "", "", apiError("associate address", err)
	}
	return aws.ToString(addr.PublicIp), aws.ToString(addr.AllocationId), nil
}
