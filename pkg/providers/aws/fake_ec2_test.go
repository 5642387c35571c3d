package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 is an in-memory EC2 where every state change completes at once.
type fakeEC2 struct {
	mu sync.Mutex

	seq        int
	instances  map[string]*types.Instance
	volumes    map[string]*types.Volume
	snapshots  map[string]*types.Snapshot
	images     map[string]*types.Image
	groups     map[string]*types.SecurityGroup
	keyPairs   map[string]*types.KeyPairInfo
	addresses  map[string]*types.Address
	calls      map[string]int
	runInputs  []*ec2.RunInstancesInput
	imageInput *ec2.CreateImageInput
}

func newFakeEC2() *fakeEC2 {
	f := &fakeEC2{
		instances: map[string]*types.Instance{},
		volumes:   map[string]*types.Volume{},
		snapshots: map[string]*types.Snapshot{},
		images:    map[string]*types.Image{},
		groups:    map[string]*types.SecurityGroup{},
		keyPairs:  map[string]*types.KeyPairInfo{},
		addresses: map[string]*types.Address{},
		calls:     map[string]int{},
	}
	f.images["ami-old"] = &types.Image{
		ImageId:        aws.String("ami-old"),
		CreationDate:   aws.String("2024-04-01T00:00:00.000Z"),
		RootDeviceName: aws.String("/dev/sda1"),
		State:          types.ImageStateAvailable,
		OwnerId:        aws.String(ubuntuOwner),
	}
	f.images["ami-ubuntu"] = &types.Image{
		ImageId:        aws.String("ami-ubuntu"),
		CreationDate:   aws.String("2025-06-01T00:00:00.000Z"),
		RootDeviceName: aws.String("/dev/sda1"),
		State:          types.ImageStateAvailable,
		OwnerId:        aws.String(ubuntuOwner),
	}
	return f
}

func (f *fakeEC2) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

func (f *fakeEC2) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

func tagsFor(specs []types.TagSpecification, rt types.ResourceType) []types.Tag {
	var tags []types.Tag
	for _, s := range specs {
		if s.ResourceType == rt {
			tags = append(tags, s.Tags...)
		}
	}
	return tags
}

// matches applies EC2 style filters: tag:<key> filters against tags, other
// names against attrs.
func matches(filters []types.Filter, tags []types.Tag, attrs map[string]string) bool {
	for _, filter := range filters {
		name := aws.ToString(filter.Name)
		var value string
		var found bool
		if len(name) > 4 && name[:4] == "tag:" {
			for _, t := range tags {
				if aws.ToString(t.Key) == name[4:] {
					value, found = aws.ToString(t.Value), true
				}
			}
		} else {
			value, found = attrs[name]
		}
		if !found {
			return false
		}
		ok := false
		for _, v := range filter.Values {
			if v == value {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *fakeEC2) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeInstances"]++

	var found []types.Instance
	if len(params.InstanceIds) > 0 {
		for _, id := range params.InstanceIds {
			inst, ok := f.instances[id]
			if !ok {
				return nil, notFound("InvalidInstanceID.NotFound")
			}
			found = append(found, *inst)
		}
	} else {
		for _, inst := range f.instances {
			if matches(params.Filters, inst.Tags, map[string]string{"instance-state-name": string(inst.State.Name)}) {
				found = append(found, *inst)
			}
		}
	}

	out := &ec2.DescribeInstancesOutput{}
	if len(found) > 0 {
		out.Reservations = []types.Reservation{{Instances: found}}
	}
	return out, nil
}

func (f *fakeEC2) DescribeImages(_ context.Context, params *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeImages"]++

	out := &ec2.DescribeImagesOutput{}
	if len(params.ImageIds) > 0 {
		for _, id := range params.ImageIds {
			if img, ok := f.images[id]; ok {
				out.Images = append(out.Images, *img)
			}
		}
		return out, nil
	}
	for _, img := range f.images {
		if aws.ToString(img.OwnerId) == ubuntuOwner {
			out.Images = append(out.Images, *img)
		}
	}
	return out, nil
}

func (f *fakeEC2) DescribeVolumes(_ context.Context, params *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeVolumes"]++

	out := &ec2.DescribeVolumesOutput{}
	if len(params.VolumeIds) > 0 {
		for _, id := range params.VolumeIds {
			vol, ok := f.volumes[id]
			if !ok {
				return nil, notFound("InvalidVolume.NotFound")
			}
			out.Volumes = append(out.Volumes, *vol)
		}
		return out, nil
	}
	for _, vol := range f.volumes {
		if matches(params.Filters, vol.Tags, map[string]string{"status": string(vol.State)}) {
			out.Volumes = append(out.Volumes, *vol)
		}
	}
	return out, nil
}

func (f *fakeEC2) DescribeSnapshots(_ context.Context, params *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &ec2.DescribeSnapshotsOutput{}
	for _, id := range params.SnapshotIds {
		snap, ok := f.snapshots[id]
		if !ok {
			return nil, notFound("InvalidSnapshot.NotFound")
		}
		out.Snapshots = append(out.Snapshots, *snap)
	}
	return out, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, params *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RunInstances"]++
	f.runInputs = append(f.runInputs, params)

	zone := "eu-west-3a"
	if params.Placement != nil {
		zone = aws.ToString(params.Placement.AvailabilityZone)
	}
	id := f.nextID("i")
	rootVol := f.nextID("vol")
	rootDevice := params.BlockDeviceMappings[0].DeviceName

	f.volumes[rootVol] = &types.Volume{
		VolumeId:         aws.String(rootVol),
		State:            types.VolumeStateInUse,
		AvailabilityZone: aws.String(zone),
		Attachments:      []types.VolumeAttachment{{InstanceId: aws.String(id)}},
		Tags:             tagsFor(params.TagSpecifications, types.ResourceTypeVolume),
	}
	inst := &types.Instance{
		InstanceId:      aws.String(id),
		ImageId:         params.ImageId,
		State:           &types.InstanceState{Name: types.InstanceStateNameRunning},
		PublicIpAddress: aws.String(fmt.Sprintf("3.0.0.%d", f.seq)),
		Placement:       &types.Placement{AvailabilityZone: aws.String(zone)},
		RootDeviceName:  rootDevice,
		BlockDeviceMappings: []types.InstanceBlockDeviceMapping{{
			DeviceName: rootDevice,
			Ebs:        &types.EbsInstanceBlockDevice{VolumeId: aws.String(rootVol)},
		}},
		Tags: tagsFor(params.TagSpecifications, types.ResourceTypeInstance),
	}
	f.instances[id] = inst
	return &ec2.RunInstancesOutput{Instances: []types.Instance{*inst}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TerminateInstances"]++

	for _, id := range params.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, notFound("InvalidInstanceID.NotFound")
		}
		inst.State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
		for _, m := range inst.BlockDeviceMappings {
			delete(f.volumes, aws.ToString(m.Ebs.VolumeId))
		}
		for _, vol := range f.volumes {
			if attachedTo(vol, id) {
				vol.Attachments = nil
				vol.State = types.VolumeStateAvailable
			}
		}
		for _, addr := range f.addresses {
			if aws.ToString(addr.InstanceId) == id {
				addr.InstanceId = nil
			}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) setState(ids []string, name types.InstanceStateName) error {
	for _, id := range ids {
		inst, ok := f.instances[id]
		if !ok {
			return notFound("InvalidInstanceID.NotFound")
		}
		inst.State = &types.InstanceState{Name: name}
	}
	return nil
}

func (f *fakeEC2) StartInstances(_ context.Context, params *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["StartInstances"]++
	return &ec2.StartInstancesOutput{}, f.setState(params.InstanceIds, types.InstanceStateNameRunning)
}

func (f *fakeEC2) StopInstances(_ context.Context, params *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["StopInstances"]++
	return &ec2.StopInstancesOutput{}, f.setState(params.InstanceIds, types.InstanceStateNameStopped)
}

func (f *fakeEC2) RebootInstances(_ context.Context, params *ec2.RebootInstancesInput, _ ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RebootInstances"]++
	return &ec2.RebootInstancesOutput{}, f.setState(params.InstanceIds, types.InstanceStateNameRunning)
}

func (f *fakeEC2) CreateImage(_ context.Context, params *ec2.CreateImageInput, _ ...func(*ec2.Options)) (*ec2.CreateImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateImage"]++
	f.imageInput = params

	id := f.nextID("ami")
	f.images[id] = &types.Image{
		ImageId:        aws.String(id),
		Name:           params.Name,
		CreationDate:   aws.String("2026-01-01T00:00:00.000Z"),
		RootDeviceName: aws.String("/dev/sda1"),
		State:          types.ImageStateAvailable,
	}
	return &ec2.CreateImageOutput{ImageId: aws.String(id)}, nil
}

func (f *fakeEC2) DeregisterImage(_ context.Context, params *ec2.DeregisterImageInput, _ ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeregisterImage"]++

	id := aws.ToString(params.ImageId)
	if _, ok := f.images[id]; !ok {
		return nil, notFound("InvalidAMIID.NotFound")
	}
	delete(f.images, id)
	return &ec2.DeregisterImageOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, g := range f.groups {
		if matches(params.Filters, g.Tags, map[string]string{"group-name": aws.ToString(g.GroupName)}) {
			out.SecurityGroups = append(out.SecurityGroups, *g)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, params *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateSecurityGroup"]++

	id := f.nextID("sg")
	f.groups[id] = &types.SecurityGroup{
		GroupId:   aws.String(id),
		GroupName: params.GroupName,
		Tags:      tagsFor(params.TagSpecifications, types.ResourceTypeSecurityGroup),
	}
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[aws.ToString(params.GroupId)]
	if !ok {
		return nil, notFound("InvalidGroup.NotFound")
	}
	g.IpPermissions = append(g.IpPermissions, params.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, params *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(params.GroupId)
	if _, ok := f.groups[id]; !ok {
		return nil, notFound("InvalidGroup.NotFound")
	}
	delete(f.groups, id)
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) DescribeKeyPairs(_ context.Context, params *ec2.DescribeKeyPairsInput, _ ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &ec2.DescribeKeyPairsOutput{}
	for _, name := range params.KeyNames {
		kp, ok := f.keyPairs[name]
		if !ok {
			return nil, notFound("InvalidKeyPair.NotFound")
		}
		out.KeyPairs = append(out.KeyPairs, *kp)
	}
	return out, nil
}

func (f *fakeEC2) ImportKeyPair(_ context.Context, params *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ImportKeyPair"]++

	name := aws.ToString(params.KeyName)
	f.keyPairs[name] = &types.KeyPairInfo{KeyName: params.KeyName, PublicKey: aws.String(string(params.PublicKeyMaterial))}
	return &ec2.ImportKeyPairOutput{KeyName: params.KeyName}, nil
}

func (f *fakeEC2) DeleteKeyPair(_ context.Context, params *ec2.DeleteKeyPairInput, _ ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.keyPairs, aws.ToString(params.KeyName))
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) CreateVolume(_ context.Context, params *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateVolume"]++

	id := f.nextID("vol")
	f.volumes[id] = &types.Volume{
		VolumeId:         aws.String(id),
		State:            types.VolumeStateAvailable,
		AvailabilityZone: params.AvailabilityZone,
		SnapshotId:       params.SnapshotId,
		Size:             params.Size,
		Tags:             tagsFor(params.TagSpecifications, types.ResourceTypeVolume),
	}
	return &ec2.CreateVolumeOutput{VolumeId: aws.String(id)}, nil
}

func (f *fakeEC2) AttachVolume(_ context.Context, params *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AttachVolume"]++

	vol, ok := f.volumes[aws.ToString(params.VolumeId)]
	if !ok {
		return nil, notFound("InvalidVolume.NotFound")
	}
	inst, ok := f.instances[aws.ToString(params.InstanceId)]
	if !ok {
		return nil, notFound("InvalidInstanceID.NotFound")
	}
	if aws.ToString(vol.AvailabilityZone) != aws.ToString(inst.Placement.AvailabilityZone) {
		return nil, &smithy.GenericAPIError{Code: "InvalidVolume.ZoneMismatch", Message: "zone mismatch"}
	}
	vol.State = types.VolumeStateInUse
	vol.Attachments = []types.VolumeAttachment{{InstanceId: params.InstanceId, Device: params.Device}}
	return &ec2.AttachVolumeOutput{}, nil
}

func (f *fakeEC2) DetachVolume(_ context.Context, params *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vol, ok := f.volumes[aws.ToString(params.VolumeId)]
	if !ok {
		return nil, notFound("InvalidVolume.NotFound")
	}
	vol.State = types.VolumeStateAvailable
	vol.Attachments = nil
	return &ec2.DetachVolumeOutput{}, nil
}

func (f *fakeEC2) DeleteVolume(_ context.Context, params *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteVolume"]++

	id := aws.ToString(params.VolumeId)
	if _, ok := f.volumes[id]; !ok {
		return nil, notFound("InvalidVolume.NotFound")
	}
	delete(f.volumes, id)
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) CreateSnapshot(_ context.Context, params *ec2.CreateSnapshotInput, _ ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateSnapshot"]++

	if _, ok := f.volumes[aws.ToString(params.VolumeId)]; !ok {
		return nil, notFound("InvalidVolume.NotFound")
	}
	id := f.nextID("snap")
	f.snapshots[id] = &types.Snapshot{
		SnapshotId: aws.String(id),
		VolumeId:   params.VolumeId,
		State:      types.SnapshotStateCompleted,
	}
	return &ec2.CreateSnapshotOutput{SnapshotId: aws.String(id)}, nil
}

func (f *fakeEC2) DeleteSnapshot(_ context.Context, params *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteSnapshot"]++

	id := aws.ToString(params.SnapshotId)
	if _, ok := f.snapshots[id]; !ok {
		return nil, notFound("InvalidSnapshot.NotFound")
	}
	delete(f.snapshots, id)
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeEC2) DescribeAddresses(_ context.Context, params *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &ec2.DescribeAddressesOutput{}
	for _, addr := range f.addresses {
		if matches(params.Filters, addr.Tags, nil) {
			out.Addresses = append(out.Addresses, *addr)
		}
	}
	return out, nil
}

func (f *fakeEC2) AllocateAddress(_ context.Context, params *ec2.AllocateAddressInput, _ ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AllocateAddress"]++

	id := f.nextID("eipalloc")
	ip := fmt.Sprintf("15.0.0.%d", f.seq)
	f.addresses[id] = &types.Address{
		AllocationId: aws.String(id),
		PublicIp:     aws.String(ip),
		Tags:         tagsFor(params.TagSpecifications, types.ResourceTypeElasticIp),
	}
	return &ec2.AllocateAddressOutput{AllocationId: aws.String(id), PublicIp: aws.String(ip)}, nil
}

func (f *fakeEC2) AssociateAddress(_ context.Context, params *ec2.AssociateAddressInput, _ ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr, ok := f.addresses[aws.ToString(params.AllocationId)]
	if !ok {
		return nil, notFound("InvalidAllocationID.NotFound")
	}
	addr.InstanceId = params.InstanceId
	return &ec2.AssociateAddressOutput{}, nil
}

func (f *fakeEC2) ReleaseAddress(_ context.Context, params *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ReleaseAddress"]++

	delete(f.addresses, aws.ToString(params.AllocationId))
	return &ec2.ReleaseAddressOutput{}, nil
}

var _ EC2API = (*fakeEC2)(nil)
