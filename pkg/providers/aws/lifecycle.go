package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// SnapshotDataDisk snapshots the data volume, then detaches and deletes it.
// The previous snapshot, if any, is deleted once the new one completes.
func (b *Backend) SnapshotDataDisk(ctx context.Context, inst engine.InstanceContext) (string, error) {
	_, out, err := b.decode(inst)
	if err != nil {
		return "", err
	}
	if out.DataDiskID == "" {
		return "", engine.NewPreconditionError(state.OutputDataDiskID, "instance has no data disk").WithInstance(inst.Name)
	}

	snap, err := b.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:          aws.String(out.DataDiskID),
		Description:       aws.String("Cloudy Pad data disk of " + inst.Name),
		TagSpecifications: tagSpec(inst.Name, types.ResourceTypeSnapshot),
	})
	if err != nil {
		return "", apiError("snapshot data volume", err)
	}
	snapshotID := aws.ToString(snap.SnapshotId)

	err = ec2.NewSnapshotCompletedWaiter(b.client).Wait(ctx,
		&ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}}, b.waitTimeout)
	if err != nil {
		return "", apiError("wait for snapshot "+snapshotID, err)
	}
	log.Info().Str("instance", inst.Name).Str("snapshotId", snapshotID).Msg("Data disk snapshot completed")

	if _, err := b.client.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(out.DataDiskID)}); err != nil &&
		!isNotFound(err, "IncorrectState", "InvalidAttachment.NotFound") {
		return "", apiError("detach data volume", err)
	}
	err = ec2.NewVolumeAvailableWaiter(b.client).Wait(ctx,
		&ec2.DescribeVolumesInput{VolumeIds: []string{out.DataDiskID}}, b.waitTimeout)
	if err != nil {
		return "", apiError("wait for data volume detached", err)
	}
	if _, err := b.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(out.DataDiskID)}); err != nil {
		return "", apiError("delete data volume", err)
	}

	if out.DataDiskSnapshotID != "" && out.DataDiskSnapshotID != snapshotID {
		if err := b.deleteSnapshot(ctx, out.DataDiskSnapshotID); err != nil {
			log.Warn().Err(err).Str("snapshotId", out.DataDiskSnapshotID).Msg("Failed to delete previous data disk snapshot")
		}
	}
	return snapshotID, nil
}

// DestroyServer terminates the instance. The root volume goes with it.
func (b *Backend) DestroyServer(ctx context.Context, inst engine.InstanceContext) error {
	id, _ := inst.ProvisionOutput[state.OutputInstanceID].(string)
	if id == "" {
		return nil
	}
	log.Info().Str("instance", inst.Name).Str("instanceId", id).Msg("Terminating EC2 instance")
	return b.terminate(ctx, id)
}

// RecreateServer launches a new instance for an archived instance and
// restores its data disk.
func (b *Backend) RecreateServer(ctx context.Context, inst engine.InstanceContext, opts engine.RecreateOptions) (map[string]interface{}, error) {
	in, out, err := b.decode(inst)
	if err != nil {
		return nil, err
	}
	if out.InstanceID != "" {
		return nil, engine.NewPreconditionError(state.OutputInstanceID, "server still exists").WithInstance(inst.Name)
	}

	imageID := opts.BaseImageID
	if imageID == "" {
		imageID = in.ImageID
	}
	img, err := b.image(ctx, imageID)
	if err != nil {
		return nil, err
	}

	if out.SecurityGroupID == "" {
		if out.SecurityGroupID, err = b.ensureSecurityGroup(ctx, inst.Name); err != nil {
			return nil, err
		}
	}
	keyName, err := b.ensureKeyPair(ctx, inst.Name, in.SSH)
	if err != nil {
		return nil, err
	}

	// an existing volume pins the instance to its zone
	var zone string
	if opts.DataDiskSnapshotID == "" && opts.DataDiskID != "" {
		vol, err := b.describeVolume(ctx, opts.DataDiskID)
		if err != nil {
			return nil, err
		}
		zone = aws.ToString(vol.AvailabilityZone)
	}

	instanceID, err := b.launch(ctx, launchSpec{
		name:            inst.Name,
		input:           in,
		image:           img,
		securityGroupID: out.SecurityGroupID,
		keyName:         keyName,
		zone:            zone,
	})
	if err != nil {
		return nil, err
	}
	running, err := b.waitRunning(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		state.OutputInstanceID: instanceID,
		state.OutputRootDiskID: rootDiskID(running),
	}

	dataDiskID := opts.DataDiskID
	if opts.DataDiskSnapshotID != "" {
		dataDiskID, err = b.createDataDisk(ctx, inst.Name, zoneOf(running), in.DataDiskSizeGb, opts.DataDiskSnapshotID)
		if err != nil {
			return nil, err
		}
	}
	if dataDiskID != "" {
		if err := b.attachDataDisk(ctx, dataDiskID, instanceID); err != nil {
			return nil, err
		}
		result[state.OutputDataDiskID] = dataDiskID
	}

	host, allocationID, err := b.publicHost(ctx, inst.Name, in, running)
	if err != nil {
		return nil, err
	}
	result[state.OutputHost] = host
	if allocationID != "" {
		result["allocationId"] = allocationID
	}
	return result, nil
}

// SnapshotBaseImage captures the root volume of the configured instance as
// an AMI. The data volume is excluded.
func (b *Backend) SnapshotBaseImage(ctx context.Context, inst engine.InstanceContext) (string, error) {
	_, out, err := b.decode(inst)
	if err != nil {
		return "", err
	}
	if out.InstanceID == "" {
		return "", engine.NewPreconditionError(state.OutputInstanceID, "instance has no server").WithInstance(inst.Name)
	}

	params := &ec2.CreateImageInput{
		InstanceId:        aws.String(out.InstanceID),
		Name:              aws.String(fmt.Sprintf("%s-%d", resourceName(inst.Name), time.Now().Unix())),
		NoReboot:          aws.Bool(true),
		TagSpecifications: tagSpec(inst.Name, types.ResourceTypeImage),
	}
	if out.DataDiskID != "" {
		params.BlockDeviceMappings = []types.BlockDeviceMapping{{
			DeviceName: aws.String(dataDiskDevice),
			NoDevice:   aws.String(""),
		}}
	}

	created, err := b.client.CreateImage(ctx, params)
	if err != nil {
		return "", apiError("create image", err)
	}
	imageID := aws.ToString(created.ImageId)

	err = ec2.NewImageAvailableWaiter(b.client).Wait(ctx,
		&ec2.DescribeImagesInput{ImageIds: []string{imageID}}, b.waitTimeout)
	if err != nil {
		return "", apiError("wait for image "+imageID, err)
	}

	log.Info().Str("instance", inst.Name).Str("imageId", imageID).Msg("Base image captured")
	return imageID, nil
}
