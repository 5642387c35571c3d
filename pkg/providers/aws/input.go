package aws

import (
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// ProviderName is the provider tag of AWS instances.
const ProviderName = "aws"

// ProvisionInput is the provision input of an AWS instance.
type ProvisionInput struct {
	state.CommonProvisionInput `yaml:",inline"`

	Region       string `yaml:"region" validate:"required"`
	InstanceType string `yaml:"instanceType" validate:"required"`

	// DiskSize is the root volume size in GB.
	DiskSize int `yaml:"diskSize" validate:"required,min=8"`

	// DataDiskSizeGb adds a separate data volume when positive.
	DataDiskSizeGb int `yaml:"dataDiskSizeGb,omitempty" validate:"min=0"`

	UseSpot bool `yaml:"useSpot,omitempty"`

	// ImageID overrides the default Ubuntu image.
	ImageID string `yaml:"imageId,omitempty"`
}

// ProvisionOutput is the provision output of an AWS instance.
type ProvisionOutput struct {
	state.CommonProvisionOutput `yaml:",inline"`

	SecurityGroupID string `yaml:"securityGroupId,omitempty"`
	KeyPairName     string `yaml:"keyPairName,omitempty"`
	AllocationID    string `yaml:"allocationId,omitempty"`
}

// instanceStatus maps EC2 instance state names.
var instanceStatus = engine.StatusVocabulary{
	string(types.InstanceStateNamePending):      engine.ServerStatusStarting,
	string(types.InstanceStateNameRunning):      engine.ServerStatusRunning,
	string(types.InstanceStateNameStopping):     engine.ServerStatusStopping,
	string(types.InstanceStateNameShuttingDown): engine.ServerStatusStopping,
	string(types.InstanceStateNameStopped):      engine.ServerStatusStopped,
}

const (
	// tagInstance marks every resource created for an instance.
	tagInstance = "cloudypad:instance"

	dataDiskDevice = "/dev/sdf"

	// Canonical publishes the default Ubuntu images.
	ubuntuOwner     = "099720109477"
	ubuntuImageName = "ubuntu/images/hvm-ssd-gp3/ubuntu-noble-24.04-amd64-server-*"
)
