package dummy

import (
	"time"

	"github.com/cloudypad/cloudypad/pkg/state"
)

// ProviderName is the provider tag of dummy instances.
const ProviderName = "dummy"

// DefaultPrivateKeyPath fills the ssh key of dummy instances created without
// one. Dummy servers configure themselves and never read it.
const DefaultPrivateKeyPath = "~/.ssh/id_dummy"

// ProvisionInput is the provision input of a dummy instance. Delays emulate
// the latency of a real cloud.
type ProvisionInput struct {
	state.CommonProvisionInput `yaml:",inline"`

	InstanceType                     string `yaml:"instanceType" validate:"required"`
	StartDelaySeconds                int    `yaml:"startDelaySeconds,omitempty" validate:"min=0"`
	StopDelaySeconds                 int    `yaml:"stopDelaySeconds,omitempty" validate:"min=0"`
	ProvisioningDelaySeconds         int    `yaml:"provisioningDelaySeconds,omitempty" validate:"min=0"`
	ConfigurationDelaySeconds        int    `yaml:"configurationDelaySeconds,omitempty" validate:"min=0"`
	ReadinessAfterStartDelaySeconds  int    `yaml:"readinessAfterStartDelaySeconds,omitempty" validate:"min=0"`
	InitialServerStateAfterProvision string `yaml:"initialServerStateAfterProvision,omitempty" validate:"omitempty,oneof=running stopped"`
	DataDiskSizeGb                   int    `yaml:"dataDiskSizeGb,omitempty" validate:"min=0"`
}

// ProvisionOutput is the provision output of a dummy instance.
type ProvisionOutput struct {
	state.CommonProvisionOutput `yaml:",inline"`

	ProvisionedAt int64 `yaml:"provisionedAt,omitempty"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
