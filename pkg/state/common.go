package state

import "github.com/cloudypad/cloudypad/pkg/engine"

// Output field names shared by every provider.
const (
	OutputHost               = "host"
	OutputInstanceID         = "instanceId"
	OutputRootDiskID         = "rootDiskId"
	OutputDataDiskID         = "dataDiskId"
	OutputDataDiskSnapshotID = "dataDiskSnapshotId"
	OutputBaseImageID        = "baseImageId"
)

// SSHConfig describes how to reach an instance host.
type SSHConfig struct {
	User                    string `yaml:"user" json:"user" validate:"required"`
	PrivateKeyPath          string `yaml:"privateKeyPath,omitempty" json:"privateKeyPath,omitempty"`
	PrivateKeyContentBase64 string `yaml:"privateKeyContentBase64,omitempty" json:"privateKeyContentBase64,omitempty"`
	Port                    int    `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// HasKey reports whether a private key is configured.
func (s SSHConfig) HasKey() bool {
	return s.PrivateKeyPath != "" || s.PrivateKeyContentBase64 != ""
}

// SnapshotOption toggles a snapshot feature.
type SnapshotOption struct {
	Enable bool `yaml:"enable" json:"enable"`

	// KeepOnDeletion keeps the snapshot when the instance is destroyed.
	KeepOnDeletion bool `yaml:"keepOnDeletion,omitempty" json:"keepOnDeletion,omitempty"`
}

// CommonProvisionInput holds the provision input fields every provider understands.
type CommonProvisionInput struct {
	SSH                        SSHConfig       `yaml:"ssh" json:"ssh"`
	PublicIPType               string          `yaml:"publicIpType,omitempty" json:"publicIpType,omitempty" validate:"omitempty,oneof=static dynamic"`
	DeleteInstanceServerOnStop bool            `yaml:"deleteInstanceServerOnStop,omitempty" json:"deleteInstanceServerOnStop,omitempty"`
	DataDiskSnapshot           *SnapshotOption `yaml:"dataDiskSnapshot,omitempty" json:"dataDiskSnapshot,omitempty"`
	BaseImageSnapshot          *SnapshotOption `yaml:"baseImageSnapshot,omitempty" json:"baseImageSnapshot,omitempty"`
}

// DataDiskSnapshotEnabled reports whether the data disk is snapshotted on stop.
func (c CommonProvisionInput) DataDiskSnapshotEnabled() bool {
	return c.DataDiskSnapshot != nil && c.DataDiskSnapshot.Enable
}

// HasDynamicIP reports whether the public IP changes when the server is recreated.
func (c CommonProvisionInput) HasDynamicIP() bool {
	return c.PublicIPType == "dynamic"
}

// BaseImageSnapshotEnabled reports whether a base image is captured after configuration.
func (c CommonProvisionInput) BaseImageSnapshotEnabled() bool {
	return c.BaseImageSnapshot != nil && c.BaseImageSnapshot.Enable
}

// CommonProvisionOutput holds the provision output fields every provider may report.
type CommonProvisionOutput struct {
	Host               string `yaml:"host,omitempty" json:"host,omitempty"`
	InstanceID         string `yaml:"instanceId,omitempty" json:"instanceId,omitempty"`
	RootDiskID         string `yaml:"rootDiskId,omitempty" json:"rootDiskId,omitempty"`
	DataDiskID         string `yaml:"dataDiskId,omitempty" json:"dataDiskId,omitempty"`
	DataDiskSnapshotID string `yaml:"dataDiskSnapshotId,omitempty" json:"dataDiskSnapshotId,omitempty"`
	BaseImageID        string `yaml:"baseImageId,omitempty" json:"baseImageId,omitempty"`
}

// StreamingServerInput enables one of the supported streaming servers.
type StreamingServerInput struct {
	Enable bool `yaml:"enable" json:"enable"`

	// Options are passed through to the configurator.
	Options map[string]interface{} `yaml:",inline" json:"options,omitempty"`
}

// CommonConfigurationInput holds the configuration input fields every configurator understands.
// At most one streaming server may be enabled.
type CommonConfigurationInput struct {
	Sunshine *StreamingServerInput `yaml:"sunshine,omitempty" json:"sunshine,omitempty"`
	Wolf     *StreamingServerInput `yaml:"wolf,omitempty" json:"wolf,omitempty"`
}

// StreamingServer returns the enabled streaming server name, or "" if none.
func (c CommonConfigurationInput) StreamingServer() string {
	switch {
	case c.Sunshine != nil && c.Sunshine.Enable:
		return "sunshine"
	case c.Wolf != nil && c.Wolf.Enable:
		return "wolf"
	default:
		return ""
	}
}

// Validate checks that sunshine and wolf are not both enabled.
func (c CommonConfigurationInput) Validate() error {
	if c.Sunshine != nil && c.Sunshine.Enable && c.Wolf != nil && c.Wolf.Enable {
		return engine.NewValidationError("configuration.input", "sunshine and wolf cannot both be enabled")
	}
	return nil
}
