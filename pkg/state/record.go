package state

import (
	"gopkg.in/yaml.v3"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = "2"

// Values holds provider or configurator specific fields.
// A nil Values is "absent"; an empty non-nil Values is "present but empty".
type Values map[string]interface{}

// IsZero reports whether v is absent. Used by yaml omitempty so that an empty
// but present output survives a round trip.
func (v Values) IsZero() bool {
	return v == nil
}

// UnmarshalYAML decodes v with nested mappings as plain maps. yaml.v3 would
// otherwise give every nested mapping the Values type.
func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]interface{}
	if err := node.Decode(&m); err != nil {
		return err
	}
	*v = m
	return nil
}

// Clone returns a deep copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return Values(cloneMap(v))
}

// Record is the persisted state of one instance.
type Record struct {
	// Name is the unique, immutable instance name. It is also the store key.
	Name string `yaml:"name" json:"name"`

	// Version is the schema version tag.
	Version string `yaml:"version" json:"version"`

	// Provision holds provider input and the output of the last provision.
	Provision ProvisionState `yaml:"provision" json:"provision"`

	// Configuration holds configurator input and the output of the last configuration.
	Configuration ConfigurationState `yaml:"configuration" json:"configuration"`

	// Metadata tracks the last successful provision and configuration.
	Metadata *Metadata `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Events is the bounded history of lifecycle events.
	Events EventLog `yaml:"events,omitempty" json:"events"`
}

// ProvisionState is the provisioning part of a Record.
type ProvisionState struct {
	Provider string `yaml:"provider" json:"provider"`
	Input    Values `yaml:"input" json:"input"`
	Output   Values `yaml:"output,omitempty" json:"output"`
}

// ConfigurationState is the configuration part of a Record.
type ConfigurationState struct {
	Configurator string `yaml:"configurator" json:"configurator"`
	Input        Values `yaml:"input" json:"input"`
	Output       Values `yaml:"output,omitempty" json:"output"`
}

// Metadata records when and with which tool version outputs were last written.
// Dates are unix milliseconds.
type Metadata struct {
	LastProvisionDate        int64  `yaml:"lastProvisionDate,omitempty" json:"lastProvisionDate,omitempty"`
	LastProvisionVersion     string `yaml:"lastProvisionVersion,omitempty" json:"lastProvisionVersion,omitempty"`
	LastConfigurationDate    int64  `yaml:"lastConfigurationDate,omitempty" json:"lastConfigurationDate,omitempty"`
	LastConfigurationVersion string `yaml:"lastConfigurationVersion,omitempty" json:"lastConfigurationVersion,omitempty"`
}

// NewRecord builds a fresh record at the current version.
func NewRecord(name, provider string, provisionInput Values, configurator string, configurationInput Values) *Record {
	if provisionInput == nil {
		provisionInput = Values{}
	}
	if configurationInput == nil {
		configurationInput = Values{}
	}
	return &Record{
		Name:    name,
		Version: CurrentVersion,
		Provision: ProvisionState{
			Provider: provider,
			Input:    provisionInput,
		},
		Configuration: ConfigurationState{
			Configurator: configurator,
			Input:        configurationInput,
		},
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Provision.Input = r.Provision.Input.Clone()
	c.Provision.Output = r.Provision.Output.Clone()
	c.Configuration.Input = r.Configuration.Input.Clone()
	c.Configuration.Output = r.Configuration.Output.Clone()
	if r.Metadata != nil {
		m := *r.Metadata
		c.Metadata = &m
	}
	c.Events = r.Events.Clone()
	return &c
}

// IsProvisioned reports whether provision output exists.
func (r *Record) IsProvisioned() bool {
	return r.Provision.Output != nil
}

// IsConfigured reports whether configuration output exists.
func (r *Record) IsConfigured() bool {
	return r.Configuration.Output != nil
}

// InstanceContext returns the provider view of the record. Maps are copied.
func (r *Record) InstanceContext() engine.InstanceContext {
	return engine.InstanceContext{
		Name:               r.Name,
		Provider:           r.Provision.Provider,
		ProvisionInput:     r.Provision.Input.Clone(),
		ProvisionOutput:    r.Provision.Output.Clone(),
		Configurator:       r.Configuration.Configurator,
		ConfigurationInput: r.Configuration.Input.Clone(),
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case Values:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
