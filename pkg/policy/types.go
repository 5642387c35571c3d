package policy

import (
	"time"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation like SeverityError.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// deny rule of the module package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when at least one violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and failed evaluations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document exposed to policies as input.
type Input struct {
	Operation string        `json:"operation"`
	Instance  InstanceInput `json:"instance"`
}

// InstanceInput is the view of an instance record given to policies.
type InstanceInput struct {
	Name               string                 `json:"name"`
	Provider           string                 `json:"provider"`
	Configurator       string                 `json:"configurator"`
	ProvisionInput     map[string]interface{} `json:"provisionInput"`
	ProvisionOutput    map[string]interface{} `json:"provisionOutput,omitempty"`
	ConfigurationInput map[string]interface{} `json:"configurationInput"`
	Provisioned        bool                   `json:"provisioned"`
	Configured         bool                   `json:"configured"`
}

// NewInput builds the policy input of op on rec.
func NewInput(op engine.Operation, rec *state.Record) *Input {
	return &Input{
		Operation: string(op),
		Instance: InstanceInput{
			Name:               rec.Name,
			Provider:           rec.Provision.Provider,
			Configurator:       rec.Configuration.Configurator,
			ProvisionInput:     rec.Provision.Input.Clone(),
			ProvisionOutput:    rec.Provision.Output.Clone(),
			ConfigurationInput: rec.Configuration.Input.Clone(),
			Provisioned:        rec.IsProvisioned(),
			Configured:         rec.IsConfigured(),
		},
	}
}
