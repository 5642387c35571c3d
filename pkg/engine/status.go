package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServerRunningStatus is the normalized run state of an instance server.
type ServerRunningStatus string

const (
	// ServerStatusUnknown indicates the server state could not be determined,
	// or that no server currently exists.
	ServerStatusUnknown ServerRunningStatus = "unknown"

	// ServerStatusStarting indicates the server is booting.
	ServerStatusStarting ServerRunningStatus = "starting"

	// ServerStatusRunning indicates the server is up.
	ServerStatusRunning ServerRunningStatus = "running"

	// ServerStatusStopping indicates the server is shutting down.
	ServerStatusStopping ServerRunningStatus = "stopping"

	// ServerStatusStopped indicates the server is halted.
	ServerStatusStopped ServerRunningStatus = "stopped"
)

var serverTransitions = map[ServerRunningStatus][]ServerRunningStatus{
	ServerStatusUnknown:  {ServerStatusStarting, ServerStatusStopped},
	ServerStatusStarting: {ServerStatusRunning},
	ServerStatusRunning:  {ServerStatusStopping},
	ServerStatusStopping: {ServerStatusStopped},
	ServerStatusStopped:  {ServerStatusStarting},
}

// Validate checks if the server status is valid.
func (s ServerRunningStatus) Validate() error {
	switch s {
	case ServerStatusUnknown, ServerStatusStarting, ServerStatusRunning,
		ServerStatusStopping, ServerStatusStopped:
		return nil
	default:
		return fmt.Errorf("invalid server status: %s", s)
	}
}

// IsTransitional returns true while the server is starting or stopping.
func (s ServerRunningStatus) IsTransitional() bool {
	return s == ServerStatusStarting || s == ServerStatusStopping
}

// CanTransitionTo reports whether next is a legal successor of s.
// Staying in the same state is always allowed.
func (s ServerRunningStatus) CanTransitionTo(next ServerRunningStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range serverTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ServerRunningStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ServerRunningStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ServerRunningStatus(str)
	return s.Validate()
}

// StatusVocabulary maps backend-specific state names to ServerRunningStatus.
// Keys are compared case-insensitively.
type StatusVocabulary map[string]ServerRunningStatus

// MapServerStatus normalizes a backend state name.
// Any value absent from the vocabulary maps to ServerStatusUnknown.
func MapServerStatus(vocabulary StatusVocabulary, raw string) ServerRunningStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	for k, v := range vocabulary {
		if strings.ToLower(k) == key {
			return v
		}
	}
	return ServerStatusUnknown
}

// InstanceStatus is the status derived from an instance record, refined by a
// live server query when the record carries server identity.
type InstanceStatus struct {
	// Name is the instance name.
	Name string `json:"name"`

	// Provider is the provider tag of the instance.
	Provider string `json:"provider"`

	// Provisioned is true once provision output exists.
	Provisioned bool `json:"provisioned"`

	// Configured is true when configuration output exists for the current server.
	Configured bool `json:"configured"`

	// ServerStatus is the live run state, or unknown when no server exists.
	ServerStatus ServerRunningStatus `json:"serverStatus"`

	// Ready is true when the instance is configured, running and passes the readiness check.
	Ready bool `json:"ready"`
}

// Operation names an orchestrator operation. Used for events, journal rows,
// policy input and error context.
type Operation string

const (
	OperationProvision Operation = "provision"
	OperationConfigure Operation = "configure"
	OperationDeploy    Operation = "deploy"
	OperationStart     Operation = "start"
	OperationStop      Operation = "stop"
	OperationRestart   Operation = "restart"
	OperationDestroy   Operation = "destroy"
	OperationPair      Operation = "pair"
)

// Validate checks if the operation is known.
func (o Operation) Validate() error {
	switch o {
	case OperationProvision, OperationConfigure, OperationDeploy, OperationStart,
		OperationStop, OperationRestart, OperationDestroy, OperationPair:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// IsDestructive returns true if the operation removes cloud resources.
func (o Operation) IsDestructive() bool {
	return o == OperationDestroy
}
