package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// MaxEvents is the capacity of an EventLog.
const MaxEvents = 10

// EventType identifies a lifecycle event.
type EventType string

const (
	EventProvisionBegin     EventType = "provision-begin"
	EventProvisionEnd       EventType = "provision-end"
	EventConfigurationBegin EventType = "configuration-begin"
	EventConfigurationEnd   EventType = "configuration-end"
	EventStartBegin         EventType = "start-begin"
	EventStartEnd           EventType = "start-end"
	EventStopBegin          EventType = "stop-begin"
	EventStopEnd            EventType = "stop-end"
	EventDestroyBegin       EventType = "destroy-begin"
	EventDestroyEnd         EventType = "destroy-end"
)

// Validate checks if the event type is known.
func (t EventType) Validate() error {
	switch t {
	case EventProvisionBegin, EventProvisionEnd,
		EventConfigurationBegin, EventConfigurationEnd,
		EventStartBegin, EventStartEnd,
		EventStopBegin, EventStopEnd,
		EventDestroyBegin, EventDestroyEnd:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", t)
	}
}

// Event is one entry in an instance's history. Timestamp is unix milliseconds.
type Event struct {
	Type      EventType `yaml:"type" json:"type"`
	Timestamp int64     `yaml:"timestamp" json:"timestamp"`
}

// EventLog keeps at most MaxEvents entries. When full, adding an event evicts
// the entry with the smallest timestamp, which is not necessarily the oldest
// insertion.
type EventLog struct {
	entries []Event
}

// NewEventLog builds a log from existing entries, applying the capacity rule.
func NewEventLog(events ...Event) EventLog {
	var l EventLog
	for _, e := range events {
		l.Add(e)
	}
	return l
}

// Add appends e, evicting the minimum-timestamp entry if the log is full.
func (l *EventLog) Add(e Event) {
	l.entries = append(l.entries, e)
	for len(l.entries) > MaxEvents {
		minIdx := 0
		for i, cur := range l.entries {
			if cur.Timestamp < l.entries[minIdx].Timestamp {
				minIdx = i
			}
		}
		l.entries = append(l.entries[:minIdx], l.entries[minIdx+1:]...)
	}
}

// Len returns the number of entries.
func (l EventLog) Len() int {
	return len(l.entries)
}

// Events returns a copy of the entries in insertion order.
func (l EventLog) Events() []Event {
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// Sorted returns a copy of the entries ordered by timestamp.
func (l EventLog) Sorted() []Event {
	out := l.Events()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Latest returns the entry with the greatest timestamp.
func (l EventLog) Latest() (Event, bool) {
	if len(l.entries) == 0 {
		return Event{}, false
	}
	latest := l.entries[0]
	for _, e := range l.entries[1:] {
		if e.Timestamp >= latest.Timestamp {
			latest = e
		}
	}
	return latest, true
}

// Clone returns an independent copy.
func (l EventLog) Clone() EventLog {
	return EventLog{entries: l.Events()}
}

// IsZero reports whether the log is empty.
func (l EventLog) IsZero() bool {
	return len(l.entries) == 0
}

// MarshalYAML encodes the log as a plain sequence.
func (l EventLog) MarshalYAML() (interface{}, error) {
	return l.Events(), nil
}

// UnmarshalYAML decodes a sequence, applying the capacity rule.
func (l *EventLog) UnmarshalYAML(value *yaml.Node) error {
	var events []Event
	if err := value.Decode(&events); err != nil {
		return err
	}
	*l = NewEventLog(events...)
	return nil
}

// MarshalJSON encodes the log as a plain array.
func (l EventLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Events())
}

// UnmarshalJSON decodes an array, applying the capacity rule.
func (l *EventLog) UnmarshalJSON(data []byte) error {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	*l = NewEventLog(events...)
	return nil
}
