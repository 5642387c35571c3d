package instance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/stores"
	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

// UsageSink stores anonymous usage events.
type UsageSink interface {
	RecordUsage(ctx context.Context, event *stores.UsageEvent) error
}

// UsageRecorder turns operation outcomes into anonymous usage events. Only
// the operation name and outcome are kept, never instance names or inputs.
type UsageRecorder struct {
	sink      UsageSink
	installID string
}

// NewUsageRecorder creates a recorder storing events for installID in sink.
func NewUsageRecorder(sink UsageSink, installID string) *UsageRecorder {
	return &UsageRecorder{sink: sink, installID: installID}
}

// Attach subscribes the recorder to operation outcome events of p.
func (r *UsageRecorder) Attach(p *telemetry.EventPublisher) {
	p.Subscribe(r.Handle, telemetry.FilterByType(
		telemetry.EventTypeOperationCompleted,
		telemetry.EventTypeOperationFailed,
	))
}

// Handle records one telemetry event.
func (r *UsageRecorder) Handle(event telemetry.Event) {
	outcome := "succeeded"
	if event.Type == telemetry.EventTypeOperationFailed {
		outcome = "failed"
	}

	props, err := json.Marshal(map[string]string{
		"operation": event.Operation,
		"outcome":   outcome,
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to encode usage properties")
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err = r.sink.RecordUsage(context.Background(), &stores.UsageEvent{
		InstallID:  r.installID,
		Name:       "operation_" + outcome,
		Properties: string(props),
		Timestamp:  ts.UTC(),
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to record usage event")
	}
}
