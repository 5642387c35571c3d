// Package telemetry provides observability for cloudypad operations.
//
// It bundles four pieces:
//
//  1. Structured logging with zerolog, with instance and operation fields
//  2. OpenTelemetry tracing, exported to stdout or an OTLP collector
//  3. Prometheus metrics on a private registry, written to a textfile on shutdown
//  4. An in-process event publisher the CLI and usage recorder subscribe to
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Textfile = "/var/lib/node_exporter/cloudypad.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// The instance manager then brackets each operation with WithOperationContext
// and EndOperationContext, and each provider call with RecordProviderOperation.
// Without telemetry in the context these helpers do nothing.
package telemetry
