// Package engine defines the contracts shared by the cloudypad instance
// orchestrator and its provider backends.
//
// # Overview
//
// An instance goes through provisioning (cloud resources are created),
// configuration (the host is prepared for game streaming) and then run
// control (start, stop, restart). Each step is delegated to a provider
// backend through the interfaces in this package:
//
//   - Provisioner: creates and destroys cloud resources
//   - Configurator: prepares a provisioned host
//   - Runner: starts, stops, restarts and queries the server
//
// Optional capabilities are discovered with type assertions on the backend:
//
//   - ReadinessChecker: streaming server readiness
//   - Pairer: Moonlight client pairing
//   - DiskSnapshotter, ServerDestroyer, ServerRecreator, ImageSnapshotter:
//     ephemeral server lifecycle (delete the server on stop, rebuild it on start)
//
// # Registry
//
// Backends and configurators are looked up by tag in a Registry. The tag is
// stored in the instance record at creation and never changes:
//
//	reg := engine.NewRegistry()
//	_ = reg.RegisterBackend("dummy", dummy.NewFactory(infra))
//	backend, err := reg.Backend(ctx, inst)
//
// # Error Classification
//
// Every error crossing the orchestrator boundary is an *EngineError with one
// of the classes validation, not_found, precondition, provider, timeout or
// user_abort. Use the helpers to inspect them:
//
//	if engine.IsUserAbort(err) {
//	    return nil
//	}
//
// Provider errors always wrap their cause. Retrying is done only by a
// Retrier with an explicit attempt count and delay.
//
// # Server Status
//
// ServerRunningStatus normalizes backend vocabularies to
// unknown/starting/running/stopping/stopped. MapServerStatus maps any
// unrecognized backend value to unknown.
package engine
