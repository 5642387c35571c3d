// Package instance orchestrates the lifecycle of cloudypad instances.
//
// A Manager loads an instance record from the state store, builds the
// provider backend registered for its provider tag, runs the requested
// transition and writes the resulting output back. Status is always derived
// from the record, refined by a live server query when the record carries
// server identity.
//
// Instances with deleteInstanceServerOnStop follow the ephemeral lifecycle:
// stopping archives the data disk (when enabled) and deletes the server,
// starting recreates it and configures it again.
//
//	mgr := instance.NewManager(store, registry,
//		instance.WithJournal(journal),
//		instance.WithWaitTimeout(10*time.Minute),
//	)
//	if err := mgr.Start(ctx, "my-pad", engine.StartStopOptions{Wait: true}); err != nil {
//		return err
//	}
package instance
