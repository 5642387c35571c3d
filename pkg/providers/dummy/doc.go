// Package dummy implements a provider that simulates a cloud. Servers,
// disks, snapshots and images only exist in an Infrastructure, optionally
// persisted to a file, and state changes honor configurable delays.
//
// The dummy backend configures its own instances, so dummy instances never
// reach a real host.
package dummy
