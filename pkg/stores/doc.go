// Package stores provides persistence for cloudypad.
//
// Instance records are kept by a StateStore on top of a Backend: the local
// filesystem (<data root>/instances/<name>/state.yml, atomic rename, flock
// per instance), an S3 bucket using the same key layout, or memory for tests.
//
// A SQLite Journal (WAL mode, embedded golang-migrate migrations) keeps the
// unbounded history of operations and lifecycle events behind the
// "history" command, and anonymous usage events when analytics are enabled.
package stores
