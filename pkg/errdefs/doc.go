// Package errdefs defines the error kinds shared by the instancer packages.
//
// Callers distinguish kinds with errors.Is and errors.As: validation
// failures are fatal at catalog load, runtime unavailability is retried with
// backoff by the admission controller, provisioning failures are rolled back
// and surfaced without retry, and reap failures are logged and retried on
// the next reaper cycle.
package errdefs
