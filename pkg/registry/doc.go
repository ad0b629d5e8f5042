// Package registry holds the process-wide coordination state shared between
// device notifications and the reconciliation dispatcher: three per-device
// timestamp registries and the table of ready ports.
//
// Registries are keyed by device. Each single-device operation is atomic, but
// there is no transaction across registries, so callers must tolerate a device
// briefly being visible in one registry and not yet in another.
package registry
