// Package model defines the forwarding-state entities exchanged between the
// config store, the reconcilers and the device-facing collaborators: flows,
// groups, meters, table features, their stale markers and the per-device
// snapshot that carries them.
package model
