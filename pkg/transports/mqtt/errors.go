package mqtt

import "errors"

// Errors returned by the MQTT transport.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrAckTimeout resolves a command the device did not acknowledge in time.
	ErrAckTimeout = errors.New("mqtt: acknowledgement timed out")

	// ErrRejected resolves a command the device answered with an error.
	ErrRejected = errors.New("mqtt: command rejected by device")

	// ErrClosed resolves commands still pending when the southbound is closed.
	ErrClosed = errors.New("mqtt: southbound closed")
)
