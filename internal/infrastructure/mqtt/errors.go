package mqtt

import "errors"

// Sentinel errors. Check with errors.Is.
var (
	// ErrNotConnected is returned while the broker link is down. Paho keeps
	// reconnecting in the background.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed is returned when the first connect does not succeed.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps broker and timeout errors on publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps broker and timeout errors on subscribe.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic is returned for empty topics and for publish topics
	// that contain wildcards.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
