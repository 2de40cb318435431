package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Callers treat it as "run without telemetry".
	ErrDisabled = errors.New("influxdb: disabled")

	// ErrConnectionFailed is returned when the startup ping fails.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrUnhealthy is returned when the server answers the ping but
	// reports itself not ready.
	ErrUnhealthy = errors.New("influxdb: server not ready")
)
