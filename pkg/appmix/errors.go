package appmix

import "errors"

// Failure kinds surfaced by Engine operations. Callers should match
// them with errors.Is, as most call sites wrap them with context.
var (

	// ErrComInitFailed means the audio subsystem could not be brought up
	ErrComInitFailed = errors.New("audio subsystem initialization failed")

	// ErrEngineStopped is returned by operations issued after Stop
	ErrEngineStopped = errors.New("audio engine stopped")

	// ErrSessionNotFound means no live audio session matches the process ID
	ErrSessionNotFound = errors.New("audio session not found")

	// ErrDeviceNotFound means no active render device matches the device ID
	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrVolumeOutOfRange means a volume value fell outside [0.0, 1.0]
	ErrVolumeOutOfRange = errors.New("volume out of range")

	// ErrDeviceEnumeration means the device listing itself failed
	ErrDeviceEnumeration = errors.New("device enumeration failed")

	// ErrRoutingUnavailable means the per-app routing interface could not
	// be obtained on this system
	ErrRoutingUnavailable = errors.New("audio routing api unavailable")
)

// internal sentinels
var (
	errNoSuchProcess = errors.New("no such process")

	// returned by session methods whose native handle went stale; the
	// engine reacts by re-enumerating and retrying once
	errRefreshSessions = errors.New("trigger session refresh")
)
