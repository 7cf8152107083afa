package appmix

import (
	"strings"

	"go.uber.org/zap"
)

// SessionState describes the lifecycle state of an audio session
type SessionState string

const (
	SessionStateActive   SessionState = "active"
	SessionStateInactive SessionState = "inactive"
	SessionStateExpired  SessionState = "expired"
)

// AudioSession is an immutable snapshot of a live audio session
type AudioSession struct {
	ProcessID   uint32       `json:"process_id"`
	ProcessName string       `json:"process_name"`
	DisplayName string       `json:"display_name,omitempty"`
	Volume      float32      `json:"volume"`
	Muted       bool         `json:"is_muted"`
	State       SessionState `json:"state"`
	Icon        []byte       `json:"icon,omitempty"`
}

// Session represents an active per-process audio session in the native backend
type Session interface {
	PID() uint32
	ProcessName() string
	DisplayName() string
	ProcessPath() string
	Key() string

	GetVolume() float32
	SetVolume(v float32) error
	GetMute() bool
	SetMute(v bool) error
	State() SessionState

	Subscribe() error
	Unsubscribe() error

	Release()
}

const (

	// ideally these would share a common ground in baseSession
	// but it will not call the child GetVolume correctly :/
	sessionCreationLogMessage = "Created audio session instance"

	// format this with s.humanReadableDesc and whatever volume
	sessionStringFormat = "<session: %s, vol: %.2f>"
)

type baseSession struct {
	logger *zap.SugaredLogger

	pid         uint32
	processName string
	displayName string
	processPath string

	// used by String(), needs to be set by child
	humanReadableDesc string
}

func (s *baseSession) PID() uint32 {
	return s.pid
}

func (s *baseSession) ProcessName() string {
	return s.processName
}

func (s *baseSession) DisplayName() string {
	return s.displayName
}

func (s *baseSession) ProcessPath() string {
	return s.processPath
}

func (s *baseSession) Key() string {
	return strings.ToLower(s.processName)
}
