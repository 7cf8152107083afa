package appmix

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	ps "github.com/mitchellh/go-ps"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"

	"github.com/appmix/appmix/pkg/appmix/util"
)

// reported by core audio calls whose underlying device got removed
const hresultDeviceInvalidated = uintptr(0x88890004)

const unknownProcessName = "Unknown"

type wcaSession struct {
	baseSession

	control *wca.IAudioSessionControl2
	volume  *wca.ISimpleAudioVolume

	eventCtx *ole.GUID
	sink     *eventSink

	events     *sessionEvents
	subscribed bool
}

func newWCASession(
	logger *zap.SugaredLogger,
	control *wca.IAudioSessionControl2,
	volume *wca.ISimpleAudioVolume,
	pid uint32,
	eventCtx *ole.GUID,
	sink *eventSink,
) (*wcaSession, error) {

	s := &wcaSession{
		control:  control,
		volume:   volume,
		eventCtx: eventCtx,
		sink:     sink,
	}

	s.pid = pid

	process, err := ps.FindProcess(int(pid))
	if err != nil {

		// the session is still controllable without a name
		logger.Warnw("Failed to find process name by ID", "pid", pid, "error", err)
		s.processName = unknownProcessName
	} else if process == nil {
		defer s.Release()

		logger.Debugw("Process already exited", "pid", pid)
		return nil, errNoSuchProcess
	} else {
		s.processName = process.Executable()
	}

	if processPath, err := util.GetProcessPath(int(pid)); err != nil {
		logger.Debugw("Failed to get process path", "pid", pid, "error", err)
	} else {
		s.processPath = processPath

		if description, err := util.GetFileDescription(processPath); err == nil && description != "" {
			s.displayName = description
		}
	}

	s.humanReadableDesc = fmt.Sprintf("%s (pid %d)", s.processName, s.pid)

	// use a self-identifying session name e.g. appmix.sessions.chrome
	s.logger = logger.Named(strings.TrimSuffix(s.Key(), ".exe"))
	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s, nil
}

func (s *wcaSession) GetVolume() float32 {
	var level float32

	if err := s.volume.GetMasterVolume(&level); err != nil {
		s.logger.Warnw("Failed to get session volume", "error", err)
	}

	return level
}

func (s *wcaSession) SetVolume(v float32) error {
	wasMuted := s.GetMute()

	if err := s.volume.SetMasterVolume(v, s.eventCtx); err != nil {
		s.logger.Warnw("Failed to set session volume", "error", err)

		if isDeviceInvalidated(err) {
			return errRefreshSessions
		}

		return fmt.Errorf("adjust session volume: %w", err)
	}

	// make sure we're not dealing with an expired session
	var state uint32

	if err := s.control.GetState(&state); err == nil && state == wca.AudioSessionStateExpired {
		s.logger.Warnw("Audio session expired, triggering session refresh")
		return errRefreshSessions
	}

	// setting the volume on some endpoints clears the mute state, restore it
	if wasMuted {
		if err := s.SetMute(true); err != nil {
			s.logger.Warnw("Failed to restore mute state", "error", err)
		}
	}

	s.logger.Debugw("Adjusting session volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *wcaSession) GetMute() bool {
	var muted bool

	if err := s.volume.GetMute(&muted); err != nil {
		s.logger.Warnw("Failed to get session mute state", "error", err)
	}

	return muted
}

func (s *wcaSession) SetMute(muted bool) error {
	if err := s.volume.SetMute(muted, s.eventCtx); err != nil {
		s.logger.Warnw("Failed to set session mute state", "error", err)

		if isDeviceInvalidated(err) {
			return errRefreshSessions
		}

		return fmt.Errorf("adjust session mute state: %w", err)
	}

	s.logger.Debugw("Adjusting session mute state", "to", muted)

	return nil
}

// State reports the session's native lifecycle state. A handle that can no
// longer be queried counts as expired, which routes it into retirement.
func (s *wcaSession) State() SessionState {
	var state uint32

	if err := s.control.GetState(&state); err != nil {
		s.logger.Warnw("Failed to get session state", "error", err)
		return SessionStateExpired
	}

	return sessionStateFromNative(state)
}

// Subscribe registers for native change notifications on this session.
// Idempotent: a subscribed session stays subscribed.
func (s *wcaSession) Subscribe() error {
	if s.subscribed {
		return nil
	}

	events := newSessionEvents(s.pid, s.sink)

	hr, _, _ := syscall.SyscallN(
		s.control.VTable().RegisterAudioSessionNotification,
		uintptr(unsafe.Pointer(s.control)),
		uintptr(unsafe.Pointer(events)))
	if int32(hr) < 0 {
		releaseSessionEvents(events)
		return fmt.Errorf("register session notification: %w", ole.NewError(hr))
	}

	s.events = events
	s.subscribed = true

	s.logger.Debug("Subscribed to session events")

	return nil
}

// Unsubscribe tears the notification registration down. Idempotent.
func (s *wcaSession) Unsubscribe() error {
	if !s.subscribed {
		return nil
	}

	hr, _, _ := syscall.SyscallN(
		s.control.VTable().UnregisterAudioSessionNotification,
		uintptr(unsafe.Pointer(s.control)),
		uintptr(unsafe.Pointer(s.events)))
	if int32(hr) < 0 {
		s.logger.Warnw("Failed to unregister session notification", "error", ole.NewError(hr))
	}

	releaseSessionEvents(s.events)

	s.events = nil
	s.subscribed = false

	s.logger.Debug("Unsubscribed from session events")

	return nil
}

func (s *wcaSession) Release() {
	s.logger.Debug("Releasing audio session")

	if err := s.Unsubscribe(); err != nil {
		s.logger.Warnw("Failed to unsubscribe during release", "error", err)
	}

	s.volume.Release()
	s.control.Release()
}

func (s *wcaSession) String() string {
	return fmt.Sprintf(sessionStringFormat, s.humanReadableDesc, s.GetVolume())
}

func isDeviceInvalidated(err error) bool {
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		return oleErr.Code() == hresultDeviceInvalidated
	}

	return false
}
