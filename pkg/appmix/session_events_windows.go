package appmix

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

const (
	hresultSOK          = uintptr(0)
	hresultENoInterface = uintptr(0x80004002)
)

var iidIAudioSessionEvents = ole.NewGUID("{24918ACC-64B3-37C1-8CA9-74A66E9957A8}")

// sessionEventsVtbl mirrors the IAudioSessionEvents method table
type sessionEventsVtbl struct {
	queryInterface         uintptr
	addRef                 uintptr
	release                uintptr
	onDisplayNameChanged   uintptr
	onIconPathChanged      uintptr
	onSimpleVolumeChanged  uintptr
	onChannelVolumeChanged uintptr
	onGroupingParamChanged uintptr
	onStateChanged         uintptr
	onSessionDisconnected  uintptr
}

// sessionEvents is a COM object served to the audio subsystem: the vtable
// pointer must stay the first field. One instance is registered per
// subscribed session.
type sessionEvents struct {
	vtbl *sessionEventsVtbl

	refs int32
	pid  uint32
	sink *eventSink
}

// the trampolines are allocated once: callbacks created by
// syscall.NewCallback are permanent for the process lifetime
var (
	sessionEventsVtblOnce     sync.Once
	sessionEventsVtblInstance sessionEventsVtbl

	// keeps registered listeners reachable while the OS holds references
	// to them, and resolves `this` back to the Go object
	sessionEventsLock sync.Mutex
	sessionEventsLive = make(map[uintptr]*sessionEvents)
)

func sessionEventsVtable() *sessionEventsVtbl {
	sessionEventsVtblOnce.Do(func() {
		sessionEventsVtblInstance = sessionEventsVtbl{
			queryInterface:         syscall.NewCallback(sessionEventsQueryInterface),
			addRef:                 syscall.NewCallback(sessionEventsAddRef),
			release:                syscall.NewCallback(sessionEventsRelease),
			onDisplayNameChanged:   syscall.NewCallback(sessionEventsOnDisplayNameChanged),
			onIconPathChanged:      syscall.NewCallback(sessionEventsOnIconPathChanged),
			onSimpleVolumeChanged:  syscall.NewCallback(sessionEventsOnSimpleVolumeChanged),
			onChannelVolumeChanged: syscall.NewCallback(sessionEventsOnChannelVolumeChanged),
			onGroupingParamChanged: syscall.NewCallback(sessionEventsOnGroupingParamChanged),
			onStateChanged:         syscall.NewCallback(sessionEventsOnStateChanged),
			onSessionDisconnected:  syscall.NewCallback(sessionEventsOnSessionDisconnected),
		}
	})

	return &sessionEventsVtblInstance
}

// newSessionEvents creates a listener carrying one reference owned by the
// caller; releaseSessionEvents drops it
func newSessionEvents(pid uint32, sink *eventSink) *sessionEvents {
	events := &sessionEvents{
		vtbl: sessionEventsVtable(),
		refs: 1,
		pid:  pid,
		sink: sink,
	}

	sessionEventsLock.Lock()
	sessionEventsLive[uintptr(unsafe.Pointer(events))] = events
	sessionEventsLock.Unlock()

	return events
}

func releaseSessionEvents(events *sessionEvents) {
	sessionEventsRelease(uintptr(unsafe.Pointer(events)))
}

func liveSessionEvents(this uintptr) *sessionEvents {
	sessionEventsLock.Lock()
	defer sessionEventsLock.Unlock()

	return sessionEventsLive[this]
}

func sessionEventsQueryInterface(this uintptr, riid uintptr, ppv uintptr) uintptr {
	if ppv == 0 {
		return hresultENoInterface
	}

	iid := (*ole.GUID)(unsafe.Pointer(riid))

	if ole.IsEqualGUID(iid, ole.IID_IUnknown) || ole.IsEqualGUID(iid, iidIAudioSessionEvents) {
		*(*uintptr)(unsafe.Pointer(ppv)) = this
		sessionEventsAddRef(this)

		return hresultSOK
	}

	*(*uintptr)(unsafe.Pointer(ppv)) = 0

	return hresultENoInterface
}

func sessionEventsAddRef(this uintptr) uintptr {
	events := liveSessionEvents(this)
	if events == nil {
		return 0
	}

	return uintptr(atomic.AddInt32(&events.refs, 1))
}

func sessionEventsRelease(this uintptr) uintptr {
	events := liveSessionEvents(this)
	if events == nil {
		return 0
	}

	refs := atomic.AddInt32(&events.refs, -1)
	if refs == 0 {
		sessionEventsLock.Lock()
		delete(sessionEventsLive, this)
		sessionEventsLock.Unlock()
	}

	return uintptr(refs)
}

// The bodies below run on a native worker thread. Nothing here may block
// or call back into the audio subsystem; pushing into the sink is all
// they're allowed to do.

func sessionEventsOnDisplayNameChanged(this, newDisplayName, eventCtx uintptr) uintptr {
	return hresultSOK
}

func sessionEventsOnIconPathChanged(this, newIconPath, eventCtx uintptr) uintptr {
	return hresultSOK
}

// the float volume argument arrives in an XMM register the trampoline
// can't receive, so no argument here is trusted; the consumer re-reads
// the session's live values instead
func sessionEventsOnSimpleVolumeChanged(this, newVolume, newMute, eventCtx uintptr) uintptr {
	if events := liveSessionEvents(this); events != nil {
		events.sink.push(rawSessionEvent{
			pid:  events.pid,
			kind: rawEventVolumeChanged,
		})
	}

	return hresultSOK
}

func sessionEventsOnChannelVolumeChanged(this, channelCount, newChannelVolumes, changedChannel, eventCtx uintptr) uintptr {
	return hresultSOK
}

func sessionEventsOnGroupingParamChanged(this, newGroupingParam, eventCtx uintptr) uintptr {
	return hresultSOK
}

func sessionEventsOnStateChanged(this, newState uintptr) uintptr {
	if events := liveSessionEvents(this); events != nil {
		events.sink.push(rawSessionEvent{
			pid:   events.pid,
			kind:  rawEventStateChanged,
			state: uint32(newState),
		})
	}

	return hresultSOK
}

func sessionEventsOnSessionDisconnected(this, disconnectReason uintptr) uintptr {
	if events := liveSessionEvents(this); events != nil {
		events.sink.push(rawSessionEvent{
			pid:    events.pid,
			kind:   rawEventDisconnected,
			reason: uint32(disconnectReason),
		})
	}

	return hresultSOK
}
