package appmix

import (
	"sync/atomic"
)

// SessionEventNotification describes a change observed on one audio session.
// Nil fields mean "unchanged", so a volume of 0 and an unreported volume
// stay distinguishable.
type SessionEventNotification struct {
	ProcessID uint32       `json:"process_id"`
	Volume    *float32     `json:"volume,omitempty"`
	Muted     *bool        `json:"is_muted,omitempty"`
	State     SessionState `json:"state,omitempty"`
	Icon      []byte       `json:"icon,omitempty"`
}

// raw events cross from native callback threads into the engine. They carry
// identifiers only: the callback trampoline can't receive float arguments,
// so the consumer re-reads current values on the owner thread instead.
type rawSessionEvent struct {
	pid    uint32
	kind   rawSessionEventKind
	state  uint32
	reason uint32
}

type rawSessionEventKind int

const (
	rawEventVolumeChanged rawSessionEventKind = iota
	rawEventStateChanged
	rawEventDisconnected
)

// session states as reported by the native subsystem
const (
	nativeSessionStateInactive uint32 = 0
	nativeSessionStateActive   uint32 = 1
	nativeSessionStateExpired  uint32 = 2
)

func sessionStateFromNative(state uint32) SessionState {
	switch state {
	case nativeSessionStateActive:
		return SessionStateActive
	case nativeSessionStateExpired:
		return SessionStateExpired
	default:
		return SessionStateInactive
	}
}

// eventSink is the only bridge between native callback threads and the
// engine. Sends never block: when the buffer is full the event is dropped
// and counted.
type eventSink struct {
	events  chan rawSessionEvent
	dropped uint64
}

func newEventSink(bufferSize int) *eventSink {
	return &eventSink{events: make(chan rawSessionEvent, bufferSize)}
}

func (sink *eventSink) push(event rawSessionEvent) {
	select {
	case sink.events <- event:
	default:
		atomic.AddUint64(&sink.dropped, 1)
	}
}

func (sink *eventSink) droppedCount() uint64 {
	return atomic.LoadUint64(&sink.dropped)
}
