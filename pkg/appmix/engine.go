package appmix

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (

	// this threshold constant assumes that re-enumerating audio sessions is
	// a kind of expensive operation, and that it shouldn't happen more often
	// than this between lookup misses
	minTimeBetweenSessionRefreshes = time.Second * 5

	// without a periodic refresh, sessions that never fire another event
	// could linger in the registry after their process is long gone
	maxTimeBetweenSessionRefreshes = time.Second * 45

	defaultEventBufferSize = 64

	sessionEventConsumerBufferSize = 16
)

// apartment pins the native threading model: enter runs on the locked owner
// thread before any native call, leave after the last one
type apartment interface {
	enter() error
	leave()
}

// engineOp is one unit of work for the owner thread. The result channel is
// buffered so the owner never blocks on a caller that abandoned the wait.
type engineOp struct {
	name    string
	execute func() error
	result  chan error
}

// Engine owns all interaction with the native audio subsystem. A single
// owner goroutine, locked to its OS thread, initializes the subsystem and
// executes every native call; public methods submit ops to it and wait.
type Engine struct {
	logger *zap.SugaredLogger

	finder SessionFinder
	router deviceRouter
	icons  *iconCache

	sessions    *sessionRegistry
	assignments map[uint32]string

	sink *eventSink
	ops  chan engineOp

	lastSessionRefresh time.Time

	stopChannel chan bool
	done        chan struct{}
	stopping    sync.Once

	consumers      []chan SessionEventNotification
	consumersMutex sync.RWMutex
}

func newEngine(
	logger *zap.SugaredLogger,
	finder SessionFinder,
	router deviceRouter,
	icons *iconCache,
	sink *eventSink,
) (*Engine, error) {
	logger = logger.Named("engine")

	engine := &Engine{
		logger:      logger,
		finder:      finder,
		router:      router,
		icons:       icons,
		sessions:    newSessionRegistry(logger),
		assignments: make(map[uint32]string),
		sink:        sink,
		ops:         make(chan engineOp),
		stopChannel: make(chan bool, 1),
		done:        make(chan struct{}),
	}

	logger.Debug("Created engine instance")

	return engine, nil
}

// Start brings up the native subsystem on the owner thread and performs the
// initial session acquisition. It returns once the engine is serving ops.
func (e *Engine) Start() error {
	e.logger.Debug("Starting audio engine")

	started := make(chan error)
	go e.run(started)

	if err := <-started; err != nil {
		return err
	}

	go e.consumeRawEvents()

	e.logger.Debug("Audio engine started")

	return nil
}

// Stop shuts the engine down: the owner thread releases every native
// resource and exits, then subscriber channels close. Operations issued
// after Stop fail with ErrEngineStopped. Stop must follow a successful
// Start.
func (e *Engine) Stop() {
	e.stopping.Do(func() {
		e.logger.Debug("Stopping audio engine")

		e.stopChannel <- true
		<-e.done

		e.closeEventChannels()

		e.logger.Debug("Audio engine stopped")
	})
}

// run is the owner thread: every native call the engine ever makes happens
// inside this goroutine, on this OS thread
func (e *Engine) run(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	apartment := newApartment(e.logger)

	if err := apartment.enter(); err != nil {
		e.logger.Errorw("Failed to initialize native audio subsystem", "error", err)
		started <- fmt.Errorf("enter apartment: %w", err)
		close(e.done)

		return
	}

	// failure here is not fatal, enumeration is retried on demand
	if err := e.refreshSessions(true); err != nil {
		e.logger.Warnw("Failed to acquire initial audio sessions", "error", err)
	}

	started <- nil

	refreshTicker := time.NewTicker(maxTimeBetweenSessionRefreshes)
	defer refreshTicker.Stop()

	for {
		select {
		case op := <-e.ops:
			op.result <- e.runOp(op)

		case <-refreshTicker.C:
			if err := e.refreshSessions(false); err != nil {
				e.logger.Warnw("Failed to refresh audio sessions", "error", err)
			}

		case <-e.stopChannel:
			e.teardown(apartment)
			close(e.done)

			return
		}
	}
}

func (e *Engine) runOp(op engineOp) error {
	err := op.execute()
	if err != nil {
		e.logger.Debugw("Operation failed", "op", op.name, "error", err)
	}

	return err
}

func (e *Engine) teardown(apartment apartment) {
	e.logger.Debug("Tearing down audio engine")

	if dropped := e.sink.droppedCount(); dropped > 0 {
		e.logger.Debugw("Session events were dropped due to backpressure", "count", dropped)
	}

	e.sessions.clear()

	if err := multierr.Combine(e.finder.Release(), e.router.close()); err != nil {
		e.logger.Warnw("Failed to release native resources", "error", err)
	}

	apartment.leave()

	e.logger.Debug("Audio engine teardown complete")
}

// do submits fn to the owner thread and waits for the result. A cancelled
// ctx abandons the wait only: an op that already entered the queue still
// executes, its buffered result channel just goes unread.
func (e *Engine) do(ctx context.Context, name string, fn func() error) error {
	op := engineOp{
		name:    name,
		execute: fn,
		result:  make(chan error, 1),
	}

	select {
	case e.ops <- op:
	case <-e.done:
		return fmt.Errorf("%s: %w", name, ErrEngineStopped)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}

	select {
	case err := <-op.result:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		return nil
	case <-e.done:
		return fmt.Errorf("%s: %w", name, ErrEngineStopped)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// ListSessions returns a snapshot of all live audio sessions
func (e *Engine) ListSessions(ctx context.Context) ([]AudioSession, error) {
	var sessions []AudioSession

	err := e.do(ctx, "list sessions", func() error {
		if err := e.refreshSessions(false); err != nil {
			e.logger.Warnw("Serving session snapshot without refresh", "error", err)
		}

		sessions = e.snapshotSessions()

		return nil
	})

	return sessions, err
}

// GetSession returns a snapshot of the session belonging to the given
// process, refreshing the registry once if it isn't known yet
func (e *Engine) GetSession(ctx context.Context, pid uint32) (AudioSession, error) {
	var session AudioSession

	err := e.do(ctx, "resolve session", func() error {
		record, err := e.lookupSession(pid)
		if err != nil {
			return err
		}

		session = e.snapshotSession(record)

		return nil
	})

	return session, err
}

// SetSessionVolume sets the volume level of the given process' session.
// v must be within [0.0, 1.0]: out-of-range values are rejected, never
// clamped.
func (e *Engine) SetSessionVolume(ctx context.Context, pid uint32, v float32) error {
	if v < 0.0 || v > 1.0 {
		return fmt.Errorf("set session volume: %w: %.2f", ErrVolumeOutOfRange, v)
	}

	return e.do(ctx, "set session volume", func() error {
		return e.withSession(pid, func(record *sessionRecord) error {
			return record.session.SetVolume(v)
		})
	})
}

// SetSessionMute sets the mute state of the given process' session.
// Setting the state the session already has is a no-op.
func (e *Engine) SetSessionMute(ctx context.Context, pid uint32, muted bool) error {
	return e.do(ctx, "set session mute", func() error {
		return e.withSession(pid, func(record *sessionRecord) error {
			if record.session.GetMute() == muted {
				return nil
			}

			return record.session.SetMute(muted)
		})
	})
}

// ListDevices enumerates the currently active render devices. The list is
// taken fresh from the system on every call; an empty list is valid.
func (e *Engine) ListDevices(ctx context.Context) ([]AudioDevice, error) {
	var devices []AudioDevice

	err := e.do(ctx, "list devices", func() error {
		all, err := e.finder.GetAllDevices()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
		}

		devices = all

		return nil
	})

	return devices, err
}

// ResolveIcon returns the PNG icon bytes for the given process' session,
// or nil when its executable has no extractable icon
func (e *Engine) ResolveIcon(ctx context.Context, pid uint32) ([]byte, error) {
	var icon []byte

	err := e.do(ctx, "resolve icon", func() error {
		record, err := e.lookupSession(pid)
		if err != nil {
			return err
		}

		if record.icon == nil {
			record.icon = e.icons.resolve(record.session.ProcessPath())
		}

		icon = record.icon

		return nil
	})

	return icon, err
}

// RouteSession makes deviceID the default render endpoint for the given
// process. The assignment is held by OS policy, not by appmix; appmix only
// remembers which device it last assigned per process.
func (e *Engine) RouteSession(ctx context.Context, pid uint32, deviceID string) error {
	return e.do(ctx, "route session", func() error {
		record, err := e.lookupSession(pid)
		if err != nil {
			return err
		}

		devices, err := e.finder.GetAllDevices()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
		}

		deviceIDs := make([]string, 0, len(devices))
		for _, device := range devices {
			deviceIDs = append(deviceIDs, device.ID)
		}

		if !funk.ContainsString(deviceIDs, deviceID) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}

		if err := e.router.route(record.session.PID(), deviceID); err != nil {
			return err
		}

		e.assignments[pid] = deviceID

		e.logger.Infow("Routed session to device", "pid", pid, "deviceID", deviceID)

		return nil
	})
}

// ClearRouting drops every per-process endpoint assignment held by the OS
func (e *Engine) ClearRouting(ctx context.Context) error {
	return e.do(ctx, "clear routing", func() error {
		if err := e.router.clear(); err != nil {
			return err
		}

		e.assignments = make(map[uint32]string)

		e.logger.Info("Cleared all routing assignments")

		return nil
	})
}

// Assignments returns which device each process was last routed to during
// this run
func (e *Engine) Assignments(ctx context.Context) (map[uint32]string, error) {
	assignments := make(map[uint32]string)

	err := e.do(ctx, "list routing assignments", func() error {
		for pid, deviceID := range e.assignments {
			assignments[pid] = deviceID
		}

		return nil
	})

	return assignments, err
}

// SubscribeToSessionEvents returns a channel that receives a notification
// for every observed session change. Delivery is best-effort: a consumer
// that falls behind misses notifications rather than slow the engine down.
// The channel closes when the engine stops.
func (e *Engine) SubscribeToSessionEvents() chan SessionEventNotification {
	c := make(chan SessionEventNotification, sessionEventConsumerBufferSize)

	e.consumersMutex.Lock()
	e.consumers = append(e.consumers, c)
	total := len(e.consumers)
	e.consumersMutex.Unlock()

	e.logger.Debugw("Added session event consumer", "total", total)

	return c
}

// lookupSession finds the record for a pid, refreshing once (subject to
// the refresh cooldown) when it's missing
func (e *Engine) lookupSession(pid uint32) (*sessionRecord, error) {
	if record, ok := e.sessions.get(pid); ok {
		return record, nil
	}

	// the process may have started after our last enumeration
	if err := e.refreshSessions(false); err != nil {
		e.logger.Warnw("Failed to refresh sessions during lookup", "error", err)
	}

	if record, ok := e.sessions.get(pid); ok {
		return record, nil
	}

	return nil, fmt.Errorf("%w: pid %d", ErrSessionNotFound, pid)
}

// withSession runs fn against the live record for pid, re-enumerating and
// retrying once when the native handle turns out to be stale
func (e *Engine) withSession(pid uint32, fn func(record *sessionRecord) error) error {
	record, err := e.lookupSession(pid)
	if err != nil {
		return err
	}

	err = fn(record)
	if !errors.Is(err, errRefreshSessions) {
		return err
	}

	e.logger.Debugw("Session handle went stale, refreshing", "pid", pid)

	if err := e.refreshSessions(true); err != nil {
		e.logger.Warnw("Failed to refresh sessions", "error", err)
	}

	record, ok := e.sessions.get(pid)
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrSessionNotFound, pid)
	}

	return fn(record)
}

// refreshSessions re-enumerates the system's sessions and reconciles the
// registry: new processes are subscribed and announced, vanished ones are
// retired, redundant handles are released
func (e *Engine) refreshSessions(force bool) error {
	if !force && e.lastSessionRefresh.Add(minTimeBetweenSessionRefreshes).After(time.Now()) {
		return nil
	}

	e.lastSessionRefresh = time.Now()

	enumerated, err := e.finder.GetAllSessions()
	if err != nil {
		return fmt.Errorf("enumerate audio sessions: %w", err)
	}

	seen := make(map[uint32]bool)

	for _, session := range enumerated {
		pid := session.PID()

		// first handle per pid wins, both within one enumeration and
		// against the registry
		if seen[pid] {
			session.Release()
			continue
		}

		seen[pid] = true

		if _, ok := e.sessions.get(pid); ok {
			session.Release()
			continue
		}

		e.addDiscoveredSession(session)
	}

	// sessions whose pid vanished from the enumeration are gone for good
	for _, pid := range e.sessions.pids() {
		if !seen[pid] {
			e.retireSession(pid)
		}
	}

	e.logger.Debugw("Refreshed sessions", "sessions", e.sessions)

	return nil
}

func (e *Engine) addDiscoveredSession(session Session) {
	record := &sessionRecord{session: session}

	if err := session.Subscribe(); err != nil {

		// a degraded session accepts commands but delivers no live updates
		e.logger.Warnw("Failed to subscribe to session events",
			"session", session,
			"error", err)

		record.degraded = true
	}

	record.icon = e.icons.resolve(session.ProcessPath())

	if !e.sessions.add(record) {
		session.Release()
		return
	}

	volume := session.GetVolume()
	muted := session.GetMute()

	e.notifyConsumers(SessionEventNotification{
		ProcessID: session.PID(),
		Volume:    &volume,
		Muted:     &muted,
		State:     session.State(),
		Icon:      record.icon,
	})
}

// retireSession delivers the final expired notification for a session and
// removes it for good. Runs on the owner thread.
func (e *Engine) retireSession(pid uint32) {
	record, ok := e.sessions.remove(pid)
	if !ok {
		return
	}

	e.logger.Debugw("Retiring expired session", "pid", pid)

	record.session.Release()
	delete(e.assignments, pid)

	e.notifyConsumers(SessionEventNotification{
		ProcessID: pid,
		State:     SessionStateExpired,
	})
}

func (e *Engine) snapshotSessions() []AudioSession {
	sessions := make([]AudioSession, 0)

	var expired []uint32

	e.sessions.iterate(func(record *sessionRecord) {
		snapshot := e.snapshotSession(record)
		sessions = append(sessions, snapshot)

		if snapshot.State == SessionStateExpired {
			expired = append(expired, snapshot.ProcessID)
		}
	})

	// an expired session gets this one final appearance
	for _, pid := range expired {
		e.retireSession(pid)
	}

	return sessions
}

func (e *Engine) snapshotSession(record *sessionRecord) AudioSession {
	session := record.session

	return AudioSession{
		ProcessID:   session.PID(),
		ProcessName: session.ProcessName(),
		DisplayName: session.DisplayName(),
		Volume:      session.GetVolume(),
		Muted:       session.GetMute(),
		State:       session.State(),
		Icon:        record.icon,
	}
}

// consumeRawEvents drains the native event sink. This runs off the callback
// thread and off the owner thread; state reads go back through ops like any
// other caller's would.
func (e *Engine) consumeRawEvents() {
	for {
		select {
		case event := <-e.sink.events:
			e.handleRawEvent(event)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) handleRawEvent(event rawSessionEvent) {
	switch event.kind {
	case rawEventVolumeChanged:

		// the raw event carries no values; the session itself is the
		// source of truth
		var volume float32
		var muted bool

		err := e.do(context.Background(), "read session state", func() error {
			record, ok := e.sessions.get(event.pid)
			if !ok {
				return fmt.Errorf("%w: pid %d", ErrSessionNotFound, event.pid)
			}

			volume = record.session.GetVolume()
			muted = record.session.GetMute()

			return nil
		})
		if err != nil {

			// the session got retired between the event and now
			e.logger.Debugw("Dropping event for unknown session", "pid", event.pid)
			return
		}

		e.notifyConsumers(SessionEventNotification{
			ProcessID: event.pid,
			Volume:    &volume,
			Muted:     &muted,
		})

	case rawEventStateChanged:
		state := sessionStateFromNative(event.state)

		if state == SessionStateExpired {
			e.expireSession(event.pid)
			return
		}

		e.notifyConsumers(SessionEventNotification{
			ProcessID: event.pid,
			State:     state,
		})

	case rawEventDisconnected:
		e.logger.Debugw("Session disconnected from its device",
			"pid", event.pid,
			"reason", event.reason)

		e.expireSession(event.pid)
	}
}

// expireSession runs the final-notification-and-retire sequence on the
// owner thread
func (e *Engine) expireSession(pid uint32) {
	_ = e.do(context.Background(), "retire session", func() error {
		e.retireSession(pid)
		return nil
	})
}

func (e *Engine) notifyConsumers(notification SessionEventNotification) {
	e.consumersMutex.RLock()
	consumers := make([]chan SessionEventNotification, len(e.consumers))
	copy(consumers, e.consumers)
	e.consumersMutex.RUnlock()

	for _, consumer := range consumers {
		func(consumer chan SessionEventNotification) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Debugw("Recovered from panic in notification send", "recovered", r)
				}
			}()

			select {
			case consumer <- notification:
			default:
			}
		}(consumer)
	}
}

func (e *Engine) closeEventChannels() {
	e.consumersMutex.Lock()
	defer e.consumersMutex.Unlock()

	for _, consumer := range e.consumers {
		close(consumer)
	}

	e.consumers = nil
}
